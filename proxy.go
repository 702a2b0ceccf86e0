package tcptunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fullstorydev/grpchan"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"

	"github.com/jhump/tcptunnel/internal/logging"
	"github.com/jhump/tcptunnel/internal/metrics"
	"github.com/jhump/tcptunnel/internal/recovery"
	"github.com/jhump/tcptunnel/tunnelpb"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Proxy is the client side of a tunnel. It accepts TCP connections and
// carries each one over its own Tunnel call.
//
// See NewProxy.
type Proxy struct {
	client   tunnelpb.TunnelServiceClient
	opts     *tunnelOpts
	sessions *semaphore.Weighted

	wg sync.WaitGroup
}

// NewProxy creates a proxy that opens tunnels using the given channel,
// which is typically a *grpc.ClientConn connected to a gateway.
//
// Relevant options are WithLogger, WithMetrics, WithChunkSize, and
// WithMaxSessions.
func NewProxy(cc grpc.ClientConnInterface, opts ...TunnelOption) *Proxy {
	p := &Proxy{opts: newTunnelOpts(opts)}
	if p.opts.maxSessions > 0 {
		p.sessions = semaphore.NewWeighted(int64(p.opts.maxSessions))
	}
	p.client = tunnelpb.NewTunnelServiceClient(grpchan.InterceptClientConn(cc, nil, p.interceptStream))
	return p
}

func (p *Proxy) interceptStream(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	cs, err := streamer(ctx, desc, cc, method, opts...)
	if err != nil {
		p.opts.metrics.TunnelCallFailed()
	}
	return cs, err
}

// ListenAndServe listens on the given TCP address and then calls Serve.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	p.opts.logger.Info("proxy listening", logging.KeyLocalAddr, l.Addr().String())
	return p.Serve(ctx, l)
}

// Serve accepts connections from l and tunnels each one. Failures to
// accept a connection are logged and do not stop the loop. Serve returns
// when ctx is done or l is closed, after all sessions it started have
// finished. Cancelling ctx also cancels those sessions.
func (p *Proxy) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	defer p.wg.Wait()

	var backoff time.Duration
	for {
		if p.sessions != nil {
			if err := p.sessions.Acquire(ctx, 1); err != nil {
				return err
			}
		}
		conn, err := l.Accept()
		if err != nil {
			p.releaseSession()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			p.opts.metrics.AcceptFailed()
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			p.opts.logger.Error("accept failed", logging.KeyError, err, logging.KeyRetryIn, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		backoff = 0

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.releaseSession()
			defer recovery.RecoverWithLog(p.opts.logger, "proxy.session")
			p.serveConn(ctx, conn)
		}()
	}
}

func (p *Proxy) releaseSession() {
	if p.sessions != nil {
		p.sessions.Release(1)
	}
}

// serveConn tunnels one accepted connection. It returns once both
// directions are done. When the response direction ends, the call is over,
// so the request direction stops reading from the connection.
func (p *Proxy) serveConn(ctx context.Context, conn net.Conn) {
	logger := newSessionLogger(p.opts.logger, metrics.SideProxy, conn.RemoteAddr())
	logger.Debug("accepted connection")
	rd, wr := splitConn(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := p.client.Tunnel(ctx)
	if err != nil {
		logger.Error("open tunnel failed", logging.KeyError, err)
		_ = rd.Close()
		_ = wr.Close()
		return
	}
	p.opts.metrics.SessionStarted(metrics.SideProxy)
	defer p.opts.metrics.SessionFinished(metrics.SideProxy)

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		defer recovery.RecoverWithLog(logger, "proxy.outbound")
		cr := NewChunkReader(rd, p.opts.chunkSize)
		err := sendChunks(cr, stream)
		_ = rd.Close()
		p.opts.metrics.AddBytes(metrics.SideProxy, metrics.DirectionUpstream, cr.Count())
		bytes := humanize.IBytes(uint64(cr.Count()))
		switch {
		case err != nil:
			// the call is over; the response side reports why
			logger.Debug("send to gateway stopped", logging.KeyBytes, bytes, logging.KeyError, err)
		case errors.Is(cr.Err(), net.ErrClosed):
			// the response side aborted the connection
			logger.Debug("local connection closed", logging.KeyBytes, bytes)
			cancel()
		case cr.Err() != nil:
			logger.Error("read from local connection failed", logging.KeyBytes, bytes, logging.KeyError, cr.Err())
			// make the failure visible to the gateway instead of
			// looking like a clean end of input
			cancel()
		default:
			if err := stream.CloseSend(); err != nil {
				logger.Debug("close send failed", logging.KeyError, err)
			}
			logger.Debug("local connection finished sending", logging.KeyBytes, bytes)
		}
	}()

	n, err := CopyChunks(wr, stream)
	wr.finish(err)
	// nothing more can be sent on a finished call
	cancel()
	_ = rd.Close()
	<-sendDone
	p.opts.metrics.AddBytes(metrics.SideProxy, metrics.DirectionDownstream, n)
	bytes := humanize.IBytes(uint64(n))
	if err != nil {
		logger.Error("relay from gateway failed", logging.KeyBytes, bytes, logging.KeyError, err)
		return
	}
	logger.Debug("gateway finished sending", logging.KeyBytes, bytes)
}
