package tcptunnel

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/fullstorydev/grpchan"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/jhump/tcptunnel/internal"
	"github.com/jhump/tcptunnel/internal/logging"
	"github.com/jhump/tcptunnel/internal/metrics"
	"github.com/jhump/tcptunnel/internal/recovery"
	"github.com/jhump/tcptunnel/tunnelpb"
)

// Dialer opens connections to backends. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func newKeepAliveDialer() Dialer {
	return internal.NewKeepAliveDialer()
}

// Gateway is the server side of a tunnel. For each Tunnel call it connects
// to a backend, chosen in round-robin order, and relays bytes between the
// call and that connection.
//
// See NewGateway.
type Gateway struct {
	tunnelpb.UnimplementedTunnelServiceServer

	selector *BackendSelector
	opts     *tunnelOpts
	sessions *semaphore.Weighted
	active   atomic.Int64
}

var _ tunnelpb.TunnelServiceServer = (*Gateway)(nil)

// NewGateway creates a gateway that relays tunnels to the given backend
// addresses. At least one address is required.
//
// Relevant options are WithLogger, WithMetrics, WithChunkSize,
// WithConnectTimeout, WithDialer, and WithMaxSessions.
func NewGateway(backends []string, opts ...TunnelOption) (*Gateway, error) {
	selector, err := NewBackendSelector(backends)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		selector: selector,
		opts:     newTunnelOpts(opts),
	}
	if g.opts.maxSessions > 0 {
		g.sessions = semaphore.NewWeighted(int64(g.opts.maxSessions))
	}
	return g, nil
}

// Register registers the gateway's tunnel service with reg. Calls go
// through an interceptor that recovers from panics in session handling, so
// a bug in one session fails that call instead of the process.
func (g *Gateway) Register(reg grpc.ServiceRegistrar) {
	tunnelpb.RegisterTunnelServiceServer(grpchan.WithInterceptor(reg, g.interceptUnary, g.interceptStream), g)
}

// ActiveSessions returns the number of tunnels currently being served.
func (g *Gateway) ActiveSessions() int64 {
	return g.active.Load()
}

// Selector returns the selector used to pick backends.
func (g *Gateway) Selector() *BackendSelector {
	return g.selector
}

func (g *Gateway) interceptUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer recovery.RecoverWithCallback(g.opts.logger, info.FullMethod, func(r interface{}) {
		err = status.Errorf(codes.Internal, "panic: %v", r)
	})
	return handler(ctx, req)
}

func (g *Gateway) interceptStream(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer recovery.RecoverWithCallback(g.opts.logger, info.FullMethod, func(r interface{}) {
		err = status.Errorf(codes.Internal, "panic: %v", r)
	})
	return handler(srv, ss)
}

// Tunnel serves one tunnel session. It returns when the backend has
// finished sending (or failed), which completes the call and tells the
// client that no more data will arrive.
func (g *Gateway) Tunnel(stream tunnelpb.TunnelService_TunnelServer) error {
	if g.sessions != nil {
		if !g.sessions.TryAcquire(1) {
			g.opts.metrics.SessionRejected(metrics.SideGateway)
			return status.Errorf(codes.ResourceExhausted, "gateway is at its limit of %d sessions", g.opts.maxSessions)
		}
		defer g.sessions.Release(1)
	}

	ctx := stream.Context()
	var peerAddr net.Addr
	if p, ok := peer.FromContext(ctx); ok {
		peerAddr = p.Addr
	}
	addr := g.selector.Next()
	g.opts.metrics.BackendSelected(addr)
	logger := newSessionLogger(g.opts.logger, metrics.SideGateway, peerAddr).With(logging.KeyBackend, addr)

	dialCtx, cancel := context.WithTimeout(ctx, g.opts.connectTimeout)
	conn, err := g.opts.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		g.opts.metrics.BackendDialFailed(addr)
		logger.Error("backend dial failed", logging.KeyError, err)
		return backendDialError(addr, err)
	}

	g.active.Add(1)
	defer g.active.Add(-1)
	g.opts.metrics.SessionStarted(metrics.SideGateway)
	defer g.opts.metrics.SessionFinished(metrics.SideGateway)
	logger.Debug("tunnel opened")

	rd, wr := splitConn(conn)

	// set once the backend is done sending; after that, the call ending
	// underneath the inbound copy is the normal end of the session
	var outboundDone atomic.Bool
	go func() {
		defer recovery.RecoverWithLog(logger, "gateway.inbound")
		n, err := CopyChunks(wr, stream)
		g.opts.metrics.AddBytes(metrics.SideGateway, metrics.DirectionUpstream, n)
		if err != nil && outboundDone.Load() && ctx.Err() != nil {
			err = nil
		}
		wr.finish(err)
		switch {
		case err == nil:
			logger.Debug("client finished sending", logging.KeyBytes, humanize.IBytes(uint64(n)))
		case isCanceled(err):
			logger.Debug("client went away", logging.KeyBytes, humanize.IBytes(uint64(n)), logging.KeyError, err)
		default:
			logger.Error("relay to backend failed", logging.KeyBytes, humanize.IBytes(uint64(n)), logging.KeyError, err)
		}
	}()

	cr := NewChunkReader(rd, g.opts.chunkSize)
	sendErr := sendChunks(cr, stream)
	outboundDone.Store(true)
	_ = rd.Close()
	g.opts.metrics.AddBytes(metrics.SideGateway, metrics.DirectionDownstream, cr.Count())
	bytes := humanize.IBytes(uint64(cr.Count()))

	if sendErr != nil {
		logger.Debug("send to client failed", logging.KeyBytes, bytes, logging.KeyError, sendErr)
		return sendErr
	}
	if err := cr.Err(); err != nil {
		logger.Error("read from backend failed", logging.KeyBytes, bytes, logging.KeyError, err)
		return internalError("read backend", err)
	}
	logger.Debug("backend finished sending", logging.KeyBytes, bytes)
	return nil
}
