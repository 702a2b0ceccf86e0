package tcptunnel

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/jhump/tcptunnel/internal"
	"github.com/jhump/tcptunnel/internal/config"
	"github.com/jhump/tcptunnel/internal/logging"
	"github.com/jhump/tcptunnel/internal/metrics"
	"github.com/jhump/tcptunnel/internal/transport"
)

// tunnelEnv is a gateway served over loopback gRPC plus a proxy in front of
// it.
type tunnelEnv struct {
	gateway   *Gateway
	cc        *grpc.ClientConn
	proxyAddr string
	metrics   *metrics.Metrics
}

func startTunnel(t *testing.T, backends []string, opts ...TunnelOption) *tunnelEnv {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	opts = append([]TunnelOption{WithMetrics(m)}, opts...)

	gw, err := NewGateway(backends, opts...)
	require.NoError(t, err)

	cfg := config.Default().Transport
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer(transport.ServerOptions(cfg)...)
	gw.Register(gs)
	go func() {
		if err := gs.Serve(l); err != nil {
			t.Logf("error from grpc server: %v", err)
		}
	}()
	t.Cleanup(gs.Stop)

	cc := connect(t, l.Addr().String(), cfg)
	env := &tunnelEnv{gateway: gw, cc: cc, metrics: m}
	env.proxyAddr = startProxy(t, cc, opts...)
	return env
}

// connect creates a channel to addr and waits for it to be ready, so that
// its transport goroutines exist before any leak check starts counting.
func connect(t *testing.T, addr string, cfg config.TransportConfig) *grpc.ClientConn {
	cc, err := grpc.NewClient(addr, transport.DialOptions(cfg)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cc.Connect()
	for state := cc.GetState(); state != connectivity.Ready; state = cc.GetState() {
		require.True(t, cc.WaitForStateChange(ctx, state), "gateway channel never became ready")
	}
	return cc
}

func startProxy(t *testing.T, cc grpc.ClientConnInterface, opts ...TunnelOption) string {
	p := NewProxy(cc, opts...)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

func startEcho(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = internal.ServeEcho(ctx, l, logging.NopLogger())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

// drainConn connects to addr and reads until the far side is done or the
// deadline passes, without sending anything.
func drainConn(t *testing.T, addr string) ([]byte, error) {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return io.ReadAll(conn)
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestTunnel_Echo(t *testing.T) {
	env := startTunnel(t, []string{startEcho(t)}, WithChunkSize(2048))

	// the gateway's server transport finishes starting on the first call;
	// do one before counting goroutines
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer warmCancel()
	require.NoError(t, internal.EchoRoundTrip(warmCtx, env.proxyAddr, []byte("warm up")))

	t.Run("single", func(t *testing.T) {
		checkForGoroutineLeak(t, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// 5000 bytes go out as chunks of 2048, 2048 and 904
			require.NoError(t, internal.EchoRoundTrip(ctx, env.proxyAddr, randomBytes(t, 5000)))
		})
	})

	t.Run("empty", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, internal.EchoRoundTrip(ctx, env.proxyAddr, nil))
	})

	t.Run("concurrent", func(t *testing.T) {
		checkForGoroutineLeak(t, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := internal.SendPayloads(ctx, env.proxyAddr, 8, 4, 256*1024)
			require.NoError(t, err)
			assert.Equal(t, int64(8*4*256*1024), n)
		})
	})

	require.Eventually(t, func() bool { return env.gateway.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.SessionsActive.WithLabelValues(metrics.SideGateway)))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.SessionsActive.WithLabelValues(metrics.SideProxy)) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(3+8*4), testutil.ToFloat64(env.metrics.SessionsTotal.WithLabelValues(metrics.SideGateway)))
}

func TestTunnel_RoundRobin(t *testing.T) {
	const numBackends = 3
	var mu sync.Mutex
	var visits []int
	backends := make([]string, numBackends)
	for i := range backends {
		i := i
		backends[i] = serveBackend(t, func(conn net.Conn) {
			mu.Lock()
			visits = append(visits, i)
			mu.Unlock()
			_, _ = conn.Write([]byte{byte('0' + i)})
			_ = conn.Close()
		})
	}
	env := startTunnel(t, backends)

	for i := 0; i < 2*numBackends; i++ {
		conn, err := net.Dial("tcp", env.proxyAddr)
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		data, err := io.ReadAll(conn)
		_ = conn.Close()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte('0' + i%numBackends)}, data)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, visits)
	assert.Equal(t, uint64(2*numBackends), env.gateway.Selector().Count())
	for _, b := range backends {
		assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.BackendSelections.WithLabelValues(b)))
	}
}

func TestTunnel_BackendUnreachable(t *testing.T) {
	const (
		backend = "10.255.255.1:22"
		timeout = 300 * time.Millisecond
	)
	blocking := dialerFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := startTunnel(t, []string{backend}, WithDialer(blocking), WithConnectTimeout(timeout))

	// first call brings up the gateway's server transport
	_, _ = drainConn(t, env.proxyAddr)

	checkForGoroutineLeak(t, func() {
		start := time.Now()
		// the proxy drops the connection without delivering anything
		data, err := drainConn(t, env.proxyAddr)
		elapsed := time.Since(start)
		assert.Empty(t, data)
		var netErr net.Error
		if errors.As(err, &netErr) {
			assert.False(t, netErr.Timeout(), "connection was never dropped")
		}
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+2*time.Second)
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.BackendDialFailures.WithLabelValues(backend)))
	assert.Zero(t, env.gateway.ActiveSessions())
}

func TestTunnel_BackendResetAbortsClient(t *testing.T) {
	backend := serveBackend(t, func(conn net.Conn) {
		// wait for the client, so the reset lands after the gateway's dial
		_, _ = io.ReadFull(conn, make([]byte, 1))
		_, _ = conn.Write([]byte("partial"))
		_ = conn.(*net.TCPConn).SetLinger(0)
		_ = conn.Close()
	})
	env := startTunnel(t, []string{backend})

	conn, err := net.Dial("tcp", env.proxyAddr)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	_, err = io.ReadAll(conn)
	// the client sees a reset, not a clean end of data
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "expected a reset, got %v", err)
	}
}

func TestProxy_ServeWaitsForSessions(t *testing.T) {
	backend := serveBackend(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("bye"))
		_ = conn.Close()
	})
	env := startTunnel(t, []string{backend})
	data, err := drainConn(t, env.proxyAddr)
	require.NoError(t, err)
	require.Equal(t, "bye", string(data))

	// the client below reads the whole response but never closes its
	// side, so the proxy must stop reading from it on its own
	var conn net.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()
	checkForGoroutineLeak(t, func() {
		p := NewProxy(env.cc, WithMaxSessions(1))
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		served := make(chan error, 1)
		go func() {
			served <- p.Serve(ctx, l)
		}()

		conn, err = net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		data, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "bye", string(data))

		cancel()
		select {
		case err := <-served:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return after its sessions ended")
		}
	})
}

func TestProxy_GatewayUnavailable(t *testing.T) {
	// reserve a port and release it, so nothing is listening there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cc, err := grpc.NewClient(addr, transport.DialOptions(config.Default().Transport)...)
	require.NoError(t, err)
	defer func() {
		_ = cc.Close()
	}()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	proxyAddr := startProxy(t, cc, WithMetrics(m))

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	data, _ := io.ReadAll(conn)
	assert.Empty(t, data)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.TunnelCallFailures) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues(metrics.SideProxy)))
}

func TestProxy_AcceptErrorsAreRetried(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	p := NewProxy(nil, WithMetrics(m))
	l := &flakyListener{failures: 3}

	err := p.Serve(context.Background(), l)
	require.ErrorIs(t, err, net.ErrClosed)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AcceptErrors))
}

func TestProxy_ServeStopsOnCancel(t *testing.T) {
	p := NewProxy(nil, WithMaxSessions(1))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- p.Serve(ctx, l)
	}()
	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

// flakyListener fails the given number of accepts and then reports itself
// closed.
type flakyListener struct {
	mu       sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("too many open files")
	}
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error { return nil }

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func checkForGoroutineLeak(t *testing.T, fn func()) {
	before := runtime.NumGoroutine()

	fn()

	// check for goroutine leaks
	deadline := time.Now().Add(time.Second * 5)
	after := 0
	for deadline.After(time.Now()) {
		after = runtime.NumGoroutine()
		if after <= before {
			// number of goroutines returned to previous level: no leak!
			return
		}
		time.Sleep(time.Millisecond * 50)
	}
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	t.Errorf("%d goroutines leaked:\n%s", after-before, string(buf[:n]))
}
