package tcptunnel

import (
	"log/slog"
	"time"

	"github.com/jhump/tcptunnel/internal/logging"
	"github.com/jhump/tcptunnel/internal/metrics"
)

const (
	// DefaultChunkSize is the size of the scratch buffer used to read from
	// a TCP connection, and so the largest chunk sent on a tunnel stream.
	DefaultChunkSize = 2048
	// DefaultConnectTimeout bounds how long a gateway waits to connect to
	// a backend.
	DefaultConnectTimeout = 3 * time.Second
)

// TunnelOption is an option for configuring the behavior of a Proxy or a
// Gateway. Options that do not apply to one of them are ignored by it.
type TunnelOption interface {
	apply(*tunnelOpts)
}

// WithLogger returns an option that sets the logger used for session and
// error events. By default, nothing is logged.
func WithLogger(logger *slog.Logger) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		opts.logger = logger
	})
}

// WithMetrics returns an option that records session and byte counts in
// the given metrics.
func WithMetrics(m *metrics.Metrics) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		opts.metrics = m
	})
}

// WithChunkSize returns an option that sets the size of the buffer used to
// read from TCP connections. Values less than one are ignored.
func WithChunkSize(size int) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		if size > 0 {
			opts.chunkSize = size
		}
	})
}

// WithConnectTimeout returns an option that bounds how long a gateway
// waits for a backend connection to be established. Values less than or
// equal to zero are ignored.
func WithConnectTimeout(d time.Duration) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		if d > 0 {
			opts.connectTimeout = d
		}
	})
}

// WithDialer returns an option that sets the dialer a gateway uses to
// connect to backends.
func WithDialer(d Dialer) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		opts.dialer = d
	})
}

// WithMaxSessions returns an option that limits how many sessions may be
// active at once. A proxy stops accepting connections while at the limit;
// a gateway rejects tunnels with a "ResourceExhausted" error. Zero, the
// default, means no limit.
func WithMaxSessions(n int) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		if n >= 0 {
			opts.maxSessions = n
		}
	})
}

type tunnelOpts struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	chunkSize      int
	connectTimeout time.Duration
	dialer         Dialer
	maxSessions    int
}

func newTunnelOpts(opts []TunnelOption) *tunnelOpts {
	o := &tunnelOpts{
		chunkSize:      DefaultChunkSize,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt.apply(o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.dialer == nil {
		o.dialer = newKeepAliveDialer()
	}
	return o
}

type tunnelOptFunc func(*tunnelOpts)

func (t tunnelOptFunc) apply(opts *tunnelOpts) {
	t(opts)
}
