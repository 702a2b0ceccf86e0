package internal

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// NewKeepAliveDialer returns a dialer that turns on TCP keepalives for
// every connection it makes, leaving the keepalive interval and idle time
// at the OS defaults. It is used both for gateway channels and for backend
// connections, which may sit idle for a long time while a tunnel is open.
func NewKeepAliveDialer() *net.Dialer {
	return &net.Dialer{
		// A negative value keeps the Go stdlib from overriding the OS
		// keepalive parameters, and from enabling keepalives itself.
		KeepAlive: time.Duration(-1),
		Control:   enableKeepAlive,
	}
}

func enableKeepAlive(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// BlockingDial creates a client for the gateway at addr and blocks until it
// is ready. If ctx finishes first, it returns the most recent error from
// the underlying network dials or, if there was none, the context error.
func BlockingDial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var last lastError
	dialer := NewKeepAliveDialer()
	cc, err := grpc.NewClient(addr, append(opts,
		grpc.WithContextDialer(func(dialCtx context.Context, target string) (net.Conn, error) {
			conn, err := dialer.DialContext(dialCtx, "tcp", target)
			if err != nil {
				last.set(err)
				if !isTemporary(err) {
					cancel()
				}
			}
			return conn, err
		}))...,
	)
	if err != nil {
		return nil, err
	}

	cc.Connect()
	for {
		state := cc.GetState()
		if state == connectivity.Ready {
			return cc, nil
		}
		if !cc.WaitForStateChange(ctx, state) {
			_ = cc.Close()
			if err := last.get(); err != nil {
				return nil, err
			}
			return nil, ctx.Err()
		}
	}
}

type lastError struct {
	mu  sync.Mutex
	err error
}

func (e *lastError) set(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *lastError) get() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// copied from grpc-go
func isTemporary(err error) bool {
	switch err := err.(type) {
	case interface {
		Temporary() bool
	}:
		return err.Temporary()
	case interface {
		Timeout() bool
	}:
		// Timeouts may be resolved upon retry, and are thus treated as
		// temporary.
		return err.Timeout()
	}
	return true
}
