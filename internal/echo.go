package internal

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ServeEcho accepts connections from l and writes back everything each one
// sends. When a client half-closes its side, the echo half-closes too. It
// returns when ctx is done or l fails.
func ServeEcho(ctx context.Context, l net.Listener, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				_ = conn.Close()
			}()
			n, err := io.Copy(conn, conn)
			if err != nil {
				logger.Warn("echo failed", "remote_addr", conn.RemoteAddr().String(), "error", err)
				return
			}
			if cw, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			logger.Debug("echoed", "remote_addr", conn.RemoteAddr().String(), "bytes", n)
		}()
	}
}

// EchoRoundTrip connects to addr, sends payload, half-closes the
// connection and checks that exactly the same bytes come back.
func EchoRoundTrip(ctx context.Context, addr string, payload []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		if err == nil {
			err = conn.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()
	got, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	if err := <-writeErr; err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("echo mismatch: sent %d bytes, got %d bytes back", len(payload), len(got))
	}
	return nil
}

// SendPayloads uses the given number of goroutines to run echo round trips
// against addr, each with a random payload of the given size, until rounds
// round trips have completed per goroutine. It returns the number of bytes
// that made it back intact.
func SendPayloads(ctx context.Context, addr string, workers, rounds, size int) (int64, error) {
	if workers <= 0 || rounds <= 0 {
		return 0, errors.New("workers and rounds must be positive")
	}
	var total atomic.Int64
	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		grp.Go(func() error {
			payload := make([]byte, size)
			for r := 0; r < rounds; r++ {
				if _, err := rand.Read(payload); err != nil {
					return err
				}
				if err := EchoRoundTrip(ctx, addr, payload); err != nil {
					return err
				}
				total.Add(int64(size))
			}
			return nil
		})
	}
	err := grp.Wait()
	return total.Load(), err
}
