package tcptunnel

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jhump/tcptunnel/internal/logging"
	"github.com/jhump/tcptunnel/tunnelpb"
)

type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

// splitConn splits conn into a read half and a write half. Each half must
// be released (closed or aborted) exactly once; extra calls are no-ops.
// The connection itself is closed when both halves have been released.
func splitConn(conn net.Conn) (*readHalf, *writeHalf) {
	sc := &sharedConn{Conn: conn}
	sc.refs.Store(2)
	return &readHalf{c: sc}, &writeHalf{c: sc}
}

type sharedConn struct {
	net.Conn
	refs      atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

func (c *sharedConn) release() error {
	if c.refs.Add(-1) == 0 {
		return c.close()
	}
	return nil
}

func (c *sharedConn) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

type readHalf struct {
	c    *sharedConn
	once sync.Once
}

func (h *readHalf) Read(p []byte) (int, error) {
	return h.c.Read(p)
}

// Close stops reading and releases this half.
func (h *readHalf) Close() error {
	var err error
	h.once.Do(func() {
		if cr, ok := h.c.Conn.(closeReader); ok {
			_ = cr.CloseRead()
		}
		err = h.c.release()
	})
	return err
}

type writeHalf struct {
	c    *sharedConn
	once sync.Once
}

func (h *writeHalf) Write(p []byte) (int, error) {
	return h.c.Write(p)
}

// Close signals end of output to the peer (a TCP FIN) and releases this
// half.
func (h *writeHalf) Close() error {
	var err error
	h.once.Do(func() {
		if cw, ok := h.c.Conn.(closeWriter); ok {
			err = cw.CloseWrite()
		}
		if rerr := h.c.release(); err == nil {
			err = rerr
		}
	})
	return err
}

// Abort closes the whole connection so the peer sees a reset rather than a
// clean end of output. The read half, if still in use, fails its next read.
func (h *writeHalf) Abort() error {
	var err error
	h.once.Do(func() {
		if tc, ok := h.c.Conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		err = h.c.close()
		_ = h.c.release()
	})
	return err
}

// finish releases the write half according to how the copy into it ended.
func (h *writeHalf) finish(err error) {
	if err != nil {
		_ = h.Abort()
	} else {
		_ = h.Close()
	}
}

type chunkSender interface {
	Send(*tunnelpb.Chunk) error
}

// sendChunks sends every chunk produced by cr to dst. It returns the error
// from Send if sending fails. It returns nil when cr runs out, in which
// case cr.Err reports whether input ended cleanly.
func sendChunks(cr *ChunkReader, dst chunkSender) error {
	for {
		chunk, ok := cr.Next()
		if !ok {
			return nil
		}
		if err := dst.Send(tunnelpb.NewChunk(chunk)); err != nil {
			return err
		}
	}
}

func newSessionLogger(logger *slog.Logger, side string, peer net.Addr) *slog.Logger {
	attrs := []any{
		logging.KeySessionID, uuid.NewString(),
		logging.KeyComponent, side,
	}
	if peer != nil {
		attrs = append(attrs, logging.KeyRemoteAddr, peer.String())
	}
	return logger.With(attrs...)
}
