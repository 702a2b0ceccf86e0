package tcptunnel

import (
	"errors"
	"fmt"
	"io"

	"github.com/jhump/tcptunnel/tunnelpb"
)

// ErrWriteZero is returned when a writer accepts no bytes, and reports no
// error, for a non-empty buffer. The destination is considered stuck.
var ErrWriteZero = errors.New("write zero byte into writer")

// ChunkSource is a sequence of chunks, such as either side of a tunnel
// stream. Recv returns io.EOF at the end of the sequence. Any other error
// is a stream-level failure.
type ChunkSource interface {
	Recv() (*tunnelpb.Chunk, error)
}

// Flusher is implemented by writers that buffer data internally.
type Flusher interface {
	Flush() error
}

// CopyChunks writes every chunk from src to w, in order, until src ends.
// It returns the number of bytes written. See ChunkWriter.
func CopyChunks(w io.Writer, src ChunkSource) (int64, error) {
	return NewChunkWriter(w, src).Run()
}

// ChunkWriter drains a ChunkSource into a writer. A chunk is never
// dropped or written twice: short writes are resumed from where they
// stopped, and once the source ends the writer is flushed (if it is a
// Flusher) before the copy is reported complete.
type ChunkWriter struct {
	w        io.Writer
	src      ChunkSource
	buf      []byte
	pos      int
	readDone bool
	amt      int64
}

// NewChunkWriter returns a ChunkWriter that copies chunks from src to w.
func NewChunkWriter(w io.Writer, src ChunkSource) *ChunkWriter {
	return &ChunkWriter{w: w, src: src}
}

// Run performs the copy. It blocks until the source ends or an error
// occurs. An error from src (other than io.EOF), from a write, or from
// the final flush ends the copy; data already written stays written.
func (cw *ChunkWriter) Run() (int64, error) {
	for {
		// the buffer is drained, so get more data
		if cw.pos == len(cw.buf) && !cw.readDone {
			chunk, err := cw.src.Recv()
			switch {
			case errors.Is(err, io.EOF):
				cw.readDone = true
			case err != nil:
				return cw.amt, fmt.Errorf("receive chunk: %w", err)
			default:
				cw.buf = chunk.GetValue()
				cw.pos = 0
			}
		}

		for cw.pos < len(cw.buf) {
			n, err := cw.w.Write(cw.buf[cw.pos:])
			if n < 0 || n > len(cw.buf)-cw.pos {
				return cw.amt, fmt.Errorf("invalid write count %d", n)
			}
			cw.pos += n
			cw.amt += int64(n)
			if err != nil {
				return cw.amt, err
			}
			if n == 0 {
				return cw.amt, ErrWriteZero
			}
		}

		if cw.pos == len(cw.buf) && cw.readDone {
			if f, ok := cw.w.(Flusher); ok {
				if err := f.Flush(); err != nil {
					return cw.amt, fmt.Errorf("flush: %w", err)
				}
			}
			return cw.amt, nil
		}
	}
}

// Count returns the number of bytes written so far.
func (cw *ChunkWriter) Count() int64 {
	return cw.amt
}
