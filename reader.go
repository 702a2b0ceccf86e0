package tcptunnel

import (
	"errors"
	"io"
)

// ChunkReader turns the readable side of a connection into a sequence of
// chunks. Each call to Next performs a single read into a reused scratch
// buffer and returns a copy of whatever that read produced.
//
// The sequence ends the first time a read yields no data, which is how a
// clean end of input is recognized, or when a read fails. After the end,
// Err distinguishes the two.
type ChunkReader struct {
	r     io.Reader
	buf   []byte
	count int64
	err   error
	done  bool
}

// NewChunkReader returns a ChunkReader that reads from r using a scratch
// buffer of the given size. If size is not positive, DefaultChunkSize is
// used.
func NewChunkReader(r io.Reader, size int) *ChunkReader {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkReader{r: r, buf: make([]byte, size)}
}

// Next returns the next chunk. It blocks until the underlying read
// returns. The returned slice is owned by the caller. The second value is
// false once the sequence has ended, in which case the slice is nil.
func (cr *ChunkReader) Next() ([]byte, bool) {
	if cr.done {
		return nil, false
	}
	n, err := cr.r.Read(cr.buf)
	if err != nil {
		cr.done = true
		if !errors.Is(err, io.EOF) {
			cr.err = err
		}
	}
	if n == 0 {
		// a read of nothing, with or without io.EOF, is the end of input
		cr.done = true
		return nil, false
	}
	chunk := make([]byte, n)
	copy(chunk, cr.buf[:n])
	cr.count += int64(n)
	return chunk, true
}

// Err returns the read error that ended the sequence. It returns nil while
// the sequence is still going and when it ended with a clean end of input.
func (cr *ChunkReader) Err() error {
	return cr.err
}

// Count returns the number of bytes produced so far.
func (cr *ChunkReader) Count() int64 {
	return cr.count
}
