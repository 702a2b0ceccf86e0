package tcptunnel

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(cr *ChunkReader) [][]byte {
	var chunks [][]byte
	for {
		chunk, ok := cr.Next()
		if !ok {
			return chunks
		}
		chunks = append(chunks, chunk)
	}
}

func TestChunkReader_SplitsIntoChunks(t *testing.T) {
	payload := randomBytes(t, 5000)
	cr := NewChunkReader(bytes.NewReader(payload), 2048)

	chunks := drain(cr)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2048)
	assert.Len(t, chunks[1], 2048)
	assert.Len(t, chunks[2], 904)
	assert.Equal(t, payload, bytes.Join(chunks, nil))
	assert.NoError(t, cr.Err())
	assert.Equal(t, int64(5000), cr.Count())

	// stays ended
	_, ok := cr.Next()
	assert.False(t, ok)
}

func TestChunkReader_ChunksDoNotAliasBuffer(t *testing.T) {
	cr := NewChunkReader(iotest.OneByteReader(bytes.NewReader([]byte("abc"))), 16)
	first, ok := cr.Next()
	require.True(t, ok)
	second, ok := cr.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), first)
	assert.Equal(t, []byte("b"), second)
}

func TestChunkReader_ZeroLengthReadEndsCleanly(t *testing.T) {
	testCases := []struct {
		name string
		r    io.Reader
	}{
		{"eof", bytes.NewReader(nil)},
		{"zero with nil error", zeroReader{}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cr := NewChunkReader(tc.r, 0)
			_, ok := cr.Next()
			assert.False(t, ok)
			assert.NoError(t, cr.Err())
			assert.Zero(t, cr.Count())
		})
	}
}

func TestChunkReader_ReadError(t *testing.T) {
	boom := errors.New("connection reset")

	// data returned along with the error is still delivered
	r := io.MultiReader(bytes.NewReader([]byte("hello")), iotest.ErrReader(boom))
	cr := NewChunkReader(iotest.DataErrReader(r), 64)
	chunks := drain(cr)
	assert.Equal(t, []byte("hello"), bytes.Join(chunks, nil))
	assert.ErrorIs(t, cr.Err(), boom)

	cr = NewChunkReader(iotest.ErrReader(boom), 64)
	assert.Empty(t, drain(cr))
	assert.ErrorIs(t, cr.Err(), boom)
}

func TestChunkReader_DefaultSize(t *testing.T) {
	cr := NewChunkReader(bytes.NewReader(make([]byte, 3*DefaultChunkSize)), -1)
	chunks := drain(cr)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], DefaultChunkSize)
}

type zeroReader struct{}

func (zeroReader) Read([]byte) (int, error) {
	return 0, nil
}
