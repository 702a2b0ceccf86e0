// Package tunnelpb contains generated code corresponding to the Protocol
// Buffer definition of the tunneling protocol.
package tunnelpb

import "google.golang.org/protobuf/types/known/wrapperspb"

// Chunk is one message of a tunnel stream: a contiguous slice of the
// tunneled byte stream. It is wire-compatible with a message declaring a
// single `bytes data = 1` field.
type Chunk = wrapperspb.BytesValue

// NewChunk wraps data in a Chunk. The slice is not copied.
func NewChunk(data []byte) *Chunk {
	return &Chunk{Value: data}
}
