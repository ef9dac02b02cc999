// Package memblock holds audio data in reference counted blocks and queues
// slices of them for a reader.
package memblock

import (
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
)

// Block is a reference counted buffer. The backing memory returns to the pool
// when the last reference is released.
type Block struct {
	refs atomic.Int32
	data []byte
}

// New allocates a block of size bytes holding one reference
func New(size int) *Block {
	b := &Block{data: mcache.Malloc(size)}
	b.refs.Store(1)
	return b
}

// NewFromBytes allocates a block holding a copy of p
func NewFromBytes(p []byte) *Block {
	b := New(len(p))
	copy(b.data, p)
	return b
}

// Wrap creates a block owning p, which must have been allocated by mcache.Malloc
func Wrap(p []byte) *Block {
	b := &Block{data: p}
	b.refs.Store(1)
	return b
}

// Data returns the content of the block
func (b *Block) Data() []byte {
	return b.data
}

// Len returns the size of the block
func (b *Block) Len() int {
	return len(b.data)
}

// Refs returns the current reference count
func (b *Block) Refs() int32 {
	return b.refs.Load()
}

// Ref takes a reference and returns b
func (b *Block) Ref() *Block {
	if b.refs.Add(1) <= 1 {
		panic("memblock: ref of released block")
	}
	return b
}

// Unref releases a reference
func (b *Block) Unref() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		mcache.Free(b.data)
		b.data = nil
	case n < 0:
		panic("memblock: unref of released block")
	}
}

// Chunk is a slice of a Block
type Chunk struct {
	Block  *Block
	Index  int
	Length int
}

// NewChunk wraps a whole block. It takes over the caller's reference.
func NewChunk(b *Block) Chunk {
	return Chunk{Block: b, Length: b.Len()}
}

// Data returns the bytes the chunk refers to
func (c Chunk) Data() []byte {
	if c.Block == nil {
		return nil
	}
	return c.Block.data[c.Index : c.Index+c.Length]
}

// IsZero reports whether the chunk refers to no block
func (c Chunk) IsZero() bool {
	return c.Block == nil
}

// Ref takes a reference on the underlying block and returns c
func (c Chunk) Ref() Chunk {
	if c.Block != nil {
		c.Block.Ref()
	}
	return c
}

// Unref releases the reference on the underlying block
func (c Chunk) Unref() {
	if c.Block != nil {
		c.Block.Unref()
	}
}
