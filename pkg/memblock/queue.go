package memblock

import (
	"github.com/pkg/errors"
)

// Queue is a FIFO of chunks bounded by a maximum length in bytes.
// It is not safe for concurrent use.
type Queue struct {
	chunks    []Chunk
	length    int
	maxLength int
	base      int
}

// NewQueue creates a queue holding at most maxLength bytes. Data is dropped in
// multiples of base, which is usually the frame size.
func NewQueue(maxLength, base int) (*Queue, error) {
	if base <= 0 {
		return nil, errors.Errorf("invalid base %d", base)
	}
	if maxLength < base {
		return nil, errors.Errorf("max length %d smaller than base %d", maxLength, base)
	}
	maxLength -= maxLength % base
	return &Queue{
		maxLength: maxLength,
		base:      base,
	}, nil
}

// Length returns the number of queued bytes
func (q *Queue) Length() int {
	return q.length
}

// MaxLength returns the capacity of the queue
func (q *Queue) MaxLength() int {
	return q.maxLength
}

// Push appends a reference to c. Once the queue grows past its maximum length
// the oldest data is dropped. It returns the number of bytes dropped.
func (q *Queue) Push(c Chunk) int {
	if c.Length <= 0 {
		return 0
	}
	q.chunks = append(q.chunks, c.Ref())
	q.length += c.Length

	over := q.length - q.maxLength
	if over <= 0 {
		return 0
	}
	if rem := over % q.base; rem != 0 {
		over += q.base - rem
	}
	if over > q.length {
		over = q.length
	}
	q.Drop(over)
	return over
}

// Peek returns a reference to the oldest chunk.
// The caller must Unref it. ok is false for an empty queue.
func (q *Queue) Peek() (c Chunk, ok bool) {
	if len(q.chunks) == 0 {
		return Chunk{}, false
	}
	return q.chunks[0].Ref(), true
}

// Drop removes length bytes from the front of the queue
func (q *Queue) Drop(length int) {
	for length > 0 && len(q.chunks) > 0 {
		head := &q.chunks[0]
		if length < head.Length {
			head.Index += length
			head.Length -= length
			q.length -= length
			return
		}
		length -= head.Length
		q.length -= head.Length
		head.Unref()
		q.chunks[0] = Chunk{}
		q.chunks = q.chunks[1:]
	}
}

// DropChunk removes c, a chunk returned by Peek, from the front of the queue.
// Nothing is dropped if Push already evicted c. It reports whether c was dropped.
func (q *Queue) DropChunk(c Chunk) bool {
	if len(q.chunks) == 0 {
		return false
	}
	head := q.chunks[0]
	if head.Block != c.Block || head.Index != c.Index {
		return false
	}
	q.Drop(c.Length)
	return true
}

// Flush drops all queued data
func (q *Queue) Flush() {
	q.Drop(q.length)
	q.chunks = nil
}
