package pipeline

import (
	"fmt"
	"sync"
)

const (
	// DefaultChunkSize is the number of source bytes carried by a full block.
	DefaultChunkSize = 16 * 1024

	// MinimalChunkSize is the smallest block capacity accepted.
	MinimalChunkSize = 1
)

// Status tracks how far a block has travelled. Values are ordered and a
// block only ever moves forward.
type Status int32

const (
	StatusUndefined Status = iota
	StatusInitial
	StatusReadDone
	StatusProcessed
	StatusWritten
)

func (s Status) String() string {
	switch s {
	case StatusUndefined:
		return "Undefined"
	case StatusInitial:
		return "Initial"
	case StatusReadDone:
		return "ReadDone"
	case StatusProcessed:
		return "Processed"
	case StatusWritten:
		return "Written"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Block is one chunk of source bytes in flight. It has a single owner at any
// time: the reader, then the queue, then the transform or writer.
type Block struct {
	seq          int64
	buf          []byte
	validLength  int
	originOffset int64
	sourceLength int
	status       Status
	pool         *BufferPool
}

// newBlock allocates a block of the given capacity in status Initial.
func newBlock(pool *BufferPool, seq int64, capacity int, originOffset int64) *Block {
	if capacity < MinimalChunkSize {
		panic(fmt.Sprintf("pipeline: block capacity %d below minimum %d", capacity, MinimalChunkSize))
	}

	b := &Block{
		seq:          seq,
		originOffset: originOffset,
	}
	if pool != nil {
		b.buf, b.pool = pool.get(capacity)
	} else {
		b.buf = make([]byte, capacity)
	}
	b.ChangeStatus(StatusInitial)
	return b
}

// Seq is the zero-based position of the block in source order.
func (b *Block) Seq() int64 { return b.seq }

// Capacity is the size of the buffer the block was created or reassigned with.
func (b *Block) Capacity() int { return len(b.buf) }

// ValidLength is the number of buffer bytes that carry data.
func (b *Block) ValidLength() int { return b.validLength }

// OriginOffset is the source position where this chunk began.
func (b *Block) OriginOffset() int64 { return b.originOffset }

// SourceLength is the number of source bytes the block was read from. It
// survives AssignBuffer, so it still describes the source after a transform.
func (b *Block) SourceLength() int { return b.sourceLength }

// Status returns the current status.
func (b *Block) Status() Status { return b.status }

// Bytes returns the valid part of the buffer.
func (b *Block) Bytes() []byte { return b.buf[:b.validLength] }

// ChangeStatus moves the block forward. Moving to a status at or below the
// current one is a programming error and panics.
func (b *Block) ChangeStatus(next Status) {
	if next <= b.status {
		panic(fmt.Sprintf("pipeline: block %d cannot move from %s to %s", b.seq, b.status, next))
	}
	b.status = next
}

// AssignBuffer replaces the payload, typically with transform output. The
// previous buffer goes back to its pool.
func (b *Block) AssignBuffer(buf []byte, validLength int) {
	if validLength < 0 || validLength > len(buf) {
		panic(fmt.Sprintf("pipeline: valid length %d out of range for %d byte buffer", validLength, len(buf)))
	}
	b.releaseBuffer()
	b.buf = buf
	b.validLength = validLength
}

// Release hands the buffer back. The block must not be used afterwards.
func (b *Block) Release() {
	b.releaseBuffer()
	b.buf = nil
	b.validLength = 0
}

func (b *Block) releaseBuffer() {
	if b.pool != nil && b.buf != nil {
		b.pool.put(b.buf)
	}
	b.pool = nil
}

func (b *Block) String() string {
	return fmt.Sprintf("Status: %s, FilePosition: %d, ActualSize: %d", b.status, b.originOffset, b.validLength)
}

// BufferPool recycles fixed-size chunk buffers between blocks.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of buffers of the given size.
func NewBufferPool(size int) *BufferPool {
	if size < MinimalChunkSize {
		panic(fmt.Sprintf("pipeline: buffer size %d below minimum %d", size, MinimalChunkSize))
	}
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the buffer size served by the pool.
func (p *BufferPool) Size() int { return p.size }

// get returns a slice of length n and the pool it must return to, or nil when
// n does not fit a pooled buffer.
func (p *BufferPool) get(n int) ([]byte, *BufferPool) {
	if n > p.size {
		return make([]byte, n), nil
	}
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:n], p
}

func (p *BufferPool) put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}
