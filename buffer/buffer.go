// Package buffer implements the fixed-capacity byte buffers that back a
// connection's socket I/O. A buffer is a single contiguous array with two
// cursors: Cursor marks the next byte to consume (or flush), Size marks one
// past the last valid byte. Keeping the storage contiguous avoids allocator
// traffic on the hot path; the compaction rule guarantees that the next
// inbound packet header always starts at Cursor.
package buffer

import (
	"encoding/binary"
	"errors"
)

// DefaultCapacity is the per-direction buffer capacity of a connection.
const DefaultCapacity = 8192

// ErrShortBuffer is returned when a scalar extraction needs more valid bytes
// than the buffer currently holds.
var ErrShortBuffer = errors.New("buffer: not enough data")

// Buffer is a fixed-capacity byte buffer with consume/fill cursors.
// The zero value is not usable; construct with New.
type Buffer struct {
	buf    []byte
	cursor int
	size   int
}

// New returns a buffer of the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

// Reset discards all content, moving both cursors to zero.
func (b *Buffer) Reset() {
	b.cursor = 0
	b.size = 0
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Cursor returns the consume cursor.
func (b *Buffer) Cursor() int { return b.cursor }

// Size returns one past the last valid byte.
func (b *Buffer) Size() int { return b.size }

// ReadAvailable returns the number of valid, unconsumed bytes.
func (b *Buffer) ReadAvailable() int { return b.size - b.cursor }

// WriteAvailable returns the remaining fill space.
func (b *Buffer) WriteAvailable() int { return len(b.buf) - b.size }

// Full reports whether the buffer has no fill space left.
func (b *Buffer) Full() bool { return b.size == len(b.buf) }

// Compact moves the unconsumed region [cursor, size) to the head of the
// buffer when the buffer is full but partially consumed. All headers and
// payload bytes before cursor must already have been fully processed.
func (b *Buffer) Compact() {
	if b.cursor == b.size {
		b.Reset()
		return
	}
	if b.cursor < b.size && b.size == len(b.buf) {
		n := copy(b.buf, b.buf[b.cursor:b.size])
		b.cursor = 0
		b.size = n
	}
}

// PeekUint32 reads a big-endian uint32 at the consume cursor without
// advancing it.
func (b *Buffer) PeekUint32() (uint32, error) {
	if b.ReadAvailable() < 4 {
		return 0, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(b.buf[b.cursor:]), nil
}

// Uint32 consumes a big-endian uint32 from the buffer.
func (b *Buffer) Uint32() (uint32, error) {
	v, err := b.PeekUint32()
	if err != nil {
		return 0, err
	}
	b.cursor += 4
	return v, nil
}

// Byte consumes a single byte.
func (b *Buffer) Byte() (byte, error) {
	if b.ReadAvailable() < 1 {
		return 0, ErrShortBuffer
	}
	c := b.buf[b.cursor]
	b.cursor++
	return c, nil
}

// Consume copies up to len(dst) unconsumed bytes into dst and advances the
// cursor, returning the number of bytes copied.
func (b *Buffer) Consume(dst []byte) int {
	n := copy(dst, b.buf[b.cursor:b.size])
	b.cursor += n
	return n
}

// Skip advances the consume cursor by n, which must not exceed
// ReadAvailable.
func (b *Buffer) Skip(n int) {
	if n > b.ReadAvailable() {
		panic("buffer: skip past valid data")
	}
	b.cursor += n
}

// Append copies as much of p as fits into the fill space, returning the
// number of bytes copied. The copy may be partial when the buffer is near
// capacity.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.buf[b.size:], p)
	b.size += n
	return n
}

// AppendByte writes a single byte into the fill space. It panics when the
// buffer is full; callers flush before appending headers.
func (b *Buffer) AppendByte(c byte) {
	if b.WriteAvailable() < 1 {
		panic("buffer: append to full buffer")
	}
	b.buf[b.size] = c
	b.size++
}

// AppendUint32 writes a big-endian uint32 into the fill space. Callers
// ensure space beforehand, as with AppendByte.
func (b *Buffer) AppendUint32(v uint32) {
	if b.WriteAvailable() < 4 {
		panic("buffer: append to full buffer")
	}
	binary.BigEndian.PutUint32(b.buf[b.size:], v)
	b.size += 4
}

// FillSlice exposes the fill region for a direct socket read. After the read
// deposits n bytes, call Advance(n).
func (b *Buffer) FillSlice() []byte { return b.buf[b.size:] }

// Advance grows the valid region by n after a direct fill.
func (b *Buffer) Advance(n int) {
	if b.size+n > len(b.buf) {
		panic("buffer: advance past capacity")
	}
	b.size += n
}

// Unflushed exposes the unconsumed region for a direct socket write. After
// the write drains n bytes, call Skip(n).
func (b *Buffer) Unflushed() []byte { return b.buf[b.cursor:b.size] }
