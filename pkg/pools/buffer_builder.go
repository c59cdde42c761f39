package pools

import (
	"encoding/binary"
)

// BufferBuilder provides a convenient way to build byte slices with pooling.
// All fixed-width integers are little-endian to match the on-disk formats.
type BufferBuilder struct {
	buf  []byte
	pool *BytePool
}

// NewBufferBuilder creates a new buffer builder with the given initial capacity.
func NewBufferBuilder(initialCap int) *BufferBuilder {
	return &BufferBuilder{
		buf:  defaultBytePool.Get(initialCap),
		pool: defaultBytePool,
	}
}

// Write appends bytes to the buffer.
func (b *BufferBuilder) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

// WriteByte appends a single byte.
func (b *BufferBuilder) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// WriteUint64 appends a little-endian uint64.
func (b *BufferBuilder) WriteUint64(v uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
}

// WriteUint32 appends a little-endian uint32.
func (b *BufferBuilder) WriteUint32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

// WriteUint64BE appends a uint64 in big-endian order. Used where the encoded
// form must sort like the number.
func (b *BufferBuilder) WriteUint64BE(v uint64) {
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
}

// WriteUvarint appends an unsigned varint.
func (b *BufferBuilder) WriteUvarint(v uint64) {
	b.buf = binary.AppendUvarint(b.buf, v)
}

// WriteLengthPrefixed appends a uvarint length followed by p.
func (b *BufferBuilder) WriteLengthPrefixed(p []byte) {
	b.WriteUvarint(uint64(len(p)))
	b.buf = append(b.buf, p...)
}

// Bytes returns the built buffer. After calling Bytes, the builder should not be used
// unless it is Reset.
func (b *BufferBuilder) Bytes() []byte {
	return b.buf
}

// Len returns the current length of the buffer.
func (b *BufferBuilder) Len() int {
	return len(b.buf)
}

// Reset resets the buffer for reuse.
func (b *BufferBuilder) Reset() {
	b.buf = b.buf[:0]
}

// Release returns the buffer to the pool. After Release, the builder should not be used.
func (b *BufferBuilder) Release() {
	if b.pool != nil && b.buf != nil {
		b.pool.Put(b.buf)
	}
	b.buf = nil
}
