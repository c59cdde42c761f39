package bytemap

import (
	"encoding/binary"
	"fmt"
)

// Builder accumulates presorted entries and serializes them as a byte map.
type Builder struct {
	cmp     Compare
	payload []byte
	offsets []uint32
	lastKey []byte
}

// NewBuilder returns a builder that enforces strictly increasing keys under cmp.
func NewBuilder(cmp Compare) *Builder {
	return &Builder{cmp: cmp}
}

// Add appends an entry. Keys must arrive in strictly increasing order.
func (b *Builder) Add(key, value []byte) error {
	if len(b.offsets) > 0 && b.cmp(b.lastKey, key) >= 0 {
		return fmt.Errorf("bytemap: key %q added out of order after %q", key, b.lastKey)
	}
	b.offsets = append(b.offsets, uint32(len(b.payload)))
	b.payload = binary.AppendUvarint(b.payload, uint64(len(key)))
	b.payload = append(b.payload, key...)
	b.lastKey = b.payload[len(b.payload)-len(key) : len(b.payload) : len(b.payload)]
	b.payload = binary.AppendUvarint(b.payload, uint64(len(value)))
	b.payload = append(b.payload, value...)
	return nil
}

// Len returns the number of entries added.
func (b *Builder) Len() int {
	return len(b.offsets)
}

// Size returns the serialized size the map would have if built now.
func (b *Builder) Size() int {
	return len(b.payload) + len(b.offsets)*offsetSize + countSize
}

// EstimateSize returns the size after adding an entry with the given lengths.
func (b *Builder) EstimateSize(keyLen, valueLen int) int {
	return b.Size() + offsetSize + uvarintLen(keyLen) + keyLen + uvarintLen(valueLen) + valueLen
}

// Build serializes the accumulated entries.
func (b *Builder) Build() []byte {
	out := make([]byte, 0, b.Size())
	out = append(out, b.payload...)
	for _, off := range b.offsets {
		out = binary.LittleEndian.AppendUint32(out, off)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.offsets)))
	return out
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.payload = b.payload[:0]
	b.offsets = b.offsets[:0]
	b.lastKey = nil
}

func uvarintLen(n int) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], uint64(n))
}
