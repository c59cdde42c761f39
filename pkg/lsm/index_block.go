package lsm

import (
	"encoding/binary"
	"fmt"

	"github.com/dd0wney/heftydb/pkg/bytemap"
	"github.com/dd0wney/heftydb/pkg/offheap"
)

const blockPointerSize = 12

// BlockPointer locates a child block inside a file table.
type BlockPointer struct {
	Offset uint64
	Size   uint32
}

func (p BlockPointer) encode() []byte {
	out := make([]byte, 0, blockPointerSize)
	out = binary.LittleEndian.AppendUint64(out, p.Offset)
	return binary.LittleEndian.AppendUint32(out, p.Size)
}

func decodeBlockPointer(b []byte) (BlockPointer, error) {
	if len(b) != blockPointerSize {
		return BlockPointer{}, fmt.Errorf("%w: block pointer of %d bytes", ErrCorruption, len(b))
	}
	return BlockPointer{
		Offset: binary.LittleEndian.Uint64(b[:8]),
		Size:   binary.LittleEndian.Uint32(b[8:]),
	}, nil
}

// IndexBlock maps the first key of each child block to the child's pointer.
type IndexBlock struct {
	m      *bytemap.Map
	region *offheap.Region
}

// NewIndexBlock takes ownership of one reference to region.
func NewIndexBlock(region *offheap.Region) (*IndexBlock, error) {
	m, err := bytemap.New(region.Bytes(), CompareEncoded)
	if err != nil {
		return nil, err
	}
	if m.Len() == 0 {
		return nil, fmt.Errorf("%w: empty index block", ErrCorruption)
	}
	return &IndexBlock{m: m, region: region}, nil
}

// Len returns the number of child pointers.
func (b *IndexBlock) Len() int {
	return b.m.Len()
}

// Region returns the backing region.
func (b *IndexBlock) Region() *offheap.Region {
	return b.region
}

// Retain adds a reference to the backing region.
func (b *IndexBlock) Retain() *IndexBlock {
	b.region.Retain()
	return b
}

// Release drops a reference to the backing region.
func (b *IndexBlock) Release() {
	b.region.Release()
}

// Pointer returns the i-th child pointer.
func (b *IndexBlock) Pointer(i int) (BlockPointer, error) {
	return decodeBlockPointer(b.m.Get(i).Value)
}

// FirstKey returns the first key covered by the i-th child.
func (b *IndexBlock) FirstKey(i int) (Key, error) {
	return DecodeKey(b.m.Get(i).Key)
}

// Find returns the position of the child whose range may contain key: the
// last child whose first key is <= key, or 0 when key precedes every child.
func (b *IndexBlock) Find(key Key) int {
	i := b.m.FloorIndex(key.Encode())
	if i < 0 {
		return 0
	}
	return i
}

// IndexBlockBuilder accumulates child pointers in key order.
type IndexBlockBuilder struct {
	b        *bytemap.Builder
	firstKey []byte
}

// NewIndexBlockBuilder creates an empty builder.
func NewIndexBlockBuilder() *IndexBlockBuilder {
	return &IndexBlockBuilder{b: bytemap.NewBuilder(CompareEncoded)}
}

// Add appends a pointer for a child whose first encoded key is firstKey.
func (ib *IndexBlockBuilder) Add(firstKey []byte, p BlockPointer) error {
	if err := ib.b.Add(firstKey, p.encode()); err != nil {
		return err
	}
	if ib.firstKey == nil {
		ib.firstKey = firstKey
	}
	return nil
}

// EstimateSize returns the size after adding a pointer with a key of keyLen.
func (ib *IndexBlockBuilder) EstimateSize(keyLen int) int {
	return ib.b.EstimateSize(keyLen, blockPointerSize)
}

// Len returns the number of pointers added.
func (ib *IndexBlockBuilder) Len() int {
	return ib.b.Len()
}

// FirstKey returns the first key added, or nil.
func (ib *IndexBlockBuilder) FirstKey() []byte {
	return ib.firstKey
}

// Build serializes the block.
func (ib *IndexBlockBuilder) Build() []byte {
	return ib.b.Build()
}

// Reset clears the builder for the next block.
func (ib *IndexBlockBuilder) Reset() {
	ib.b.Reset()
	ib.firstKey = nil
}
