package lsm

import (
	"bytes"

	"github.com/dd0wney/heftydb/pkg/bytemap"
	"github.com/dd0wney/heftydb/pkg/offheap"
)

// TupleBlock is a byte map of encoded key -> encoded value, backed by one
// off-heap region. It is read-only once built.
type TupleBlock struct {
	m      *bytemap.Map
	region *offheap.Region
}

// NewTupleBlock takes ownership of one reference to region.
func NewTupleBlock(region *offheap.Region) (*TupleBlock, error) {
	m, err := bytemap.New(region.Bytes(), CompareEncoded)
	if err != nil {
		return nil, err
	}
	return &TupleBlock{m: m, region: region}, nil
}

// Len returns the number of tuples.
func (b *TupleBlock) Len() int {
	return b.m.Len()
}

// Region returns the backing region.
func (b *TupleBlock) Region() *offheap.Region {
	return b.region
}

// Retain adds a reference to the backing region.
func (b *TupleBlock) Retain() *TupleBlock {
	b.region.Retain()
	return b
}

// Release drops a reference to the backing region.
func (b *TupleBlock) Release() {
	b.region.Release()
}

// At decodes the i-th tuple.
func (b *TupleBlock) At(i int) (Tuple, error) {
	e := b.m.Get(i)
	k, err := DecodeKey(e.Key)
	if err != nil {
		return Tuple{}, err
	}
	v, err := decodeValue(e.Value)
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{Key: k, Value: v}, nil
}

// First returns the first tuple.
func (b *TupleBlock) First() (Tuple, error) {
	return b.At(0)
}

// Last returns the last tuple.
func (b *TupleBlock) Last() (Tuple, error) {
	return b.At(b.m.Len() - 1)
}

// ceiling returns the index of the first tuple >= key, or Len().
func (b *TupleBlock) ceiling(key Key) int {
	return b.m.CeilingIndex(key.Encode())
}

// floor returns the index of the last tuple <= key, or -1.
func (b *TupleBlock) floor(key Key) int {
	return b.m.FloorIndex(key.Encode())
}

// Get returns the newest version of key.Data visible at key.Snapshot.
// Because newer versions sort first, that is the ceiling of key.
func (b *TupleBlock) Get(key Key) (Tuple, bool, error) {
	i := b.ceiling(key)
	if i >= b.m.Len() {
		return Tuple{}, false, nil
	}
	t, err := b.At(i)
	if err != nil {
		return Tuple{}, false, err
	}
	if !bytes.Equal(t.Key.Data, key.Data) {
		return Tuple{}, false, nil
	}
	return t, true, nil
}

// Ascend iterates from the first tuple >= from.
func (b *TupleBlock) Ascend(from *Key) (Iterator, error) {
	start := 0
	if from != nil {
		start = b.ceiling(*from)
	}
	return &blockIterator{block: b, next: start, step: 1}, nil
}

// Descend iterates from the last tuple <= from.
func (b *TupleBlock) Descend(from *Key) (Iterator, error) {
	start := b.m.Len() - 1
	if from != nil {
		start = b.floor(*from)
	}
	return &blockIterator{block: b, next: start, step: -1}, nil
}

var _ Source = (*TupleBlock)(nil)

// blockIterator walks one tuple block. It does not retain the block; the
// owner of the iterator keeps the block alive.
type blockIterator struct {
	block *TupleBlock
	next  int
	step  int
	cur   Tuple
	err   error
}

func (it *blockIterator) Next() bool {
	if it.err != nil || it.next < 0 || it.next >= it.block.Len() {
		return false
	}
	t, err := it.block.At(it.next)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = t
	it.next += it.step
	return true
}

func (it *blockIterator) Tuple() Tuple { return it.cur }
func (it *blockIterator) Err() error   { return it.err }
func (it *blockIterator) Close() error { return nil }

// TupleBlockBuilder accumulates sorted tuples into a tuple block.
type TupleBlockBuilder struct {
	b        *bytemap.Builder
	firstKey []byte
}

// NewTupleBlockBuilder creates an empty builder.
func NewTupleBlockBuilder() *TupleBlockBuilder {
	return &TupleBlockBuilder{b: bytemap.NewBuilder(CompareEncoded)}
}

// Add appends a tuple. Tuples must arrive in key order.
func (tb *TupleBlockBuilder) Add(t Tuple) error {
	k := t.Key.Encode()
	if err := tb.b.Add(k, encodeValue(t.Value)); err != nil {
		return err
	}
	if tb.firstKey == nil {
		tb.firstKey = k
	}
	return nil
}

// Size returns the serialized size so far.
func (tb *TupleBlockBuilder) Size() int {
	return tb.b.Size()
}

// Len returns the number of tuples added.
func (tb *TupleBlockBuilder) Len() int {
	return tb.b.Len()
}

// FirstKey returns the encoded key of the first tuple, or nil.
func (tb *TupleBlockBuilder) FirstKey() []byte {
	return tb.firstKey
}

// Build serializes the block.
func (tb *TupleBlockBuilder) Build() []byte {
	return tb.b.Build()
}

// Reset clears the builder for the next block.
func (tb *TupleBlockBuilder) Reset() {
	tb.b.Reset()
	tb.firstKey = nil
}
