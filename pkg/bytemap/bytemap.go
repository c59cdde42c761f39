// Package bytemap implements a sorted, position-independent, binary-searchable
// map serialized into a single contiguous byte region.
//
// Layout:
//
//	[entry 0][entry 1]...[entry N-1][offset 0 u32]...[offset N-1 u32][N u32]
//
// Each entry is keyLen(uvarint) | key | valueLen(uvarint) | value. Offsets
// give the starting byte of each entry. Entries are strictly increasing under
// the comparator the map was built with; no entry is mutated in place.
package bytemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrCorrupt is returned when a region does not hold a well-formed byte map.
var ErrCorrupt = errors.New("bytemap: corrupt")

const (
	offsetSize = 4
	countSize  = 4
)

// Compare orders two keys, returning <0, 0 or >0.
type Compare func(a, b []byte) int

// Entry is a single key/value pair. Both slices alias the map's region.
type Entry struct {
	Key   []byte
	Value []byte
}

// Map is a read-only view over a serialized byte map.
type Map struct {
	data    []byte
	cmp     Compare
	count   int
	dirBase int
}

// New validates data as a byte map and returns a view over it.
// The view aliases data; it stays valid as long as data does.
func New(data []byte, cmp Compare) (*Map, error) {
	if len(data) < countSize {
		return nil, fmt.Errorf("%w: region of %d bytes too small", ErrCorrupt, len(data))
	}
	count := int(binary.LittleEndian.Uint32(data[len(data)-countSize:]))
	dirLen := count * offsetSize
	if dirLen > len(data)-countSize {
		return nil, fmt.Errorf("%w: directory of %d entries exceeds region", ErrCorrupt, count)
	}

	m := &Map{
		data:    data,
		cmp:     cmp,
		count:   count,
		dirBase: len(data) - countSize - dirLen,
	}

	prevEnd := 0
	for i := 0; i < count; i++ {
		off := m.offset(i)
		if off != prevEnd {
			return nil, fmt.Errorf("%w: entry %d at offset %d, expected %d", ErrCorrupt, i, off, prevEnd)
		}
		end, err := m.entryEnd(off)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorrupt, i, err)
		}
		prevEnd = end
	}
	if prevEnd != m.dirBase {
		return nil, fmt.Errorf("%w: payload ends at %d, directory starts at %d", ErrCorrupt, prevEnd, m.dirBase)
	}

	return m, nil
}

func (m *Map) offset(i int) int {
	p := m.dirBase + i*offsetSize
	return int(binary.LittleEndian.Uint32(m.data[p : p+offsetSize]))
}

// entryEnd returns the end of the entry starting at off, checking bounds.
func (m *Map) entryEnd(off int) (int, error) {
	p := off
	for field := 0; field < 2; field++ {
		if p >= m.dirBase {
			return 0, errors.New("truncated length")
		}
		n, w := binary.Uvarint(m.data[p:m.dirBase])
		if w <= 0 {
			return 0, errors.New("bad length varint")
		}
		p += w
		if n > uint64(m.dirBase-p) {
			return 0, fmt.Errorf("length %d overruns payload", n)
		}
		p += int(n)
	}
	return p, nil
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return m.count
}

// Size returns the serialized size in bytes.
func (m *Map) Size() int {
	return len(m.data)
}

// Get returns the i-th entry. It panics if i is out of range.
func (m *Map) Get(i int) Entry {
	if i < 0 || i >= m.count {
		panic(fmt.Sprintf("bytemap: index %d out of range [0,%d)", i, m.count))
	}
	p := m.offset(i)
	klen, w := binary.Uvarint(m.data[p:])
	p += w
	key := m.data[p : p+int(klen) : p+int(klen)]
	p += int(klen)
	vlen, w := binary.Uvarint(m.data[p:])
	p += w
	value := m.data[p : p+int(vlen) : p+int(vlen)]
	return Entry{Key: key, Value: value}
}

// Key returns the key of the i-th entry.
func (m *Map) Key(i int) []byte {
	return m.Get(i).Key
}

// FloorIndex returns the largest i such that entry[i].Key <= key, or -1.
func (m *Map) FloorIndex(key []byte) int {
	// First index whose key is > key, minus one.
	i := sort.Search(m.count, func(i int) bool {
		return m.cmp(m.Key(i), key) > 0
	})
	return i - 1
}

// CeilingIndex returns the smallest i such that entry[i].Key >= key, or Len().
func (m *Map) CeilingIndex(key []byte) int {
	return sort.Search(m.count, func(i int) bool {
		return m.cmp(m.Key(i), key) >= 0
	})
}

// Ascend returns a cursor over entries in ascending order, starting at the
// first entry >= from. A nil from starts at the first entry.
func (m *Map) Ascend(from []byte) *Cursor {
	start := 0
	if from != nil {
		start = m.CeilingIndex(from)
	}
	return &Cursor{m: m, next: start, step: 1}
}

// Descend returns a cursor over entries in descending order, starting at the
// last entry <= from. A nil from starts at the last entry.
func (m *Map) Descend(from []byte) *Cursor {
	start := m.count - 1
	if from != nil {
		start = m.FloorIndex(from)
	}
	return &Cursor{m: m, next: start, step: -1}
}

// Cursor walks a Map in one direction.
type Cursor struct {
	m    *Map
	next int
	step int
	cur  int
}

// Next advances the cursor and reports whether an entry is available.
func (c *Cursor) Next() bool {
	if c.next < 0 || c.next >= c.m.count {
		return false
	}
	c.cur = c.next
	c.next += c.step
	return true
}

// Entry returns the current entry.
func (c *Cursor) Entry() Entry {
	return c.m.Get(c.cur)
}

// Index returns the position of the current entry.
func (c *Cursor) Index() int {
	return c.cur
}
