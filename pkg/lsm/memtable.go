package lsm

import (
	"bytes"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

const (
	skipMaxHeight = 16
	skipBranching = 4
	nodeOverhead  = 48 // Approximate per-node bookkeeping
)

type skipNode struct {
	tuple Tuple
	next  []atomic.Pointer[skipNode]
}

// MemTable is the in-memory write buffer: a skiplist of versioned tuples in
// key order.
//
// Inserts are serialized by an internal mutex; reads never lock and may run
// concurrently with an insert. Every version is kept, so the table behaves
// as a multiset over Key.
type MemTable struct {
	id      uint64
	maxSize int

	mu     sync.Mutex // Serializes writers
	head   *skipNode
	height atomic.Int32

	size        atomic.Int64
	count       atomic.Int64
	maxSnapshot atomic.Uint64
}

// NewMemTable creates an empty memory table paired with log id.
func NewMemTable(id uint64, maxSize int) *MemTable {
	mt := &MemTable{
		id:      id,
		maxSize: maxSize,
		head:    &skipNode{next: make([]atomic.Pointer[skipNode], skipMaxHeight)},
	}
	mt.height.Store(1)
	return mt
}

// ID returns the id shared with the table's write-ahead log.
func (mt *MemTable) ID() uint64 {
	return mt.id
}

func randomHeight() int {
	h := 1
	for h < skipMaxHeight && rand.IntN(skipBranching) == 0 {
		h++
	}
	return h
}

// Put inserts a tuple. The tuple is copied.
func (mt *MemTable) Put(t Tuple) {
	t = t.Clone()

	mt.mu.Lock()
	defer mt.mu.Unlock()

	var prev [skipMaxHeight]*skipNode
	listHeight := int(mt.height.Load())
	x := mt.head
	for level := listHeight - 1; level >= 0; level-- {
		// Equal keys go after existing ones.
		for next := x.next[level].Load(); next != nil && next.tuple.Key.Compare(t.Key) <= 0; next = x.next[level].Load() {
			x = next
		}
		prev[level] = x
	}

	h := randomHeight()
	if h > listHeight {
		for level := listHeight; level < h; level++ {
			prev[level] = mt.head
		}
		mt.height.Store(int32(h))
	}

	node := &skipNode{tuple: t, next: make([]atomic.Pointer[skipNode], h)}
	for level := 0; level < h; level++ {
		node.next[level].Store(prev[level].next[level].Load())
		prev[level].next[level].Store(node)
	}

	mt.size.Add(int64(t.Size() + nodeOverhead))
	mt.count.Add(1)
	if t.Key.Snapshot > mt.maxSnapshot.Load() {
		mt.maxSnapshot.Store(t.Key.Snapshot)
	}
}

// seekGE returns the first node with key >= key, or nil.
func (mt *MemTable) seekGE(key Key) *skipNode {
	x := mt.head
	for level := int(mt.height.Load()) - 1; level >= 0; level-- {
		for next := x.next[level].Load(); next != nil && next.tuple.Key.Compare(key) < 0; next = x.next[level].Load() {
			x = next
		}
	}
	return x.next[0].Load()
}

// seekLT returns the last node with key < key (or <= key when inclusive),
// or nil when there is none.
func (mt *MemTable) seekLT(key Key, inclusive bool) *skipNode {
	x := mt.head
	for level := int(mt.height.Load()) - 1; level >= 0; level-- {
		for next := x.next[level].Load(); next != nil; next = x.next[level].Load() {
			c := next.tuple.Key.Compare(key)
			if c > 0 || (c == 0 && !inclusive) {
				break
			}
			x = next
		}
	}
	if x == mt.head {
		return nil
	}
	return x
}

// last returns the final node, or nil when empty.
func (mt *MemTable) last() *skipNode {
	x := mt.head
	for level := int(mt.height.Load()) - 1; level >= 0; level-- {
		for next := x.next[level].Load(); next != nil; next = x.next[level].Load() {
			x = next
		}
	}
	if x == mt.head {
		return nil
	}
	return x
}

// Get returns the newest version of key.Data whose snapshot is at most
// key.Snapshot.
func (mt *MemTable) Get(key Key) (Tuple, bool, error) {
	n := mt.seekGE(key)
	if n == nil || !bytes.Equal(n.tuple.Key.Data, key.Data) {
		return Tuple{}, false, nil
	}
	return n.tuple, true, nil
}

// Ascend iterates every version from the first key >= from.
func (mt *MemTable) Ascend(from *Key) (Iterator, error) {
	var start *skipNode
	if from == nil {
		start = mt.head.next[0].Load()
	} else {
		start = mt.seekGE(*from)
	}
	return &memIterator{mt: mt, next: start}, nil
}

// Descend iterates every version backwards from the last key <= from.
func (mt *MemTable) Descend(from *Key) (Iterator, error) {
	var start *skipNode
	if from == nil {
		start = mt.last()
	} else {
		start = mt.seekLT(*from, true)
	}
	return &memIterator{mt: mt, next: start, reverse: true}, nil
}

var _ Source = (*MemTable)(nil)

// Size returns the approximate size in bytes
func (mt *MemTable) Size() int {
	return int(mt.size.Load())
}

// Len returns the number of tuples.
func (mt *MemTable) Len() int {
	return int(mt.count.Load())
}

// MaxSnapshot returns the largest snapshot inserted.
func (mt *MemTable) MaxSnapshot() uint64 {
	return mt.maxSnapshot.Load()
}

// IsFull returns true if MemTable should be rotated
func (mt *MemTable) IsFull() bool {
	return mt.Size() >= mt.maxSize
}

// memIterator walks the skiplist. Forward steps follow level-0 links;
// backward steps search for the predecessor.
type memIterator struct {
	mt      *MemTable
	next    *skipNode
	cur     *skipNode
	reverse bool
}

func (it *memIterator) Next() bool {
	if it.next == nil {
		it.cur = nil
		return false
	}
	it.cur = it.next
	if it.reverse {
		it.next = it.mt.seekLT(it.cur.tuple.Key, false)
	} else {
		it.next = it.cur.next[0].Load()
	}
	return true
}

func (it *memIterator) Tuple() Tuple { return it.cur.tuple }
func (it *memIterator) Err() error   { return nil }
func (it *memIterator) Close() error { return nil }
