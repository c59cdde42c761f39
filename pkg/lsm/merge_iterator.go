package lsm

import (
	"bytes"
	"container/heap"
	"errors"
)

// MergeIterator merges multiple sorted iterators into one stream.
//
// Sources are listed newest first. When two sources hold the exact same
// key, the one listed first wins and the other copy is skipped.
type MergeIterator struct {
	h       mergeHeap
	pending []*mergeSource // Sources to advance before the next pop
	cur     Tuple
	lastKey Key
	started bool
	err     error
	closed  bool
}

type mergeSource struct {
	it   Iterator
	rank int
}

type mergeHeap struct {
	items   []*mergeSource
	reverse bool
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	c := a.it.Tuple().Key.Compare(b.it.Tuple().Key)
	if h.reverse {
		c = -c
	}
	if c != 0 {
		return c < 0
	}
	return a.rank < b.rank
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(*mergeSource)) }

func (h *mergeHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// NewMergeIterator merges its, ordered newest first. reverse must match the
// direction every input iterates in.
func NewMergeIterator(its []Iterator, reverse bool) *MergeIterator {
	mi := &MergeIterator{h: mergeHeap{reverse: reverse}}
	for i, it := range its {
		mi.pending = append(mi.pending, &mergeSource{it: it, rank: i})
	}
	return mi
}

// advance steps every pending source and puts the live ones back on the heap.
func (mi *MergeIterator) advance() bool {
	for _, s := range mi.pending {
		if s.it.Next() {
			heap.Push(&mi.h, s)
			continue
		}
		if err := s.it.Err(); err != nil {
			mi.err = err
			return false
		}
	}
	mi.pending = mi.pending[:0]
	return true
}

func (mi *MergeIterator) Next() bool {
	if mi.closed || mi.err != nil {
		return false
	}
	for {
		if !mi.advance() {
			return false
		}
		if mi.h.Len() == 0 {
			return false
		}

		s := heap.Pop(&mi.h).(*mergeSource)
		mi.pending = append(mi.pending, s)
		t := s.it.Tuple()
		if mi.started && t.Key.Compare(mi.lastKey) == 0 {
			continue
		}
		mi.started = true
		mi.lastKey = Key{Data: append(mi.lastKey.Data[:0], t.Key.Data...), Snapshot: t.Key.Snapshot}
		mi.cur = t
		return true
	}
}

func (mi *MergeIterator) Tuple() Tuple { return mi.cur }
func (mi *MergeIterator) Err() error   { return mi.err }

// Close closes every input.
func (mi *MergeIterator) Close() error {
	if mi.closed {
		return nil
	}
	mi.closed = true
	var errs []error
	for _, s := range mi.h.items {
		errs = append(errs, s.it.Close())
	}
	for _, s := range mi.pending {
		errs = append(errs, s.it.Close())
	}
	mi.h.items, mi.pending = nil, nil
	return errors.Join(errs...)
}

// VisibleIterator turns a merged stream of versions into the view of one
// reader: each data key at most once, at its newest version whose snapshot
// is at most the read snapshot, with deleted keys omitted.
type VisibleIterator struct {
	src      Iterator
	snapshot uint64
	reverse  bool

	cur     Tuple
	skip    []byte // Data key already resolved (ascending)
	hasSkip bool

	// Descending sees the oldest version of a key first, so it holds the
	// best candidate until the key changes.
	cand    Tuple
	hasCand bool
	srcDone bool
}

// NewVisibleIterator filters src, which iterates forward unless reverse.
func NewVisibleIterator(src Iterator, snapshot uint64, reverse bool) *VisibleIterator {
	return &VisibleIterator{src: src, snapshot: snapshot, reverse: reverse}
}

func (vi *VisibleIterator) Next() bool {
	if vi.reverse {
		return vi.nextReverse()
	}
	for vi.src.Next() {
		t := vi.src.Tuple()
		if vi.hasSkip && bytes.Equal(t.Key.Data, vi.skip) {
			continue
		}
		if t.Key.Snapshot > vi.snapshot {
			continue
		}
		// Newest visible version of this key; older ones are shadowed.
		vi.skip = append(vi.skip[:0], t.Key.Data...)
		vi.hasSkip = true
		if t.Value.Tombstone {
			continue
		}
		vi.cur = t
		return true
	}
	return false
}

func (vi *VisibleIterator) nextReverse() bool {
	for !vi.srcDone {
		if !vi.src.Next() {
			vi.srcDone = true
			break
		}
		t := vi.src.Tuple()
		if vi.hasCand && !bytes.Equal(t.Key.Data, vi.cand.Key.Data) {
			out := vi.cand
			vi.cand, vi.hasCand = Tuple{}, false
			if t.Key.Snapshot <= vi.snapshot {
				vi.cand, vi.hasCand = t.Clone(), true
			}
			if !out.Value.Tombstone {
				vi.cur = out
				return true
			}
			continue
		}
		if t.Key.Snapshot <= vi.snapshot {
			// Later entries of the same key are newer.
			vi.cand, vi.hasCand = t.Clone(), true
		}
	}
	if vi.hasCand {
		out := vi.cand
		vi.cand, vi.hasCand = Tuple{}, false
		if !out.Value.Tombstone {
			vi.cur = out
			return true
		}
	}
	return false
}

func (vi *VisibleIterator) Tuple() Tuple { return vi.cur }
func (vi *VisibleIterator) Err() error   { return vi.src.Err() }
func (vi *VisibleIterator) Close() error { return vi.src.Close() }
