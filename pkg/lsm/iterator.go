package lsm

// Iterator walks tuples in key order (or reverse key order).
//
// The tuple returned by Tuple is only valid until the next call to Next or
// Close; callers that keep it must Clone it.
type Iterator interface {
	Next() bool
	Tuple() Tuple
	Err() error
	Close() error
}

// Source is the capability set shared by tuple blocks, memory tables and
// file tables.
type Source interface {
	// Get returns the newest version of key.Data whose snapshot is
	// <= key.Snapshot.
	Get(key Key) (Tuple, bool, error)
	// Ascend iterates every version in key order starting at the first key
	// >= from. A nil from starts at the beginning.
	Ascend(from *Key) (Iterator, error)
	// Descend iterates every version in reverse key order starting at the
	// last key <= from. A nil from starts at the end.
	Descend(from *Key) (Iterator, error)
}

// sliceIterator iterates a fixed slice of tuples.
type sliceIterator struct {
	tuples []Tuple
	pos    int
}

func newSliceIterator(tuples []Tuple) *sliceIterator {
	return &sliceIterator{tuples: tuples, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.tuples) {
		it.pos = len(it.tuples)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Tuple() Tuple { return it.tuples[it.pos] }
func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

// emptyIterator yields nothing.
type emptyIterator struct{ err error }

func (it emptyIterator) Next() bool   { return false }
func (it emptyIterator) Tuple() Tuple { return Tuple{} }
func (it emptyIterator) Err() error   { return it.err }
func (it emptyIterator) Close() error { return nil }

// Collect drains an iterator into cloned tuples and closes it.
func Collect(it Iterator) ([]Tuple, error) {
	defer it.Close()
	var out []Tuple
	for it.Next() {
		out = append(out, it.Tuple().Clone())
	}
	return out, it.Err()
}
