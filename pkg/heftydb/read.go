package heftydb

import (
	"errors"
	"sync"
	"time"

	"github.com/dd0wney/heftydb/pkg/lsm"
)

// Get returns the newest value of key. A missing or deleted key returns
// ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	if err := db.checkOpen("get"); err != nil {
		return nil, err
	}
	h := db.snapshots.Acquire()
	defer db.release(h)
	return db.get("get", key, h.Snapshot)
}

// GetAt returns the value key had at snapshot. Snapshots newer than the
// current one read the current state. Versions older than the oldest
// retained snapshot may already have been compacted away; hold a Snapshot to
// keep them readable.
func (db *DB) GetAt(key []byte, snapshot uint64) ([]byte, error) {
	if err := db.checkOpen("get"); err != nil {
		return nil, err
	}
	h := db.acquireAt(snapshot)
	defer db.release(h)
	return db.get("get", key, h.Snapshot)
}

func (db *DB) acquireAt(snapshot uint64) lsm.ReadHandle {
	if cur := db.snapshots.Current(); snapshot > cur {
		snapshot = cur
	}
	return db.snapshots.AcquireAt(snapshot)
}

// release unregisters a reader and deletes tables it was the last to see.
func (db *DB) release(h lsm.ReadHandle) {
	db.snapshots.Release(h)
	if db.pending.Load() > 0 {
		db.collectObsolete(false)
	}
}

// get searches newest to oldest and stops at the first version visible at
// snapshot. The caller has registered a reader at snapshot.
func (db *DB) get(op string, key []byte, snapshot uint64) ([]byte, error) {
	start := time.Now()
	value, err := db.lookup(key, snapshot)
	db.stats.reads.Add(1)
	if err != nil && !errors.Is(err, ErrNotFound) {
		db.metrics.RecordOperation(op, err, time.Since(start))
		return nil, err
	}
	db.metrics.RecordOperation(op, nil, time.Since(start))
	return value, err
}

func (db *DB) lookup(key []byte, snapshot uint64) ([]byte, error) {
	if len(key) == 0 {
		return nil, lsm.InvalidArgument("get", "empty key")
	}
	target := lsm.Key{Data: key, Snapshot: snapshot}

	// Memory tables before tables: a flush installs its table before the
	// memory table is dropped.
	for _, mt := range db.mem.Load().all() {
		t, ok, err := mt.Get(target)
		if err != nil {
			return nil, err
		}
		if ok {
			return visible(t)
		}
	}
	for _, ft := range db.tables.Current().ForKey(key) {
		t, ok, err := ft.Get(target)
		if err != nil {
			return nil, err
		}
		if ok {
			return visible(t)
		}
	}
	return nil, ErrNotFound
}

func visible(t lsm.Tuple) ([]byte, error) {
	if t.Value.Tombstone {
		return nil, ErrNotFound
	}
	return append([]byte(nil), t.Value.Data...), nil
}

// AscendingIterator iterates the current state in key order from the first
// key >= from. A nil from starts at the smallest key.
func (db *DB) AscendingIterator(from []byte) (*Iterator, error) {
	if err := db.checkOpen("iterate"); err != nil {
		return nil, err
	}
	return db.newIterator(db.snapshots.Acquire(), from, false)
}

// AscendingIteratorAt is AscendingIterator at an explicit snapshot.
func (db *DB) AscendingIteratorAt(from []byte, snapshot uint64) (*Iterator, error) {
	if err := db.checkOpen("iterate"); err != nil {
		return nil, err
	}
	return db.newIterator(db.acquireAt(snapshot), from, false)
}

// DescendingIterator iterates the current state in reverse key order from
// the last key <= from. A nil from starts at the largest key.
func (db *DB) DescendingIterator(from []byte) (*Iterator, error) {
	if err := db.checkOpen("iterate"); err != nil {
		return nil, err
	}
	return db.newIterator(db.snapshots.Acquire(), from, true)
}

// DescendingIteratorAt is DescendingIterator at an explicit snapshot.
func (db *DB) DescendingIteratorAt(from []byte, snapshot uint64) (*Iterator, error) {
	if err := db.checkOpen("iterate"); err != nil {
		return nil, err
	}
	return db.newIterator(db.acquireAt(snapshot), from, true)
}

// newIterator merges every memory table and file table visible to h.
// Closing the iterator releases h.
func (db *DB) newIterator(h lsm.ReadHandle, from []byte, reverse bool) (*Iterator, error) {
	var seek *lsm.Key
	if from != nil {
		k := lsm.SeekFirst(from)
		if reverse {
			k = lsm.SeekLast(from)
		}
		seek = &k
	}

	var sources []lsm.Source
	for _, mt := range db.mem.Load().all() {
		sources = append(sources, mt)
	}
	for _, ft := range db.tables.Current().All() {
		sources = append(sources, ft)
	}

	its := make([]lsm.Iterator, 0, len(sources))
	for _, src := range sources {
		var it lsm.Iterator
		var err error
		if reverse {
			it, err = src.Descend(seek)
		} else {
			it, err = src.Ascend(seek)
		}
		if err != nil {
			for _, opened := range its {
				_ = opened.Close()
			}
			db.release(h)
			return nil, err
		}
		its = append(its, it)
	}

	it := &Iterator{
		src:      lsm.NewVisibleIterator(lsm.NewMergeIterator(its, reverse), h.Snapshot, reverse),
		snapshot: h.Snapshot,
		release:  func() { db.release(h) },
	}
	return it, nil
}

// Iterator walks the records visible at one snapshot. Key and Value are
// valid until the next call to Next; copy them to keep them. An iterator
// must be closed.
type Iterator struct {
	src      lsm.Iterator
	cur      lsm.Tuple
	snapshot uint64
	release  func()
	once     sync.Once
	closed   bool
}

// Next advances to the next record and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.closed || !it.src.Next() {
		return false
	}
	it.cur = it.src.Tuple()
	return true
}

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.cur.Key.Data }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.cur.Value.Data }

// Version returns the snapshot id of the write that produced the current record.
func (it *Iterator) Version() uint64 { return it.cur.Key.Snapshot }

// Snapshot returns the snapshot the iterator reads at.
func (it *Iterator) Snapshot() uint64 { return it.snapshot }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.src.Err() }

// Close releases the iterator's blocks and its snapshot.
func (it *Iterator) Close() error {
	var err error
	it.once.Do(func() {
		it.closed = true
		err = it.src.Close()
		it.release()
	})
	return err
}

// Snapshot pins a point-in-time view. Compaction keeps every version a
// live snapshot can see. A snapshot must be released.
type Snapshot struct {
	db   *DB
	h    lsm.ReadHandle
	once sync.Once
}

// Snapshot returns a handle on the current state.
func (db *DB) Snapshot() (*Snapshot, error) {
	if err := db.checkOpen("snapshot"); err != nil {
		return nil, err
	}
	return &Snapshot{db: db, h: db.snapshots.Acquire()}, nil
}

// ID returns the snapshot id. Writes with a larger id are invisible.
func (s *Snapshot) ID() uint64 {
	return s.h.Snapshot
}

// Get returns the value key had at the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if err := s.db.checkOpen("get"); err != nil {
		return nil, err
	}
	return s.db.get("get", key, s.h.Snapshot)
}

// AscendingIterator iterates the snapshot in key order from from.
func (s *Snapshot) AscendingIterator(from []byte) (*Iterator, error) {
	if err := s.db.checkOpen("iterate"); err != nil {
		return nil, err
	}
	return s.db.newIterator(s.db.snapshots.AcquireAt(s.h.Snapshot), from, false)
}

// DescendingIterator iterates the snapshot in reverse key order from from.
func (s *Snapshot) DescendingIterator(from []byte) (*Iterator, error) {
	if err := s.db.checkOpen("iterate"); err != nil {
		return nil, err
	}
	return s.db.newIterator(s.db.snapshots.AcquireAt(s.h.Snapshot), from, true)
}

// Release unpins the snapshot. Releasing twice is a no-op.
func (s *Snapshot) Release() {
	s.once.Do(func() {
		s.db.release(s.h)
	})
}
