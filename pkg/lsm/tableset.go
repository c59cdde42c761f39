package lsm

import (
	"bytes"
	"slices"
	"sync"
	"sync/atomic"
)

// TableSet is an immutable view of the live file tables by level.
//
// Level 0 is ordered newest first and its tables may overlap. Every deeper
// level is ordered by smallest key and its tables are disjoint.
type TableSet struct {
	levels [][]*FileTable
}

// NewTableSet builds a set from per-level tables, normalizing their order.
func NewTableSet(levels [][]*FileTable) *TableSet {
	ts := &TableSet{levels: make([][]*FileTable, len(levels))}
	for i, lvl := range levels {
		ts.levels[i] = sortLevel(i, slices.Clone(lvl))
	}
	return ts
}

func sortLevel(level int, tables []*FileTable) []*FileTable {
	if level == 0 {
		slices.SortFunc(tables, func(a, b *FileTable) int {
			switch {
			case a.ID() > b.ID():
				return -1
			case a.ID() < b.ID():
				return 1
			}
			return 0
		})
		return tables
	}
	slices.SortFunc(tables, func(a, b *FileTable) int {
		return bytes.Compare(a.MinData(), b.MinData())
	})
	return tables
}

// NumLevels returns the number of levels, including empty trailing ones.
func (ts *TableSet) NumLevels() int {
	return len(ts.levels)
}

// Level returns the tables of one level. The slice must not be modified.
func (ts *TableSet) Level(n int) []*FileTable {
	if n < 0 || n >= len(ts.levels) {
		return nil
	}
	return ts.levels[n]
}

// LevelSize returns the total file size of a level.
func (ts *TableSet) LevelSize(n int) int64 {
	var total int64
	for _, t := range ts.Level(n) {
		total += t.Size()
	}
	return total
}

// Count returns the number of tables across all levels.
func (ts *TableSet) Count() int {
	n := 0
	for _, lvl := range ts.levels {
		n += len(lvl)
	}
	return n
}

// All returns every table in search order: level 0 newest first, then each
// deeper level by key.
func (ts *TableSet) All() []*FileTable {
	out := make([]*FileTable, 0, ts.Count())
	for _, lvl := range ts.levels {
		out = append(out, lvl...)
	}
	return out
}

// ForKey returns the tables that may hold data, newest first.
func (ts *TableSet) ForKey(data []byte) []*FileTable {
	var out []*FileTable
	for n, lvl := range ts.levels {
		if n == 0 {
			for _, t := range lvl {
				if t.Overlaps(data, data) {
					out = append(out, t)
				}
			}
			continue
		}
		// Last table whose smallest key <= data.
		i, found := slices.BinarySearchFunc(lvl, data, func(t *FileTable, d []byte) int {
			return bytes.Compare(t.MinData(), d)
		})
		if !found {
			i--
		}
		if i >= 0 && bytes.Compare(data, lvl[i].MaxData()) <= 0 {
			out = append(out, lvl[i])
		}
	}
	return out
}

// Overlapping returns the tables in level n that hold keys in [lo, hi].
func (ts *TableSet) Overlapping(n int, lo, hi []byte) []*FileTable {
	var out []*FileTable
	for _, t := range ts.Level(n) {
		if t.Overlaps(lo, hi) {
			out = append(out, t)
		}
	}
	return out
}

// LevelOf returns the level holding table id, or -1.
func (ts *TableSet) LevelOf(id uint64) int {
	for n, lvl := range ts.levels {
		for _, t := range lvl {
			if t.ID() == id {
				return n
			}
		}
	}
	return -1
}

// LeveledTable pairs a table with the level it belongs to.
type LeveledTable struct {
	Table *FileTable
	Level int
}

// Leveled lists every table with its level.
func (ts *TableSet) Leveled() []LeveledTable {
	var out []LeveledTable
	for n, lvl := range ts.levels {
		for _, t := range lvl {
			out = append(out, LeveledTable{Table: t, Level: n})
		}
	}
	return out
}

// replace returns a new set without removed and with added.
func (ts *TableSet) replace(removed []*FileTable, added []LeveledTable) *TableSet {
	drop := make(map[uint64]bool, len(removed))
	for _, t := range removed {
		drop[t.ID()] = true
	}

	n := len(ts.levels)
	for _, a := range added {
		if a.Level+1 > n {
			n = a.Level + 1
		}
	}
	levels := make([][]*FileTable, n)
	for i, lvl := range ts.levels {
		for _, t := range lvl {
			if !drop[t.ID()] {
				levels[i] = append(levels[i], t)
			}
		}
	}
	for _, a := range added {
		levels[a.Level] = append(levels[a.Level], a.Table)
	}
	for i := range levels {
		levels[i] = sortLevel(i, levels[i])
	}
	return &TableSet{levels: levels}
}

// LiveTables holds the current TableSet. Readers load it without locking;
// swaps are serialized.
type LiveTables struct {
	mu  sync.Mutex
	cur atomic.Pointer[TableSet]
}

// NewLiveTables starts from an initial set.
func NewLiveTables(initial *TableSet) *LiveTables {
	lt := &LiveTables{}
	if initial == nil {
		initial = &TableSet{}
	}
	lt.cur.Store(initial)
	return lt
}

// Current returns the live set. It stays valid for as long as the caller
// needs it.
func (lt *LiveTables) Current() *TableSet {
	return lt.cur.Load()
}

// Swap atomically replaces removed with added and returns the new set.
// commit, if set, runs under the swap lock before the new set is published
// and may veto it.
func (lt *LiveTables) Swap(removed []*FileTable, added []LeveledTable, commit func(*TableSet) error) (*TableSet, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	next := lt.cur.Load().replace(removed, added)
	if commit != nil {
		if err := commit(next); err != nil {
			return nil, err
		}
	}
	lt.cur.Store(next)
	return next, nil
}
