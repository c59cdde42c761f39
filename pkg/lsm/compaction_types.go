package lsm

import (
	"bytes"
	"math"
	"sync"
)

// CompactionStrategy decides which tables to compact next.
type CompactionStrategy interface {
	// SelectCompaction returns a plan and reserves its tables, or nil.
	SelectCompaction(ts *TableSet) *CompactionPlan
	// FullCompaction plans a merge of every table into one level, or nil.
	FullCompaction(ts *TableSet) *CompactionPlan
	// Done releases the tables reserved by plan.
	Done(plan *CompactionPlan)
}

// CompactionPlan describes which tables to compact
type CompactionPlan struct {
	Level       int
	Inputs      []*FileTable // From Level, newest first
	Overlaps    []*FileTable // From OutputLevel
	OutputLevel int
	Bottom      bool // No deeper table overlaps the output range
	Full        bool
}

// Tables returns every input table, newest first.
func (p *CompactionPlan) Tables() []*FileTable {
	out := make([]*FileTable, 0, len(p.Inputs)+len(p.Overlaps))
	out = append(out, p.Inputs...)
	return append(out, p.Overlaps...)
}

// keyRange returns the smallest and largest data key across tables.
func keyRange(tables []*FileTable) (lo, hi []byte) {
	for _, t := range tables {
		if lo == nil || bytes.Compare(t.MinData(), lo) < 0 {
			lo = t.MinData()
		}
		if hi == nil || bytes.Compare(t.MaxData(), hi) > 0 {
			hi = t.MaxData()
		}
	}
	return lo, hi
}

// LeveledCompactionStrategy implements leveled compaction (like LevelDB/RocksDB)
// - Level 0: Multiple overlapping tables (from memory table flushes)
// - Level 1+: Non-overlapping tables, size limit grows by LevelSizeRatio per level
type LeveledCompactionStrategy struct {
	Level0FileLimit int     // Files in L0 that trigger compaction
	LevelSizeRatio  float64 // Size ratio between levels (default 10.0)
	LevelBaseSize   int64   // Size limit of level 1
	MaxLevels       int     // Maximum number of levels

	mu       sync.Mutex
	busy     map[uint64]bool
	pointers map[int][]byte // Largest key of the last table picked per level
}

// DefaultLeveledCompaction returns default leveled compaction config
func DefaultLeveledCompaction() *LeveledCompactionStrategy {
	return &LeveledCompactionStrategy{
		Level0FileLimit: 4,
		LevelSizeRatio:  10.0,
		LevelBaseSize:   10 * 1024 * 1024,
		MaxLevels:       7,
	}
}

func (lcs *LeveledCompactionStrategy) init() {
	if lcs.busy == nil {
		lcs.busy = make(map[uint64]bool)
		lcs.pointers = make(map[int][]byte)
	}
}

// LevelLimit returns the size that triggers compaction of level n >= 1.
func (lcs *LeveledCompactionStrategy) LevelLimit(n int) int64 {
	return int64(float64(lcs.LevelBaseSize) * math.Pow(lcs.LevelSizeRatio, float64(n-1)))
}

func (lcs *LeveledCompactionStrategy) available(tables []*FileTable) bool {
	for _, t := range tables {
		if lcs.busy[t.ID()] || t.Quarantined() {
			return false
		}
	}
	return true
}

func (lcs *LeveledCompactionStrategy) reserve(p *CompactionPlan) *CompactionPlan {
	for _, t := range p.Tables() {
		lcs.busy[t.ID()] = true
	}
	return p
}

// bottom reports whether no table below level overlaps [lo, hi].
func bottom(ts *TableSet, level int, lo, hi []byte) bool {
	for n := level + 1; n < ts.NumLevels(); n++ {
		if len(ts.Overlapping(n, lo, hi)) > 0 {
			return false
		}
	}
	return true
}

// SelectCompaction determines which tables to compact
func (lcs *LeveledCompactionStrategy) SelectCompaction(ts *TableSet) *CompactionPlan {
	lcs.mu.Lock()
	defer lcs.mu.Unlock()
	lcs.init()

	// L0: every table at once, since they overlap each other.
	if l0 := ts.Level(0); len(l0) >= lcs.Level0FileLimit && lcs.available(l0) {
		lo, hi := keyRange(l0)
		overlaps := ts.Overlapping(1, lo, hi)
		if lcs.available(overlaps) {
			lo, hi = keyRange(append(overlaps, l0...))
			return lcs.reserve(&CompactionPlan{
				Level:       0,
				Inputs:      l0,
				Overlaps:    overlaps,
				OutputLevel: 1,
				Bottom:      bottom(ts, 1, lo, hi),
			})
		}
	}

	// Deeper levels, most oversized first.
	type candidate struct {
		level int
		score float64
	}
	var best []candidate
	for n := 1; n < ts.NumLevels() && n < lcs.MaxLevels-1; n++ {
		score := float64(ts.LevelSize(n)) / float64(lcs.LevelLimit(n))
		if score > 1 {
			best = append(best, candidate{level: n, score: score})
		}
	}
	for len(best) > 0 {
		top := 0
		for i := range best {
			if best[i].score > best[top].score {
				top = i
			}
		}
		n := best[top].level
		best = append(best[:top], best[top+1:]...)
		if p := lcs.pickFromLevel(ts, n); p != nil {
			return lcs.reserve(p)
		}
	}

	return nil // No compaction needed
}

// pickFromLevel chooses the first available table after the level's
// compaction pointer, wrapping around.
func (lcs *LeveledCompactionStrategy) pickFromLevel(ts *TableSet, n int) *CompactionPlan {
	tables := ts.Level(n)
	if len(tables) == 0 {
		return nil
	}
	start := 0
	if ptr, ok := lcs.pointers[n]; ok {
		for start < len(tables) && bytes.Compare(tables[start].MinData(), ptr) <= 0 {
			start++
		}
	}
	for i := 0; i < len(tables); i++ {
		t := tables[(start+i)%len(tables)]
		in := []*FileTable{t}
		if !lcs.available(in) {
			continue
		}
		overlaps := ts.Overlapping(n+1, t.MinData(), t.MaxData())
		if !lcs.available(overlaps) {
			continue
		}
		lcs.pointers[n] = t.MaxData()
		lo, hi := keyRange(append(overlaps, t))
		return &CompactionPlan{
			Level:       n,
			Inputs:      in,
			Overlaps:    overlaps,
			OutputLevel: n + 1,
			Bottom:      bottom(ts, n+1, lo, hi),
		}
	}
	return nil
}

// FullCompaction merges every table into the deepest populated level (at
// least level 1). It returns nil when any table is busy or quarantined.
func (lcs *LeveledCompactionStrategy) FullCompaction(ts *TableSet) *CompactionPlan {
	lcs.mu.Lock()
	defer lcs.mu.Unlock()
	lcs.init()

	all := ts.All()
	if len(all) == 0 || !lcs.available(all) {
		return nil
	}
	target := 1
	for n := ts.NumLevels() - 1; n > 1; n-- {
		if len(ts.Level(n)) > 0 {
			target = n
			break
		}
	}
	if len(all) == 1 && ts.LevelOf(all[0].ID()) == target {
		// Still rewrite it so bottom tombstones and stale versions go.
		return lcs.reserve(&CompactionPlan{Level: target, Inputs: all, OutputLevel: target, Bottom: true, Full: true})
	}

	var inputs, overlaps []*FileTable
	for _, t := range all {
		if ts.LevelOf(t.ID()) == target {
			overlaps = append(overlaps, t)
		} else {
			inputs = append(inputs, t)
		}
	}
	return lcs.reserve(&CompactionPlan{
		Level:       0,
		Inputs:      inputs,
		Overlaps:    overlaps,
		OutputLevel: target,
		Bottom:      true,
		Full:        true,
	})
}

// Done releases the tables reserved by plan.
func (lcs *LeveledCompactionStrategy) Done(plan *CompactionPlan) {
	lcs.mu.Lock()
	defer lcs.mu.Unlock()
	for _, t := range plan.Tables() {
		delete(lcs.busy, t.ID())
	}
}

// CompactionStats tracks compaction metrics
type CompactionStats struct {
	BytesRead    int64
	BytesWritten int64
	TuplesIn     int64
	TuplesOut    int64
	KeysRemoved  int64 // Shadowed versions and dropped tombstones
}
