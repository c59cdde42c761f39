package lsm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

// ErrCompactionStopped is returned when a compaction notices shutdown.
var ErrCompactionStopped = errors.New("compaction stopped")

// CompactorOptions wires a compactor to the table directory.
type CompactorOptions struct {
	Dir             string
	TargetTableSize int64
	Writer          TableWriterOptions

	NextID     func() uint64                       // Allocates output table ids
	Open       func(id uint64) (*FileTable, error) // Opens a finished output
	ShouldStop func() bool                         // Polled between output blocks
}

// Compactor merges tables according to a plan.
type Compactor struct {
	opts CompactorOptions
}

// NewCompactor creates a new compactor
func NewCompactor(opts CompactorOptions) *Compactor {
	if opts.TargetTableSize <= 0 {
		opts.TargetTableSize = 2 * 1024 * 1024
	}
	return &Compactor{opts: opts}
}

// CompactionFilter applies the version retention rules to one merged,
// ascending stream.
//
// For each data key the newest version is kept. Once a version at or below
// minLive has been kept, older versions are invisible to every reader and
// are dropped. At the bottom level a tombstone at or below minLive is
// dropped together with everything older.
type CompactionFilter struct {
	src     Iterator
	minLive uint64
	bottom  bool

	cur      Tuple
	data     []byte
	started  bool
	shadowed bool
	dropped  int64
}

// NewCompactionFilter filters src for readers at or above minLive.
func NewCompactionFilter(src Iterator, minLive uint64, bottom bool) *CompactionFilter {
	return &CompactionFilter{src: src, minLive: minLive, bottom: bottom}
}

func (f *CompactionFilter) Next() bool {
	for f.src.Next() {
		t := f.src.Tuple()
		if !f.started || !bytes.Equal(t.Key.Data, f.data) {
			f.started = true
			f.data = append(f.data[:0], t.Key.Data...)
			f.shadowed = false
		}
		if f.shadowed {
			f.dropped++
			continue
		}
		if t.Key.Snapshot <= f.minLive {
			f.shadowed = true
			if t.Value.Tombstone && f.bottom {
				f.dropped++
				continue
			}
		}
		f.cur = t
		return true
	}
	return false
}

func (f *CompactionFilter) Tuple() Tuple { return f.cur }
func (f *CompactionFilter) Err() error   { return f.src.Err() }
func (f *CompactionFilter) Close() error { return f.src.Close() }

// Dropped returns how many tuples were discarded so far.
func (f *CompactionFilter) Dropped() int64 { return f.dropped }

// Compact merges the plan's tables into new tables at the output level.
// On failure every output written so far is deleted and the inputs are
// untouched.
func (c *Compactor) Compact(plan *CompactionPlan, minLive uint64) ([]*FileTable, CompactionStats, error) {
	var stats CompactionStats
	if plan == nil {
		return nil, stats, nil
	}
	inputs := plan.Tables()
	if len(inputs) == 0 {
		return nil, stats, nil
	}

	var records, bytesIn int64
	its := make([]Iterator, 0, len(inputs))
	for _, t := range inputs {
		it, err := t.Ascend(nil)
		if err != nil {
			for _, opened := range its {
				_ = opened.Close()
			}
			return nil, stats, err
		}
		its = append(its, it)
		records += int64(t.Records())
		bytesIn += t.Size()
	}
	stats.BytesRead = bytesIn
	stats.TuplesIn = records

	filter := NewCompactionFilter(NewMergeIterator(its, false), minLive, plan.Bottom)
	defer filter.Close()

	outputs, err := c.write(filter, records, bytesIn, &stats)
	stats.KeysRemoved = filter.Dropped()
	if err != nil {
		for _, t := range outputs {
			_ = t.Delete()
		}
		return nil, stats, err
	}
	return outputs, stats, nil
}

// expectedRecords estimates how many tuples one output will hold.
func (c *Compactor) expectedRecords(records, bytesIn int64) int {
	if records <= 0 || bytesIn <= 0 {
		return 1
	}
	perTable := records * c.opts.TargetTableSize / bytesIn
	perTable += perTable / 4
	if perTable > records {
		perTable = records
	}
	if perTable < 1 {
		perTable = 1
	}
	return int(perTable)
}

func (c *Compactor) write(src Iterator, records, bytesIn int64, stats *CompactionStats) ([]*FileTable, error) {
	var (
		outputs     []*FileTable
		tw          *TableWriter
		lastFlushed uint64
	)

	wopts := c.opts.Writer
	wopts.ExpectedRecords = c.expectedRecords(records, bytesIn)

	finish := func() error {
		id := tw.ID()
		path, err := tw.Finish()
		tw = nil
		if err != nil {
			return err
		}
		t, err := c.opts.Open(id)
		if err != nil {
			_ = os.Remove(path)
			return err
		}
		outputs = append(outputs, t)
		stats.BytesWritten += t.Size()
		return nil
	}

	for src.Next() {
		t := src.Tuple()

		// Cut only between data keys so versions never straddle tables.
		if tw != nil && int64(tw.Size()) >= c.opts.TargetTableSize && !bytes.Equal(tw.LastKey().Data, t.Key.Data) {
			if err := finish(); err != nil {
				return outputs, err
			}
		}
		if tw == nil {
			var err error
			if tw, err = NewTableWriter(c.opts.Dir, c.opts.NextID(), wopts); err != nil {
				return outputs, err
			}
			lastFlushed = 0
		}
		if err := tw.Add(t); err != nil {
			tw.Abort()
			return outputs, err
		}
		stats.TuplesOut++

		if flushed := tw.Flushed(); flushed != lastFlushed {
			lastFlushed = flushed
			if c.opts.ShouldStop != nil && c.opts.ShouldStop() {
				tw.Abort()
				return outputs, ErrCompactionStopped
			}
		}
	}
	if err := src.Err(); err != nil {
		if tw != nil {
			tw.Abort()
		}
		return outputs, fmt.Errorf("compaction read failed: %w", err)
	}
	if tw != nil {
		if err := finish(); err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}
