package heftydb

import (
	"sync/atomic"

	"github.com/dd0wney/heftydb/pkg/lsm"
	"github.com/dd0wney/heftydb/pkg/metrics"
)

// engineStats uses atomic counters so the write and read paths never
// contend on them.
type engineStats struct {
	writes            atomic.Int64
	deletes           atomic.Int64
	reads             atomic.Int64
	bytesWritten      atomic.Int64
	flushes           atomic.Int64
	compactions       atomic.Int64
	failedCompactions atomic.Int64
	stalls            atomic.Int64
	quarantined       atomic.Int64
}

// Stats is a point-in-time view of the database.
type Stats struct {
	Writes            int64
	Deletes           int64
	Reads             int64
	BytesWritten      int64
	Flushes           int64
	Compactions       int64
	FailedCompactions int64
	WriteStalls       int64
	Quarantined       int64

	Snapshot    uint64 // Newest visible snapshot
	LiveReaders int

	MemTableSize    int
	MemTableRecords int
	FrozenMemTables int

	Levels          []LevelStats
	Tables          int
	PendingDeletion int64

	TupleCache CacheStats
	IndexCache CacheStats
}

// LevelStats describes one level of file tables.
type LevelStats struct {
	Level   int
	Tables  int
	Bytes   int64
	Records uint64
}

// CacheStats describes one block cache.
type CacheStats struct {
	Hits      int64
	Misses    int64
	HitRate   float64
	Evictions int64
	Weight    int64
	MaxWeight int64
	Entries   int
}

func cacheStats[B lsm.Cacheable](c *lsm.BlockCache[B]) CacheStats {
	hits, misses, rate := c.Stats()
	return CacheStats{
		Hits:      hits,
		Misses:    misses,
		HitRate:   rate,
		Evictions: c.Evictions(),
		Weight:    c.Weight(),
		MaxWeight: c.MaxWeight(),
		Entries:   c.Size(),
	}
}

// Stats returns current statistics and refreshes the exported gauges.
func (db *DB) Stats() Stats {
	mem := db.mem.Load()
	ts := db.tables.Current()

	s := Stats{
		Writes:            db.stats.writes.Load(),
		Deletes:           db.stats.deletes.Load(),
		Reads:             db.stats.reads.Load(),
		BytesWritten:      db.stats.bytesWritten.Load(),
		Flushes:           db.stats.flushes.Load(),
		Compactions:       db.stats.compactions.Load(),
		FailedCompactions: db.stats.failedCompactions.Load(),
		WriteStalls:       db.stats.stalls.Load(),
		Quarantined:       db.stats.quarantined.Load(),
		Snapshot:          db.snapshots.Current(),
		LiveReaders:       db.snapshots.LiveReaders(),
		MemTableSize:      mem.active.Size(),
		MemTableRecords:   mem.active.Len(),
		FrozenMemTables:   len(mem.frozen),
		Tables:            ts.Count(),
		PendingDeletion:   db.pending.Load(),
		TupleCache:        cacheStats(db.tupleCache),
		IndexCache:        cacheStats(db.indexCache),
	}
	for n := 0; n < ts.NumLevels(); n++ {
		lvl := LevelStats{Level: n, Tables: len(ts.Level(n)), Bytes: ts.LevelSize(n)}
		for _, t := range ts.Level(n) {
			lvl.Records += t.Records()
		}
		s.Levels = append(s.Levels, lvl)
	}

	db.publish(s)
	return s
}

func (db *DB) refreshMetrics() {
	db.Stats()
	db.metrics.UpdateSystemMetrics()
}

// publish mirrors s into the metrics registry.
func (db *DB) publish(s Stats) {
	levels := make([]metrics.LevelStats, len(s.Levels))
	for i, l := range s.Levels {
		levels[i] = metrics.LevelStats{Level: l.Level, Tables: l.Tables, Bytes: l.Bytes}
	}
	db.metrics.UpdateLevels(levels)
	db.metrics.UpdateCache("tuple", toMetricsCache(s.TupleCache))
	db.metrics.UpdateCache("index", toMetricsCache(s.IndexCache))
	db.metrics.UpdateMemTables(s.MemTableSize, s.FrozenMemTables)
	db.metrics.UpdateSnapshots(s.Snapshot, s.LiveReaders)
	db.metrics.PendingDeletionTables.Set(float64(s.PendingDeletion))
}

func toMetricsCache(c CacheStats) metrics.CacheStats {
	return metrics.CacheStats{
		Hits:      c.Hits,
		Misses:    c.Misses,
		Evictions: c.Evictions,
		Weight:    c.Weight,
		Entries:   c.Entries,
	}
}
