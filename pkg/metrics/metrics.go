package metrics

import (
	"strconv"
	"time"
)

// RecordOperation records a client operation with its duration
func (r *Registry) RecordOperation(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.OperationsTotal.WithLabelValues(operation, status).Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWrite records an accepted write of the given key and value size
func (r *Registry) RecordWrite(userBytes int) {
	r.UserBytesWritten.Add(float64(userBytes))
}

// RecordWriteStall records a writer blocked on flush backlog
func (r *Registry) RecordWriteStall(duration time.Duration) {
	r.WriteStallsTotal.Inc()
	r.WriteStallSeconds.Observe(duration.Seconds())
}

// RecordWALAppend records one appended log record
func (r *Registry) RecordWALAppend(bytes int) {
	r.WALRecordsTotal.Inc()
	r.WALBytesWritten.Add(float64(bytes))
}

// RecordRecovery records a replayed log
func (r *Registry) RecordRecovery(records int, truncated bool) {
	r.WALRecoveredTotal.Add(float64(records))
	if truncated {
		r.WALTruncatedTotal.Inc()
	}
}

// RecordFlush records a memory table flush
func (r *Registry) RecordFlush(bytes int64, err error, duration time.Duration) {
	if err != nil {
		r.FlushesTotal.WithLabelValues("error").Inc()
		return
	}
	r.FlushesTotal.WithLabelValues("success").Inc()
	r.FlushDuration.Observe(duration.Seconds())
	r.FlushBytesWritten.Add(float64(bytes))
}

// RecordCompaction records a compaction of the given source level
func (r *Registry) RecordCompaction(level int, bytesRead, bytesWritten, removed int64, err error, duration time.Duration) {
	lvl := strconv.Itoa(level)
	status := "success"
	if err != nil {
		status = "error"
	}
	r.CompactionsTotal.WithLabelValues(lvl, status).Inc()
	if err != nil {
		return
	}
	r.CompactionDuration.WithLabelValues(lvl).Observe(duration.Seconds())
	r.CompactionBytesRead.Add(float64(bytesRead))
	r.CompactionBytesWritten.Add(float64(bytesWritten))
	r.CompactionKeysRemoved.Add(float64(removed))
}

// RecordQuarantine records a table taken out of service
func (r *Registry) RecordQuarantine() {
	r.QuarantinedTables.Inc()
}

// UpdateLevels replaces the per-level table gauges
func (r *Registry) UpdateLevels(levels []LevelStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.TablesPerLevel.Reset()
	r.LevelBytes.Reset()
	for _, l := range levels {
		lvl := strconv.Itoa(l.Level)
		r.TablesPerLevel.WithLabelValues(lvl).Set(float64(l.Tables))
		r.LevelBytes.WithLabelValues(lvl).Set(float64(l.Bytes))
	}
}

// UpdateCache publishes the counters of a named block cache
func (r *Registry) UpdateCache(name string, s CacheStats) {
	r.CacheHits.WithLabelValues(name).Set(float64(s.Hits))
	r.CacheMisses.WithLabelValues(name).Set(float64(s.Misses))
	r.CacheEvictions.WithLabelValues(name).Set(float64(s.Evictions))
	r.CacheWeight.WithLabelValues(name).Set(float64(s.Weight))
	r.CacheEntries.WithLabelValues(name).Set(float64(s.Entries))
}

// UpdateMemTables sets the active memory table size and frozen backlog
func (r *Registry) UpdateMemTables(activeBytes int, frozen int) {
	r.MemTableBytes.Set(float64(activeBytes))
	r.FrozenMemTables.Set(float64(frozen))
}

// UpdateSnapshots sets the visible snapshot and reader count
func (r *Registry) UpdateSnapshots(current uint64, readers int) {
	r.SnapshotCurrent.Set(float64(current))
	r.LiveReaders.Set(float64(readers))
}
