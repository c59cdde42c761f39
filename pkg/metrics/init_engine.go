package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEngineMetrics() {
	r.OperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "heftydb_operations_total",
			Help: "Total number of client operations",
		},
		[]string{"operation", "status"},
	)

	r.OperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heftydb_operation_duration_seconds",
			Help:    "Client operation duration in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"operation"},
	)

	r.UserBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_user_bytes_written_total",
			Help: "Key and value bytes accepted from clients",
		},
	)

	r.WriteStallsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_write_stalls_total",
			Help: "Writes that waited for a memory table flush",
		},
	)

	r.WriteStallSeconds = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heftydb_write_stall_seconds",
			Help:    "Time writers spent stalled on flushes",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)

	r.WALBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_wal_bytes_written_total",
			Help: "Record payload bytes appended to write-ahead logs",
		},
	)

	r.WALRecordsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_wal_records_total",
			Help: "Records appended to write-ahead logs",
		},
	)

	r.WALRecoveredTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_wal_recovered_records_total",
			Help: "Records replayed from write-ahead logs at open",
		},
	)

	r.WALTruncatedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_wal_truncated_logs_total",
			Help: "Logs whose torn tail was truncated during replay",
		},
	)

	r.FlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "heftydb_flushes_total",
			Help: "Memory table flushes",
		},
		[]string{"status"},
	)

	r.FlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heftydb_flush_duration_seconds",
			Help:    "Memory table flush duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)

	r.FlushBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_flush_bytes_written_total",
			Help: "File table bytes written by flushes",
		},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "heftydb_compactions_total",
			Help: "Compactions by source level and outcome",
		},
		[]string{"level", "status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heftydb_compaction_duration_seconds",
			Help:    "Compaction duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		},
		[]string{"level"},
	)

	r.CompactionBytesRead = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_compaction_bytes_read_total",
			Help: "Input table bytes read by compactions",
		},
	)

	r.CompactionBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_compaction_bytes_written_total",
			Help: "Output table bytes written by compactions",
		},
	)

	r.CompactionKeysRemoved = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_compaction_tuples_removed_total",
			Help: "Obsolete versions and tombstones dropped by compactions",
		},
	)

	r.SnapshotCurrent = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "heftydb_snapshot_current",
			Help: "Latest visible snapshot id",
		},
	)

	r.LiveReaders = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "heftydb_live_readers",
			Help: "Readers currently holding a snapshot",
		},
	)
}
