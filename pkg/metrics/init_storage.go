package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStorageMetrics() {
	r.MemTableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "heftydb_memtable_bytes",
			Help: "Approximate size of the active memory table",
		},
	)

	r.FrozenMemTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "heftydb_frozen_memtables",
			Help: "Memory tables waiting to be flushed",
		},
	)

	r.TablesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heftydb_tables",
			Help: "Live file tables per level",
		},
		[]string{"level"},
	)

	r.LevelBytes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heftydb_level_bytes",
			Help: "Live file table bytes per level",
		},
		[]string{"level"},
	)

	r.QuarantinedTables = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "heftydb_quarantined_tables_total",
			Help: "File tables quarantined after a corruption",
		},
	)

	r.PendingDeletionTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "heftydb_pending_deletion_tables",
			Help: "Superseded tables waiting for readers to drain",
		},
	)

	r.CacheHits = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heftydb_cache_hits",
			Help: "Cumulative block cache hits",
		},
		[]string{"cache"},
	)

	r.CacheMisses = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heftydb_cache_misses",
			Help: "Cumulative block cache misses",
		},
		[]string{"cache"},
	)

	r.CacheEvictions = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heftydb_cache_evictions",
			Help: "Cumulative block cache evictions",
		},
		[]string{"cache"},
	)

	r.CacheWeight = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heftydb_cache_weight_bytes",
			Help: "Current block cache weight",
		},
		[]string{"cache"},
	)

	r.CacheEntries = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heftydb_cache_entries",
			Help: "Blocks currently cached",
		},
		[]string{"cache"},
	)
}
