// Package heftydb is an embedded, log-structured key-value store.
//
// Writes go through a single writer lane: each one takes the next snapshot
// id, is appended to the write-ahead log of the active memory table and
// inserted into it. Full memory tables are frozen and flushed to immutable
// file tables on the writer pool; file tables are merged level by level on
// the compaction pool. Readers register a snapshot and never block writers.
package heftydb

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/heftydb/pkg/config"
	"github.com/dd0wney/heftydb/pkg/logging"
	"github.com/dd0wney/heftydb/pkg/lsm"
	"github.com/dd0wney/heftydb/pkg/metrics"
	"github.com/dd0wney/heftydb/pkg/parallel"
	"github.com/dd0wney/heftydb/pkg/wal"
)

const maintenanceInterval = time.Second

// DB is an open database. All methods are safe for concurrent use.
type DB struct {
	cfg     config.Config
	logger  logging.Logger
	metrics *metrics.Registry
	id      string
	walOpts wal.Options

	// Writer lane
	writeMu   sync.Mutex
	activeLog *wal.Log

	// Memory tables are replaced copy-on-write under memMu and read without
	// locking. memCond wakes writers stalled on too many frozen tables.
	memMu   sync.Mutex
	memCond *sync.Cond
	mem     atomic.Pointer[memTables]

	snapshots  *lsm.SnapshotManager
	tables     *lsm.LiveTables
	strategy   *lsm.LeveledCompactionStrategy
	compactor  *lsm.Compactor
	tupleCache *lsm.BlockCache[*lsm.TupleBlock]
	indexCache *lsm.BlockCache[*lsm.IndexBlock]

	nextID   atomic.Uint64
	logFloor atomic.Uint64

	// Flushes run concurrently but install in memory table order.
	flushMu    sync.Mutex
	flushCond  *sync.Cond
	flushQueue []*flushJob
	flushErr   error
	flushPool  *parallel.WorkerPool
	recovered  []*lsm.MemTable

	compactMu   sync.Mutex  // Serializes Compact
	manual      atomic.Bool // Compact is running; no background picks
	compactPool *parallel.WorkerPool

	obsoleteMu sync.Mutex
	obsolete   []obsoleteTables
	pending    atomic.Int64 // Tables awaiting deletion

	stopChan chan struct{}
	wg       sync.WaitGroup
	closing  atomic.Bool
	closed   atomic.Bool

	stats engineStats
}

// memTables is the active memory table plus the frozen ones awaiting flush,
// newest first.
type memTables struct {
	active *lsm.MemTable
	frozen []*lsm.MemTable
}

// all returns every memory table, newest first.
func (m *memTables) all() []*lsm.MemTable {
	out := make([]*lsm.MemTable, 0, len(m.frozen)+1)
	out = append(out, m.active)
	return append(out, m.frozen...)
}

// Open opens the database described by cfg, recovering it if it exists.
func Open(cfg config.Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, lsm.NewError("open", lsm.KindInvalidArgument).Cause(err).Err()
	}
	syncMode, err := wal.ParseSyncMode(cfg.WALSync)
	if err != nil {
		return nil, lsm.NewError("open", lsm.KindInvalidArgument).Cause(err).Err()
	}
	o := buildOptions(cfg.LogLevel, opts)

	db := &DB{
		cfg:     cfg,
		logger:  o.logger.With(logging.Component("heftydb")),
		metrics: o.metrics,
		walOpts: wal.Options{
			Sync:         syncMode,
			SyncInterval: cfg.WALSyncInterval,
			Compression:  cfg.WALCompression,
		},
		tupleCache: lsm.NewBlockCache[*lsm.TupleBlock](cfg.TableCacheSize),
		indexCache: lsm.NewBlockCache[*lsm.IndexBlock](cfg.IndexCacheSize),
		strategy: &lsm.LeveledCompactionStrategy{
			Level0FileLimit: cfg.Level0CompactionThreshold,
			LevelSizeRatio:  float64(cfg.LevelSizeRatio),
			LevelBaseSize:   cfg.LevelBaseSize,
			MaxLevels:       cfg.MaxLevels,
		},
		stopChan: make(chan struct{}),
	}
	db.memCond = sync.NewCond(&db.memMu)
	db.flushCond = sync.NewCond(&db.flushMu)
	db.compactor = lsm.NewCompactor(lsm.CompactorOptions{
		Dir:             cfg.TableDirectory,
		TargetTableSize: cfg.TargetTableSize,
		Writer:          db.writerOptions(0),
		NextID:          db.allocID,
		Open:            db.openTable,
		ShouldStop:      db.closing.Load,
	})

	timer := logging.StartTimer(db.logger, "open database", logging.Path(cfg.TableDirectory))

	db.flushPool, err = parallel.NewWorkerPool(cfg.TableWriterThreads,
		parallel.WithName("flush"), parallel.WithLogger(db.logger))
	if err != nil {
		return nil, err
	}
	db.compactPool, err = parallel.NewWorkerPool(cfg.TableCompactionThreads,
		parallel.WithName("compaction"), parallel.WithLogger(db.logger))
	if err != nil {
		db.flushPool.Close()
		return nil, err
	}

	if err := db.recover(); err != nil {
		db.flushPool.Close()
		db.compactPool.Close()
		db.abandonRecovery()
		timer.EndError(err)
		return nil, err
	}

	for _, mt := range db.recovered {
		db.enqueueFlush(mt, nil)
	}
	db.recovered = nil

	db.wg.Add(1)
	go db.maintenanceWorker()
	db.maybeScheduleCompaction()

	ts := db.tables.Current()
	timer.End(
		logging.String("db_id", db.id),
		logging.Count(ts.Count()),
		logging.Snapshot(db.snapshots.Current()),
	)
	return db, nil
}

// ID returns the database identity stored in its manifest.
func (db *DB) ID() string {
	return db.id
}

// Config returns the configuration the database was opened with.
func (db *DB) Config() config.Config {
	return db.cfg
}

// Metrics returns the registry the database reports to.
func (db *DB) Metrics() *metrics.Registry {
	return db.metrics
}

func (db *DB) allocID() uint64 {
	return db.nextID.Add(1) - 1
}

func (db *DB) writerOptions(expected int) lsm.TableWriterOptions {
	return lsm.TableWriterOptions{
		BlockSize:              db.cfg.FileTableBlockSize,
		IndexBlockSize:         db.cfg.IndexBlockSize,
		ExpectedRecords:        expected,
		BloomFalsePositiveRate: db.cfg.BloomFalsePositiveRate,
	}
}

func (db *DB) openTable(id uint64) (*lsm.FileTable, error) {
	return lsm.OpenTable(db.cfg.TableDirectory, id, lsm.TableOptions{
		TupleCache:   db.tupleCache,
		IndexCache:   db.indexCache,
		OnQuarantine: db.onQuarantine,
	})
}

func (db *DB) onQuarantine(id uint64, err error) {
	db.stats.quarantined.Add(1)
	db.metrics.RecordQuarantine()
	db.logger.Error("table quarantined", logging.TableID(id), logging.Error(err))
}

// commitManifest returns a swap hook that persists the next table set.
// floor raises the log floor; zero keeps it.
func (db *DB) commitManifest(floor uint64) func(*lsm.TableSet) error {
	return func(next *lsm.TableSet) error {
		if cur := db.logFloor.Load(); floor < cur {
			floor = cur
		}
		m := &lsm.Manifest{
			DBID:         db.id,
			NextID:       db.nextID.Load(),
			LogFloor:     floor,
			LastSnapshot: db.snapshots.Issued(),
			Tables:       lsm.ManifestFor(next),
		}
		if err := m.Save(db.cfg.TableDirectory); err != nil {
			return err
		}
		db.logFloor.Store(floor)
		return nil
	}
}

// maintenanceWorker periodically retries compaction, deletes tables no
// reader can see any more and refreshes gauges.
func (db *DB) maintenanceWorker() {
	defer db.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			db.maybeScheduleCompaction()
			db.collectObsolete(false)
			db.refreshMetrics()
		case <-db.stopChan:
			return
		}
	}
}

// Close flushes the active memory table, waits for background work and
// releases every file and cache. Closing twice is a no-op.
func (db *DB) Close() error {
	if !db.closing.CompareAndSwap(false, true) {
		return nil
	}
	timer := logging.StartTimer(db.logger, "close database")

	close(db.stopChan)
	db.wg.Wait()

	// Release writers stalled on frozen tables.
	db.memMu.Lock()
	db.memCond.Broadcast()
	db.memMu.Unlock()

	var errs []error

	db.writeMu.Lock()
	db.closed.Store(true)
	if db.mem.Load().active.Len() > 0 {
		if err := db.rotateLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	db.writeMu.Unlock()

	if err := db.waitFlushes(); err != nil {
		errs = append(errs, err)
	}
	db.flushPool.Close()
	db.compactPool.Close()

	if db.mem.Load().active.Len() == 0 {
		if err := db.activeLog.Delete(); err != nil {
			errs = append(errs, err)
		}
	} else if err := db.activeLog.Close(); err != nil {
		errs = append(errs, err)
	}

	// Flushes that never installed keep their logs for the next open.
	db.flushMu.Lock()
	for _, job := range db.flushQueue {
		if job.log != nil {
			_ = job.log.Close()
		}
		if job.table != nil {
			_ = job.table.Delete()
		}
	}
	db.flushQueue = nil
	db.flushMu.Unlock()

	db.collectObsolete(true)
	for _, t := range db.tables.Current().All() {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	db.tupleCache.Clear()
	db.indexCache.Clear()

	err := errors.Join(errs...)
	if err != nil {
		timer.EndError(err)
		return err
	}
	timer.End(logging.Snapshot(db.snapshots.Current()))
	return nil
}

func (db *DB) checkOpen(op string) error {
	if db.closed.Load() || db.closing.Load() {
		return closedError(op)
	}
	return nil
}
