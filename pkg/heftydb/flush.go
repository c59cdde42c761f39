package heftydb

import (
	"time"

	"github.com/dd0wney/heftydb/pkg/logging"
	"github.com/dd0wney/heftydb/pkg/lsm"
	"github.com/dd0wney/heftydb/pkg/wal"
)

const (
	flushRetryDelay    = 100 * time.Millisecond
	maxFlushRetryDelay = 5 * time.Second
)

// flushJob turns one frozen memory table into a level 0 file table.
type flushJob struct {
	mt       *lsm.MemTable
	log      *wal.Log // nil for tables replayed at open
	table    *lsm.FileTable
	err      error
	done     bool
	attempts int
}

// deleteLog removes the job's log once its table is installed.
func (job *flushJob) deleteLog(dir string) error {
	if job.log != nil {
		return job.log.Delete()
	}
	return wal.Remove(dir, job.mt.ID())
}

func (db *DB) enqueueFlush(mt *lsm.MemTable, log *wal.Log) {
	job := &flushJob{mt: mt, log: log}
	db.flushMu.Lock()
	db.flushQueue = append(db.flushQueue, job)
	db.flushMu.Unlock()
	db.submitFlush(job)
}

func (db *DB) submitFlush(job *flushJob) {
	if !db.flushPool.Submit(func() { db.runFlush(job) }) {
		db.flushMu.Lock()
		db.failFlush(job, closedError("flush"))
		db.flushMu.Unlock()
	}
}

func (db *DB) runFlush(job *flushJob) {
	timer := logging.StartTimer(db.logger, "flush", logging.LogID(job.mt.ID()))
	table, err := db.writeMemTable(job.mt)

	var written int64
	if table != nil {
		written = table.Size()
	}
	db.metrics.RecordFlush(written, err, timer.Elapsed())
	if err != nil {
		timer.EndError(err)
	} else {
		timer.EndWithLevel(logging.DebugLevel, "flush", logging.Bytes(written), logging.Records(int64(job.mt.Len())))
	}

	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	job.table, job.err, job.done = table, err, true
	db.installFlushes()
}

// writeMemTable writes mt to a file table with the same id. An empty memory
// table produces no file.
func (db *DB) writeMemTable(mt *lsm.MemTable) (*lsm.FileTable, error) {
	if mt.Len() == 0 {
		return nil, nil
	}
	tw, err := lsm.NewTableWriter(db.cfg.TableDirectory, mt.ID(), db.writerOptions(mt.Len()))
	if err != nil {
		return nil, err
	}
	it, err := mt.Ascend(nil)
	if err != nil {
		tw.Abort()
		return nil, err
	}
	defer it.Close()
	for it.Next() {
		if err := tw.Add(it.Tuple()); err != nil {
			tw.Abort()
			return nil, err
		}
	}
	if _, err := tw.Finish(); err != nil {
		return nil, err
	}
	return db.openTable(mt.ID())
}

// installFlushes installs finished flushes from the head of the queue, in
// memory table order. Callers hold flushMu.
func (db *DB) installFlushes() {
	for len(db.flushQueue) > 0 {
		job := db.flushQueue[0]
		if !job.done {
			return
		}
		if job.err == nil {
			job.err = db.installFlush(job)
		}
		if job.err != nil {
			db.failFlush(job, job.err)
			return
		}
		db.flushQueue = db.flushQueue[1:]
		db.flushErr = nil
		db.stats.flushes.Add(1)
		db.flushCond.Broadcast()
	}
}

// installFlush adds the job's table to level 0, drops the memory table and
// deletes its log.
func (db *DB) installFlush(job *flushJob) error {
	if job.table != nil {
		added := []lsm.LeveledTable{{Table: job.table, Level: 0}}
		if _, err := db.tables.Swap(nil, added, db.commitManifest(job.mt.ID()+1)); err != nil {
			_ = job.table.Delete()
			job.table = nil
			return err
		}
	}

	db.memMu.Lock()
	cur := db.mem.Load()
	frozen := make([]*lsm.MemTable, 0, len(cur.frozen))
	for _, mt := range cur.frozen {
		if mt != job.mt {
			frozen = append(frozen, mt)
		}
	}
	db.mem.Store(&memTables{active: cur.active, frozen: frozen})
	db.memCond.Broadcast()
	db.memMu.Unlock()

	if err := job.deleteLog(db.cfg.LogDirectory); err != nil {
		db.logger.Warn("failed to delete flushed log", logging.LogID(job.mt.ID()), logging.Error(err))
	}
	db.maybeScheduleCompaction()
	return nil
}

// failFlush records a failed attempt and schedules a retry with backoff.
// Callers hold flushMu.
func (db *DB) failFlush(job *flushJob, err error) {
	job.attempts++
	job.done = false
	job.err = nil
	db.flushErr = err
	db.flushCond.Broadcast()

	if db.closing.Load() {
		return
	}
	delay := flushRetryDelay << min(job.attempts-1, 6)
	if delay > maxFlushRetryDelay {
		delay = maxFlushRetryDelay
	}
	db.logger.Error("flush failed",
		logging.LogID(job.mt.ID()),
		logging.Int("attempt", job.attempts),
		logging.Duration("retry_in", delay),
		logging.Error(err),
	)
	time.AfterFunc(delay, func() {
		if !db.closing.Load() {
			db.submitFlush(job)
		}
	})
}

// waitFlushes blocks until every queued flush is installed or one fails.
func (db *DB) waitFlushes() error {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	for len(db.flushQueue) > 0 {
		if db.flushErr != nil {
			return db.flushErr
		}
		db.flushCond.Wait()
	}
	return nil
}

// Flush freezes the active memory table and waits until every frozen table
// is written to disk.
func (db *DB) Flush() error {
	db.writeMu.Lock()
	if err := db.checkOpen("flush"); err != nil {
		db.writeMu.Unlock()
		return err
	}
	var err error
	if db.mem.Load().active.Len() > 0 {
		err = db.rotateLocked()
	}
	db.writeMu.Unlock()
	if err != nil {
		return err
	}

	db.flushMu.Lock()
	db.flushErr = nil
	db.flushMu.Unlock()
	return db.waitFlushes()
}
