package heftydb

import (
	"time"

	"github.com/dd0wney/heftydb/pkg/logging"
	"github.com/dd0wney/heftydb/pkg/lsm"
	"github.com/dd0wney/heftydb/pkg/wal"
)

// Put stores value under key and returns the snapshot id of the write. It
// returns once the write is as durable as the configured sync mode makes it.
func (db *DB) Put(key, value []byte) (uint64, error) {
	return db.write("put", key, value, false)
}

// Delete writes a tombstone for key and returns its snapshot id. Deleting a
// missing key is not an error.
func (db *DB) Delete(key []byte) (uint64, error) {
	return db.write("delete", key, nil, true)
}

func (db *DB) validateWrite(op string, t lsm.Tuple) error {
	switch {
	case len(t.Key.Data) == 0:
		return lsm.InvalidArgument(op, "empty key")
	case len(t.Key.Data) > maxKeySize:
		return lsm.InvalidArgument(op, "key of %d bytes exceeds %d", len(t.Key.Data), maxKeySize)
	case int64(t.Size()) > db.cfg.MemoryTableSize:
		return lsm.InvalidArgument(op, "record of %d bytes exceeds memory table size %d", t.Size(), db.cfg.MemoryTableSize)
	}
	return nil
}

func (db *DB) write(op string, key, value []byte, tombstone bool) (uint64, error) {
	start := time.Now()
	t := lsm.Tuple{
		Key:   lsm.Key{Data: key},
		Value: lsm.Value{Data: value, Tombstone: tombstone},
	}
	if err := db.validateWrite(op, t); err != nil {
		db.metrics.RecordOperation(op, err, time.Since(start))
		return 0, err
	}

	db.writeMu.Lock()
	if err := db.checkOpen(op); err != nil {
		db.writeMu.Unlock()
		return 0, err
	}

	t.Key.Snapshot = db.snapshots.Issue()
	log := db.activeLog
	before := log.Size()
	seq, err := log.Append(t)
	if err != nil {
		db.writeMu.Unlock()
		db.metrics.RecordOperation(op, err, time.Since(start))
		return 0, err
	}
	db.metrics.RecordWALAppend(int(log.Size() - before))

	active := db.mem.Load().active
	active.Put(t)
	db.snapshots.Publish(t.Key.Snapshot)

	if active.IsFull() {
		if err := db.rotateLocked(); err != nil {
			// The write is logged; rotation is retried on the next write.
			db.logger.Warn("memory table rotation failed", logging.LogID(active.ID()), logging.Error(err))
		}
	}
	db.writeMu.Unlock()

	if err := log.WaitDurable(seq); err != nil {
		db.metrics.RecordOperation(op, err, time.Since(start))
		return 0, err
	}

	if tombstone {
		db.stats.deletes.Add(1)
	} else {
		db.stats.writes.Add(1)
	}
	db.stats.bytesWritten.Add(int64(t.Size()))
	db.metrics.RecordWrite(t.Size())
	db.metrics.RecordOperation(op, nil, time.Since(start))
	return t.Key.Snapshot, nil
}

// rotateLocked freezes the active memory table, starts a successor with a
// fresh log and queues the frozen one for flushing. Callers hold writeMu.
func (db *DB) rotateLocked() error {
	db.memMu.Lock()
	if cur := db.mem.Load(); len(cur.frozen) >= db.cfg.MaxFrozenMemoryTables && !db.closing.Load() {
		stalled := time.Now()
		db.stats.stalls.Add(1)
		db.logger.Warn("write stall", logging.Count(len(cur.frozen)))
		for len(db.mem.Load().frozen) >= db.cfg.MaxFrozenMemoryTables && !db.closing.Load() {
			db.memCond.Wait()
		}
		db.metrics.RecordWriteStall(time.Since(stalled))
	}
	db.memMu.Unlock()

	id := db.allocID()
	log, err := wal.Create(db.cfg.LogDirectory, id, db.walOpts)
	if err != nil {
		return err
	}

	db.memMu.Lock()
	cur := db.mem.Load()
	frozen := make([]*lsm.MemTable, 0, len(cur.frozen)+1)
	frozen = append(frozen, cur.active)
	frozen = append(frozen, cur.frozen...)
	db.mem.Store(&memTables{
		active: lsm.NewMemTable(id, int(db.cfg.MemoryTableSize)),
		frozen: frozen,
	})
	db.memMu.Unlock()

	old := db.activeLog
	db.activeLog = log
	db.logger.Debug("memory table frozen",
		logging.LogID(cur.active.ID()),
		logging.Bytes(int64(cur.active.Size())),
		logging.Records(int64(cur.active.Len())),
	)
	db.enqueueFlush(cur.active, old)
	return nil
}
