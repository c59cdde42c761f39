package heftydb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dd0wney/heftydb/pkg/logging"
	"github.com/dd0wney/heftydb/pkg/lsm"
	"github.com/dd0wney/heftydb/pkg/wal"
)

// recover loads the manifest, sweeps files it does not name, opens the live
// tables and replays every log that was not flushed.
func (db *DB) recover() error {
	tableDir, logDir := db.cfg.TableDirectory, db.cfg.LogDirectory
	if err := wal.EnsureDir(tableDir); err != nil {
		return lsm.IOError("open", tableDir, err)
	}
	if err := wal.EnsureDir(logDir); err != nil {
		return lsm.IOError("open", logDir, err)
	}

	m, err := lsm.LoadManifest(tableDir)
	fresh := false
	switch {
	case errors.Is(err, os.ErrNotExist):
		m = &lsm.Manifest{DBID: uuid.NewString(), NextID: 1}
		fresh = true
	case err != nil:
		return err
	}
	if _, err := uuid.Parse(m.DBID); err != nil {
		return lsm.NewError("open", lsm.KindCorruption).
			Path(filepath.Join(tableDir, lsm.ManifestFile)).
			Cause(fmt.Errorf("%w: bad database id %q", lsm.ErrCorruption, m.DBID)).Err()
	}
	db.id = m.DBID
	db.logFloor.Store(m.LogFloor)

	live := make(map[uint64]bool, len(m.Tables))
	for _, t := range m.Tables {
		live[t.ID] = true
	}
	maxID, err := db.sweep(live)
	if err != nil {
		return err
	}

	levels := make([][]*lsm.FileTable, db.cfg.MaxLevels)
	for _, mt := range m.Tables {
		t, err := db.openTable(mt.ID)
		if err != nil {
			closeLevels(levels)
			return err
		}
		for mt.Level >= len(levels) {
			levels = append(levels, nil)
		}
		levels[mt.Level] = append(levels[mt.Level], t)
	}
	db.tables = lsm.NewLiveTables(lsm.NewTableSet(levels))

	replayed, lastSnapshot, err := db.replayLogs(m, &maxID)
	if err != nil {
		return err
	}
	db.nextID.Store(max(m.NextID, maxID+1, 1))
	db.snapshots = lsm.NewSnapshotManager(max(m.LastSnapshot, lastSnapshot))

	// The newest replayed table keeps taking writes unless it is full.
	var active *lsm.MemTable
	var log *wal.Log
	frozen := replayed
	if n := len(replayed); n > 0 && !replayed[n-1].IsFull() {
		active = replayed[n-1]
		frozen = replayed[:n-1]
		log, err = wal.Open(logDir, active.ID(), db.walOpts)
	} else {
		active = lsm.NewMemTable(db.allocID(), int(db.cfg.MemoryTableSize))
		log, err = wal.Create(logDir, active.ID(), db.walOpts)
	}
	if err != nil {
		return err
	}
	db.activeLog = log

	newestFirst := make([]*lsm.MemTable, 0, len(frozen))
	for i := len(frozen) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, frozen[i])
	}
	db.mem.Store(&memTables{active: active, frozen: newestFirst})
	db.recovered = frozen

	if fresh {
		if err := db.commitManifest(0)(db.tables.Current()); err != nil {
			return err
		}
		db.logger.Info("created database", logging.String("db_id", db.id), logging.Path(tableDir))
	}
	return nil
}

// sweep removes temporary files and tables the manifest does not name, and
// returns the largest table id seen.
func (db *DB) sweep(live map[uint64]bool) (uint64, error) {
	dir := db.cfg.TableDirectory
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, lsm.IOError("sweep", dir, err)
	}

	var maxID uint64
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		if strings.HasSuffix(name, lsm.TempFileSuffix) {
			if err := os.Remove(path); err != nil {
				return 0, lsm.IOError("sweep", path, err)
			}
			removed++
			continue
		}
		id, ok := lsm.ParseTableID(name)
		if !ok {
			continue
		}
		maxID = max(maxID, id)
		if live[id] {
			continue
		}
		if err := os.Remove(path); err != nil {
			return 0, lsm.IOError("sweep", path, err)
		}
		removed++
		db.logger.Info("removed unreferenced table", logging.TableID(id))
	}

	if removed > 0 {
		db.logger.Info("swept table directory", logging.Count(removed), logging.Path(dir))
	}
	return maxID, nil
}

// replayLogs rebuilds a memory table from every log at or above the log
// floor, oldest first, and deletes the logs below it.
func (db *DB) replayLogs(m *lsm.Manifest, maxID *uint64) ([]*lsm.MemTable, uint64, error) {
	dir := db.cfg.LogDirectory
	ids, err := wal.ListLogs(dir)
	if err != nil {
		return nil, 0, lsm.IOError("replay", dir, err)
	}

	var replayed []*lsm.MemTable
	var lastSnapshot uint64
	for _, id := range ids {
		*maxID = max(*maxID, id)
		if id < m.LogFloor {
			if err := wal.Remove(dir, id); err != nil {
				return nil, 0, err
			}
			db.logger.Debug("removed flushed log", logging.LogID(id))
			continue
		}

		timer := logging.StartTimer(db.logger, "replayed log", logging.LogID(id))
		mt := lsm.NewMemTable(id, int(db.cfg.MemoryTableSize))
		res, err := wal.Replay(dir, id, func(t lsm.Tuple) error {
			mt.Put(t)
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
		db.metrics.RecordRecovery(res.Records, res.Truncated)
		lastSnapshot = max(lastSnapshot, res.MaxSnapshot)
		if res.Truncated {
			db.logger.Warn("truncated log tail", logging.LogID(id), logging.Int64("valid_size", res.ValidSize))
		}
		timer.End(logging.Records(int64(res.Records)), logging.Snapshot(res.MaxSnapshot))
		replayed = append(replayed, mt)
	}
	return replayed, lastSnapshot, nil
}

// abandonRecovery releases whatever a failed recovery opened.
func (db *DB) abandonRecovery() {
	if db.activeLog != nil {
		_ = db.activeLog.Close()
	}
	if db.tables != nil {
		for _, t := range db.tables.Current().All() {
			_ = t.Close()
		}
	}
}

func closeLevels(levels [][]*lsm.FileTable) {
	for _, lvl := range levels {
		for _, t := range lvl {
			_ = t.Close()
		}
	}
}
