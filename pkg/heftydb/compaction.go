package heftydb

import (
	"errors"
	"slices"

	"github.com/dd0wney/heftydb/pkg/logging"
	"github.com/dd0wney/heftydb/pkg/lsm"
)

// maxFullCompactionAttempts bounds how often Compact waits out background
// compactions that hold tables it needs.
const maxFullCompactionAttempts = 10

// obsoleteTables were removed from the table set by one swap. They are
// deleted once no reader registered at or before ticket remains.
type obsoleteTables struct {
	tables []*lsm.FileTable
	ticket uint64
}

// maybeScheduleCompaction queues every compaction the strategy selects.
func (db *DB) maybeScheduleCompaction() {
	if !db.cfg.AutoCompaction || db.closing.Load() || db.manual.Load() {
		return
	}
	for {
		plan := db.strategy.SelectCompaction(db.tables.Current())
		if plan == nil {
			return
		}
		if !db.compactPool.TrySubmit(func() { _ = db.runCompaction(plan) }) {
			db.strategy.Done(plan)
			return
		}
	}
}

// runCompaction merges the plan's tables and swaps the outputs in. On
// failure the inputs stay live and the outputs are removed.
func (db *DB) runCompaction(plan *lsm.CompactionPlan) error {
	defer db.strategy.Done(plan)

	inputs := plan.Tables()
	ids := make([]uint64, len(inputs))
	for i, t := range inputs {
		ids[i] = t.ID()
	}
	timer := logging.StartTimer(db.logger, "compaction",
		logging.TreeLevel(plan.Level),
		logging.Int("output_level", plan.OutputLevel),
		logging.TableIDs(ids),
	)

	if db.closing.Load() {
		return lsm.ErrCompactionStopped
	}

	outputs, stats, err := db.compactor.Compact(plan, db.snapshots.MinLiveSnapshot())
	if err == nil {
		added := make([]lsm.LeveledTable, len(outputs))
		for i, t := range outputs {
			added[i] = lsm.LeveledTable{Table: t, Level: plan.OutputLevel}
		}
		if _, err = db.tables.Swap(inputs, added, db.commitManifest(0)); err != nil {
			for _, t := range outputs {
				_ = t.Delete()
			}
		} else {
			db.retire(inputs)
		}
	}

	db.metrics.RecordCompaction(plan.Level, stats.BytesRead, stats.BytesWritten, stats.KeysRemoved, err, timer.Elapsed())
	if err != nil {
		if errors.Is(err, lsm.ErrCompactionStopped) {
			timer.EndWithLevel(logging.DebugLevel, "compaction stopped")
		} else {
			db.stats.failedCompactions.Add(1)
			timer.EndError(err)
		}
		return err
	}

	db.stats.compactions.Add(1)
	timer.End(
		logging.Count(len(outputs)),
		logging.Bytes(stats.BytesWritten),
		logging.Int64("keys_removed", stats.KeysRemoved),
	)
	db.maybeScheduleCompaction()
	return nil
}

// Compact flushes the memory tables, runs every compaction the strategy
// selects and then merges all tables into the deepest populated level, so
// tombstones that no snapshot can see are gone from disk when it returns.
func (db *DB) Compact() error {
	if err := db.checkOpen("compact"); err != nil {
		return err
	}
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	// No background picks until the full merge is done.
	db.manual.Store(true)
	defer db.manual.Store(false)

	if err := db.Flush(); err != nil {
		return err
	}

	for {
		db.compactPool.Wait()
		if err := db.checkOpen("compact"); err != nil {
			return err
		}
		plan := db.strategy.SelectCompaction(db.tables.Current())
		if plan == nil {
			break
		}
		if err := db.runCompaction(plan); err != nil {
			return err
		}
	}

	for attempt := 0; attempt < maxFullCompactionAttempts; attempt++ {
		db.compactPool.Wait()
		ts := db.tables.Current()
		if ts.Count() == 0 {
			return nil
		}
		if plan := db.strategy.FullCompaction(ts); plan != nil {
			return db.runCompaction(plan)
		}
		if quarantined := quarantinedTables(ts); len(quarantined) > 0 {
			return lsm.NewError("compact", lsm.KindCorruption).Table(quarantined[0]).Err()
		}
	}
	return lsm.NewError("compact", lsm.KindCapacity).Causef("tables stayed busy with background compactions").Err()
}

func quarantinedTables(ts *lsm.TableSet) []uint64 {
	var ids []uint64
	for _, t := range ts.All() {
		if t.Quarantined() {
			ids = append(ids, t.ID())
		}
	}
	return ids
}

// retire defers deletion of tables removed from the table set until no
// reader that could still see them is live.
func (db *DB) retire(tables []*lsm.FileTable) {
	ticket := db.snapshots.LastTicket()
	db.obsoleteMu.Lock()
	db.obsolete = append(db.obsolete, obsoleteTables{tables: slices.Clone(tables), ticket: ticket})
	db.pending.Add(int64(len(tables)))
	db.obsoleteMu.Unlock()
	db.collectObsolete(false)
}

// collectObsolete deletes retired tables nobody can read any more, or all of
// them when force is set.
func (db *DB) collectObsolete(force bool) {
	db.obsoleteMu.Lock()
	var drop []*lsm.FileTable
	keep := db.obsolete[:0]
	for _, o := range db.obsolete {
		if !force && db.snapshots.HasReadersUpTo(o.ticket) {
			keep = append(keep, o)
			continue
		}
		drop = append(drop, o.tables...)
	}
	db.obsolete = keep
	db.pending.Add(-int64(len(drop)))
	db.obsoleteMu.Unlock()

	for _, t := range drop {
		if err := t.Delete(); err != nil {
			db.logger.Warn("failed to delete obsolete table", logging.TableID(t.ID()), logging.Error(err))
			continue
		}
		db.logger.Debug("deleted obsolete table", logging.TableID(t.ID()))
	}
}
