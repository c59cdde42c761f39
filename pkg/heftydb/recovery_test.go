package heftydb

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/heftydb/pkg/config"
	"github.com/dd0wney/heftydb/pkg/logging"
	"github.com/dd0wney/heftydb/pkg/lsm"
	"github.com/dd0wney/heftydb/pkg/wal"
)

// copyDir copies the regular files of src into dst, the way a crash leaves
// them on disk.
func copyDir(t testing.TB, src, dst string) {
	t.Helper()
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dst, 0755))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		in, err := os.Open(filepath.Join(src, e.Name()))
		require.NoError(t, err)
		out, err := os.Create(filepath.Join(dst, e.Name()))
		require.NoError(t, err)
		_, err = io.Copy(out, in)
		require.NoError(t, err)
		require.NoError(t, in.Close())
		require.NoError(t, out.Close())
	}
}

// unflushedConfig never rotates, so everything written stays in one log.
func unflushedConfig(dir string) config.Config {
	cfg := config.TestConfig(dir)
	cfg.MemoryTableSize = 8 << 20
	cfg.WALSync = "op"
	return cfg
}

func TestReopenKeepsData(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	id := db.ID()

	for i := 0; i < 500; i++ {
		mustPut(t, db, fmt.Sprintf("key%04d", i), fmt.Sprintf("value%d", i))
	}
	_, err := db.Delete([]byte("key0007"))
	require.NoError(t, err)
	last := db.Stats().Snapshot
	require.NoError(t, db.Close())

	db = openTestDB(t, cfg)
	assert.Equal(t, id, db.ID())
	assert.Equal(t, last, db.Stats().Snapshot)
	assert.Equal(t, "value42", mustGet(t, db, "key0042"))
	_, err = db.Get([]byte("key0007"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, drain(t)(db.AscendingIterator(nil)), 499)

	// Snapshot ids keep increasing across restarts.
	assert.Greater(t, mustPut(t, db, "after", "restart"), last)
}

func TestCrashRecoveryReplaysLog(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, unflushedConfig(dir))

	for i := 0; i < 300; i++ {
		mustPut(t, db, fmt.Sprintf("key%04d", i), fmt.Sprintf("value%d", i))
	}
	_, err := db.Delete([]byte("key0001"))
	require.NoError(t, err)

	// Copy the files while the database is still open.
	crashed := filepath.Join(t.TempDir(), "crashed")
	copyDir(t, dir, crashed)

	recovered := openTestDB(t, unflushedConfig(crashed))
	for i := 2; i < 300; i++ {
		assert.Equal(t, fmt.Sprintf("value%d", i), mustGet(t, recovered, fmt.Sprintf("key%04d", i)))
	}
	_, err = recovered.Get([]byte("key0001"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(301), recovered.Stats().Snapshot)
}

func TestCrashRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, unflushedConfig(dir))
	for i := 0; i < 100; i++ {
		mustPut(t, db, fmt.Sprintf("key%04d", i), "v")
	}

	crashed := filepath.Join(t.TempDir(), "crashed")
	copyDir(t, dir, crashed)

	ids, err := wal.ListLogs(crashed)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	path := wal.LogPath(crashed, ids[0])

	// A half-written record: a frame header promising more than follows.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0, 0, 0, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered := openTestDB(t, unflushedConfig(crashed))
	assert.Len(t, drain(t)(recovered.AscendingIterator(nil)), 100)

	// The log was cut back and keeps accepting writes.
	mustPut(t, recovered, "more", "v")
	require.NoError(t, recovered.Close())
	recovered = openTestDB(t, unflushedConfig(crashed))
	assert.Equal(t, "v", mustGet(t, recovered, "more"))
	assert.Len(t, drain(t)(recovered.AscendingIterator(nil)), 101)
}

func TestRecoveryFlushesOldLogs(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.LogDirectory, 0755))

	// Two logs left behind by a crash, neither flushed.
	var snap uint64
	for _, id := range []uint64{5, 6} {
		log, err := wal.Create(cfg.LogDirectory, id, wal.DefaultOptions())
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			snap++
			_, err := log.Append(lsm.Tuple{
				Key:   lsm.Key{Data: []byte(fmt.Sprintf("key%04d", snap)), Snapshot: snap},
				Value: lsm.Value{Data: []byte("v")},
			})
			require.NoError(t, err)
		}
		require.NoError(t, log.Close())
	}

	db := openTestDB(t, cfg)
	assert.Equal(t, uint64(200), db.Stats().Snapshot)
	require.NoError(t, db.Flush())

	ids, err := wal.ListLogs(cfg.LogDirectory)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "only the active log remains")
	assert.Greater(t, ids[0], uint64(6))
	assert.Len(t, drain(t)(db.AscendingIterator(nil)), 200)
	assert.Greater(t, mustPut(t, db, "next", "v"), uint64(200))
}

func TestSweepRemovesOrphans(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	mustPut(t, db, "k", "v")
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	orphan := lsm.TablePath(cfg.TableDirectory, 999999)
	tmp := filepath.Join(cfg.TableDirectory, "12.table"+lsm.TempFileSuffix)
	require.NoError(t, os.WriteFile(orphan, []byte("junk"), 0644))
	require.NoError(t, os.WriteFile(tmp, []byte("junk"), 0644))

	db = openTestDB(t, cfg)
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, tmp)
	assert.Equal(t, "v", mustGet(t, db, "k"))
	mustPut(t, db, "k2", "v")

	// Ids never go back, even past swept files.
	require.NoError(t, db.Close())
	m, err := lsm.LoadManifest(cfg.TableDirectory)
	require.NoError(t, err)
	assert.Greater(t, m.NextID, uint64(999999))
}

func TestSeparateLogDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogDirectory = filepath.Join(t.TempDir(), "logs")
	db := openTestDB(t, cfg)
	mustPut(t, db, "k", "v")

	ids, err := wal.ListLogs(cfg.LogDirectory)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	require.NoError(t, db.Close())

	db = openTestDB(t, cfg)
	assert.Equal(t, "v", mustGet(t, db, "k"))
}

func TestOpenRejectsBadManifest(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	require.NoError(t, db.Close())

	path := filepath.Join(cfg.TableDirectory, lsm.ManifestFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m lsm.Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	m.DBID = "not-a-uuid"
	data, err = json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(cfg, WithLogger(logging.NewNopLogger()))
	assert.ErrorIs(t, err, ErrCorruption)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = Open(cfg, WithLogger(logging.NewNopLogger()))
	assert.True(t, lsm.IsCorruption(err))
}

func TestCorruptTableIsQuarantined(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemoryTableSize = 1 << 20
	cfg.AutoCompaction = false
	db := openTestDB(t, cfg)
	for i := 0; i < 2000; i++ {
		mustPut(t, db, fmt.Sprintf("key%05d", i), strings.Repeat("v", 100))
	}
	require.NoError(t, db.Flush())
	require.Equal(t, 1, db.Stats().Tables)
	require.NoError(t, db.Close())

	m, err := lsm.LoadManifest(cfg.TableDirectory)
	require.NoError(t, err)
	require.Len(t, m.Tables, 1)
	path := lsm.TablePath(cfg.TableDirectory, m.Tables[0].ID)

	// Wipe two blocks' worth of bytes in the middle of the tuple region.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	junk := make([]byte, 2*cfg.FileTableBlockSize)
	for i := range junk {
		junk[i] = 0xff
	}
	_, err = f.WriteAt(junk, info.Size()*2/5)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db = openTestDB(t, cfg)
	_, err = db.Get([]byte("key00000"))
	require.NoError(t, err, "blocks outside the damage still read")

	it, err := db.AscendingIterator(nil)
	require.NoError(t, err)
	for it.Next() {
	}
	assert.ErrorIs(t, it.Err(), ErrCorruption)
	require.NoError(t, it.Close())

	assert.Equal(t, int64(1), db.Stats().Quarantined)
	_, err = db.Get([]byte("key00000"))
	assert.ErrorIs(t, err, ErrCorruption, "a quarantined table fails every read")
	assert.Error(t, db.Compact())
}

func TestCompactedTombstoneLeavesNoTrace(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)

	mustPut(t, db, "k", "v1")
	mustPut(t, db, "other", "x")
	_, err := db.Delete([]byte("k"))
	require.NoError(t, err)
	_, err = db.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Compact())
	require.NoError(t, db.Close())

	db = openTestDB(t, cfg)
	_, err = db.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "x", mustGet(t, db, "other"))
	require.NoError(t, db.Close())

	entries, err := os.ReadDir(cfg.TableDirectory)
	require.NoError(t, err)
	tables := 0
	for _, e := range entries {
		id, ok := lsm.ParseTableID(e.Name())
		if !ok {
			continue
		}
		tables++
		ft, err := lsm.OpenTable(cfg.TableDirectory, id, lsm.TableOptions{})
		require.NoError(t, err)
		it, err := ft.Ascend(nil)
		require.NoError(t, err)
		tuples, err := lsm.Collect(it)
		require.NoError(t, err)
		for _, tu := range tuples {
			assert.NotEqual(t, "k", string(tu.Key.Data), "version %d of k survived", tu.Key.Snapshot)
		}
		require.NoError(t, ft.Close())
	}
	assert.Equal(t, 1, tables)
}
