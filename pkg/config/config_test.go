package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetsValidate(t *testing.T) {
	for name, c := range map[string]Config{
		"default": Default("/var/lib/heftydb"),
		"test":    TestConfig(t.TempDir()),
		"perf":    PerfConfig(t.TempDir()),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, c.Validate())
		})
	}
}

func TestPresetValues(t *testing.T) {
	c := TestConfig("/tmp/db")
	assert.Equal(t, int64(16384), c.MemoryTableSize)
	assert.Equal(t, 4096, c.FileTableBlockSize)
	assert.Equal(t, 4096, c.IndexBlockSize)
	assert.Equal(t, 1, c.TableWriterThreads)
	assert.Equal(t, "/tmp/db", c.TableDirectory)
	assert.Equal(t, "/tmp/db", c.LogDirectory)

	p := PerfConfig("/tmp/db")
	assert.Equal(t, int64(4096000), p.MemoryTableSize)
	assert.Equal(t, 65000, p.IndexBlockSize)
	assert.Equal(t, int64(256000000), p.TableCacheSize)
	assert.Equal(t, 8, p.TableCompactionThreads)
}

func TestParseYAML(t *testing.T) {
	c, err := Parse([]byte(`
table_directory: /data/tables
memory_table_size: 65536
wal_sync: op
wal_sync_interval: 25ms
wal_compression: true
level_size_ratio: 8
`))
	require.NoError(t, err)
	assert.Equal(t, "/data/tables", c.TableDirectory)
	assert.Equal(t, "/data/tables", c.LogDirectory, "log directory defaults to the table directory")
	assert.Equal(t, int64(65536), c.MemoryTableSize)
	assert.Equal(t, "op", c.WALSync)
	assert.Equal(t, 25*time.Millisecond, c.WALSyncInterval)
	assert.True(t, c.WALCompression)
	assert.Equal(t, 8, c.LevelSizeRatio)
	assert.Equal(t, 4, c.Level0CompactionThreshold, "unset keys keep their defaults")
	require.NoError(t, c.Validate())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("memtable_size: 10\n"))
	assert.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(""), c)
}

func TestLoadAndSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heftydb.yaml")

	want := TestConfig(dir)
	want.WALCompression = true
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyEnv(t *testing.T) {
	c := Default("/data")
	env := map[string]string{
		"HEFTYDB_MEMORY_TABLE_SIZE":         "1048576",
		"HEFTYDB_WAL_SYNC":                  "none",
		"HEFTYDB_WAL_SYNC_INTERVAL":         "5ms",
		"HEFTYDB_AUTO_COMPACTION":           "false",
		"HEFTYDB_BLOOM_FALSE_POSITIVE_RATE": "0.05",
		"HEFTYDB_LOG_DIRECTORY":             "/wal",
	}
	err := c.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1048576), c.MemoryTableSize)
	assert.Equal(t, "none", c.WALSync)
	assert.Equal(t, 5*time.Millisecond, c.WALSyncInterval)
	assert.False(t, c.AutoCompaction)
	assert.InDelta(t, 0.05, c.BloomFalsePositiveRate, 1e-9)
	assert.Equal(t, "/wal", c.LogDirectory)
	assert.Equal(t, "/data", c.TableDirectory)
}

func TestApplyEnvFromProcess(t *testing.T) {
	t.Setenv(EnvName("table_writer_threads"), "6")
	c := Default("/data")
	require.NoError(t, c.ApplyEnv())
	assert.Equal(t, 6, c.TableWriterThreads)
}

func TestApplyEnvBadValue(t *testing.T) {
	c := Default("/data")
	err := c.applyEnv(func(k string) (string, bool) {
		if k == "HEFTYDB_MAX_LEVELS" {
			return "seven", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEFTYDB_MAX_LEVELS")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := Default("")
	c.LogDirectory = ""
	c.FileTableBlockSize = 100
	c.WALSync = "sometimes"
	c.BloomFalsePositiveRate = 1.5

	err := c.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "table_directory: field is required")
	assert.Contains(t, msg, "log_directory: field is required")
	assert.Contains(t, msg, "file_table_block_size: must be at least 256")
	assert.Contains(t, msg, "wal_sync: must be one of")
	assert.Contains(t, msg, "bloom_false_positive_rate: must be less than 1")
}

func TestValidateCrossField(t *testing.T) {
	c := TestConfig("/db")
	c.FileTableBlockSize = 32768
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds memory_table_size")

	c = TestConfig("/db")
	c.TargetTableSize = 2048
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smaller than file_table_block_size")
}
