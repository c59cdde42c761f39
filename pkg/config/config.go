// Package config loads and validates database configuration.
//
// A Config is built from Default, optionally overlaid with a YAML file
// (Load), then with HEFTYDB_* environment variables (ApplyEnv), and finally
// checked with Validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. HEFTYDB_MEMORY_TABLE_SIZE.
const EnvPrefix = "HEFTYDB_"

// Config holds every tunable of a database instance.
type Config struct {
	// Write buffer
	MemoryTableSize       int64 `yaml:"memory_table_size" validate:"min=1024"`
	MaxFrozenMemoryTables int   `yaml:"max_frozen_memory_tables" validate:"min=1,max=64"`

	// File table layout
	FileTableBlockSize     int     `yaml:"file_table_block_size" validate:"min=256,max=16777216"`
	IndexBlockSize         int     `yaml:"index_block_size" validate:"min=256,max=16777216"`
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate" validate:"gt=0,lt=1"`

	// Background work
	TableWriterThreads     int `yaml:"table_writer_threads" validate:"min=1,max=256"`
	TableCompactionThreads int `yaml:"table_compaction_threads" validate:"min=1,max=256"`

	// Caches, in bytes of weight
	TableCacheSize int64 `yaml:"table_cache_size" validate:"min=0"`
	IndexCacheSize int64 `yaml:"index_cache_size" validate:"min=0"`

	// Paths
	TableDirectory string `yaml:"table_directory" validate:"required"`
	LogDirectory   string `yaml:"log_directory" validate:"required"`

	// Write-ahead log
	WALSync         string        `yaml:"wal_sync" validate:"oneof=op batch none"`
	WALSyncInterval time.Duration `yaml:"wal_sync_interval" validate:"min=0"`
	WALCompression  bool          `yaml:"wal_compression"`

	// Compaction
	AutoCompaction            bool  `yaml:"auto_compaction"`
	Level0CompactionThreshold int   `yaml:"level0_compaction_threshold" validate:"min=1"`
	LevelSizeRatio            int   `yaml:"level_size_ratio" validate:"min=2"`
	LevelBaseSize             int64 `yaml:"level_base_size" validate:"min=1024"`
	MaxLevels                 int   `yaml:"max_levels" validate:"min=2,max=16"`
	TargetTableSize           int64 `yaml:"target_table_size" validate:"min=1024"`

	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// Default returns the production defaults with both directories set to dir.
func Default(dir string) Config {
	return Config{
		MemoryTableSize:           4 << 20,
		MaxFrozenMemoryTables:     4,
		FileTableBlockSize:        32 << 10,
		IndexBlockSize:            64 << 10,
		BloomFalsePositiveRate:    0.01,
		TableWriterThreads:        2,
		TableCompactionThreads:    2,
		TableCacheSize:            256 << 20,
		IndexCacheSize:            32 << 20,
		TableDirectory:            dir,
		LogDirectory:              dir,
		WALSync:                   "batch",
		WALSyncInterval:           10 * time.Millisecond,
		AutoCompaction:            true,
		Level0CompactionThreshold: 4,
		LevelSizeRatio:            10,
		LevelBaseSize:             10 << 20,
		MaxLevels:                 7,
		TargetTableSize:           2 << 20,
		LogLevel:                  "info",
	}
}

// TestConfig returns a configuration with tiny tables so that tests exercise
// rotation, flushing and compaction with little data.
func TestConfig(dir string) Config {
	c := Default(dir)
	c.MemoryTableSize = 16384
	c.FileTableBlockSize = 4096
	c.IndexBlockSize = 4096
	c.TableWriterThreads = 1
	c.TableCompactionThreads = 1
	c.TableCacheSize = 1024000
	c.IndexCacheSize = 1024000
	c.LevelBaseSize = 64 << 10
	c.TargetTableSize = 32 << 10
	c.WALSyncInterval = time.Millisecond
	c.LogLevel = "error"
	return c
}

// PerfConfig returns the configuration used by the benchmark harness.
func PerfConfig(dir string) Config {
	c := Default(dir)
	c.MemoryTableSize = 4096000
	c.FileTableBlockSize = 32768
	c.IndexBlockSize = 65000
	c.TableWriterThreads = 8
	c.TableCompactionThreads = 8
	c.TableCacheSize = 256000000
	c.IndexCacheSize = 32768000
	c.WALSync = "none"
	return c
}

// Load reads a YAML file over the defaults for the directory it names.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default("").
func Parse(data []byte) (Config, error) {
	c := Default("")
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to the defaults.
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if c.LogDirectory == "" {
		c.LogDirectory = c.TableDirectory
	}
	return c, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
