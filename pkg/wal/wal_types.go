package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// LogFileSuffix is the extension of write-ahead log files.
const LogFileSuffix = ".log"

// SyncMode controls when appended records reach stable storage.
type SyncMode uint8

const (
	// SyncBatch group-commits appends: writers wait for a shared fsync.
	SyncBatch SyncMode = iota
	// SyncOp fsyncs after every append.
	SyncOp
	// SyncNone hands records to the OS and never waits for fsync.
	SyncNone
)

// String returns the config name of a sync mode
func (m SyncMode) String() string {
	switch m {
	case SyncBatch:
		return "batch"
	case SyncOp:
		return "op"
	case SyncNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseSyncMode parses "op", "batch" or "none".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "batch", "":
		return SyncBatch, nil
	case "op":
		return SyncOp, nil
	case "none":
		return SyncNone, nil
	default:
		return SyncBatch, fmt.Errorf("unknown wal sync mode %q", s)
	}
}

// Options configures a Log.
type Options struct {
	Sync         SyncMode
	SyncInterval time.Duration // Idle flush interval for SyncBatch
	Compression  bool          // Snappy-compress record payloads
	BufferSize   int
}

// DefaultOptions returns batch sync with a 10ms idle interval.
func DefaultOptions() Options {
	return Options{
		Sync:         SyncBatch,
		SyncInterval: 10 * time.Millisecond,
		BufferSize:   64 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SyncInterval <= 0 {
		o.SyncInterval = d.SyncInterval
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	return o
}

// Stats tracks log activity.
type Stats struct {
	Records           uint64
	BytesWritten      uint64
	BytesUncompressed uint64
	Syncs             uint64
}

// CompressionRatio returns the written/uncompressed payload ratio.
func (s Stats) CompressionRatio() float64 {
	if s.BytesUncompressed == 0 {
		return 1
	}
	return float64(s.BytesWritten) / float64(s.BytesUncompressed)
}

// ReplayResult describes one replayed log.
type ReplayResult struct {
	Records     int
	ValidSize   int64
	Truncated   bool // A bad or short tail was cut off
	MaxSnapshot uint64
}

// LogPath returns the path of the log with the given id.
func LogPath(dir string, id uint64) string {
	return filepath.Join(dir, strconv.FormatUint(id, 10)+LogFileSuffix)
}

// ParseLogID extracts the id from a log file name, if it is one.
func ParseLogID(name string) (uint64, bool) {
	if !strings.HasSuffix(name, LogFileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, LogFileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ListLogs returns the ids of the logs in dir in ascending order.
func ListLogs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list log directory: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := ParseLogID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
