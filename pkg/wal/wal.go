package wal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/heftydb/pkg/lsm"
)

// Log is the append-only write-ahead log paired with one memory table.
// Records are appended under the caller's writer lane; with SyncBatch the
// durability wait happens separately in WaitDurable so that concurrent
// writers share one fsync.
type Log struct {
	id   uint64
	path string
	opts Options

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	seq    uint64 // Records appended
	size   int64
	err    error // Sticky write failure
	closed bool

	syncer *groupSyncer

	records           atomic.Uint64
	bytesWritten      atomic.Uint64
	bytesUncompressed atomic.Uint64
	syncs             atomic.Uint64
}

// Create creates an empty log with the given id, replacing any existing file.
func Create(dir string, id uint64, opts Options) (*Log, error) {
	if err := EnsureDir(dir); err != nil {
		return nil, lsm.IOError("create log", dir, err)
	}
	path := LogPath(dir, id)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, lsm.IOError("create log", path, err)
	}
	if err := lsm.SyncDir(dir); err != nil {
		file.Close()
		return nil, lsm.IOError("create log", dir, err)
	}
	return newLog(id, path, file, 0, opts), nil
}

// Open opens an existing log for appending. Replay should run first so that
// any torn tail has already been truncated.
func Open(dir string, id uint64, opts Options) (*Log, error) {
	path := LogPath(dir, id)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, lsm.IOError("open log", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, lsm.IOError("open log", path, err)
	}
	return newLog(id, path, file, info.Size(), opts), nil
}

func newLog(id uint64, path string, file *os.File, size int64, opts Options) *Log {
	opts = opts.withDefaults()
	l := &Log{
		id:     id,
		path:   path,
		opts:   opts,
		file:   file,
		writer: bufio.NewWriterSize(file, opts.BufferSize),
		size:   size,
	}
	if opts.Sync == SyncBatch {
		l.syncer = newGroupSyncer(l, opts.SyncInterval)
	}
	return l
}

// Append writes one tuple and returns its sequence number within the log.
// With SyncOp the record is durable on return; with SyncBatch callers pass
// the sequence number to WaitDurable.
func (l *Log) Append(t lsm.Tuple) (uint64, error) {
	frame, raw := frameRecord(t, l.opts.Compression)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, lsm.NewError("append log", lsm.KindClosed).Table(l.id).Path(l.path).Err()
	}
	if l.err != nil {
		return 0, l.err
	}

	if _, err := l.writer.Write(frame); err != nil {
		l.err = lsm.IOError("append log", l.path, err)
		return 0, l.err
	}

	switch l.opts.Sync {
	case SyncOp:
		if err := l.flushAndSyncLocked(); err != nil {
			return 0, err
		}
	case SyncNone:
		if err := l.writer.Flush(); err != nil {
			l.err = lsm.IOError("flush log", l.path, err)
			return 0, l.err
		}
	}

	l.seq++
	l.size += int64(len(frame))
	l.records.Add(1)
	l.bytesWritten.Add(uint64(len(frame) - recordHeaderSize))
	l.bytesUncompressed.Add(uint64(raw))
	return l.seq, nil
}

func (l *Log) flushAndSyncLocked() error {
	if err := l.writer.Flush(); err != nil {
		l.err = lsm.IOError("flush log", l.path, err)
		return l.err
	}
	if err := l.file.Sync(); err != nil {
		l.err = lsm.IOError("sync log", l.path, err)
		return l.err
	}
	l.syncs.Add(1)
	return nil
}

// flushForSync pushes buffered records to the OS and reports how far a
// following fsync will reach.
func (l *Log) flushForSync() (uint64, *os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, nil, l.err
	}
	if l.closed {
		return l.seq, nil, nil
	}
	if err := l.writer.Flush(); err != nil {
		l.err = lsm.IOError("flush log", l.path, err)
		return 0, nil, l.err
	}
	return l.seq, l.file, nil
}

// WaitDurable blocks until the record with the given sequence number is on
// stable storage. It returns immediately unless the log uses SyncBatch.
func (l *Log) WaitDurable(seq uint64) error {
	if l.syncer == nil {
		return nil
	}
	return l.syncer.wait(seq)
}

// Sync flushes and fsyncs everything appended so far.
func (l *Log) Sync() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	err := l.flushAndSyncLocked()
	seq := l.seq
	l.mu.Unlock()

	if l.syncer != nil {
		l.syncer.complete(seq, err)
	}
	return err
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	if l.syncer != nil {
		l.syncer.stop()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if l.err == nil {
		if err := l.flushAndSyncLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, lsm.IOError("close log", l.path, err))
	}
	return errors.Join(errs...)
}

// Delete closes the log and removes its file.
func (l *Log) Delete() error {
	closeErr := l.Close()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return lsm.IOError("delete log", l.path, err)
	}
	return closeErr
}

// ID returns the log id, which matches its memory table.
func (l *Log) ID() uint64 { return l.id }

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Size returns the number of bytes appended, including the replayed prefix.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Stats returns append and sync counters.
func (l *Log) Stats() Stats {
	return Stats{
		Records:           l.records.Load(),
		BytesWritten:      l.bytesWritten.Load(),
		BytesUncompressed: l.bytesUncompressed.Load(),
		Syncs:             l.syncs.Load(),
	}
}

func (l *Log) String() string {
	return fmt.Sprintf("log %d (%s, sync=%s)", l.id, l.path, l.opts.Sync)
}
