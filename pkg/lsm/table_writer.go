package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// TableWriterOptions controls how a file table is laid out.
type TableWriterOptions struct {
	BlockSize              int     // Target tuple block size in bytes
	IndexBlockSize         int     // Target index block size in bytes
	ExpectedRecords        int     // Sizes the bloom filter
	BloomFalsePositiveRate float64 // Default 0.01
}

// TableWriter streams sorted tuples into a new file table.
//
// Output goes to <id>.table.tmp and is renamed into place by Finish.
type TableWriter struct {
	id      uint64
	path    string
	tmpPath string
	file    *os.File
	w       *bufio.Writer
	offset  uint64
	opts    TableWriterOptions

	block   *TupleBlockBuilder
	leaves  []indexEntry
	bloom   *BloomFilter
	lastKey Key
	records uint64
	maxSnap uint64
	done    bool
}

// indexEntry is a pending (first key, pointer) pair for the next index level.
type indexEntry struct {
	firstKey []byte
	ptr      BlockPointer
}

// NewTableWriter creates the temporary file for table id in dir.
func NewTableWriter(dir string, id uint64, opts TableWriterOptions) (*TableWriter, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = defaultBlockSize
	}
	if opts.IndexBlockSize <= 0 {
		opts.IndexBlockSize = defaultIndexBlock
	}

	path := TablePath(dir, id)
	tmpPath := path + TempFileSuffix
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, IOError("create table", tmpPath, err)
	}

	tw := &TableWriter{
		id:      id,
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		w:       bufio.NewWriterSize(file, 64*1024),
		opts:    opts,
		block:   NewTupleBlockBuilder(),
		bloom:   NewBloomFilter(opts.ExpectedRecords, opts.BloomFalsePositiveRate),
	}

	var header [tableHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], TableMagic)
	binary.LittleEndian.PutUint32(header[4:8], TableVersion)
	if err := tw.write(header[:]); err != nil {
		tw.Abort()
		return nil, err
	}
	return tw, nil
}

// ID returns the id of the table being written.
func (tw *TableWriter) ID() uint64 {
	return tw.id
}

// Add appends a tuple. Tuples must arrive in strictly increasing key order.
func (tw *TableWriter) Add(t Tuple) error {
	if tw.done {
		return fmt.Errorf("table %d: add after finish", tw.id)
	}
	if tw.records > 0 && tw.lastKey.Compare(t.Key) >= 0 {
		return InvalidArgument("write table", "key %s added after %s", t.Key, tw.lastKey)
	}

	if tw.block.Len() > 0 && tw.block.Size()+t.Size()+16 > tw.opts.BlockSize {
		if err := tw.flushBlock(); err != nil {
			return err
		}
	}
	if err := tw.block.Add(t); err != nil {
		return err
	}

	tw.bloom.Add(t.Key.Data)
	tw.lastKey = Key{Data: bytes.Clone(t.Key.Data), Snapshot: t.Key.Snapshot}
	tw.records++
	if t.Key.Snapshot > tw.maxSnap {
		tw.maxSnap = t.Key.Snapshot
	}
	return nil
}

// Records returns the number of tuples added so far.
func (tw *TableWriter) Records() uint64 {
	return tw.records
}

// Size returns the bytes written plus the pending block.
func (tw *TableWriter) Size() uint64 {
	return tw.offset + uint64(tw.block.Size())
}

// Flushed returns the bytes written to the file so far.
func (tw *TableWriter) Flushed() uint64 {
	return tw.offset
}

// BlockPending reports whether the current tuple block holds any tuples.
func (tw *TableWriter) BlockPending() bool {
	return tw.block.Len() > 0
}

// LastKey returns the most recently added key.
func (tw *TableWriter) LastKey() Key {
	return tw.lastKey
}

func (tw *TableWriter) write(p []byte) error {
	if _, err := tw.w.Write(p); err != nil {
		return IOError("write table", tw.tmpPath, err)
	}
	tw.offset += uint64(len(p))
	return nil
}

// writeFrame writes len || payload and returns a pointer to the payload.
func (tw *TableWriter) writeFrame(payload []byte) (BlockPointer, error) {
	var lenBuf [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if err := tw.write(lenBuf[:]); err != nil {
		return BlockPointer{}, err
	}
	ptr := BlockPointer{Offset: tw.offset, Size: uint32(len(payload))}
	if err := tw.write(payload); err != nil {
		return BlockPointer{}, err
	}
	return ptr, nil
}

func (tw *TableWriter) flushBlock() error {
	if tw.block.Len() == 0 {
		return nil
	}
	firstKey := bytes.Clone(tw.block.FirstKey())
	ptr, err := tw.writeFrame(tw.block.Build())
	if err != nil {
		return err
	}
	tw.leaves = append(tw.leaves, indexEntry{firstKey: firstKey, ptr: ptr})
	tw.block.Reset()
	return nil
}

// writeIndexLevel packs entries into index blocks and returns the entries
// for the level above.
func (tw *TableWriter) writeIndexLevel(entries []indexEntry) ([]indexEntry, error) {
	var parents []indexEntry
	ib := NewIndexBlockBuilder()

	emit := func() error {
		firstKey := bytes.Clone(ib.FirstKey())
		ptr, err := tw.writeFrame(ib.Build())
		if err != nil {
			return err
		}
		parents = append(parents, indexEntry{firstKey: firstKey, ptr: ptr})
		ib.Reset()
		return nil
	}

	for _, e := range entries {
		// At least two children per block so every level shrinks.
		if ib.Len() > 1 && ib.EstimateSize(len(e.firstKey)) > tw.opts.IndexBlockSize {
			if err := emit(); err != nil {
				return nil, err
			}
		}
		if err := ib.Add(e.firstKey, e.ptr); err != nil {
			return nil, err
		}
	}
	if ib.Len() > 0 {
		if err := emit(); err != nil {
			return nil, err
		}
	}
	return parents, nil
}

// Finish writes the bloom filter, the index and the trailer, syncs the file
// and renames it into place. It returns the final path.
func (tw *TableWriter) Finish() (string, error) {
	if tw.done {
		return "", fmt.Errorf("table %d: finish called twice", tw.id)
	}
	if tw.records == 0 {
		tw.Abort()
		return "", InvalidArgument("finish table", "table %d has no records", tw.id)
	}
	if err := tw.flushBlock(); err != nil {
		tw.Abort()
		return "", err
	}

	tr := trailer{
		TupleRegionOffset: tableHeaderSize,
		TupleRegionEnd:    tw.offset,
		RecordCount:       tw.records,
		MaxSnapshot:       tw.maxSnap,
	}

	tr.BloomOffset = tw.offset
	if _, err := tw.writeFrame(tw.bloom.MarshalBinary()); err != nil {
		tw.Abort()
		return "", err
	}

	level := tw.leaves
	for {
		parents, err := tw.writeIndexLevel(level)
		if err != nil {
			tw.Abort()
			return "", err
		}
		tr.IndexHeight++
		if len(parents) == 1 {
			tr.RootOffset = parents[0].ptr.Offset
			tr.RootSize = parents[0].ptr.Size
			break
		}
		level = parents
	}

	if err := tw.write(tr.encode()); err != nil {
		tw.Abort()
		return "", err
	}
	if err := tw.w.Flush(); err != nil {
		tw.Abort()
		return "", IOError("flush table", tw.tmpPath, err)
	}
	if err := tw.file.Sync(); err != nil {
		tw.Abort()
		return "", IOError("sync table", tw.tmpPath, err)
	}
	if err := tw.file.Close(); err != nil {
		tw.file = nil
		tw.Abort()
		return "", IOError("close table", tw.tmpPath, err)
	}
	tw.file = nil

	if err := os.Rename(tw.tmpPath, tw.path); err != nil {
		tw.Abort()
		return "", IOError("rename table", tw.tmpPath, err)
	}
	tw.done = true
	return tw.path, nil
}

// Abort discards the partial table.
func (tw *TableWriter) Abort() {
	if tw.done {
		return
	}
	tw.done = true
	if tw.file != nil {
		_ = tw.file.Close()
		tw.file = nil
	}
	_ = os.Remove(tw.tmpPath)
}
