package lsm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/heftydb/pkg/bytemap"
	"github.com/dd0wney/heftydb/pkg/offheap"
)

// TableOptions wires a file table to shared caches.
type TableOptions struct {
	TupleCache *BlockCache[*TupleBlock]
	IndexCache *BlockCache[*IndexBlock]

	// OnQuarantine is called once when the table is found corrupt.
	OnQuarantine func(id uint64, err error)
}

// FileTable is an immutable, memory-mapped sorted run of tuples.
type FileTable struct {
	id      uint64
	path    string
	size    int64
	mm      *mmap.ReaderAt
	tr      trailer
	bloom   *BloomFilter
	root    *IndexBlock
	minData []byte
	maxData []byte
	opts    TableOptions

	quarantined atomic.Bool
	closed      atomic.Bool
}

// OpenTable maps <dir>/<id>.table and validates its header and trailer.
func OpenTable(dir string, id uint64, opts TableOptions) (*FileTable, error) {
	path := TablePath(dir, id)
	mm, err := mmap.Open(path)
	if err != nil {
		return nil, IOError("open table", path, err)
	}

	t := &FileTable{id: id, path: path, size: int64(mm.Len()), mm: mm, opts: opts}
	if err := t.load(); err != nil {
		_ = t.Close()
		if IsCorruption(err) || errors.Is(err, bytemap.ErrCorrupt) {
			return nil, CorruptionError("open table", id, path, err)
		}
		return nil, err
	}
	return t, nil
}

func (t *FileTable) load() error {
	if t.size < tableHeaderSize+tableTrailerSize {
		return fmt.Errorf("%w: file of %d bytes", ErrCorruption, t.size)
	}

	var header [tableHeaderSize]byte
	if err := t.readAt(header[:], 0); err != nil {
		return err
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != TableMagic {
		return fmt.Errorf("%w: invalid table magic: %x", ErrCorruption, magic)
	}
	if version := binary.LittleEndian.Uint32(header[4:8]); version != TableVersion {
		return fmt.Errorf("%w: unsupported table version %d", ErrCorruption, version)
	}

	tb := make([]byte, tableTrailerSize)
	if err := t.readAt(tb, t.size-tableTrailerSize); err != nil {
		return err
	}
	tr, err := decodeTrailer(tb, t.size)
	if err != nil {
		return err
	}
	t.tr = tr

	var lenBuf [frameHeaderSize]byte
	if err := t.readAt(lenBuf[:], int64(tr.BloomOffset)); err != nil {
		return err
	}
	bloomLen := uint64(binary.LittleEndian.Uint32(lenBuf[:]))
	if tr.BloomOffset+frameHeaderSize+bloomLen > tr.RootOffset {
		return fmt.Errorf("%w: bloom filter overruns index", ErrCorruption)
	}
	bloomData := make([]byte, bloomLen)
	if err := t.readAt(bloomData, int64(tr.BloomOffset+frameHeaderSize)); err != nil {
		return err
	}
	if t.bloom, err = UnmarshalBloomFilter(bloomData); err != nil {
		return err
	}

	region, err := t.readRegion(BlockPointer{Offset: tr.RootOffset, Size: tr.RootSize}, tr.BloomOffset, uint64(t.size-tableTrailerSize))
	if err != nil {
		return err
	}
	if t.root, err = NewIndexBlock(region); err != nil {
		region.Release()
		return err
	}

	first, err := t.edge(false)
	if err != nil {
		return err
	}
	last, err := t.edge(true)
	if err != nil {
		return err
	}
	t.minData, t.maxData = first, last
	return nil
}

// edge returns the data of the first or last tuple.
func (t *FileTable) edge(last bool) ([]byte, error) {
	it := newTableIterator(t, nil, last)
	defer it.Close()
	if !it.Next() {
		if err := it.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: table has no tuples", ErrCorruption)
	}
	return bytes.Clone(it.Tuple().Key.Data), nil
}

func (t *FileTable) readAt(p []byte, off int64) error {
	n, err := t.mm.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("short read of %d/%d bytes", n, len(p))
	}
	return fmt.Errorf("%w: read at %d: %v", ErrCorruption, off, err)
}

// readRegion copies the block at ptr into a fresh region after checking it
// lies within [lo, hi).
func (t *FileTable) readRegion(ptr BlockPointer, lo, hi uint64) (*offheap.Region, error) {
	end := ptr.Offset + uint64(ptr.Size)
	if ptr.Offset < lo || end > hi || end < ptr.Offset {
		return nil, fmt.Errorf("%w: block %d+%d outside [%d, %d)", ErrCorruption, ptr.Offset, ptr.Size, lo, hi)
	}
	region := offheap.Allocate(int(ptr.Size))
	if err := t.readAt(region.Bytes(), int64(ptr.Offset)); err != nil {
		region.Release()
		return nil, err
	}
	return region, nil
}

func (t *FileTable) loadTupleBlock(ptr BlockPointer) (*TupleBlock, error) {
	load := func() (*TupleBlock, error) {
		region, err := t.readRegion(ptr, t.tr.TupleRegionOffset, t.tr.TupleRegionEnd)
		if err != nil {
			return nil, err
		}
		b, err := NewTupleBlock(region)
		if err != nil {
			region.Release()
			return nil, err
		}
		return b, nil
	}
	if t.opts.TupleCache == nil {
		return load()
	}
	return t.opts.TupleCache.GetOrLoad(BlockKey{TableID: t.id, Offset: ptr.Offset}, int(ptr.Size), load)
}

func (t *FileTable) loadIndexBlock(ptr BlockPointer) (*IndexBlock, error) {
	load := func() (*IndexBlock, error) {
		region, err := t.readRegion(ptr, t.tr.BloomOffset, uint64(t.size-tableTrailerSize))
		if err != nil {
			return nil, err
		}
		b, err := NewIndexBlock(region)
		if err != nil {
			region.Release()
			return nil, err
		}
		return b, nil
	}
	if t.opts.IndexCache == nil {
		return load()
	}
	return t.opts.IndexCache.GetOrLoad(BlockKey{TableID: t.id, Offset: ptr.Offset}, int(ptr.Size), load)
}

// fail converts a read error into a typed error and quarantines the table
// on corruption.
func (t *FileTable) fail(op string, err error) error {
	if !IsCorruption(err) && !errors.Is(err, bytemap.ErrCorrupt) {
		return NewError(op, KindIO).Table(t.id).Path(t.path).Cause(err).Err()
	}
	if t.quarantined.CompareAndSwap(false, true) && t.opts.OnQuarantine != nil {
		t.opts.OnQuarantine(t.id, err)
	}
	return CorruptionError(op, t.id, t.path, err)
}

func (t *FileTable) checkUsable(op string) error {
	if t.closed.Load() {
		return NewError(op, KindClosed).Table(t.id).Err()
	}
	if t.quarantined.Load() {
		return CorruptionError(op, t.id, t.path, ErrQuarantined)
	}
	return nil
}

// Get returns the newest version of key.Data whose snapshot is at most
// key.Snapshot. The returned tuple does not alias table memory.
func (t *FileTable) Get(key Key) (Tuple, bool, error) {
	if err := t.checkUsable("get"); err != nil {
		return Tuple{}, false, err
	}
	if !t.bloom.MayContain(key.Data) {
		return Tuple{}, false, nil
	}

	it := newTableIterator(t, &key, false)
	defer it.Close()
	if !it.Next() {
		return Tuple{}, false, it.Err()
	}
	found := it.Tuple()
	if !bytes.Equal(found.Key.Data, key.Data) {
		return Tuple{}, false, nil
	}
	return found.Clone(), true, nil
}

// MayContain consults the bloom filter only.
func (t *FileTable) MayContain(data []byte) bool {
	return t.bloom.MayContain(data)
}

// Ascend iterates every version from the first key >= from.
func (t *FileTable) Ascend(from *Key) (Iterator, error) {
	if err := t.checkUsable("scan"); err != nil {
		return nil, err
	}
	return newTableIterator(t, from, false), nil
}

// Descend iterates every version backwards from the last key <= from.
func (t *FileTable) Descend(from *Key) (Iterator, error) {
	if err := t.checkUsable("scan"); err != nil {
		return nil, err
	}
	return newTableIterator(t, from, true), nil
}

var _ Source = (*FileTable)(nil)

// ID returns the table id.
func (t *FileTable) ID() uint64 { return t.id }

// Path returns the file path.
func (t *FileTable) Path() string { return t.path }

// Size returns the file size in bytes.
func (t *FileTable) Size() int64 { return t.size }

// Records returns the number of tuples stored.
func (t *FileTable) Records() uint64 { return t.tr.RecordCount }

// MaxSnapshot returns the largest snapshot id stored.
func (t *FileTable) MaxSnapshot() uint64 { return t.tr.MaxSnapshot }

// IndexHeight returns the number of index levels.
func (t *FileTable) IndexHeight() int { return int(t.tr.IndexHeight) }

// MinData returns the smallest data key in the table.
func (t *FileTable) MinData() []byte { return t.minData }

// MaxData returns the largest data key in the table.
func (t *FileTable) MaxData() []byte { return t.maxData }

// Overlaps reports whether the table holds any data key in [lo, hi].
func (t *FileTable) Overlaps(lo, hi []byte) bool {
	return bytes.Compare(t.minData, hi) <= 0 && bytes.Compare(lo, t.maxData) <= 0
}

// Quarantined reports whether the table has been found corrupt.
func (t *FileTable) Quarantined() bool {
	return t.quarantined.Load()
}

// Close unmaps the file and drops its blocks from the caches.
func (t *FileTable) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.root != nil {
		t.root.Release()
		t.root = nil
	}
	if t.opts.TupleCache != nil {
		t.opts.TupleCache.EvictTable(t.id)
	}
	if t.opts.IndexCache != nil {
		t.opts.IndexCache.EvictTable(t.id)
	}
	if t.mm != nil {
		return t.mm.Close()
	}
	return nil
}

// Delete closes the table and removes its file.
func (t *FileTable) Delete() error {
	_ = t.Close()
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return IOError("delete table", t.path, err)
	}
	return nil
}
