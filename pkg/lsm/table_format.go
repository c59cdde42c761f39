package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strconv"
)

// File table layout:
//
//	[header: magic(4) | version(4)]
//	[tuple blocks: len(4) | byte map]...
//	[bloom: len(4) | bits | k(1)]
//	[index blocks, leaf level first: len(4) | byte map]...
//	[trailer: 64 bytes]
//
// All integers are little-endian. Block pointers address the byte map
// payload, past the length prefix.
const (
	TableMagic        = 0x42544648 // "HFTB"
	TableVersion      = 1
	tableHeaderSize   = 8
	tableTrailerSize  = 64
	trailerMagic      = 0x4c525446 // "FTRL"
	frameHeaderSize   = 4
	TableFileSuffix   = ".table"
	TempFileSuffix    = ".tmp"
	maxIndexHeight    = 32
	defaultBlockSize  = 4096
	defaultIndexBlock = 4096
)

// trailer is the fixed-size footer of a file table.
type trailer struct {
	RootOffset        uint64
	RootSize          uint32
	IndexHeight       uint32
	BloomOffset       uint64
	TupleRegionOffset uint64
	TupleRegionEnd    uint64
	RecordCount       uint64
	MaxSnapshot       uint64
}

func (t trailer) encode() []byte {
	out := make([]byte, 0, tableTrailerSize)
	out = binary.LittleEndian.AppendUint64(out, t.RootOffset)
	out = binary.LittleEndian.AppendUint32(out, t.RootSize)
	out = binary.LittleEndian.AppendUint32(out, t.IndexHeight)
	out = binary.LittleEndian.AppendUint64(out, t.BloomOffset)
	out = binary.LittleEndian.AppendUint64(out, t.TupleRegionOffset)
	out = binary.LittleEndian.AppendUint64(out, t.TupleRegionEnd)
	out = binary.LittleEndian.AppendUint64(out, t.RecordCount)
	out = binary.LittleEndian.AppendUint64(out, t.MaxSnapshot)
	out = binary.LittleEndian.AppendUint32(out, trailerMagic)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
}

func decodeTrailer(b []byte, fileSize int64) (trailer, error) {
	if len(b) != tableTrailerSize {
		return trailer{}, fmt.Errorf("%w: trailer of %d bytes", ErrCorruption, len(b))
	}
	if binary.LittleEndian.Uint32(b[56:60]) != trailerMagic {
		return trailer{}, fmt.Errorf("%w: bad trailer magic", ErrCorruption)
	}
	if crc32.ChecksumIEEE(b[:60]) != binary.LittleEndian.Uint32(b[60:]) {
		return trailer{}, fmt.Errorf("%w: trailer checksum mismatch", ErrCorruption)
	}
	t := trailer{
		RootOffset:        binary.LittleEndian.Uint64(b[0:8]),
		RootSize:          binary.LittleEndian.Uint32(b[8:12]),
		IndexHeight:       binary.LittleEndian.Uint32(b[12:16]),
		BloomOffset:       binary.LittleEndian.Uint64(b[16:24]),
		TupleRegionOffset: binary.LittleEndian.Uint64(b[24:32]),
		TupleRegionEnd:    binary.LittleEndian.Uint64(b[32:40]),
		RecordCount:       binary.LittleEndian.Uint64(b[40:48]),
		MaxSnapshot:       binary.LittleEndian.Uint64(b[48:56]),
	}

	body := uint64(fileSize - tableTrailerSize)
	switch {
	case t.IndexHeight == 0 || t.IndexHeight > maxIndexHeight:
		return trailer{}, fmt.Errorf("%w: index height %d", ErrCorruption, t.IndexHeight)
	case t.TupleRegionOffset != tableHeaderSize || t.TupleRegionEnd < t.TupleRegionOffset:
		return trailer{}, fmt.Errorf("%w: tuple region [%d, %d)", ErrCorruption, t.TupleRegionOffset, t.TupleRegionEnd)
	case t.BloomOffset < t.TupleRegionEnd || t.BloomOffset+frameHeaderSize > body:
		return trailer{}, fmt.Errorf("%w: bloom offset %d", ErrCorruption, t.BloomOffset)
	case t.RootOffset < t.BloomOffset || t.RootOffset+uint64(t.RootSize) > body:
		return trailer{}, fmt.Errorf("%w: root block %d+%d", ErrCorruption, t.RootOffset, t.RootSize)
	}
	return t, nil
}

// TablePath returns the path of the file table with the given id.
func TablePath(dir string, id uint64) string {
	return filepath.Join(dir, strconv.FormatUint(id, 10)+TableFileSuffix)
}

// ParseTableID extracts the id from a file table name, if it is one.
func ParseTableID(name string) (uint64, bool) {
	ext := filepath.Ext(name)
	if ext != TableFileSuffix {
		return 0, false
	}
	id, err := strconv.ParseUint(name[:len(name)-len(ext)], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
