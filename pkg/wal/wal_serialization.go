package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dd0wney/heftydb/pkg/lsm"
	"github.com/dd0wney/heftydb/pkg/pools"
	"github.com/golang/snappy"
)

// Record framing: [len u32][crc u32][flags u8][payload], little-endian.
// len is the payload length; crc covers flags and payload.
const (
	recordHeaderSize = 9
	maxRecordSize    = 1 << 30

	recordCompressed byte = 1 << 0
	tupleTombstone   byte = 1 << 0
)

// encodeTuple serializes a tuple:
// [flags u8][keyLen uvarint][key][snapshot u64][valueLen uvarint][value]
func encodeTuple(b *pools.BufferBuilder, t lsm.Tuple) {
	var flags byte
	if t.Value.Tombstone {
		flags |= tupleTombstone
	}
	b.WriteByte(flags)
	b.WriteLengthPrefixed(t.Key.Data)
	b.WriteUint64(t.Key.Snapshot)
	b.WriteLengthPrefixed(t.Value.Data)
}

// decodeTuple parses a payload written by encodeTuple. The result aliases p.
func decodeTuple(p []byte) (lsm.Tuple, error) {
	var t lsm.Tuple
	if len(p) < 1 {
		return t, fmt.Errorf("%w: empty record payload", lsm.ErrCorruption)
	}
	t.Value.Tombstone = p[0]&tupleTombstone != 0
	p = p[1:]

	key, p, err := readLengthPrefixed(p)
	if err != nil {
		return t, err
	}
	if len(p) < 8 {
		return t, fmt.Errorf("%w: record missing snapshot", lsm.ErrCorruption)
	}
	t.Key = lsm.Key{Data: key, Snapshot: binary.LittleEndian.Uint64(p)}
	p = p[8:]

	value, p, err := readLengthPrefixed(p)
	if err != nil {
		return t, err
	}
	if len(p) != 0 {
		return t, fmt.Errorf("%w: %d trailing bytes in record", lsm.ErrCorruption, len(p))
	}
	t.Value.Data = value
	return t, nil
}

func readLengthPrefixed(p []byte) ([]byte, []byte, error) {
	n, w := binary.Uvarint(p)
	if w <= 0 || n > uint64(len(p)-w) {
		return nil, nil, fmt.Errorf("%w: bad length prefix in record", lsm.ErrCorruption)
	}
	end := w + int(n)
	return p[w:end:end], p[end:], nil
}

// frameRecord builds the framed bytes for one tuple. raw is the uncompressed
// payload size.
func frameRecord(t lsm.Tuple, compress bool) (frame []byte, raw int) {
	b := pools.NewBufferBuilder(recordHeaderSize + t.Size() + 2*binary.MaxVarintLen64)
	defer b.Release()
	encodeTuple(b, t)
	payload := b.Bytes()
	raw = len(payload)

	var flags byte
	if compress {
		if c := snappy.Encode(nil, payload); len(c) < len(payload) {
			payload = c
			flags |= recordCompressed
		}
	}

	frame = make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	frame[8] = flags
	copy(frame[recordHeaderSize:], payload)
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(frame[8:]))
	return frame, raw
}

// parseHeader returns the payload length and checksum of a record header.
func parseHeader(h []byte) (length uint32, checksum uint32, flags byte) {
	return binary.LittleEndian.Uint32(h[0:4]), binary.LittleEndian.Uint32(h[4:8]), h[8]
}

// openPayload verifies and (if needed) decompresses a record body.
// body is flags || payload.
func openPayload(body []byte, checksum uint32) ([]byte, error) {
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, fmt.Errorf("%w: record checksum mismatch", lsm.ErrCorruption)
	}
	payload := body[1:]
	if body[0]&recordCompressed != 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", lsm.ErrCorruption, err)
		}
		payload = decoded
	}
	return payload, nil
}
