package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// MaxSnapshot sorts before every other version of a key and sees every write.
const MaxSnapshot = math.MaxUint64

const snapshotSize = 8

// Key identifies one version of a record: the user key plus the snapshot id
// of the write that produced it.
//
// Keys order by Data ascending, then by Snapshot descending, so the newest
// version of a key comes first.
type Key struct {
	Data     []byte
	Snapshot uint64
}

// Compare orders a and b by data ascending, then snapshot descending.
func (a Key) Compare(b Key) int {
	if c := bytes.Compare(a.Data, b.Data); c != 0 {
		return c
	}
	switch {
	case a.Snapshot > b.Snapshot:
		return -1
	case a.Snapshot < b.Snapshot:
		return 1
	default:
		return 0
	}
}

// Encode returns data || snapshot (big-endian).
func (a Key) Encode() []byte {
	out := make([]byte, 0, len(a.Data)+snapshotSize)
	out = append(out, a.Data...)
	return binary.BigEndian.AppendUint64(out, a.Snapshot)
}

// Size is the encoded size of the key.
func (a Key) Size() int {
	return len(a.Data) + snapshotSize
}

func (a Key) String() string {
	return fmt.Sprintf("%q@%d", a.Data, a.Snapshot)
}

// DecodeKey splits an encoded key. The returned Data aliases b.
func DecodeKey(b []byte) (Key, error) {
	if len(b) < snapshotSize {
		return Key{}, fmt.Errorf("%w: encoded key of %d bytes", ErrCorruption, len(b))
	}
	n := len(b) - snapshotSize
	return Key{Data: b[:n:n], Snapshot: binary.BigEndian.Uint64(b[n:])}, nil
}

// CompareEncoded is the byte-map comparator for encoded keys.
func CompareEncoded(a, b []byte) int {
	na, nb := len(a)-snapshotSize, len(b)-snapshotSize
	if c := bytes.Compare(a[:na], b[:nb]); c != 0 {
		return c
	}
	// Descending snapshot: reverse the byte comparison of the big-endian suffix.
	return -bytes.Compare(a[na:], b[nb:])
}

// Value is an opaque payload plus a tombstone marker.
type Value struct {
	Data      []byte
	Tombstone bool
}

const flagTombstone byte = 1 << 0

// encodeValue returns flags || data.
func encodeValue(v Value) []byte {
	out := make([]byte, 0, 1+len(v.Data))
	var flags byte
	if v.Tombstone {
		flags |= flagTombstone
	}
	out = append(out, flags)
	return append(out, v.Data...)
}

func decodeValue(b []byte) (Value, error) {
	if len(b) < 1 {
		return Value{}, fmt.Errorf("%w: empty value encoding", ErrCorruption)
	}
	return Value{Data: b[1:len(b):len(b)], Tombstone: b[0]&flagTombstone != 0}, nil
}

// Tuple is a versioned record.
type Tuple struct {
	Key   Key
	Value Value
}

// Size is the approximate footprint of the tuple in bytes.
func (t Tuple) Size() int {
	return t.Key.Size() + 1 + len(t.Value.Data)
}

// Clone copies the tuple so it no longer aliases a block region.
func (t Tuple) Clone() Tuple {
	return Tuple{
		Key:   Key{Data: bytes.Clone(t.Key.Data), Snapshot: t.Key.Snapshot},
		Value: Value{Data: bytes.Clone(t.Value.Data), Tombstone: t.Value.Tombstone},
	}
}

// SeekFirst is the first possible key for data: its newest version.
func SeekFirst(data []byte) Key {
	return Key{Data: data, Snapshot: MaxSnapshot}
}

// SeekLast is the last possible key for data: its oldest version.
func SeekLast(data []byte) Key {
	return Key{Data: data, Snapshot: 0}
}
