package wal

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/dd0wney/heftydb/pkg/lsm"
)

func put(key, value string, snapshot uint64) lsm.Tuple {
	return lsm.Tuple{
		Key:   lsm.Key{Data: []byte(key), Snapshot: snapshot},
		Value: lsm.Value{Data: []byte(value)},
	}
}

func del(key string, snapshot uint64) lsm.Tuple {
	return lsm.Tuple{
		Key:   lsm.Key{Data: []byte(key), Snapshot: snapshot},
		Value: lsm.Value{Tombstone: true},
	}
}

func replayAll(t *testing.T, dir string, id uint64) ([]lsm.Tuple, ReplayResult) {
	t.Helper()
	var out []lsm.Tuple
	res, err := Replay(dir, id, func(tp lsm.Tuple) error {
		out = append(out, tp.Clone())
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	return out, res
}

func sameTuple(a, b lsm.Tuple) bool {
	return a.Key.Compare(b.Key) == 0 &&
		bytes.Equal(a.Value.Data, b.Value.Data) &&
		a.Value.Tombstone == b.Value.Tombstone
}

func TestLog_AppendAndReplay(t *testing.T) {
	for _, mode := range []SyncMode{SyncOp, SyncBatch, SyncNone} {
		for _, compress := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/compress=%v", mode, compress), func(t *testing.T) {
				dir := t.TempDir()
				l, err := Create(dir, 7, Options{Sync: mode, Compression: compress})
				if err != nil {
					t.Fatalf("Create failed: %v", err)
				}

				want := []lsm.Tuple{
					put("a", "1", 1),
					put("b", string(bytes.Repeat([]byte("x"), 500)), 2),
					del("a", 3),
					put("", "v", 4),
				}
				for i, tp := range want {
					seq, err := l.Append(tp)
					if err != nil {
						t.Fatalf("Append failed: %v", err)
					}
					if seq != uint64(i+1) {
						t.Errorf("Expected sequence %d, got %d", i+1, seq)
					}
					if err := l.WaitDurable(seq); err != nil {
						t.Fatalf("WaitDurable failed: %v", err)
					}
				}
				if err := l.Close(); err != nil {
					t.Fatalf("Close failed: %v", err)
				}

				got, res := replayAll(t, dir, 7)
				if len(got) != len(want) {
					t.Fatalf("Expected %d tuples, got %d", len(want), len(got))
				}
				for i := range want {
					if !sameTuple(got[i], want[i]) {
						t.Errorf("Tuple %d: expected %v, got %v", i, want[i].Key, got[i].Key)
					}
				}
				if res.Truncated {
					t.Error("Clean log should not be truncated")
				}
				if res.MaxSnapshot != 4 {
					t.Errorf("Expected max snapshot 4, got %d", res.MaxSnapshot)
				}
			})
		}
	}
}

func TestLog_CompressionShrinksRepetitiveValues(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 1, Options{Sync: SyncNone, Compression: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer l.Close()

	value := string(bytes.Repeat([]byte("abcd"), 1000))
	for i := range 10 {
		if _, err := l.Append(put(fmt.Sprintf("k%02d", i), value, uint64(i+1))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	stats := l.Stats()
	if stats.Records != 10 {
		t.Errorf("Expected 10 records, got %d", stats.Records)
	}
	if stats.CompressionRatio() >= 0.5 {
		t.Errorf("Expected compression ratio below 0.5, got %.2f", stats.CompressionRatio())
	}
}

func TestReplay_TruncatesShortTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 3, Options{Sync: SyncOp})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := range 5 {
		if _, err := l.Append(put(fmt.Sprintf("k%d", i), "v", uint64(i+1))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	goodSize := l.Size()
	l.Close()

	// Simulate a torn write: half a header.
	f, err := os.OpenFile(LogPath(dir, 3), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("Failed to reopen log: %v", err)
	}
	f.Write([]byte{0x10, 0x00, 0x00})
	f.Close()

	got, res := replayAll(t, dir, 3)
	if len(got) != 5 {
		t.Errorf("Expected 5 tuples, got %d", len(got))
	}
	if !res.Truncated {
		t.Error("Expected truncation to be reported")
	}
	if res.ValidSize != goodSize {
		t.Errorf("Expected valid size %d, got %d", goodSize, res.ValidSize)
	}

	info, err := os.Stat(LogPath(dir, 3))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != goodSize {
		t.Errorf("Expected file truncated to %d, got %d", goodSize, info.Size())
	}
}

func TestReplay_StopsAtChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 4, Options{Sync: SyncOp})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	l.Append(put("a", "1", 1))
	firstSize := l.Size()
	l.Append(put("b", "2", 2))
	l.Append(put("c", "3", 3))
	l.Close()

	data, err := os.ReadFile(LogPath(dir, 4))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// Flip a payload byte in the second record.
	data[firstSize+recordHeaderSize+2] ^= 0xff
	if err := os.WriteFile(LogPath(dir, 4), data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, res := replayAll(t, dir, 4)
	if len(got) != 1 || string(got[0].Key.Data) != "a" {
		t.Fatalf("Expected only the first record, got %d", len(got))
	}
	if !res.Truncated || res.ValidSize != firstSize {
		t.Errorf("Expected truncation at %d, got %+v", firstSize, res)
	}
}

func TestLog_ReopenAppendsAfterReplay(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 9, Options{Sync: SyncOp})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	l.Append(put("a", "1", 1))
	l.Close()

	if _, res := replayAll(t, dir, 9); res.Records != 1 {
		t.Fatalf("Expected 1 record, got %d", res.Records)
	}

	l, err = Open(dir, 9, Options{Sync: SyncOp})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	l.Append(put("b", "2", 2))
	l.Close()

	got, _ := replayAll(t, dir, 9)
	if len(got) != 2 || string(got[1].Key.Data) != "b" {
		t.Fatalf("Expected appended record after reopen, got %d records", len(got))
	}
}

func TestLog_Delete(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 2, DefaultOptions())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	l.Append(put("a", "1", 1))
	if err := l.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(LogPath(dir, 2)); err == nil {
		t.Error("Log file should be removed")
	}
	if _, err := l.Append(put("b", "2", 2)); !lsm.IsClosed(err) {
		t.Errorf("Expected closed error after delete, got %v", err)
	}
}

func TestReplay_CallbackErrorStops(t *testing.T) {
	dir := t.TempDir()
	l, _ := Create(dir, 5, Options{Sync: SyncNone})
	l.Append(put("a", "1", 1))
	l.Append(put("b", "2", 2))
	l.Close()

	boom := fmt.Errorf("boom")
	calls := 0
	_, err := Replay(dir, 5, func(lsm.Tuple) error {
		calls++
		return boom
	})
	if err != boom {
		t.Errorf("Expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 callback, got %d", calls)
	}
}

func TestLogNames(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []uint64{12, 3, 7} {
		l, err := Create(dir, id, Options{Sync: SyncNone})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		l.Close()
	}
	os.WriteFile(LogPath(dir, 0)+".tmp", nil, 0644)
	os.WriteFile(dir+"/notes.txt", nil, 0644)

	ids, err := ListLogs(dir)
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if fmt.Sprint(ids) != "[3 7 12]" {
		t.Errorf("Expected [3 7 12], got %v", ids)
	}

	if _, ok := ParseLogID("abc.log"); ok {
		t.Error("Expected non-numeric name to be rejected")
	}
	if id, ok := ParseLogID("42.log"); !ok || id != 42 {
		t.Errorf("Expected 42, got %d (%v)", id, ok)
	}
}

func TestParseSyncMode(t *testing.T) {
	tests := []struct {
		in      string
		want    SyncMode
		wantErr bool
	}{
		{"op", SyncOp, false},
		{"BATCH", SyncBatch, false},
		{"none", SyncNone, false},
		{"", SyncBatch, false},
		{"sometimes", SyncBatch, true},
	}
	for _, tt := range tests {
		got, err := ParseSyncMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSyncMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseSyncMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
