package wal

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGroupCommit_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 1, Options{Sync: SyncBatch, SyncInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const writers = 8
	const perWriter = 50

	// Appends are serialized like the engine's writer lane; waits are not.
	var lane sync.Mutex
	var snapshot uint64
	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter)

	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range perWriter {
				lane.Lock()
				snapshot++
				seq, err := l.Append(put(fmt.Sprintf("w%d-%03d", w, i), "v", snapshot))
				lane.Unlock()
				if err != nil {
					errCh <- err
					return
				}
				if err := l.WaitDurable(seq); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Writer failed: %v", err)
	}

	stats := l.Stats()
	if stats.Records != writers*perWriter {
		t.Errorf("Expected %d records, got %d", writers*perWriter, stats.Records)
	}
	if stats.Syncs == 0 || stats.Syncs > stats.Records {
		t.Errorf("Expected between 1 and %d syncs, got %d", stats.Records, stats.Syncs)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, _ := replayAll(t, dir, 1)
	if len(got) != writers*perWriter {
		t.Errorf("Expected %d replayed tuples, got %d", writers*perWriter, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Key.Snapshot != got[i-1].Key.Snapshot+1 {
			t.Fatalf("Records out of write order at %d", i)
		}
	}
}

func TestGroupCommit_WaitAfterSync(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 2, Options{Sync: SyncBatch})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer l.Close()

	seq, _ := l.Append(put("a", "1", 1))
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.WaitDurable(seq) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitDurable failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitDurable should return immediately for synced records")
	}
}

func TestGroupCommit_CloseReleasesWaiters(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 3, Options{Sync: SyncBatch, SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	seq, _ := l.Append(put("a", "1", 1))

	done := make(chan error, 1)
	go func() { done <- l.WaitDurable(seq) }()

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close should release pending waiters")
	}

	got, _ := replayAll(t, dir, 3)
	if len(got) != 1 {
		t.Errorf("Expected record to survive close, got %d", len(got))
	}
}
