package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDir(t *testing.T) {
	newDir := filepath.Join(t.TempDir(), "nested", "logs")

	if err := EnsureDir(newDir); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}
	if info, err := os.Stat(newDir); err != nil || !info.IsDir() {
		t.Fatalf("directory should exist after EnsureDir(): %v", err)
	}

	// Calling again should not error
	if err := EnsureDir(newDir); err != nil {
		t.Fatalf("EnsureDir() failed on existing dir: %v", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, 3, DefaultOptions())
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if err := Remove(dir, 3); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := os.Stat(LogPath(dir, 3)); !os.IsNotExist(err) {
		t.Errorf("log should be gone, stat returned %v", err)
	}

	// Removing a missing log is a no-op
	if err := Remove(dir, 3); err != nil {
		t.Errorf("Remove() of a missing log failed: %v", err)
	}

	ids, err := ListLogs(dir)
	if err != nil {
		t.Fatalf("ListLogs() failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no logs, got %v", ids)
	}
}
