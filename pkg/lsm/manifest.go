package lsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// ManifestFile is the name of the manifest inside the table directory.
const ManifestFile = "MANIFEST"

// Manifest records which tables are live and where recovery starts.
type Manifest struct {
	DBID         string          `json:"db_id"`
	NextID       uint64          `json:"next_id"`
	LogFloor     uint64          `json:"log_floor"`     // Logs below this id are flushed
	LastSnapshot uint64          `json:"last_snapshot"` // Newest snapshot held by a table
	Tables       []ManifestTable `json:"tables"`
}

// ManifestTable is one live table and its level.
type ManifestTable struct {
	ID    uint64 `json:"id"`
	Level int    `json:"level"`
}

// LoadManifest reads the manifest in dir. A missing manifest returns an
// error satisfying errors.Is(err, os.ErrNotExist).
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, IOError("read manifest", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewError("read manifest", KindCorruption).Path(path).Cause(fmt.Errorf("%w: %v", ErrCorruption, err)).Err()
	}
	seen := make(map[uint64]bool, len(m.Tables))
	for _, t := range m.Tables {
		if seen[t.ID] || t.ID >= m.NextID || t.Level < 0 {
			return nil, NewError("read manifest", KindCorruption).Path(path).Table(t.ID).Err()
		}
		seen[t.ID] = true
	}
	return &m, nil
}

// Save writes the manifest atomically: temp file, fsync, rename, then a
// sync of the directory.
func (m *Manifest) Save(dir string) error {
	path := filepath.Join(dir, ManifestFile)
	tmp := path + TempFileSuffix

	slices.SortFunc(m.Tables, func(a, b ManifestTable) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return IOError("write manifest", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return IOError("write manifest", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return IOError("sync manifest", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return IOError("close manifest", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return IOError("rename manifest", tmp, err)
	}
	return SyncDir(dir)
}

// SyncDir fsyncs a directory so renames within it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return IOError("open dir", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return IOError("sync dir", dir, err)
	}
	return nil
}

// ManifestFor describes ts in manifest form.
func ManifestFor(ts *TableSet) []ManifestTable {
	var out []ManifestTable
	for _, lt := range ts.Leveled() {
		out = append(out, ManifestTable{ID: lt.Table.ID(), Level: lt.Level})
	}
	return out
}
