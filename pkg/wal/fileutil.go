package wal

import (
	"errors"
	"os"

	"github.com/dd0wney/heftydb/pkg/lsm"
)

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// Remove deletes the log with the given id without opening it. A log that
// is already gone is not an error.
func Remove(dir string, id uint64) error {
	path := LogPath(dir, id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return lsm.IOError("delete log", path, err)
	}
	return nil
}
