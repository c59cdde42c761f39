package wal

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/dd0wney/heftydb/pkg/lsm"
)

// Replay reads the log with the given id and calls fn for every intact record
// in write order. Replay stops at the first short or corrupt record and
// truncates the file there, so the log can be reopened for appending.
// Tuples passed to fn alias a reused buffer; fn must copy what it keeps.
func Replay(dir string, id uint64, fn func(lsm.Tuple) error) (ReplayResult, error) {
	var res ReplayResult
	path := LogPath(dir, id)

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return res, lsm.IOError("replay log", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return res, lsm.IOError("replay log", path, err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	header := make([]byte, recordHeaderSize)
	var body []byte
	var offset int64

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				res.Truncated = true
				break
			}
			return res, lsm.IOError("replay log", path, err)
		}

		length, checksum, _ := parseHeader(header)
		if length > maxRecordSize || int64(length) > info.Size()-offset-recordHeaderSize {
			res.Truncated = true
			break
		}

		n := int(length) + 1
		if cap(body) < n {
			body = make([]byte, n)
		}
		body = body[:n]
		body[0] = header[8]
		if _, err := io.ReadFull(reader, body[1:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				res.Truncated = true
				break
			}
			return res, lsm.IOError("replay log", path, err)
		}

		payload, err := openPayload(body, checksum)
		if err != nil {
			res.Truncated = true
			break
		}
		t, err := decodeTuple(payload)
		if err != nil {
			res.Truncated = true
			break
		}
		if err := fn(t); err != nil {
			return res, err
		}

		res.Records++
		if t.Key.Snapshot > res.MaxSnapshot {
			res.MaxSnapshot = t.Key.Snapshot
		}
		offset += recordHeaderSize + int64(length)
	}

	res.ValidSize = offset
	if offset < info.Size() {
		res.Truncated = true
		if err := file.Truncate(offset); err != nil {
			return res, lsm.IOError("truncate log", path, err)
		}
		if err := file.Sync(); err != nil {
			return res, lsm.IOError("truncate log", path, err)
		}
	}
	return res, nil
}
