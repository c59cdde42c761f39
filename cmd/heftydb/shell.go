package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/heftydb/pkg/heftydb"
	"github.com/dd0wney/heftydb/pkg/logging"
)

const shellHelp = `
📖 Available Commands:

  put <key> <value...>   Store a value (the rest of the line)
  get <key>              Print the newest value of a key
  delete <key>           Delete a key
  scan [flags]           Print keys in order, e.g. scan -from a -limit 10
  snapshot               Pin the current snapshot and print its id
  at <id> <key>          Read a key from a pinned snapshot
  release <id>           Release a pinned snapshot
  flush                  Write every memory table to disk
  compact                Merge all file tables
  stats                  Print statistics
  help                   Show this help
  exit/quit              Leave the shell
`

// shell is an interactive session over one open database.
type shell struct {
	db        *heftydb.DB
	out       io.Writer
	scanner   *bufio.Scanner
	snapshots map[uint64]*heftydb.Snapshot
}

func runShell(db *heftydb.DB, metricsAddr string, logger logging.Logger, in io.Reader, out io.Writer) error {
	if metricsAddr != "" {
		ms := newMetricsServer(db, logger)
		if err := ms.Start(metricsAddr); err != nil {
			return err
		}
		defer ms.Shutdown(shutdownTimeout)
	}

	sh := &shell{
		db:        db,
		out:       out,
		scanner:   bufio.NewScanner(in),
		snapshots: make(map[uint64]*heftydb.Snapshot),
	}
	defer sh.releaseAll()

	s := db.Stats()
	fmt.Fprintf(out, "✅ Database %s open at snapshot %d (%d tables)\n", db.ID(), s.Snapshot, s.Tables)
	fmt.Fprintln(out, "Type 'help' for available commands, 'exit' to quit")
	sh.run()
	return sh.scanner.Err()
}

func (sh *shell) run() {
	for {
		fmt.Fprint(sh.out, "heftydb> ")
		if !sh.scanner.Scan() {
			fmt.Fprintln(sh.out)
			return
		}
		input := strings.TrimSpace(sh.scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(sh.out, "👋 Goodbye!")
			return
		}
		sh.executeCommand(input)
	}
}

func (sh *shell) executeCommand(input string) {
	parts := strings.Fields(input)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	start := time.Now()
	var err error
	switch command {
	case "help":
		fmt.Fprint(sh.out, shellHelp)
		return
	case "put":
		// Values may contain spaces.
		if len(args) >= 2 {
			value := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input[len(parts[0]):]), args[0]))
			args = []string{args[0], value}
		}
		err = execute(sh.db, command, args, sh.out)
	case "snapshot", "snap":
		err = sh.pin()
	case "at":
		err = sh.readAt(args)
	case "release":
		err = sh.release(args)
	default:
		err = execute(sh.db, command, args, sh.out)
	}

	if err != nil {
		if errors.Is(err, heftydb.ErrNotFound) {
			fmt.Fprintln(sh.out, "(not found)")
			return
		}
		fmt.Fprintf(sh.out, "❌ %v\n", err)
		return
	}
	if command == "flush" || command == "compact" {
		fmt.Fprintf(sh.out, "✅ %s done in %v\n", command, time.Since(start).Round(time.Millisecond))
	}
}

func (sh *shell) pin() error {
	snap, err := sh.db.Snapshot()
	if err != nil {
		return err
	}
	if old, ok := sh.snapshots[snap.ID()]; ok {
		old.Release()
	}
	sh.snapshots[snap.ID()] = snap
	fmt.Fprintf(sh.out, "📌 snapshot %d\n", snap.ID())
	return nil
}

func (sh *shell) lookupSnapshot(raw string) (*heftydb.Snapshot, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, usageError("invalid snapshot %q", raw)
	}
	snap, ok := sh.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %d is not pinned", id)
	}
	return snap, nil
}

func (sh *shell) readAt(args []string) error {
	if len(args) != 2 {
		return usageError("at <snapshot> <key>")
	}
	snap, err := sh.lookupSnapshot(args[0])
	if err != nil {
		return err
	}
	v, err := snap.Get([]byte(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%s\n", v)
	return nil
}

func (sh *shell) release(args []string) error {
	if len(args) != 1 {
		return usageError("release <snapshot>")
	}
	snap, err := sh.lookupSnapshot(args[0])
	if err != nil {
		return err
	}
	snap.Release()
	delete(sh.snapshots, snap.ID())
	return nil
}

func (sh *shell) releaseAll() {
	for id, snap := range sh.snapshots {
		snap.Release()
		delete(sh.snapshots, id)
	}
}
