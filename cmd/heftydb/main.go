// Command heftydb opens a database directory and runs one command against
// it, serves its metrics, or starts an interactive shell.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/dd0wney/heftydb/pkg/config"
	"github.com/dd0wney/heftydb/pkg/heftydb"
	"github.com/dd0wney/heftydb/pkg/logging"
)

const usage = `Usage: heftydb [flags] <command> [args]

Commands:
  put <key> <value>     Store a value
  get <key>             Print the newest value of a key
  delete <key>          Delete a key
  scan [flags]          Print keys in order (see heftydb scan -h)
  flush                 Write every memory table to disk
  compact               Merge all file tables
  stats                 Print statistics as JSON
  serve                 Keep the database open and serve /metrics
  shell                 Interactive shell

Flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// cliFlags are the global flags shared by every command.
type cliFlags struct {
	configPath  string
	dir         string
	envFile     string
	logLevel    string
	metricsAddr string
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("heftydb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var f cliFlags
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.dir, "dir", "", "Data directory (overrides the configuration)")
	fs.StringVar(&f.envFile, "env", ".env", "Environment file loaded before HEFTYDB_* overrides")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&f.metricsAddr, "metrics", ":9090", "Metrics listen address for serve and shell (empty disables)")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return 1
	}
	logger := logging.NewJSONLogger(stderr, logging.ParseLevel(cfg.LogLevel))

	db, err := heftydb.Open(cfg, heftydb.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "❌ Failed to open database: %v\n", err)
		return 1
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	var runErr error
	switch cmd {
	case "serve":
		runErr = serve(db, f.metricsAddr, logger)
	case "shell":
		runErr = runShell(db, f.metricsAddr, logger, stdin, stdout)
	default:
		runErr = execute(db, cmd, cmdArgs, stdout)
	}

	closeErr := db.Close()
	if runErr == nil {
		runErr = closeErr
	}
	switch {
	case runErr == nil:
		return 0
	case errors.Is(runErr, errUsage):
		fmt.Fprintf(stderr, "❌ %v\n", runErr)
		return 2
	default:
		fmt.Fprintf(stderr, "❌ %v\n", runErr)
		return 1
	}
}

// loadConfig layers defaults, the YAML file, the environment file,
// HEFTYDB_* variables and finally the command-line flags.
func loadConfig(f cliFlags) (config.Config, error) {
	cfg := config.Default("./data/heftydb")
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("failed to load %s: %w", f.envFile, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	if f.dir != "" {
		if cfg.LogDirectory == "" || cfg.LogDirectory == cfg.TableDirectory {
			cfg.LogDirectory = f.dir
		}
		cfg.TableDirectory = f.dir
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

// execute runs one data command against db.
func execute(db *heftydb.DB, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "put":
		if len(args) != 2 {
			return usageError("put <key> <value>")
		}
		snap, err := db.Put([]byte(args[0]), []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "snapshot %d\n", snap)

	case "get":
		if len(args) != 1 {
			return usageError("get <key>")
		}
		v, err := db.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", v)

	case "delete", "del":
		if len(args) != 1 {
			return usageError("delete <key>")
		}
		snap, err := db.Delete([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "snapshot %d\n", snap)

	case "scan":
		return scan(db, args, out)

	case "flush":
		return db.Flush()

	case "compact":
		return db.Compact()

	case "stats":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(db.Stats())

	default:
		return usageError("unknown command %q", cmd)
	}
	return nil
}

func scan(db *heftydb.DB, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(out)
	from := fs.String("from", "", "Start key, inclusive")
	reverse := fs.Bool("reverse", false, "Descending order")
	limit := fs.Int("limit", 0, "Maximum keys to print (0 for all)")
	snapshot := fs.String("snapshot", "", "Read as of this snapshot id")
	versions := fs.Bool("versions", false, "Print the snapshot that wrote each value")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}

	var start []byte
	if *from != "" {
		start = []byte(*from)
	}
	var (
		it  *heftydb.Iterator
		err error
	)
	if *snapshot != "" {
		at, perr := strconv.ParseUint(*snapshot, 10, 64)
		if perr != nil {
			return usageError("invalid snapshot %q", *snapshot)
		}
		if *reverse {
			it, err = db.DescendingIteratorAt(start, at)
		} else {
			it, err = db.AscendingIteratorAt(start, at)
		}
	} else if *reverse {
		it, err = db.DescendingIterator(start)
	} else {
		it, err = db.AscendingIterator(start)
	}
	if err != nil {
		return err
	}
	defer it.Close()

	n := 0
	for it.Next() {
		if *versions {
			fmt.Fprintf(out, "%s\t%s\t%d\n", it.Key(), it.Value(), it.Version())
		} else {
			fmt.Fprintf(out, "%s\t%s\n", it.Key(), it.Value())
		}
		n++
		if *limit > 0 && n >= *limit {
			break
		}
	}
	return it.Err()
}
