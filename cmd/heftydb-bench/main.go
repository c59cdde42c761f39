// Command heftydb-bench measures write, read, scan and compaction throughput
// with the performance configuration.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dd0wney/heftydb/pkg/config"
	"github.com/dd0wney/heftydb/pkg/heftydb"
	"github.com/dd0wney/heftydb/pkg/logging"
)

// benchOptions sizes one run.
type benchOptions struct {
	Writes    int
	Reads     int
	Scans     int
	ScanSize  int
	ValueSize int
}

// phaseResult is the outcome of one benchmark phase.
type phaseResult struct {
	Name     string
	Ops      int
	Found    int
	Duration time.Duration
}

// Throughput returns operations per second.
func (r phaseResult) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Duration.Seconds()
}

func main() {
	dir := flag.String("dir", "./data/heftydb-bench", "Data directory (wiped before the run)")
	writes := flag.Int("writes", 100000, "Number of writes")
	reads := flag.Int("reads", 10000, "Number of reads")
	scans := flag.Int("scans", 100, "Number of range scans")
	scanSize := flag.Int("scan-size", 1000, "Keys per range scan")
	valueSize := flag.Int("value-size", 1024, "Value size in bytes")
	sync := flag.String("sync", "none", "WAL sync mode: op, batch or none")
	flag.Parse()

	os.RemoveAll(*dir)
	cfg := config.PerfConfig(*dir)
	cfg.WALSync = *sync

	opts := benchOptions{
		Writes:    *writes,
		Reads:     *reads,
		Scans:     *scans,
		ScanSize:  *scanSize,
		ValueSize: *valueSize,
	}
	if _, err := runBenchmark(cfg, opts, os.Stdout); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
}

func benchKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func runBenchmark(cfg config.Config, opts benchOptions, out io.Writer) ([]phaseResult, error) {
	fmt.Fprintf(out, "🔥 HeftyDB Benchmark\n")
	fmt.Fprintf(out, "====================\n\n")
	fmt.Fprintf(out, "Configuration:\n")
	fmt.Fprintf(out, "  Writes: %d\n", opts.Writes)
	fmt.Fprintf(out, "  Reads: %d\n", opts.Reads)
	fmt.Fprintf(out, "  Value Size: %d bytes\n", opts.ValueSize)
	fmt.Fprintf(out, "  WAL Sync: %s\n\n", cfg.WALSync)

	db, err := heftydb.Open(cfg, heftydb.WithLogger(logging.NewNopLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	value := make([]byte, opts.ValueSize)
	for i := range value {
		value[i] = byte(rand.IntN(256))
	}

	var results []phaseResult
	report := func(r phaseResult) {
		results = append(results, r)
		fmt.Fprintf(out, "✅ %s: %d ops in %v\n", r.Name, r.Ops, r.Duration.Round(time.Millisecond))
		if r.Ops > 0 {
			fmt.Fprintf(out, "  ⚡ Average: %v per op\n", (r.Duration / time.Duration(r.Ops)).Round(time.Microsecond/10))
		}
		fmt.Fprintf(out, "  🚀 Throughput: %.0f ops/sec\n\n", r.Throughput())
	}

	// Sequential writes
	start := time.Now()
	for i := 0; i < opts.Writes; i++ {
		if _, err := db.Put(benchKey(i), value); err != nil {
			return results, fmt.Errorf("write %d: %w", i, err)
		}
	}
	report(phaseResult{Name: "Sequential writes", Ops: opts.Writes, Duration: time.Since(start)})

	readPhase := func(name string) error {
		r := phaseResult{Name: name, Ops: opts.Reads}
		start := time.Now()
		for i := 0; i < opts.Reads; i++ {
			_, err := db.Get(benchKey(rand.IntN(max(opts.Writes, 1))))
			switch {
			case err == nil:
				r.Found++
			case !errors.Is(err, heftydb.ErrNotFound):
				return fmt.Errorf("read: %w", err)
			}
		}
		r.Duration = time.Since(start)
		report(r)
		return nil
	}
	if err := readPhase("Random reads"); err != nil {
		return results, err
	}

	// Range scans
	r := phaseResult{Name: "Range scans", Ops: opts.Scans}
	start = time.Now()
	for i := 0; i < opts.Scans; i++ {
		it, err := db.AscendingIterator(benchKey(rand.IntN(max(opts.Writes-opts.ScanSize, 1))))
		if err != nil {
			return results, err
		}
		for n := 0; n < opts.ScanSize && it.Next(); n++ {
			r.Found++
		}
		err = it.Err()
		it.Close()
		if err != nil {
			return results, fmt.Errorf("scan: %w", err)
		}
	}
	r.Duration = time.Since(start)
	report(r)

	// Random updates
	updates := opts.Writes / 10
	start = time.Now()
	for i := 0; i < updates; i++ {
		if _, err := db.Put(benchKey(rand.IntN(max(opts.Writes, 1))), value); err != nil {
			return results, fmt.Errorf("update: %w", err)
		}
	}
	report(phaseResult{Name: "Random updates", Ops: updates, Duration: time.Since(start)})

	start = time.Now()
	if err := db.Compact(); err != nil {
		return results, fmt.Errorf("compact: %w", err)
	}
	report(phaseResult{Name: "Full compaction", Ops: 1, Duration: time.Since(start)})

	if err := readPhase("Random reads after compaction"); err != nil {
		return results, err
	}

	s := db.Stats()
	fmt.Fprintf(out, "📊 Final state:\n")
	fmt.Fprintf(out, "  Tables: %d\n", s.Tables)
	for _, l := range s.Levels {
		if l.Tables > 0 {
			fmt.Fprintf(out, "  Level %d: %d tables, %.2f MB\n", l.Level, l.Tables, float64(l.Bytes)/(1024*1024))
		}
	}
	fmt.Fprintf(out, "  Tuple cache hit rate: %.1f%%\n", s.TupleCache.HitRate*100)
	fmt.Fprintf(out, "  Write stalls: %d\n", s.WriteStalls)
	return results, nil
}
