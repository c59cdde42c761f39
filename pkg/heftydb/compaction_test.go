package heftydb

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/heftydb/pkg/logging"
)

func TestHundredThousandKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large write in short mode")
	}
	cfg := testConfig(t)
	cfg.MemoryTableSize = 1 << 20
	cfg.FileTableBlockSize = 16 << 10
	cfg.LevelBaseSize = 4 << 20
	cfg.TargetTableSize = 1 << 20
	cfg.WALSync = "none"
	db := openTestDB(t, cfg)

	const n = 100_000
	key := func(i int) []byte {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i))
		return k
	}
	value := func(i int) []byte {
		v := make([]byte, 100)
		copy(v, fmt.Sprintf("value-%d", i))
		return v
	}

	for i := 0; i < n; i++ {
		_, err := db.Put(key(i), value(i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush())
	assert.Greater(t, db.Stats().Tables, 0)

	for i := 0; i < n; i++ {
		v, err := db.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), v)
	}

	it, err := db.AscendingIterator(nil)
	require.NoError(t, err)
	count := 0
	for it.Next() {
		require.Equal(t, key(count), it.Key())
		count++
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.Equal(t, n, count)
}

func TestAutoCompactionBoundsLevelZero(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)

	for i := 0; i < 3000; i++ {
		mustPut(t, db, fmt.Sprintf("key%05d", rand.IntN(1000)), fmt.Sprintf("%0100d", i))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.Compact())

	s := db.Stats()
	assert.Greater(t, s.Compactions, int64(0))
	assert.Zero(t, s.Levels[0].Tables, "a full compaction empties level 0")
	assert.Zero(t, s.FailedCompactions)
	assert.Greater(t, counterValue(t, db.Metrics().CompactionBytesWritten), float64(0))
}

func TestCompactionDeletesSupersededTables(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoCompaction = false
	db := openTestDB(t, cfg)

	for i := 0; i < 500; i++ {
		mustPut(t, db, fmt.Sprintf("key%04d", i%100), fmt.Sprintf("%0100d", i))
	}
	require.NoError(t, db.Flush())
	require.Greater(t, db.Stats().Tables, 1)

	// An open iterator keeps the inputs on disk until it closes.
	it, err := db.AscendingIterator(nil)
	require.NoError(t, err)
	require.NoError(t, db.Compact())
	assert.Greater(t, db.Stats().PendingDeletion, int64(0))

	n := 0
	for it.Next() {
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 100, n)
	require.NoError(t, it.Close())
	assert.Zero(t, db.Stats().PendingDeletion)
}

func TestConcurrentWritesDuringCompaction(t *testing.T) {
	cfg := testConfig(t)
	cfg.TableWriterThreads = 2
	cfg.TableCompactionThreads = 2
	db := openTestDB(t, cfg)

	const writers, perWriter = 4, 400
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		expected = make(map[string]string)
		done     atomic.Bool
	)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%04d", w, i%150)
				if i%7 == 3 {
					_, err := db.Delete([]byte(key))
					assert.NoError(t, err)
					mu.Lock()
					delete(expected, key)
					mu.Unlock()
					continue
				}
				value := fmt.Sprintf("%d-%0100d", w, i)
				_, err := db.Put([]byte(key), []byte(value))
				assert.NoError(t, err)
				mu.Lock()
				expected[key] = value
				mu.Unlock()
			}
		}(w)
	}

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		for !done.Load() {
			assert.NoError(t, db.Compact())
		}
	}()
	go func() {
		defer bg.Done()
		// A snapshot sees the same state however much is compacted under it.
		for !done.Load() {
			snap, err := db.Snapshot()
			if !assert.NoError(t, err) {
				return
			}
			first := drain(t)(snap.AscendingIterator(nil))
			second := drain(t)(snap.AscendingIterator(nil))
			assert.Equal(t, first, second)
			snap.Release()
		}
	}()

	wg.Wait()
	done.Store(true)
	bg.Wait()

	got := drain(t)(db.AscendingIterator(nil))
	want := make([]kv, 0, len(expected))
	for k, v := range expected {
		want = append(want, kv{k, v})
	}
	sort.Slice(want, func(i, j int) bool { return want[i].Key < want[j].Key })
	assert.Equal(t, want, got)
	assert.Zero(t, db.Stats().FailedCompactions)
}

// dbOp is one step of a random workload over a small key space.
type dbOp struct {
	Kind  int // 0-5 put, 6-7 delete, 8 flush, 9 compact
	Key   int
	Value int
}

func genOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 9),
		gen.IntRange(0, 20),
		gen.IntRange(0, 1000),
	).Map(func(vals []any) dbOp {
		return dbOp{Kind: vals[0].(int), Key: vals[1].(int), Value: vals[2].(int)}
	})
}

func TestMatchesMapModel(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("scans and gets match a map after any workload", prop.ForAll(
		func(ops []dbOp) bool {
			cfg := testConfig(t)
			cfg.MemoryTableSize = 2048
			cfg.FileTableBlockSize = 512
			cfg.IndexBlockSize = 512
			cfg.Level0CompactionThreshold = 2
			db, err := Open(cfg, WithLogger(logging.NewNopLogger()))
			if err != nil {
				return false
			}
			defer db.Close()

			model := make(map[string]string)
			for _, op := range ops {
				key := fmt.Sprintf("k%02d", op.Key)
				switch {
				case op.Kind <= 5:
					value := fmt.Sprintf("v%d", op.Value)
					if _, err := db.Put([]byte(key), []byte(value)); err != nil {
						return false
					}
					model[key] = value
				case op.Kind <= 7:
					if _, err := db.Delete([]byte(key)); err != nil {
						return false
					}
					delete(model, key)
				case op.Kind == 8:
					if err := db.Flush(); err != nil {
						return false
					}
				default:
					if err := db.Compact(); err != nil {
						return false
					}
				}
			}

			for k := 0; k <= 20; k++ {
				key := fmt.Sprintf("k%02d", k)
				v, err := db.Get([]byte(key))
				want, ok := model[key]
				if ok != (err == nil) || (ok && string(v) != want) {
					return false
				}
			}

			var keys []string
			for k := range model {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			it, err := db.DescendingIterator(nil)
			if err != nil {
				return false
			}
			defer it.Close()
			for i := len(keys) - 1; i >= 0; i-- {
				if !it.Next() || string(it.Key()) != keys[i] || string(it.Value()) != model[keys[i]] {
					return false
				}
			}
			return !it.Next() && it.Err() == nil
		},
		gen.SliceOfN(120, genOp()),
	))

	properties.TestingRun(t)
}
