package parallel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dd0wney/heftydb/pkg/logging"
)

func newTestPool(t testing.TB, workers int, opts ...Option) *WorkerPool {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNopLogger())}, opts...)
	pool, err := NewWorkerPool(workers, opts...)
	if err != nil {
		t.Fatalf("NewWorkerPool failed: %v", err)
	}
	return pool
}

// TestWorkerPoolBasicOperations tests basic worker pool functionality
func TestWorkerPoolBasicOperations(t *testing.T) {
	pool := newTestPool(t, 4)

	var executed atomic.Bool
	if !pool.Submit(func() { executed.Store(true) }) {
		t.Error("Task submission failed")
	}

	pool.Close()

	if !executed.Load() {
		t.Error("Task was not executed")
	}
}

func TestWorkerPoolWorkerCount(t *testing.T) {
	for _, n := range []int{-1, 0} {
		pool := newTestPool(t, n)
		if pool.Workers() != 1 {
			t.Errorf("NewWorkerPool(%d) workers = %d, want 1", n, pool.Workers())
		}
		pool.Close()
	}

	if _, err := NewWorkerPool(MaxWorkers + 1); err == nil {
		t.Error("Expected error for worker count above MaxWorkers")
	}
}

// TestWorkerPoolConcurrentSubmissions tests concurrent task submissions
func TestWorkerPoolConcurrentSubmissions(t *testing.T) {
	pool := newTestPool(t, 10)

	numTasks := 100
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Submit(func() {
				atomic.AddInt64(&counter, 1)
			})
		}()
	}

	wg.Wait()
	pool.Close()

	if counter != int64(numTasks) {
		t.Errorf("Expected counter %d, got %d", numTasks, counter)
	}
}

// TestWorkerPoolWaitKeepsPoolOpen checks that Wait drains without closing
func TestWorkerPoolWaitKeepsPoolOpen(t *testing.T) {
	pool := newTestPool(t, 2)
	defer pool.Close()

	var counter atomic.Int64
	for range 20 {
		pool.Submit(func() {
			time.Sleep(time.Millisecond)
			counter.Add(1)
		})
	}
	pool.Wait()
	if counter.Load() != 20 {
		t.Errorf("Expected 20 tasks finished after Wait, got %d", counter.Load())
	}

	if !pool.Submit(func() { counter.Add(1) }) {
		t.Fatal("Pool should accept tasks after Wait")
	}
	pool.Wait()
	if counter.Load() != 21 {
		t.Errorf("Expected 21, got %d", counter.Load())
	}
}

func TestWorkerPoolTrySubmit(t *testing.T) {
	pool := newTestPool(t, 1)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func() {
		close(started)
		<-release
	})
	<-started

	// One worker busy, queue holds 2.
	accepted := 0
	for range 5 {
		if pool.TrySubmit(func() {}) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("Expected 2 queued tasks, got %d", accepted)
	}

	close(release)
	pool.Wait()
}

// TestWorkerPoolCloseRace tests closing the pool while submitting tasks
func TestWorkerPoolCloseRace(t *testing.T) {
	for iteration := 0; iteration < 50; iteration++ {
		pool := newTestPool(t, 4)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					pool.Submit(func() {
						time.Sleep(100 * time.Microsecond)
					})
				}
			}()
		}

		time.Sleep(time.Millisecond)
		pool.Close()
		wg.Wait()
	}
}

// TestWorkerPoolSubmitAfterClose tests that submissions after close return false
func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	pool := newTestPool(t, 4)

	if !pool.Submit(func() {}) {
		t.Error("Task submission before close should succeed")
	}

	pool.Close()
	pool.Close()

	if pool.Submit(func() { t.Error("This task should never execute") }) {
		t.Error("Task submission after close should return false")
	}
	if pool.TrySubmit(func() {}) {
		t.Error("TrySubmit after close should return false")
	}
}

// TestWorkerPoolWithPanic tests that panics in tasks don't crash the pool
func TestWorkerPoolWithPanic(t *testing.T) {
	var panics atomic.Int64
	pool := newTestPool(t, 4, WithName("flush"), WithPanicHandler(func(any) { panics.Add(1) }))

	var counter int64
	for i := 0; i < 5; i++ {
		pool.Submit(func() {
			panic("intentional panic")
		})
	}
	for i := 0; i < 10; i++ {
		pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}

	pool.Close()

	if counter != 10 {
		t.Errorf("Expected counter 10, got %d", counter)
	}
	if panics.Load() != 5 {
		t.Errorf("Expected 5 recovered panics, got %d", panics.Load())
	}
}

// BenchmarkWorkerPoolThroughput benchmarks worker pool throughput
func BenchmarkWorkerPoolThroughput(b *testing.B) {
	pool := newTestPool(b, 10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(func() {})
	}

	pool.Close()
}
