package parallel

import (
	"fmt"
	"math"
	"runtime/debug"
	"sync"

	"github.com/dd0wney/heftydb/pkg/logging"
)

// WorkerPool runs background tasks on a fixed number of goroutines. The
// engine keeps one pool for flushes and one for compactions.
type WorkerPool struct {
	name      string
	workers   int
	taskQueue chan func()
	wg        sync.WaitGroup // Workers
	tasks     sync.WaitGroup // Submitted, unfinished tasks
	once      sync.Once
	mu        sync.RWMutex // Protects taskQueue from concurrent close during send
	closed    bool         // Protected by mu
	logger    logging.Logger
	onPanic   func(any)
}

// ErrTooManyWorkers is returned when the worker count exceeds the maximum allowed.
var ErrTooManyWorkers = fmt.Errorf("worker count exceeds maximum")

// MaxWorkers is the maximum number of workers allowed in a pool.
const MaxWorkers = math.MaxInt / 2

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithName labels the pool in log output.
func WithName(name string) Option {
	return func(wp *WorkerPool) { wp.name = name }
}

// WithLogger sets the logger used to report recovered panics.
func WithLogger(logger logging.Logger) Option {
	return func(wp *WorkerPool) { wp.logger = logger }
}

// WithPanicHandler is called with the value of every recovered task panic.
func WithPanicHandler(fn func(any)) Option {
	return func(wp *WorkerPool) { wp.onPanic = fn }
}

// NewWorkerPool creates a new worker pool with specified number of workers.
// Returns an error if the worker count exceeds MaxWorkers.
func NewWorkerPool(workers int, opts ...Option) (*WorkerPool, error) {
	if workers <= 0 {
		workers = 1
	}

	// Prevent overflow in buffer size calculation
	if workers > MaxWorkers {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyWorkers, workers, MaxWorkers)
	}

	pool := &WorkerPool{
		name:      "pool",
		workers:   workers,
		taskQueue: make(chan func(), workers*2), // Buffer for 2x workers
	}
	for _, opt := range opts {
		opt(pool)
	}
	if pool.logger == nil {
		pool.logger = logging.DefaultLogger()
	}
	pool.logger = pool.logger.With(logging.Component(pool.name))

	pool.start()
	return pool, nil
}

// start initializes the worker goroutines
func (wp *WorkerPool) start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker processes tasks from the queue
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for task := range wp.taskQueue {
		wp.run(task)
	}
}

func (wp *WorkerPool) run(task func()) {
	defer wp.tasks.Done()
	// A panicking task must not take the worker down with it.
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("worker panic recovered",
				logging.Any("panic", fmt.Sprint(r)),
				logging.String("stack", string(debug.Stack())))
			if wp.onPanic != nil {
				wp.onPanic(r)
			}
		}
	}()
	task()
}

// Submit adds a task to the worker pool, blocking while the queue is full.
// Returns false if the pool is closed, true if task was submitted
func (wp *WorkerPool) Submit(task func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return false
	}

	wp.tasks.Add(1)
	wp.taskQueue <- task
	return true
}

// TrySubmit adds a task only if the queue has room.
func (wp *WorkerPool) TrySubmit(task func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return false
	}

	wp.tasks.Add(1)
	select {
	case wp.taskQueue <- task:
		return true
	default:
		wp.tasks.Done()
		return false
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Wait blocks until every task submitted so far has finished. The pool stays
// open.
func (wp *WorkerPool) Wait() {
	wp.tasks.Wait()
}

// Close stops accepting tasks, runs the queued ones and waits for the workers
// to exit.
func (wp *WorkerPool) Close() {
	wp.once.Do(func() {
		// Acquire write lock before closing
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
	wp.wg.Wait()
}
