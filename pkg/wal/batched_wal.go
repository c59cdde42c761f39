package wal

import (
	"sync"
	"time"

	"github.com/dd0wney/heftydb/pkg/lsm"
)

// groupSyncer batches fsyncs for SyncBatch logs. Writers append under the
// lane and then wait here; one fsync releases every waiter it covers.
type groupSyncer struct {
	log      *Log
	interval time.Duration

	mu      sync.Mutex
	pending []pendingSync
	durable uint64
	err     error
	stopped bool

	stopCh    chan struct{}
	flushCh   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// pendingSync is a writer waiting for its record to become durable
type pendingSync struct {
	seq    uint64
	doneCh chan error
}

func newGroupSyncer(l *Log, interval time.Duration) *groupSyncer {
	g := &groupSyncer{
		log:      l,
		interval: interval,
		stopCh:   make(chan struct{}),
		flushCh:  make(chan struct{}, 1),
	}
	g.wg.Add(1)
	go g.backgroundSyncer()
	return g
}

func (g *groupSyncer) wait(seq uint64) error {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return err
	}
	if seq <= g.durable {
		g.mu.Unlock()
		return nil
	}
	if g.stopped {
		g.mu.Unlock()
		return lsm.NewError("sync log", lsm.KindClosed).Table(g.log.id).Err()
	}
	doneCh := make(chan error, 1)
	g.pending = append(g.pending, pendingSync{seq: seq, doneCh: doneCh})
	g.mu.Unlock()

	select {
	case g.flushCh <- struct{}{}:
	default:
	}
	return <-doneCh
}

// backgroundSyncer syncs on demand and periodically.
func (g *groupSyncer) backgroundSyncer() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if g.hasPending() {
				g.syncNow()
			}
		case <-g.flushCh:
			g.syncNow()
		case <-g.stopCh:
			g.syncNow()
			g.failPending(lsm.NewError("sync log", lsm.KindClosed).Table(g.log.id).Err())
			return
		}
	}
}

func (g *groupSyncer) hasPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending) > 0
}

func (g *groupSyncer) syncNow() {
	target, file, err := g.log.flushForSync()
	if err == nil && file != nil {
		if serr := file.Sync(); serr != nil {
			err = lsm.IOError("sync log", g.log.path, serr)
		} else {
			g.log.syncs.Add(1)
		}
	}
	g.complete(target, err)
}

// complete records a finished sync and releases the waiters it covers.
func (g *groupSyncer) complete(target uint64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		if g.err == nil {
			g.err = err
		}
		for _, p := range g.pending {
			p.doneCh <- err
		}
		g.pending = nil
		return
	}

	if target > g.durable {
		g.durable = target
	}
	remaining := g.pending[:0]
	for _, p := range g.pending {
		if p.seq <= g.durable {
			p.doneCh <- nil
		} else {
			remaining = append(remaining, p)
		}
	}
	g.pending = remaining
}

func (g *groupSyncer) failPending(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for _, p := range g.pending {
		p.doneCh <- err
	}
	g.pending = nil
}

// stop performs a final sync and stops the background goroutine.
func (g *groupSyncer) stop() {
	g.closeOnce.Do(func() {
		close(g.stopCh)
		g.wg.Wait()
	})
}
