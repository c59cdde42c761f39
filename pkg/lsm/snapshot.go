package lsm

import (
	"sync"
	"sync/atomic"
)

// SnapshotManager issues write snapshot ids and tracks live readers.
//
// Every reader registers with a ticket, a counter that only grows. Tables
// retired by a swap record the last ticket issued at that moment and may
// be deleted once no reader holding an equal or older ticket remains.
type SnapshotManager struct {
	mu         sync.Mutex
	issued     uint64
	visible    atomic.Uint64
	readers    map[uint64]uint64 // ticket -> snapshot
	lastTicket uint64
}

// ReadHandle is a registered reader.
type ReadHandle struct {
	Snapshot uint64
	Ticket   uint64
}

// NewSnapshotManager resumes after last, the newest snapshot already durable.
func NewSnapshotManager(last uint64) *SnapshotManager {
	m := &SnapshotManager{issued: last, readers: make(map[uint64]uint64)}
	m.visible.Store(last)
	return m
}

// Issue returns the next write snapshot id. Callers serialize writes, so ids
// are issued in write order.
func (m *SnapshotManager) Issue() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued++
	return m.issued
}

// Publish makes every write up to s visible to new readers.
func (m *SnapshotManager) Publish(s uint64) {
	for {
		cur := m.visible.Load()
		if s <= cur || m.visible.CompareAndSwap(cur, s) {
			return
		}
	}
}

// Current returns the newest visible snapshot.
func (m *SnapshotManager) Current() uint64 {
	return m.visible.Load()
}

// Issued returns the newest issued snapshot.
func (m *SnapshotManager) Issued() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issued
}

// Acquire registers a reader at the current snapshot.
func (m *SnapshotManager) Acquire() ReadHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.register(m.visible.Load())
}

// AcquireAt registers a reader at an explicit snapshot.
func (m *SnapshotManager) AcquireAt(snapshot uint64) ReadHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.register(snapshot)
}

func (m *SnapshotManager) register(snapshot uint64) ReadHandle {
	m.lastTicket++
	m.readers[m.lastTicket] = snapshot
	return ReadHandle{Snapshot: snapshot, Ticket: m.lastTicket}
}

// Release unregisters a reader. Releasing twice is a no-op.
func (m *SnapshotManager) Release(h ReadHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.readers, h.Ticket)
}

// LastTicket returns the newest ticket handed out.
func (m *SnapshotManager) LastTicket() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTicket
}

// MinLiveSnapshot returns the smallest snapshot any reader holds, or the
// current snapshot when there are no readers.
func (m *SnapshotManager) MinLiveSnapshot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	min := m.visible.Load()
	for _, s := range m.readers {
		if s < min {
			min = s
		}
	}
	return min
}

// HasReadersUpTo reports whether any live reader holds a ticket <= ticket.
func (m *SnapshotManager) HasReadersUpTo(ticket uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t := range m.readers {
		if t <= ticket {
			return true
		}
	}
	return false
}

// LiveReaders returns the number of registered readers.
func (m *SnapshotManager) LiveReaders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readers)
}
