package pools

import (
	"sync"
)

// Buffer size classes, chosen around common block sizes
const (
	TinySize   = 256         // Encoded keys, record headers
	SmallSize  = 4 * 1024    // Small blocks, WAL records
	MediumSize = 16 * 1024   // Default tuple blocks
	LargeSize  = 64 * 1024   // Index blocks, large tuple blocks
	HugeSize   = 256 * 1024  // Oversized blocks
	MaxPool    = 1024 * 1024 // Don't pool buffers larger than this
)

// BytePool provides size-class based pooling for byte slices.
// Block regions are released and reacquired at cache-eviction rate, so
// reusing their backing arrays keeps the steady-state heap flat.
type BytePool struct {
	tiny   sync.Pool // <= 256 bytes
	small  sync.Pool // <= 4 KiB
	medium sync.Pool // <= 16 KiB
	large  sync.Pool // <= 64 KiB
	huge   sync.Pool // <= 256 KiB
}

func newClass(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			b := make([]byte, 0, size)
			return &b
		},
	}
}

// NewBytePool creates a new byte pool.
func NewBytePool() *BytePool {
	return &BytePool{
		tiny:   newClass(TinySize),
		small:  newClass(SmallSize),
		medium: newClass(MediumSize),
		large:  newClass(LargeSize),
		huge:   newClass(HugeSize),
	}
}

func (p *BytePool) class(size int) *sync.Pool {
	switch {
	case size <= TinySize:
		return &p.tiny
	case size <= SmallSize:
		return &p.small
	case size <= MediumSize:
		return &p.medium
	case size <= LargeSize:
		return &p.large
	case size <= HugeSize:
		return &p.huge
	default:
		return nil
	}
}

// Get returns a byte slice with at least the requested capacity.
// The returned slice has length 0.
func (p *BytePool) Get(size int) []byte {
	pool := p.class(size)
	if pool == nil {
		// Too large to pool, allocate directly
		return make([]byte, 0, size)
	}

	bp, ok := pool.Get().(*[]byte)
	if !ok || cap(*bp) < size {
		return make([]byte, 0, size)
	}
	return (*bp)[:0]
}

// GetSized returns a byte slice with exactly the requested length.
func (p *BytePool) GetSized(size int) []byte {
	b := p.Get(size)
	return b[:size]
}

// Put returns a byte slice to the pool for reuse.
// Slices larger than MaxPool are not pooled.
func (p *BytePool) Put(b []byte) {
	c := cap(b)
	if c > MaxPool || c == 0 {
		return
	}

	// A slice is filed under the largest class it can fully serve.
	var pool *sync.Pool
	switch {
	case c >= HugeSize:
		pool = &p.huge
	case c >= LargeSize:
		pool = &p.large
	case c >= MediumSize:
		pool = &p.medium
	case c >= SmallSize:
		pool = &p.small
	case c >= TinySize:
		pool = &p.tiny
	default:
		return
	}

	b = b[:0]
	pool.Put(&b)
}

// Default global byte pool
var defaultBytePool = NewBytePool()

// GetBytes returns a byte slice from the default pool.
func GetBytes(size int) []byte {
	return defaultBytePool.Get(size)
}

// GetBytesSized returns a byte slice with exact length from the default pool.
func GetBytesSized(size int) []byte {
	return defaultBytePool.GetSized(size)
}

// PutBytes returns a byte slice to the default pool.
func PutBytes(b []byte) {
	defaultBytePool.Put(b)
}
