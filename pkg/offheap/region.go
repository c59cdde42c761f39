// Package offheap provides reference-counted memory regions.
//
// A Region owns one contiguous buffer drawn from the block pool. The buffer
// goes back to the pool exactly once, when the last reference is released;
// after that the region must not be touched.
package offheap

import (
	"fmt"
	"sync/atomic"

	"github.com/dd0wney/heftydb/pkg/pools"
)

// Region is a reference-counted contiguous memory region.
type Region struct {
	buf  []byte
	refs atomic.Int64
}

// regionsLive counts regions that have been allocated and not yet freed.
var regionsLive atomic.Int64

// Allocate returns a zeroed region of the given size holding one reference.
func Allocate(size int) *Region {
	if size < 0 {
		panic(fmt.Sprintf("offheap: negative region size %d", size))
	}
	buf := pools.GetBytesSized(size)
	clear(buf)
	return newRegion(buf)
}

// Wrap adopts an existing buffer as a region holding one reference.
// The buffer is handed to the pool when the region is freed, so the caller
// must not retain it.
func Wrap(buf []byte) *Region {
	return newRegion(buf)
}

func newRegion(buf []byte) *Region {
	r := &Region{buf: buf}
	r.refs.Store(1)
	regionsLive.Add(1)
	return r
}

// Retain adds a reference. Retaining a freed region panics.
func (r *Region) Retain() *Region {
	for {
		n := r.refs.Load()
		if n <= 0 {
			panic("offheap: retain of released region")
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return r
		}
	}
}

// Release drops a reference and reports whether the region was freed.
// Releasing more times than retained panics.
func (r *Region) Release() bool {
	n := r.refs.Add(-1)
	switch {
	case n > 0:
		return false
	case n == 0:
		buf := r.buf
		r.buf = nil
		regionsLive.Add(-1)
		pools.PutBytes(buf)
		return true
	default:
		panic("offheap: region released more times than retained")
	}
}

// Bytes exposes the region contents. Valid only while a reference is held.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Size returns the region length in bytes.
func (r *Region) Size() int {
	return len(r.buf)
}

// RefCount returns the current reference count.
func (r *Region) RefCount() int64 {
	return r.refs.Load()
}

// LiveRegions returns the number of regions allocated and not yet freed.
func LiveRegions() int64 {
	return regionsLive.Load()
}
