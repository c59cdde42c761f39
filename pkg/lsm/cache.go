package lsm

import (
	"container/list"
	"encoding/binary"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dd0wney/heftydb/pkg/offheap"
)

// Cacheable is anything backed by one reference-counted region.
type Cacheable interface {
	Region() *offheap.Region
}

// BlockKey identifies a block by the table holding it and its offset there.
type BlockKey struct {
	TableID uint64
	Offset  uint64
}

func (k BlockKey) hash() uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], k.TableID)
	binary.LittleEndian.PutUint64(b[8:], k.Offset)
	return xxhash.Sum64(b[:])
}

func (k BlockKey) String() string {
	return strconv.FormatUint(k.TableID, 10) + "/" + strconv.FormatUint(k.Offset, 10)
}

// entryOverhead is charged per entry on top of the block's region size.
const entryOverhead = 16

func blockWeight(size int) int64 {
	return entryOverhead + int64(size)
}

// BlockCache is a weighted LRU cache of blocks, sharded by key hash.
//
// The cache holds one reference on every cached block and releases it on
// eviction. Blocks handed out by Get and GetOrLoad carry a reference owned
// by the caller.
type BlockCache[B Cacheable] struct {
	shards    []*cacheShard[B]
	maxWeight int64
	loads     singleflight.Group

	// Statistics
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cacheShard[B Cacheable] struct {
	mu        sync.Mutex
	capacity  int64
	weight    int64
	entries   map[BlockKey]*list.Element
	lru       *list.List
	evictions *atomic.Int64
}

type cacheEntry[B Cacheable] struct {
	key    BlockKey
	block  B
	weight int64
}

const shardMinWeight = 1 << 20

// NewBlockCache creates a cache holding at most maxWeight bytes.
func NewBlockCache[B Cacheable](maxWeight int64) *BlockCache[B] {
	if maxWeight < 0 {
		maxWeight = 0
	}
	n := 1
	for n < 16 && maxWeight/int64(n*2) >= shardMinWeight {
		n *= 2
	}
	c := &BlockCache[B]{
		shards:    make([]*cacheShard[B], n),
		maxWeight: maxWeight,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard[B]{
			capacity:  maxWeight / int64(n),
			entries:   make(map[BlockKey]*list.Element),
			lru:       list.New(),
			evictions: &c.evictions,
		}
	}
	return c
}

func (c *BlockCache[B]) shard(key BlockKey) *cacheShard[B] {
	return c.shards[key.hash()%uint64(len(c.shards))]
}

// Get returns a retained block, or false on a miss.
func (c *BlockCache[B]) Get(key BlockKey) (B, bool) {
	b, ok := c.shard(key).get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return b, ok
}

// Put caches b. The cache retains its own reference; the caller keeps theirs.
// Blocks heavier than a shard's capacity are not cached.
func (c *BlockCache[B]) Put(key BlockKey, b B) {
	c.shard(key).put(key, b)
}

// GetOrLoad returns a retained block, loading it on a miss. Concurrent
// misses for the same key share one load. size is the expected region size,
// used to bypass the cache for blocks it could never hold.
func (c *BlockCache[B]) GetOrLoad(key BlockKey, size int, load func() (B, error)) (B, error) {
	if b, ok := c.Get(key); ok {
		return b, nil
	}
	s := c.shard(key)
	if blockWeight(size) > s.capacity {
		return load()
	}

	for attempt := 0; attempt < 3; attempt++ {
		_, err, _ := c.loads.Do(key.String(), func() (any, error) {
			if s.contains(key) {
				return nil, nil
			}
			b, err := load()
			if err != nil {
				return nil, err
			}
			s.put(key, b)
			b.Region().Release()
			return nil, nil
		})
		if err != nil {
			var zero B
			return zero, err
		}
		if b, ok := s.get(key); ok {
			return b, nil
		}
	}

	// Evicted between load and pickup every time; stop sharing.
	return load()
}

// Delete removes key and releases the cache's reference.
func (c *BlockCache[B]) Delete(key BlockKey) {
	c.shard(key).remove(func(k BlockKey) bool { return k == key })
}

// EvictTable drops every block belonging to tableID.
func (c *BlockCache[B]) EvictTable(tableID uint64) {
	for _, s := range c.shards {
		s.remove(func(k BlockKey) bool { return k.TableID == tableID })
	}
}

// Clear removes all entries from the cache
func (c *BlockCache[B]) Clear() {
	for _, s := range c.shards {
		s.remove(func(BlockKey) bool { return true })
	}
}

// Stats returns cache statistics
func (c *BlockCache[B]) Stats() (hits, misses int64, hitRate float64) {
	hits = c.hits.Load()
	misses = c.misses.Load()
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

// Evictions returns how many blocks have been evicted for space.
func (c *BlockCache[B]) Evictions() int64 {
	return c.evictions.Load()
}

// Size returns the current number of entries
func (c *BlockCache[B]) Size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Weight returns the total weight of cached blocks.
func (c *BlockCache[B]) Weight() int64 {
	var w int64
	for _, s := range c.shards {
		s.mu.Lock()
		w += s.weight
		s.mu.Unlock()
	}
	return w
}

// MaxWeight returns the configured capacity.
func (c *BlockCache[B]) MaxWeight() int64 {
	return c.maxWeight
}

func (s *cacheShard[B]) get(key BlockKey) (B, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.lru.MoveToFront(elem)
		e := elem.Value.(*cacheEntry[B])
		// Safe under the lock: eviction cannot drop the cache's reference.
		e.block.Region().Retain()
		return e.block, true
	}
	var zero B
	return zero, false
}

func (s *cacheShard[B]) contains(key BlockKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

func (s *cacheShard[B]) put(key BlockKey, b B) {
	w := blockWeight(b.Region().Size())
	if w > s.capacity {
		return
	}

	var released []B
	s.mu.Lock()
	if elem, ok := s.entries[key]; ok {
		// Same block already cached; keep the existing copy.
		s.lru.MoveToFront(elem)
		s.mu.Unlock()
		return
	}

	b.Region().Retain()
	elem := s.lru.PushFront(&cacheEntry[B]{key: key, block: b, weight: w})
	s.entries[key] = elem
	s.weight += w

	for s.weight > s.capacity {
		back := s.lru.Back()
		if back == nil {
			break
		}
		e := s.unlink(back)
		released = append(released, e.block)
		s.evictions.Add(1)
	}
	s.mu.Unlock()

	for _, old := range released {
		old.Region().Release()
	}
}

func (s *cacheShard[B]) remove(match func(BlockKey) bool) {
	var released []B
	s.mu.Lock()
	for k, elem := range s.entries {
		if match(k) {
			released = append(released, s.unlink(elem).block)
		}
	}
	s.mu.Unlock()

	for _, b := range released {
		b.Region().Release()
	}
}

// unlink must be called with mu held.
func (s *cacheShard[B]) unlink(elem *list.Element) *cacheEntry[B] {
	e := s.lru.Remove(elem).(*cacheEntry[B])
	delete(s.entries, e.key)
	s.weight -= e.weight
	return e
}
