// Package cache implements the fingerprint-keyed result cache backing the
// analysis engine. Storage is sharded: each shard owns a mutex, an LRU list,
// and a slice of both ceilings, so concurrent files never contend on one
// global lock.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/mineclover/dependency-linker/internal/telemetry"
)

const shardCount = 16

// Entry is one cached value with its bookkeeping.
type entry struct {
	key    string
	path   string
	value  any
	weight int64
}

type shard struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	order     *list.List // front = most recently used
	byPath    map[string]map[string]struct{}
	bytes     int64
	maxItems  int
	maxBytes  int64
	evictions int64
}

// Cache is a sharded LRU bounded by entry count and approximate memory.
// Values must be treated as immutable once stored; the cache hands back the
// stored reference and the caller copies before mutating.
type Cache struct {
	shards [shardCount]*shard
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Stats is a point-in-time summary of cache state.
type Stats struct {
	EntryCount        int
	Hits              uint64
	Misses            uint64
	HitRate           float64
	ApproxMemoryBytes int64
	Evictions         int64
}

// New creates a Cache bounded by maxEntries total entries and maxBytes total
// approximate memory. Zero or negative bounds mean unbounded on that axis.
func New(maxEntries int, maxBytes int64) *Cache {
	perShardItems := 0
	if maxEntries > 0 {
		perShardItems = maxEntries / shardCount
		if perShardItems < 1 {
			perShardItems = 1
		}
	}
	var perShardBytes int64
	if maxBytes > 0 {
		perShardBytes = maxBytes / shardCount
		if perShardBytes < 1 {
			perShardBytes = 1
		}
	}

	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{
			items:    make(map[string]*list.Element),
			order:    list.New(),
			byPath:   make(map[string]map[string]struct{}),
			maxItems: perShardItems,
			maxBytes: perShardBytes,
		}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached value for key, promoting it to most recently used.
func (c *Cache) Get(key string) (any, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	el, ok := s.items[key]
	var value any
	if ok {
		s.order.MoveToFront(el)
		// Read under the lock: Set replaces entry fields in place.
		value = el.Value.(*entry).value
	}
	s.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		telemetry.RecordCacheLookup(false)
		return nil, false
	}
	c.hits.Add(1)
	telemetry.RecordCacheLookup(true)
	return value, true
}

// Has reports whether key is present without touching LRU order or counters.
func (c *Cache) Has(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	_, ok := s.items[key]
	s.mu.Unlock()
	return ok
}

// Set stores value under key, indexed by the source path it was derived
// from. weight is the caller's approximation of the value's memory footprint.
// Storing an existing key replaces the old value.
func (c *Cache) Set(key, path string, value any, weight int64) {
	if weight < 0 {
		weight = 0
	}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		old := el.Value.(*entry)
		s.bytes += weight - old.weight
		s.unindexPath(old.path, key)
		old.path = path
		old.value = value
		old.weight = weight
		s.indexPath(path, key)
		s.order.MoveToFront(el)
		s.evictLocked()
		return
	}

	el := s.order.PushFront(&entry{key: key, path: path, value: value, weight: weight})
	s.items[key] = el
	s.bytes += weight
	s.indexPath(path, key)
	s.evictLocked()
}

// Invalidate removes key. Returns true if it was present.
func (c *Cache) Invalidate(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return false
	}
	s.removeLocked(el)
	return true
}

// InvalidateByPath removes every entry derived from path, across all shards,
// without scanning entries. Returns the number of entries removed.
func (c *Cache) InvalidateByPath(path string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.byPath[path] {
			if el, ok := s.items[key]; ok {
				s.removeLocked(el)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Purge drops every entry. Hit/miss counters are preserved.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.order.Init()
		s.byPath = make(map[string]map[string]struct{})
		s.bytes = 0
		s.mu.Unlock()
	}
}

// Stats returns a point-in-time summary across all shards.
func (c *Cache) Stats() Stats {
	st := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for _, s := range c.shards {
		s.mu.Lock()
		st.EntryCount += len(s.items)
		st.ApproxMemoryBytes += s.bytes
		st.Evictions += s.evictions
		s.mu.Unlock()
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// evictLocked trims the shard to both ceilings, LRU first.
func (s *shard) evictLocked() {
	n := 0
	for {
		over := (s.maxItems > 0 && len(s.items) > s.maxItems) ||
			(s.maxBytes > 0 && s.bytes > s.maxBytes)
		if !over {
			break
		}
		back := s.order.Back()
		if back == nil {
			break
		}
		s.removeLocked(back)
		s.evictions++
		n++
	}
	telemetry.RecordEviction(n)
}

func (s *shard) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	s.order.Remove(el)
	delete(s.items, e.key)
	s.bytes -= e.weight
	s.unindexPath(e.path, e.key)
}

func (s *shard) indexPath(path, key string) {
	keys, ok := s.byPath[path]
	if !ok {
		keys = make(map[string]struct{})
		s.byPath[path] = keys
	}
	keys[key] = struct{}{}
}

func (s *shard) unindexPath(path, key string) {
	if keys, ok := s.byPath[path]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byPath, path)
		}
	}
}
