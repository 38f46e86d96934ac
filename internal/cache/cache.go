// Package cache provides the epoch-invalidated query result cache.
//
// Entries are tagged with the collection epoch they were computed at. A
// lookup whose epoch differs from the entry's is a miss and drops the entry,
// so a mutation invalidates every prior result without scanning the cache.
// Eviction is exact LRU.
package cache

import (
	"container/list"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the cache when no capacity is configured.
const DefaultMaxEntries = 1024

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type entry[V any] struct {
	key   uint64
	epoch uint64
	value V
}

// Cache is a bounded LRU keyed by a 64-bit query hash. Thread-safe.
type Cache[V any] struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List // front = most recently used
	index      map[uint64]*list.Element
	group      singleflight.Group

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache holding at most maxEntries results. Non-positive
// capacities fall back to DefaultMaxEntries.
func New[V any](maxEntries int) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[V]{
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[uint64]*list.Element),
	}
}

// lookup finds a live entry and touches it. A stale-epoch entry is removed.
// Caller must hold c.mu.
func (c *Cache[V]) lookup(key, epoch uint64) (V, bool) {
	var zero V
	el, ok := c.index[key]
	if !ok {
		return zero, false
	}
	ent := el.Value.(*entry[V])
	if ent.epoch != epoch {
		c.order.Remove(el)
		delete(c.index, key)
		return zero, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Get returns the cached value for key if it was stored at the given epoch.
func (c *Cache[V]) Get(key, epoch uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lookup(key, epoch)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Put stores value under key at the given epoch, evicting the least
// recently used entries when over capacity.
func (c *Cache[V]) Put(key, epoch uint64, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		ent := el.Value.(*entry[V])
		ent.epoch = epoch
		ent.value = value
		c.order.MoveToFront(el)
		return
	}
	c.index[key] = c.order.PushFront(&entry[V]{key: key, epoch: epoch, value: value})
	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		ent := c.order.Remove(oldest).(*entry[V])
		delete(c.index, ent.key)
		c.evictions++
	}
}

// GetOrCompute returns the cached value or runs compute to produce it.
// Concurrent callers with the same key and epoch share a single compute.
// The second return reports whether the value came from the cache.
func (c *Cache[V]) GetOrCompute(key, epoch uint64, compute func() (V, error)) (V, bool, error) {
	if v, ok := c.Get(key, epoch); ok {
		return v, true, nil
	}

	flightKey := strconv.FormatUint(key, 16) + "@" + strconv.FormatUint(epoch, 10)
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		c.mu.Lock()
		cached, ok := c.lookup(key, epoch)
		c.mu.Unlock()
		if ok {
			return cached, nil
		}
		computed, err := compute()
		if err != nil {
			return nil, err
		}
		c.Put(key, epoch, computed)
		return computed, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return v.(V), false, nil
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every entry. Counters are preserved.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[uint64]*list.Element)
}

// Stats returns a snapshot of the hit, miss and eviction counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}
