// Package cache provides caching implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryCache is a thread-safe in-memory cache with TTL support and a
// serialized-size byte budget. Used standalone on small edges and as L1
// in tiered caching.
//
// Eviction order when the byte budget is exceeded: oldest write first,
// ties broken largest first. The entry currently being written is never
// a candidate for its own eviction pass.
type MemoryCache struct {
	mu       sync.RWMutex
	maxItems int
	maxBytes int64
	curBytes int64
	items    map[string]*list.Element
	order    *list.List // front = newest write, back = oldest
	counters map[string]*counterEntry

	now func() time.Time
}

type cacheEntry struct {
	key       string
	value     []byte
	writtenAt time.Time
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCache creates a memory cache bounded by item count and total
// value bytes.
func NewMemoryCache(maxItems int, maxBytes int64) *MemoryCache {
	if maxItems <= 0 {
		maxItems = 10000
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &MemoryCache{
		maxItems: maxItems,
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counterEntry),
		now:      time.Now,
	}
}

// Get retrieves a value from cache. Expired entries are evicted lazily
// on read and reported as misses.
func (c *MemoryCache) Get(ctx context.Context, userID string, key string) ([]byte, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}

	fullKey := c.makeKey(userID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	return entry.value, nil
}

// Set stores a value in cache with TTL, evicting older entries first if
// the byte budget would be exceeded.
func (c *MemoryCache) Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error {
	if userID == "" {
		return fmt.Errorf("userID is required")
	}

	fullKey := c.makeKey(userID, key)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Overwrite in place
	if elem, ok := c.items[fullKey]; ok {
		entry := elem.Value.(*cacheEntry)
		c.curBytes += int64(len(value)) - int64(len(entry.value))
		entry.value = value
		entry.writtenAt = now
		entry.expiresAt = now.Add(ttl)
		c.order.MoveToFront(elem)
		c.evictOverBudget(elem)
		return nil
	}

	entry := &cacheEntry{
		key:       fullKey,
		value:     value,
		writtenAt: now,
		expiresAt: now.Add(ttl),
	}
	elem := c.order.PushFront(entry)
	c.items[fullKey] = elem
	c.curBytes += int64(len(value))

	c.evictOverBudget(elem)
	return nil
}

// evictOverBudget drops entries until both bounds hold again. keep is
// exempt so a fresh write cannot evict itself.
func (c *MemoryCache) evictOverBudget(keep *list.Element) {
	for (c.curBytes > c.maxBytes || c.order.Len() > c.maxItems) && c.order.Len() > 1 {
		victim := c.oldest(keep)
		if victim == nil {
			return
		}
		c.removeElement(victim)
	}
}

// oldest returns the eviction candidate: oldest write time, ties broken
// by larger value.
func (c *MemoryCache) oldest(keep *list.Element) *list.Element {
	var victim *list.Element
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		if elem == keep {
			continue
		}
		if victim == nil {
			victim = elem
			continue
		}
		ve := victim.Value.(*cacheEntry)
		ee := elem.Value.(*cacheEntry)
		if ee.writtenAt.Before(ve.writtenAt) ||
			(ee.writtenAt.Equal(ve.writtenAt) && len(ee.value) > len(ve.value)) {
			victim = elem
		}
	}
	return victim
}

// Delete removes a value from cache.
func (c *MemoryCache) Delete(ctx context.Context, userID string, key string) error {
	if userID == "" {
		return fmt.Errorf("userID is required")
	}

	fullKey := c.makeKey(userID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// DeletePrefix removes every entry in the user's namespace whose key
// starts with prefix.
func (c *MemoryCache) DeletePrefix(ctx context.Context, userID string, prefix string) error {
	if userID == "" {
		return fmt.Errorf("userID is required")
	}

	fullPrefix := c.makeKey(userID, prefix)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.items {
		if strings.HasPrefix(key, fullPrefix) {
			c.removeElement(elem)
		}
	}
	return nil
}

// IncrementCounter atomically increments a windowed counter.
func (c *MemoryCache) IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("userID is required")
	}

	fullKey := c.makeKey(userID, "counter:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.counters[fullKey]

	if !ok || now.After(entry.expiresAt) {
		c.counters[fullKey] = &counterEntry{
			count:     1,
			expiresAt: now.Add(window),
		}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// Ping checks cache health.
func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*counterEntry)
	c.curBytes = 0
	return nil
}

// Stats returns item count and byte usage.
func (c *MemoryCache) Stats() (size int, bytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.curBytes
}

func (c *MemoryCache) makeKey(userID, key string) string {
	return userID + ":" + key
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	c.curBytes -= int64(len(entry.value))
	delete(c.items, entry.key)
}
