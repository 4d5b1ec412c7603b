package main

import (
	"sync"
	"time"
)

// ttlCache is a capacity-bounded user→handler cache. Entries expire after the
// TTL; there is no invalidation, a recipient that moved handlers may be
// briefly mis-routed until the entry ages out.
type ttlCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

type cacheEntry struct {
	value   string
	expires time.Time
}

func newTTLCache(capacity int, ttl time.Duration) *ttlCache {
	return &ttlCache{
		entries:  make(map[string]cacheEntry),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (c *ttlCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return "", false
	}
	return entry.value, true
}

func (c *ttlCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(c.ttl)}
}

// evictLocked drops expired entries, then arbitrary ones if still full.
func (c *ttlCache) evictLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	for k := range c.entries {
		if len(c.entries) < c.capacity {
			break
		}
		delete(c.entries, k)
	}
}
