package postgres

import (
	"sync"
	"time"
)

// maxCachedKeys bounds the API key cache. Lookups for random keys would
// otherwise grow it without limit.
const maxCachedKeys = 10000

type cacheEntry struct {
	orgID     string
	found     bool
	expiresAt time.Time
}

// keyCache is a TTL cache of key lookups keyed by key hash. Expired entries
// are swept at most once per TTL, and once full it stops admitting misses.
type keyCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	lastSweep  time.Time
	now        func() time.Time
}

func newKeyCache(ttl time.Duration, maxEntries int) *keyCache {
	return &keyCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *keyCache) get(hash string) (cacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *keyCache) put(hash, orgID string, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) > c.ttl {
		c.sweep(now)
	}

	if _, ok := c.entries[hash]; !ok && len(c.entries) >= c.maxEntries {
		c.sweep(now)
		if len(c.entries) >= c.maxEntries {
			if !found {
				return
			}
			c.evictOne()
		}
	}
	c.entries[hash] = cacheEntry{orgID: orgID, found: found, expiresAt: now.Add(c.ttl)}
}

func (c *keyCache) sweep(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.lastSweep = now
}

// evictOne makes room for a known key, dropping a cached miss when there is one.
func (c *keyCache) evictOne() {
	victim := ""
	for k, e := range c.entries {
		victim = k
		if !e.found {
			break
		}
	}
	delete(c.entries, victim)
}

func (c *keyCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
