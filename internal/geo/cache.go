package geo

import (
	"sync"
	"time"
)

// ttlCache keeps values with their store time; readers decide the max age.
// Nothing older than retain is ever served, and set sweeps such entries out
// at most once per retain period.
type ttlCache struct {
	mu        sync.RWMutex
	items     map[string]cacheItem
	retain    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type cacheItem struct {
	value    any
	storedAt time.Time
}

func newTTLCache(retain time.Duration) *ttlCache {
	return &ttlCache{
		items:  make(map[string]cacheItem),
		retain: retain,
		now:    time.Now,
	}
}

func (c *ttlCache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastSweep) >= c.retain {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	c.items[key] = cacheItem{value: value, storedAt: now}
}

func (c *ttlCache) get(key string, maxAge time.Duration) (any, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	age := c.now().Sub(item.storedAt)
	if age > maxAge || age > c.retain {
		if age > c.retain {
			c.mu.Lock()
			delete(c.items, key)
			c.mu.Unlock()
		}
		return nil, false
	}
	return item.value, true
}

// sweepLocked removes expired entries. Caller holds mu.
func (c *ttlCache) sweepLocked(now time.Time) {
	for k, v := range c.items {
		if now.Sub(v.storedAt) > c.retain {
			delete(c.items, k)
		}
	}
}

func (c *ttlCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
