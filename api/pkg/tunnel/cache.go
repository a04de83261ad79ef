package tunnel

import (
	"sort"
	"sync"
	"time"
)

const (
	idempotencyTTL     = 60 * time.Second
	idempotencyMaxSize = 1000
	// On overflow the oldest fifth of the cache is dropped, so eviction
	// runs in bursts instead of on every insert.
	idempotencyEvictDivisor = 5
)

// cachedResponse is a fully materialized tunnel response.
type cachedResponse struct {
	storedAt time.Time
	response tunnelResponse
}

// idempotencyCache remembers responses by caller-supplied key so replays
// within the TTL are answered without re-executing the request. Eviction
// orders by insert time; a hit does not refresh an entry.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	now     func() time.Time
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		entries: make(map[string]cachedResponse),
		now:     time.Now,
	}
}

// Get returns the cached response for key when it is still fresh. Expired
// entries are swept on every lookup.
func (c *idempotencyCache) Get(key string) (tunnelResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	entry, ok := c.entries[key]
	if !ok {
		return tunnelResponse{}, false
	}
	if c.now().Sub(entry.storedAt) >= idempotencyTTL {
		return tunnelResponse{}, false
	}
	return entry.response, true
}

// Put stores a response under key.
func (c *idempotencyCache) Put(key string, response tunnelResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedResponse{storedAt: c.now(), response: response}
}

func (c *idempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *idempotencyCache) cleanupLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > idempotencyTTL {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= idempotencyMaxSize {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].storedAt.Before(c.entries[keys[j]].storedAt)
	})
	for _, key := range keys[:len(keys)/idempotencyEvictDivisor] {
		delete(c.entries, key)
	}
}
