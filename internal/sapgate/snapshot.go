package sapgate

import (
	"sort"
	"sync"
	"time"
)

// snapshotCache keeps the last good payload per resource key for the
// lifetime of the process.
type snapshotCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	now     func() time.Time
}

func newSnapshotCache(now func() time.Time) *snapshotCache {
	if now == nil {
		now = time.Now
	}
	return &snapshotCache{entries: map[string]CacheEntry{}, now: now}
}

func (c *snapshotCache) Put(key string, p Payload) CacheEntry {
	body := make([]byte, len(p.Body))
	copy(body, p.Body)
	p.Body = body
	ent := CacheEntry{CapturedAt: c.now(), Payload: p}

	c.mu.Lock()
	c.entries[key] = ent
	c.mu.Unlock()
	return ent
}

func (c *snapshotCache) Get(key string) (CacheEntry, bool) {
	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	return ent, ok
}

// Fresh returns the entry only while its age is within ttl.
func (c *snapshotCache) Fresh(key string, ttl time.Duration) (CacheEntry, bool) {
	ent, ok := c.Get(key)
	if !ok {
		return CacheEntry{}, false
	}
	if ent.Age(c.now()) > ttl {
		return CacheEntry{}, false
	}
	return ent, true
}

func (c *snapshotCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *snapshotCache) TotalSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, e := range c.entries {
		n += int64(len(e.Payload.Body))
	}
	return n
}
