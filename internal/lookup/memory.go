package lookup

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e memoryEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// MemoryCache is a size-bounded LRU whose entries also expire by TTL.
type MemoryCache struct {
	items *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 50000
	}
	items, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{items: items, now: time.Now}, nil
}

func (c *MemoryCache) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) ([]byte, bool, error) {
	k := key.String()
	if e, ok := c.items.Get(k); ok {
		if !e.expired(c.now()) {
			recordHit()
			return e.value, true, nil
		}
		c.items.Remove(k)
	}
	recordMiss()
	value, err := fetch(ctx)
	if err != nil {
		recordError()
		return nil, false, err
	}
	if ttl > 0 {
		c.items.Add(k, memoryEntry{value: value, storedAt: c.now(), ttl: ttl})
	}
	return value, false, nil
}

// RemoveExpired drops entries past their TTL and returns how many were removed.
func (c *MemoryCache) RemoveExpired() int {
	now := c.now()
	removed := 0
	for _, k := range c.items.Keys() {
		if e, ok := c.items.Peek(k); ok && e.expired(now) {
			c.items.Remove(k)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) Len() int {
	return c.items.Len()
}

func (c *MemoryCache) Close() error {
	c.items.Purge()
	return nil
}
