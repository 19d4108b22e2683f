package engine

import (
	"sync"
	"time"
)

const cooldownCompactAt = 10000

// Cooldown rate-limits an action per key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether key may act now and, if so, records the attempt.
func (c *Cooldown) Allow(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	if len(c.last) > cooldownCompactAt {
		c.compact(now, cooldown)
	}
	return true
}

func (c *Cooldown) compact(now time.Time, ttl time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) >= ttl {
			delete(c.last, k)
		}
	}
}
