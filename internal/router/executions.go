package router

import (
	"sync"
	"time"
)

// DefaultExecutionRetention is how long a settled execution is remembered
// for repeated Execute calls. It outlasts the queue's retry backoff.
const DefaultExecutionRetention = 15 * time.Minute

type settled struct {
	exec Execution
	at   time.Time
}

// executionCache remembers settled executions per order for a bounded time.
type executionCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]settled
	lastSweep time.Time
	now       func() time.Time
}

func newExecutionCache(ttl time.Duration) *executionCache {
	if ttl <= 0 {
		ttl = DefaultExecutionRetention
	}
	return &executionCache{
		ttl:     ttl,
		entries: make(map[string]settled),
		now:     time.Now,
	}
}

func (c *executionCache) get(orderID string) (Execution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[orderID]
	if !ok {
		return Execution{}, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.entries, orderID)
		return Execution{}, false
	}
	return e.exec, true
}

func (c *executionCache) put(orderID string, exec Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[orderID] = settled{exec: exec, at: now}

	// Sweep at most a few times per retention period.
	if now.Sub(c.lastSweep) < c.ttl/4 {
		return
	}
	c.lastSweep = now
	for id, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, id)
		}
	}
}
