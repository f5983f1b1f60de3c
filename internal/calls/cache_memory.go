package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-memory Cache for tests. TTLs are ignored.
type MemoryCache struct {
	mu     sync.Mutex
	active map[string]Call
	slots  map[string]bool
	total  int64

	// FailOps forces every call to return this error, for degraded-path
	// tests.
	FailOps error
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		active: make(map[string]Call),
		slots:  make(map[string]bool),
	}
}

func (c *MemoryCache) SetActive(ctx context.Context, call Call, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOps != nil {
		return c.FailOps
	}
	c.active[call.CallID] = call
	return nil
}

func (c *MemoryCache) ClearActive(ctx context.Context, call Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOps != nil {
		return c.FailOps
	}
	delete(c.active, call.CallID)
	return nil
}

func (c *MemoryCache) ActiveCount(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOps != nil {
		return 0, c.FailOps
	}
	return len(c.active), nil
}

func (c *MemoryCache) AcquireSlot(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOps != nil {
		return false, c.FailOps
	}
	if c.slots[userID] {
		return false, nil
	}
	c.slots[userID] = true
	return true, nil
}

func (c *MemoryCache) ReleaseSlot(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOps != nil {
		return c.FailOps
	}
	delete(c.slots, userID)
	return nil
}

func (c *MemoryCache) IncrTotal(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOps != nil {
		return c.FailOps
	}
	c.total++
	return nil
}

func (c *MemoryCache) Total(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOps != nil {
		return 0, c.FailOps
	}
	return c.total, nil
}

// ActiveShadow returns a copy of the active map, for test assertions.
func (c *MemoryCache) ActiveShadow() map[string]Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Call, len(c.active))
	for k, v := range c.active {
		out[k] = v
	}
	return out
}

// SlotHeld reports whether userID currently holds its call slot.
func (c *MemoryCache) SlotHeld(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[userID]
}
