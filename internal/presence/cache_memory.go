package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a TTL-less in-memory Cache for tests.
type MemoryCache struct {
	// FailOps, when set, is returned from every operation.
	FailOps error

	mu     sync.Mutex
	online map[string]bool
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{online: make(map[string]bool)}
}

func (c *MemoryCache) SetOnline(ctx context.Context, userID string, ttl time.Duration) error {
	if c.FailOps != nil {
		return c.FailOps
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[userID] = true
	return nil
}

func (c *MemoryCache) ClearOnline(ctx context.Context, userID string) error {
	if c.FailOps != nil {
		return c.FailOps
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online, userID)
	return nil
}

func (c *MemoryCache) ListOnline(ctx context.Context) ([]string, error) {
	if c.FailOps != nil {
		return nil, c.FailOps
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.online))
	for id := range c.online {
		out = append(out, id)
	}
	return out, nil
}
