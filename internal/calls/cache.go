package calls

import (
	"context"
	"time"
)

// Cache is the volatile shadow of active calls plus coarse counters for the
// stats surface. Best-effort throughout: a cache failure never blocks or
// reverts a store write.
type Cache interface {
	SetActive(ctx context.Context, c Call, ttl time.Duration) error
	ClearActive(ctx context.Context, c Call) error
	ActiveCount(ctx context.Context) (int, error)

	// AcquireSlot/ReleaseSlot back the busy invariant's fast path: one call
	// slot per identity. Acquire returning false means busy; an error means
	// the fast path is unavailable and the store check decides alone.
	AcquireSlot(ctx context.Context, userID string, ttl time.Duration) (bool, error)
	ReleaseSlot(ctx context.Context, userID string) error

	IncrTotal(ctx context.Context) error
	Total(ctx context.Context) (int64, error)
}
