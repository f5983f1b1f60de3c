package presence

import (
	"context"
	"time"
)

// Cache is the volatile online-marker store. It is an accelerator with an
// expiry safety net, not the source of truth; every call is best-effort and
// failures degrade to the in-process records.
type Cache interface {
	SetOnline(ctx context.Context, userID string, ttl time.Duration) error
	ClearOnline(ctx context.Context, userID string) error
	ListOnline(ctx context.Context) ([]string, error)
}
