package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")

	// ErrPeerBusy is the Initiate conflict: one of the parties already has a
	// non-terminal call. Recoverable; reported to the caller together with
	// the conflicting call id.
	ErrPeerBusy = errors.New("calls: peer busy")

	// ErrPeerOffline is a delivery target that is absent or closed.
	// Recoverable; reported to the caller, never retried automatically.
	ErrPeerOffline = errors.New("calls: peer offline")
)

// Patch is a partial update applied by Update. Nil fields are untouched.
// Status transitions must respect the forward-only graph; the engine is the
// only writer and enforces it before calling Update.
type Patch struct {
	Status          *Status
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
}

// Store is the durable, queryable record of every call attempt.
// It is the source of truth; cache and in-memory shadows are rebuilt from it.
type Store interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, callID string) (Call, error)

	// FindActiveForIdentity returns every non-terminal call where id is
	// either party. Backs the busy invariant and the disconnect sweep.
	FindActiveForIdentity(ctx context.Context, id string) ([]Call, error)

	Update(ctx context.Context, callID string, p Patch) (Call, error)

	// ListForIdentity returns the most recent calls involving id, newest
	// first, for the history surface.
	ListForIdentity(ctx context.Context, id string, limit int) ([]Call, error)
}
