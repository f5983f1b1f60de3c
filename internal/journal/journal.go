package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Entry is an immutable, append-only record of one call lifecycle transition.
//
// Invariants:
// - Entries are never updated or deleted.
// - Journaling is best-effort; call transitions must never block on it.
//
// Storage recommendation (Postgres):
// - Table call_journal with an INSERT-only policy.
// - Optional: partition by time for retention.

type Entry struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	From string `json:"from" db:"from_id"`
	To   string `json:"to" db:"to_id"`

	// Transition is the status the call moved to.
	Transition string `json:"transition" db:"transition"`

	// Reason is a short machine-readable cause ("callee-offline",
	// "user-disconnected", ...). Optional.
	Reason string `json:"reason,omitempty" db:"reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Repository is the persistence contract for journal entries.
// It MUST be append-only; there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Entry) error
}

// Service records call transitions for internal ops and debugging.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("journal: invalid entry")

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("journal: repository not configured")
	}
	if e.CallID == "" || e.Transition == "" {
		return ErrInvalidEntry
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records one status change on a call.
func (s *Service) LogTransition(ctx context.Context, callID, from, to, transition, reason string) error {
	return s.Append(ctx, Entry{
		CallID:     callID,
		From:       from,
		To:         to,
		Transition: transition,
		Reason:     reason,
	})
}
