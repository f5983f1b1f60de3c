package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests. It mirrors the Postgres
// semantics including the partial-unique busy constraint on Create.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]Call

	// FailCreate/FailUpdate force storage errors for degraded-path tests.
	FailCreate error
	FailUpdate error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]Call)}
}

func (s *MemoryStore) Create(ctx context.Context, c Call) error {
	if c.CallID == "" || c.From == "" || c.To == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return s.FailCreate
	}
	if !c.Status.Terminal() {
		for _, existing := range s.calls {
			if existing.Status.Terminal() {
				continue
			}
			if existing.Involves(c.From) || existing.Involves(c.To) {
				return ErrPeerBusy
			}
		}
	}
	s.calls[c.CallID] = c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindActiveForIdentity(ctx context.Context, id string) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if !c.Status.Terminal() && c.Involves(id) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, callID string, p Patch) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdate != nil {
		return Call{}, s.FailUpdate
	}
	c, ok := s.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.StartedAt != nil {
		c.StartedAt = p.StartedAt
	}
	if p.EndedAt != nil {
		c.EndedAt = p.EndedAt
	}
	if p.DurationSeconds != nil {
		c.DurationSeconds = *p.DurationSeconds
	}
	s.calls[callID] = c
	return c, nil
}

func (s *MemoryStore) ListForIdentity(ctx context.Context, id string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Involves(id) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
