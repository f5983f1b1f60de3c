package stats

import (
	"context"
	"errors"
	"time"

	"voice-signaling/internal/calls"
	"voice-signaling/internal/presence"
	"voice-signaling/internal/registry"
)

var ErrInvalidRequest = errors.New("stats: invalid request")

// Repository abstracts call-record access for aggregation. Implementations
// query the durable store; terminated calls are immutable there.

type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	repo  Repository
	cache calls.Cache
	pres  presence.Cache
	reg   *registry.Registry
}

func NewService(repo Repository, cache calls.Cache, pres presence.Cache, reg *registry.Registry) *Service {
	return &Service{repo: repo, cache: cache, pres: pres, reg: reg}
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("stats: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	var out CallsSummary
	var connected int
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.StartedAt != nil {
			connected++
		}
		switch c.Status {
		case calls.StatusEnded:
			out.EndedCalls++
		case calls.StatusMissed:
			out.MissedCalls++
		case calls.StatusRejected:
			out.RejectedCalls++
		case calls.StatusInterrupted:
			out.InterruptedCalls++
		case calls.StatusRinging, calls.StatusAccepted:
			out.InProgressCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
		out.ConnectRate = float64(connected) / float64(out.TotalCalls)
	}
	return out, nil
}

// Live reads the instantaneous counters. Cache unavailability degrades the
// cache-backed fields to zero rather than failing the whole snapshot.
func (s *Service) Live(ctx context.Context) LiveSnapshot {
	out := LiveSnapshot{ConnectedUsers: s.reg.Len()}
	if s.pres != nil {
		if ids, err := s.pres.ListOnline(ctx); err == nil {
			out.OnlineUsers = len(ids)
		}
	}
	if s.cache == nil {
		return out
	}
	if n, err := s.cache.ActiveCount(ctx); err == nil {
		out.ActiveCalls = n
	}
	if n, err := s.cache.Total(ctx); err == nil {
		out.TotalCalls = n
	}
	return out
}
