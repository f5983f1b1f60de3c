package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"voice-signaling/internal/registry"
)

// Broadcaster owns the presence records and announces transitions to every
// other connected identity.
//
// Consistency model: eventually consistent. A peer may briefly observe a
// just-disconnected identity as online; the cache TTL bounds the window.
// Fan-out is best-effort: one recipient's send failure never aborts delivery
// to the rest.
type Broadcaster struct {
	reg   *registry.Registry
	cache Cache
	log   *slog.Logger
	clock func() time.Time
	ttl   time.Duration

	mu      sync.RWMutex
	records map[string]Record
}

func NewBroadcaster(reg *registry.Registry, cache Cache, log *slog.Logger, ttl time.Duration) *Broadcaster {
	return &Broadcaster{
		reg:     reg,
		cache:   cache,
		log:     log,
		clock:   time.Now,
		ttl:     ttl,
		records: make(map[string]Record),
	}
}

// OnConnect marks userID online, announces it, and returns the snapshot of
// the other currently-online identities for the caller's initial sync.
func (b *Broadcaster) OnConnect(ctx context.Context, userID, displayName string) []Record {
	now := b.clock().UTC()

	b.mu.Lock()
	b.records[userID] = Record{
		UserID:      userID,
		DisplayName: displayName,
		Status:      StatusOnline,
		LastSeen:    now,
	}
	b.mu.Unlock()

	if err := b.cache.SetOnline(ctx, userID, b.ttl); err != nil {
		b.log.Warn("presence cache set failed", "user_id", userID, "err", err)
	}

	b.fanOut(userID, UpdateEvent{
		Type:        "presence-update",
		UserID:      userID,
		Status:      StatusOnline,
		DisplayName: displayName,
		Timestamp:   now.UnixMilli(),
	})

	return b.Snapshot(userID)
}

// OnDisconnect marks userID offline and broadcasts the retraction. The
// record is retained for last-seen queries.
func (b *Broadcaster) OnDisconnect(ctx context.Context, userID string) {
	now := b.clock().UTC()

	b.mu.Lock()
	rec := b.records[userID]
	rec.UserID = userID
	rec.Status = StatusOffline
	rec.LastSeen = now
	b.records[userID] = rec
	b.mu.Unlock()

	if err := b.cache.ClearOnline(ctx, userID); err != nil {
		b.log.Warn("presence cache clear failed", "user_id", userID, "err", err)
	}

	b.fanOut(userID, UpdateEvent{
		Type:        "presence-update",
		UserID:      userID,
		Status:      StatusOffline,
		DisplayName: rec.DisplayName,
		Timestamp:   now.UnixMilli(),
	})
}

// OnStatusChange updates the status in place and broadcasts it. LastSeen is
// untouched unless the transition is to offline.
func (b *Broadcaster) OnStatusChange(ctx context.Context, userID string, status Status) {
	if !status.Valid() {
		b.log.Warn("ignoring invalid presence status", "user_id", userID, "status", string(status))
		return
	}
	if status == StatusOffline {
		b.OnDisconnect(ctx, userID)
		return
	}

	b.mu.Lock()
	rec, ok := b.records[userID]
	if !ok {
		b.mu.Unlock()
		return
	}
	rec.Status = status
	b.records[userID] = rec
	b.mu.Unlock()

	// Any explicit status message proves liveness; refresh the marker TTL.
	if err := b.cache.SetOnline(ctx, userID, b.ttl); err != nil {
		b.log.Warn("presence cache refresh failed", "user_id", userID, "err", err)
	}

	b.fanOut(userID, UpdateEvent{
		Type:        "presence-update",
		UserID:      userID,
		Status:      status,
		DisplayName: rec.DisplayName,
		Timestamp:   b.clock().UTC().UnixMilli(),
	})
}

// Snapshot returns every record that is not offline, excluding the given
// identity, sorted by user id for stable output.
func (b *Broadcaster) Snapshot(excludingUserID string) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Record, 0, len(b.records))
	for id, rec := range b.records {
		if id == excludingUserID || rec.Status == StatusOffline {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Record returns the stored record for userID, including offline ones.
func (b *Broadcaster) Record(userID string) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[userID]
	return rec, ok
}

// fanOut delivers ev to every other registered connection. Each send is
// isolated: failures are logged and the loop continues.
func (b *Broadcaster) fanOut(excludeUserID string, ev UpdateEvent) {
	b.reg.Each(excludeUserID, func(id string, conn registry.Conn) {
		if err := conn.Send(ev); err != nil {
			b.log.Debug("presence broadcast skipped peer", "to", id, "err", err)
		}
	})
}
