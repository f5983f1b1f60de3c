package calls

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"voice-signaling/internal/journal"
	"voice-signaling/internal/registry"

	"github.com/google/uuid"
)

// Peer-directed wire events. The engine notifies the party that did NOT send
// the triggering message; acknowledgements to the sender belong to the
// signaling layer.

type IncomingCallEvent struct {
	Type   string          `json:"type"` // "incoming-call"
	CallID string          `json:"callId"`
	From   string          `json:"from"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

type CallAcceptedEvent struct {
	Type   string `json:"type"` // "call-accepted"
	CallID string `json:"callId"`
}

type CallRejectedEvent struct {
	Type   string `json:"type"` // "call-rejected"
	CallID string `json:"callId"`
}

type CallEndedEvent struct {
	Type   string `json:"type"` // "call-ended"
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

const ReasonUserDisconnected = "user-disconnected"

// Engine drives the call lifecycle. It is the only writer of call records.
//
// Write-through discipline: durable store first (source of truth), cache
// second, in-memory shadow last. A store or cache failure is logged and the
// transition still applies in memory; a user must never be stuck unable to
// hang up because a durable write failed.
//
// The busy invariant's check-then-create race is closed with per-identity
// locks acquired in sorted order, backed by the store's partial-unique
// constraint for cross-process strictness.
type Engine struct {
	store   Store
	cache   Cache
	reg     *registry.Registry
	journal *journal.Service
	log     *slog.Logger

	clock func() time.Time
	newID func() string

	activeTTL time.Duration
	opTimeout time.Duration

	lockMu sync.Mutex
	locks  map[string]*identityLock

	shadowMu sync.RWMutex
	shadow   map[string]Call
}

type EngineOptions struct {
	// Journal receives best-effort transition records. Optional.
	Journal *journal.Service

	ActiveCallTTL  time.Duration
	StorageTimeout time.Duration
}

func NewEngine(store Store, cache Cache, reg *registry.Registry, log *slog.Logger, opts EngineOptions) *Engine {
	if opts.ActiveCallTTL <= 0 {
		opts.ActiveCallTTL = time.Hour
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 3 * time.Second
	}
	return &Engine{
		store:     store,
		cache:     cache,
		reg:       reg,
		journal:   opts.Journal,
		log:       log,
		clock:     time.Now,
		newID:     func() string { return "call_" + uuid.NewString() },
		activeTTL: opts.ActiveCallTTL,
		opTimeout: opts.StorageTimeout,
		locks:     make(map[string]*identityLock),
		shadow:    make(map[string]Call),
	}
}

// Initiate starts a call attempt from -> to.
//
// Ordering: busy check, persist, then delivery attempt. Persist-before-
// deliver guarantees the record exists even if delivery fails, at the cost
// of occasionally persisting a call that is immediately marked missed.
//
// Errors: ErrPeerBusy with the conflicting call (when known), ErrPeerOffline
// with the call already transitioned to missed, ErrInvalidArgument.
func (e *Engine) Initiate(ctx context.Context, from, to string, meta json.RawMessage) (Call, error) {
	if from == "" || to == "" || from == to {
		return Call{}, ErrInvalidArgument
	}

	unlock := e.lockPair(from, to)
	defer unlock()

	if conflict, busy := e.findConflict(ctx, from, to); busy {
		return conflict, ErrPeerBusy
	}

	slots, acquired := e.acquireSlots(ctx, from, to)
	if !acquired {
		// A concurrent initiator on another process holds a slot; the
		// conflicting record may not be visible to us yet.
		return Call{}, ErrPeerBusy
	}

	now := e.clock().UTC()
	c := Call{
		CallID:    e.newID(),
		From:      from,
		To:        to,
		Status:    StatusRinging,
		Meta:      meta,
		CreatedAt: now,
	}

	opCtx, cancel := e.opCtx(ctx)
	err := e.store.Create(opCtx, c)
	cancel()
	if err != nil {
		if errors.Is(err, ErrPeerBusy) {
			e.releaseSlots(ctx, slots)
			conflict, _ := e.findConflict(ctx, from, to)
			return conflict, ErrPeerBusy
		}
		e.log.Error("call create degraded to memory", "call_id", c.CallID, "err", err)
	}

	e.shadowSet(c)
	e.cacheSetActive(ctx, c)
	if err := e.cacheIncrTotal(ctx); err != nil {
		e.log.Debug("call counter not incremented", "err", err)
	}
	e.journalTransition(ctx, c, string(StatusRinging), "")

	dest, ok := e.reg.Lookup(to)
	if !ok || !dest.IsOpen() {
		missed := e.terminate(ctx, c, StatusMissed, "callee-offline")
		return missed, ErrPeerOffline
	}
	if err := dest.Send(IncomingCallEvent{Type: "incoming-call", CallID: c.CallID, From: from, Meta: meta}); err != nil {
		missed := e.terminate(ctx, c, StatusMissed, "callee-unreachable")
		return missed, ErrPeerOffline
	}
	return c, nil
}

// Accept moves a ringing call to accepted and notifies the original caller.
// Only the callee recorded on the call may accept. If the caller is no
// longer reachable the call is closed as rejected and ErrPeerOffline is
// returned.
func (e *Engine) Accept(ctx context.Context, callID, by string) (Call, error) {
	c, err := e.getCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if by != c.To {
		return Call{}, ErrInvalidArgument
	}

	unlock := e.lockPair(c.From, c.To)
	defer unlock()

	c, err = e.getCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !canTransition(c.Status, StatusAccepted) {
		return c, ErrInvalidArgument
	}

	caller, ok := e.reg.Lookup(c.From)
	if !ok || !caller.IsOpen() {
		rejected := e.terminate(ctx, c, StatusRejected, "caller-offline")
		return rejected, ErrPeerOffline
	}

	now := e.clock().UTC()
	accepted := StatusAccepted
	c = e.applyPatch(ctx, c, Patch{Status: &accepted, StartedAt: &now})
	e.cacheSetActive(ctx, c)
	e.journalTransition(ctx, c, string(StatusAccepted), "")

	if err := caller.Send(CallAcceptedEvent{Type: "call-accepted", CallID: c.CallID}); err != nil {
		e.log.Warn("accept notification failed", "call_id", c.CallID, "to", c.From, "err", err)
	}
	return c, nil
}

// Reject declines a ringing call. Only the callee recorded on the call may
// reject.
func (e *Engine) Reject(ctx context.Context, callID, by string) (Call, error) {
	c, err := e.getCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if by != c.To {
		return Call{}, ErrInvalidArgument
	}

	unlock := e.lockPair(c.From, c.To)
	defer unlock()

	c, err = e.getCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !canTransition(c.Status, StatusRejected) {
		return c, ErrInvalidArgument
	}

	c = e.terminate(ctx, c, StatusRejected, "")

	if caller, ok := e.reg.Lookup(c.From); ok {
		if err := caller.Send(CallRejectedEvent{Type: "call-rejected", CallID: c.CallID}); err != nil {
			e.log.Debug("reject notification failed", "call_id", c.CallID, "err", err)
		}
	}
	return c, nil
}

// Hangup ends a call from any non-terminal state. The other party is
// resolved from the stored record, never from the request, so neither side
// can misreport its peer. Hanging up an already-terminal call is a no-op.
func (e *Engine) Hangup(ctx context.Context, callID, by string) (Call, error) {
	c, err := e.getCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	other, ok := c.Other(by)
	if !ok {
		return Call{}, ErrInvalidArgument
	}

	unlock := e.lockPair(c.From, c.To)
	defer unlock()

	c, err = e.getCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if c.Status.Terminal() {
		return c, nil
	}

	c = e.terminate(ctx, c, StatusEnded, "")

	if peer, ok := e.reg.Lookup(other); ok {
		if err := peer.Send(CallEndedEvent{Type: "call-ended", CallID: c.CallID}); err != nil {
			e.log.Debug("hangup notification failed", "call_id", c.CallID, "to", other, "err", err)
		}
	}
	return c, nil
}

// DisconnectSweep unwinds every non-terminal call involving identity after
// its connection closed: accepted calls become interrupted, never-accepted
// ones become rejected, and the surviving party is told once. Idempotent:
// a call already terminal is skipped.
func (e *Engine) DisconnectSweep(ctx context.Context, identity string) {
	for _, c := range e.activeCallsFor(ctx, identity) {
		e.sweepOne(ctx, c.CallID, identity)
	}
}

func (e *Engine) sweepOne(ctx context.Context, callID, identity string) {
	c, err := e.getCall(ctx, callID)
	if err != nil {
		return
	}
	other, ok := c.Other(identity)
	if !ok {
		return
	}

	unlock := e.lockPair(c.From, c.To)
	defer unlock()

	c, err = e.getCall(ctx, callID)
	if err != nil || c.Status.Terminal() {
		return
	}

	target := StatusRejected
	if c.Status == StatusAccepted {
		target = StatusInterrupted
	}
	c = e.terminate(ctx, c, target, ReasonUserDisconnected)

	if peer, ok := e.reg.Lookup(other); ok {
		if err := peer.Send(CallEndedEvent{Type: "call-ended", CallID: c.CallID, Reason: ReasonUserDisconnected}); err != nil {
			e.log.Debug("sweep notification failed", "call_id", c.CallID, "to", other, "err", err)
		}
	}
}

// ActiveCall returns the non-terminal call involving identity, when one
// exists in the shadow or store.
func (e *Engine) ActiveCall(ctx context.Context, identity string) (Call, bool) {
	active := e.activeCallsFor(ctx, identity)
	if len(active) == 0 {
		return Call{}, false
	}
	return active[0], true
}

/* ===================== internals ===================== */

// terminate applies a terminal transition with its bookkeeping: timestamps,
// duration, shadow/cache/slot cleanup, journal entry.
func (e *Engine) terminate(ctx context.Context, c Call, target Status, reason string) Call {
	now := e.clock().UTC()
	p := Patch{Status: &target, EndedAt: &now}
	if c.StartedAt != nil {
		d := int(now.Sub(*c.StartedAt) / time.Second)
		if d < 0 {
			d = 0
		}
		p.DurationSeconds = &d
	}
	c = e.applyPatch(ctx, c, p)

	e.shadowDelete(c.CallID)
	if err := e.cacheClearActive(ctx, c); err != nil {
		e.log.Warn("call cache clear failed", "call_id", c.CallID, "err", err)
	}
	e.releaseSlots(ctx, []string{c.From, c.To})
	e.journalTransition(ctx, c, string(target), reason)
	return c
}

// applyPatch persists p and refreshes the shadow. Store failure degrades to
// memory-only: the patch is applied to the local copy and the shadow keeps
// serving it.
func (e *Engine) applyPatch(ctx context.Context, c Call, p Patch) Call {
	opCtx, cancel := e.opCtx(ctx)
	updated, err := e.store.Update(opCtx, c.CallID, p)
	cancel()
	if err != nil {
		e.log.Error("call update degraded to memory", "call_id", c.CallID, "err", err)
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
		updated = c
	}
	e.shadowSet(updated)
	return updated
}

// findConflict reports a non-terminal call involving either party. The
// shadow answers first; the store extends the check across processes. Store
// errors degrade to the shadow-only answer.
func (e *Engine) findConflict(ctx context.Context, from, to string) (Call, bool) {
	e.shadowMu.RLock()
	for _, c := range e.shadow {
		if !c.Status.Terminal() && (c.Involves(from) || c.Involves(to)) {
			e.shadowMu.RUnlock()
			return c, true
		}
	}
	e.shadowMu.RUnlock()

	for _, id := range []string{from, to} {
		opCtx, cancel := e.opCtx(ctx)
		active, err := e.store.FindActiveForIdentity(opCtx, id)
		cancel()
		if err != nil {
			e.log.Warn("busy check degraded to memory", "identity", id, "err", err)
			continue
		}
		if len(active) > 0 {
			return active[0], true
		}
	}
	return Call{}, false
}

// acquireSlots takes the cache call slots for both parties. A rejection
// frees whatever was taken; a cache error disables the fast path for that
// identity and the store check decides alone.
func (e *Engine) acquireSlots(ctx context.Context, from, to string) (held []string, acquired bool) {
	for _, id := range []string{from, to} {
		opCtx, cancel := e.opCtx(ctx)
		ok, err := e.cache.AcquireSlot(opCtx, id, e.activeTTL)
		cancel()
		if err != nil {
			e.log.Warn("call slot fast path unavailable", "identity", id, "err", err)
			continue
		}
		if !ok {
			e.releaseSlots(ctx, held)
			return nil, false
		}
		held = append(held, id)
	}
	return held, true
}

func (e *Engine) releaseSlots(ctx context.Context, ids []string) {
	for _, id := range ids {
		opCtx, cancel := e.opCtx(ctx)
		if err := e.cache.ReleaseSlot(opCtx, id); err != nil {
			e.log.Debug("call slot release failed", "identity", id, "err", err)
		}
		cancel()
	}
}

func (e *Engine) getCall(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, ErrInvalidArgument
	}
	e.shadowMu.RLock()
	c, ok := e.shadow[callID]
	e.shadowMu.RUnlock()
	if ok {
		return c, nil
	}
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.Get(opCtx, callID)
}

func (e *Engine) activeCallsFor(ctx context.Context, identity string) []Call {
	seen := make(map[string]bool)
	var out []Call

	e.shadowMu.RLock()
	for _, c := range e.shadow {
		if !c.Status.Terminal() && c.Involves(identity) {
			seen[c.CallID] = true
			out = append(out, c)
		}
	}
	e.shadowMu.RUnlock()

	opCtx, cancel := e.opCtx(ctx)
	fromStore, err := e.store.FindActiveForIdentity(opCtx, identity)
	cancel()
	if err != nil {
		e.log.Warn("active call lookup degraded to memory", "identity", identity, "err", err)
		return out
	}
	for _, c := range fromStore {
		if !seen[c.CallID] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) cacheSetActive(ctx context.Context, c Call) {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	if err := e.cache.SetActive(opCtx, c, e.activeTTL); err != nil {
		e.log.Warn("call cache set failed", "call_id", c.CallID, "err", err)
	}
}

func (e *Engine) cacheClearActive(ctx context.Context, c Call) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.cache.ClearActive(opCtx, c)
}

func (e *Engine) cacheIncrTotal(ctx context.Context) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.cache.IncrTotal(opCtx)
}

func (e *Engine) journalTransition(ctx context.Context, c Call, transition, reason string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.LogTransition(ctx, c.CallID, c.From, c.To, transition, reason); err != nil {
		e.log.Debug("journal append failed", "call_id", c.CallID, "err", err)
	}
}

func (e *Engine) shadowSet(c Call) {
	e.shadowMu.Lock()
	defer e.shadowMu.Unlock()
	if c.Status.Terminal() {
		delete(e.shadow, c.CallID)
		return
	}
	e.shadow[c.CallID] = c
}

func (e *Engine) shadowDelete(callID string) {
	e.shadowMu.Lock()
	defer e.shadowMu.Unlock()
	delete(e.shadow, callID)
}

func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.opTimeout)
}

// identityLock is a refcounted mutex entry. The count tracks goroutines
// between acquire and release so the map entry can be dropped when the last
// holder leaves, keeping the map proportional to in-flight operations rather
// than every identity ever seen.
type identityLock struct {
	mu   sync.Mutex
	refs int
}

// lockPair takes the per-identity mutexes for both parties in sorted order,
// so two concurrent Initiates naming the same pair cannot interleave their
// busy checks.
func (e *Engine) lockPair(a, b string) func() {
	ids := []string{a, b}
	sort.Strings(ids)
	if ids[0] == ids[1] {
		ids = ids[:1]
	}
	ls := make([]*identityLock, len(ids))
	for i, id := range ids {
		ls[i] = e.acquireIdentityLock(id)
	}
	for _, l := range ls {
		l.mu.Lock()
	}
	return func() {
		for i := len(ls) - 1; i >= 0; i-- {
			ls[i].mu.Unlock()
			e.releaseIdentityLock(ids[i], ls[i])
		}
	}
}

func (e *Engine) acquireIdentityLock(id string) *identityLock {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &identityLock{}
		e.locks[id] = l
	}
	l.refs++
	return l
}

func (e *Engine) releaseIdentityLock(id string, l *identityLock) {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, id)
	}
}
