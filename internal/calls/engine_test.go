package calls

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"voice-signaling/internal/journal"
	"voice-signaling/internal/registry"

	"github.com/google/uuid"
)

type engineConn struct {
	mu      sync.Mutex
	open    bool
	events  []any
	sendErr error
}

func newEngineConn() *engineConn { return &engineConn{open: true} }

func (c *engineConn) Send(event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if !c.open {
		return registry.ErrConnClosed
	}
	c.events = append(c.events, event)
	return nil
}

func (c *engineConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
}

func (c *engineConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *engineConn) received() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.events))
	copy(out, c.events)
	return out
}

type engineHarness struct {
	store   *MemoryStore
	cache   *MemoryCache
	reg     *registry.Registry
	journal *journal.MemoryRepo
	engine  *Engine
	now     time.Time
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	h := &engineHarness{
		store:   NewMemoryStore(),
		cache:   NewMemoryCache(),
		reg:     registry.New(),
		journal: journal.NewMemoryRepo(),
		now:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = NewEngine(h.store, h.cache, h.reg, log, EngineOptions{
		Journal: journal.NewService(h.journal),
	})
	h.engine.clock = func() time.Time { return h.now }
	seq := 0
	h.engine.newID = func() string {
		seq++
		return "call_" + string(rune('a'+seq-1))
	}
	return h
}

func (h *engineHarness) connect(userID string) *engineConn {
	conn := newEngineConn()
	h.reg.Register(userID, conn)
	return conn
}

func TestInitiateDeliversIncomingCall(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")
	bob := h.connect("bob")

	meta := json.RawMessage(`{"video":true}`)
	c, err := h.engine.Initiate(context.Background(), "alice", "bob", meta)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if c.Status != StatusRinging {
		t.Fatalf("status = %s, want ringing", c.Status)
	}

	events := bob.received()
	if len(events) != 1 {
		t.Fatalf("callee received %d events, want 1", len(events))
	}
	inc, ok := events[0].(IncomingCallEvent)
	if !ok {
		t.Fatalf("event type = %T, want IncomingCallEvent", events[0])
	}
	if inc.CallID != c.CallID || inc.From != "alice" {
		t.Fatalf("incoming-call = %+v", inc)
	}
	if string(inc.Meta) != `{"video":true}` {
		t.Fatalf("meta = %s", inc.Meta)
	}

	stored, err := h.store.Get(context.Background(), c.CallID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusRinging {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if !h.cache.SlotHeld("alice") || !h.cache.SlotHeld("bob") {
		t.Fatal("call slots not held for both parties")
	}
}

func TestInitiateOfflineCalleeBecomesMissed(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("err = %v, want ErrPeerOffline", err)
	}
	if c.Status != StatusMissed {
		t.Fatalf("status = %s, want missed", c.Status)
	}
	if c.EndedAt == nil {
		t.Fatal("missed call has no endedAt")
	}

	stored, err := h.store.Get(context.Background(), c.CallID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusMissed {
		t.Fatalf("stored status = %s, want missed", stored.Status)
	}
	if h.cache.SlotHeld("alice") || h.cache.SlotHeld("bob") {
		t.Fatal("slots still held after missed call")
	}
}

func TestInitiateBusyReturnsConflictingCall(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")
	h.connect("bob")
	h.connect("carol")

	first, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("first Initiate: %v", err)
	}

	conflict, err := h.engine.Initiate(context.Background(), "carol", "bob", nil)
	if !errors.Is(err, ErrPeerBusy) {
		t.Fatalf("err = %v, want ErrPeerBusy", err)
	}
	if conflict.CallID != first.CallID {
		t.Fatalf("conflict = %s, want %s", conflict.CallID, first.CallID)
	}
}

func TestInitiateRejectsSelfCall(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")

	if _, err := h.engine.Initiate(context.Background(), "alice", "alice", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestAcceptOnlyByCallee(t *testing.T) {
	h := newEngineHarness(t)
	alice := h.connect("alice")
	h.connect("bob")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if _, err := h.engine.Accept(context.Background(), c.CallID, "alice"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("caller accept err = %v, want ErrInvalidArgument", err)
	}

	accepted, err := h.engine.Accept(context.Background(), c.CallID, "bob")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("status = %s, want accepted", accepted.Status)
	}
	if accepted.StartedAt == nil {
		t.Fatal("accepted call has no startedAt")
	}

	events := alice.received()
	if len(events) != 1 {
		t.Fatalf("caller received %d events, want 1", len(events))
	}
	if ev, ok := events[0].(CallAcceptedEvent); !ok || ev.CallID != c.CallID {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestAcceptWithCallerGoneRejects(t *testing.T) {
	h := newEngineHarness(t)
	alice := h.connect("alice")
	h.connect("bob")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	alice.Close(1000, "bye")
	h.reg.Remove("alice", alice)

	got, err := h.engine.Accept(context.Background(), c.CallID, "bob")
	if !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("err = %v, want ErrPeerOffline", err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatal("rejected call has no endedAt")
	}
}

func TestRejectNotifiesCaller(t *testing.T) {
	h := newEngineHarness(t)
	alice := h.connect("alice")
	h.connect("bob")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	got, err := h.engine.Reject(context.Background(), c.CallID, "bob")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}

	events := alice.received()
	if len(events) != 1 {
		t.Fatalf("caller received %d events, want 1", len(events))
	}
	if ev, ok := events[0].(CallRejectedEvent); !ok || ev.CallID != c.CallID {
		t.Fatalf("event = %+v", events[0])
	}
	if h.cache.SlotHeld("alice") || h.cache.SlotHeld("bob") {
		t.Fatal("slots still held after reject")
	}
}

func TestHangupComputesDurationAndResolvesPeer(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")
	bob := h.connect("bob")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	h.now = h.now.Add(5 * time.Second)
	if _, err := h.engine.Accept(context.Background(), c.CallID, "bob"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	h.now = h.now.Add(60 * time.Second)
	ended, err := h.engine.Hangup(context.Background(), c.CallID, "alice")
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("status = %s, want ended", ended.Status)
	}
	if ended.DurationSeconds != 60 {
		t.Fatalf("duration = %d, want 60", ended.DurationSeconds)
	}

	var sawEnded int
	for _, ev := range bob.received() {
		if e, ok := ev.(CallEndedEvent); ok && e.CallID == c.CallID {
			sawEnded++
		}
	}
	if sawEnded != 1 {
		t.Fatalf("callee saw %d call-ended events, want 1", sawEnded)
	}

	// Terminal call: a second hangup is a no-op and notifies nobody.
	again, err := h.engine.Hangup(context.Background(), c.CallID, "bob")
	if err != nil {
		t.Fatalf("second Hangup: %v", err)
	}
	if again.Status != StatusEnded {
		t.Fatalf("second hangup status = %s", again.Status)
	}
	if got := len(bob.received()); got != sawEnded {
		t.Fatalf("second hangup produced events: %d", got)
	}
}

func TestHangupByStrangerRejected(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")
	h.connect("bob")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := h.engine.Hangup(context.Background(), c.CallID, "mallory"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestDisconnectSweepInterruptsAcceptedCall(t *testing.T) {
	h := newEngineHarness(t)
	alice := h.connect("alice")
	h.connect("bob")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := h.engine.Accept(context.Background(), c.CallID, "bob"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	before := len(alice.received())

	h.engine.DisconnectSweep(context.Background(), "bob")

	stored, err := h.store.Get(context.Background(), c.CallID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", stored.Status)
	}

	events := alice.received()[before:]
	if len(events) != 1 {
		t.Fatalf("survivor received %d events, want 1", len(events))
	}
	ev, ok := events[0].(CallEndedEvent)
	if !ok || ev.Reason != ReasonUserDisconnected {
		t.Fatalf("event = %+v", events[0])
	}

	// Sweeping again finds only a terminal call and stays quiet.
	h.engine.DisconnectSweep(context.Background(), "bob")
	if got := len(alice.received()[before:]); got != 1 {
		t.Fatalf("second sweep produced events: %d", got)
	}
}

func TestDisconnectSweepRejectsRingingCall(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")
	bob := h.connect("bob")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	before := len(bob.received())

	h.engine.DisconnectSweep(context.Background(), "alice")

	stored, err := h.store.Get(context.Background(), c.CallID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", stored.Status)
	}
	events := bob.received()[before:]
	if len(events) != 1 {
		t.Fatalf("callee received %d events, want 1", len(events))
	}
}

func TestEngineDegradesToMemoryOnStoreFailure(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")
	bob := h.connect("bob")
	h.connect("carol")
	h.store.FailCreate = errors.New("pg down")
	h.store.FailUpdate = errors.New("pg down")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate with store down: %v", err)
	}
	if len(bob.received()) != 1 {
		t.Fatal("callee not notified while store down")
	}

	// The in-memory shadow still enforces the busy invariant.
	if _, err := h.engine.Initiate(context.Background(), "carol", "bob", nil); !errors.Is(err, ErrPeerBusy) {
		t.Fatalf("busy err = %v, want ErrPeerBusy", err)
	}

	// And the call can still be torn down.
	ended, err := h.engine.Hangup(context.Background(), c.CallID, "alice")
	if err != nil {
		t.Fatalf("Hangup with store down: %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("status = %s, want ended", ended.Status)
	}
	if _, busy := h.engine.ActiveCall(context.Background(), "bob"); busy {
		t.Fatal("call still active after degraded hangup")
	}
}

func TestEngineSurvivesCacheFailure(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")
	bob := h.connect("bob")
	h.cache.FailOps = errors.New("redis down")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate with cache down: %v", err)
	}
	if c.Status != StatusRinging {
		t.Fatalf("status = %s, want ringing", c.Status)
	}
	if len(bob.received()) != 1 {
		t.Fatal("callee not notified while cache down")
	}
}

func TestConcurrentInitiatesAdmitExactlyOne(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("bob")
	callers := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, id := range callers {
		h.connect(id)
	}
	h.engine.newID = func() string { return "call_" + uuid.NewString() }

	var wg sync.WaitGroup
	errs := make([]error, len(callers))
	for i, id := range callers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = h.engine.Initiate(context.Background(), id, "bob", nil)
		}(i, id)
	}
	wg.Wait()

	var okCount int
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrPeerBusy):
		default:
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if okCount != 1 {
		t.Fatalf("%d initiates succeeded, want exactly 1", okCount)
	}
}

func TestIdentityLocksPrunedAfterOperations(t *testing.T) {
	h := newEngineHarness(t)
	h.connect("alice")
	h.connect("bob")

	c, err := h.engine.Initiate(context.Background(), "alice", "bob", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := h.engine.Accept(context.Background(), c.CallID, "bob"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := h.engine.Hangup(context.Background(), c.CallID, "alice"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	h.engine.lockMu.Lock()
	n := len(h.engine.locks)
	h.engine.lockMu.Unlock()
	if n != 0 {
		t.Fatalf("lock map holds %d entries after all operations finished, want 0", n)
	}
}
