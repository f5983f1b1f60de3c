package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voice-signaling/internal/auth"
	"voice-signaling/internal/calls"
	"voice-signaling/internal/config"
	"voice-signaling/internal/presence"
	"voice-signaling/internal/registry"
	"voice-signaling/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type testStack struct {
	srv    *httptest.Server
	tokens *auth.Manager
	store  *calls.MemoryStore
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret-test-secret-test-secret!",
		JWTIssuer:       "signaling-test",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	reg := registry.New()
	pres := presence.NewBroadcaster(reg, presence.NewMemoryCache(), log, 5*time.Minute)
	store := calls.NewMemoryStore()
	engine := calls.NewEngine(store, calls.NewMemoryCache(), reg, log, calls.EngineOptions{})
	rly := relay.New(reg, log)

	wsCfg := config.WSConfig{
		SendBuffer:      64,
		MaxMessageBytes: 64 << 10,
		WriteTimeout:    2 * time.Second,
		PongTimeout:     30 * time.Second,
	}
	server := NewServer(reg, pres, engine, rly, tokens, log, wsCfg)

	router := gin.New()
	router.GET("/ws", server.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testStack{srv: srv, tokens: tokens, store: store}
}

// dial connects an authenticated client and consumes the registered and
// presence-list events, returning the snapshot users.
func (ts *testStack) dial(t *testing.T, userID, displayName string) (*websocket.Conn, []map[string]any) {
	t.Helper()
	pair, err := ts.tokens.IssuePair(time.Now(), userID, displayName)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + pair.AccessToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })

	reg := readEventOfType(t, conn, "registered")
	if reg["userId"] != userID {
		t.Fatalf("registered = %v", reg)
	}
	list := readEventOfType(t, conn, "presence-list")
	var users []map[string]any
	if raw, ok := list["users"].([]any); ok {
		for _, u := range raw {
			if m, ok := u.(map[string]any); ok {
				users = append(users, m)
			}
		}
	}
	return conn, users
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return ev
}

// readEventOfType skips interleaved presence traffic until the wanted type
// arrives.
func readEventOfType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readEvent(t, conn)
		if ev["type"] == want {
			return ev
		}
	}
	t.Fatalf("event %q never arrived", want)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func TestUnauthenticatedDialIsPolicyClosed(t *testing.T) {
	ts := newTestStack(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want policy violation close", err)
	}
}

func TestPresenceListExcludesSelf(t *testing.T) {
	ts := newTestStack(t)

	alice, aliceSees := ts.dial(t, "alice", "Alice")
	if len(aliceSees) != 0 {
		t.Fatalf("first connection sees %d online users, want 0", len(aliceSees))
	}

	_, bobSees := ts.dial(t, "bob", "Bob")
	if len(bobSees) != 1 || bobSees[0]["userId"] != "alice" {
		t.Fatalf("second connection snapshot = %v", bobSees)
	}

	// Alice hears about Bob coming online.
	ev := readEventOfType(t, alice, "presence-update")
	if ev["userId"] != "bob" || ev["status"] != "online" {
		t.Fatalf("presence update = %v", ev)
	}
}

func TestExplicitRegisterReplaysSnapshot(t *testing.T) {
	ts := newTestStack(t)
	_, _ = ts.dial(t, "alice", "Alice")
	bob, _ := ts.dial(t, "bob", "Bob")

	send(t, bob, ClientMessage{Type: MsgRegister})
	readEventOfType(t, bob, "registered")
	list := readEventOfType(t, bob, "presence-list")
	users, _ := list["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("replayed snapshot = %v", list)
	}
}

func TestPingPong(t *testing.T) {
	ts := newTestStack(t)
	alice, _ := ts.dial(t, "alice", "Alice")

	send(t, alice, ClientMessage{Type: MsgPing})
	ev := readEventOfType(t, alice, "pong")
	if ev["timestamp"] == nil {
		t.Fatalf("pong = %v", ev)
	}
}

func TestCallLifecycleOverWire(t *testing.T) {
	ts := newTestStack(t)
	alice, _ := ts.dial(t, "alice", "Alice")
	bob, _ := ts.dial(t, "bob", "Bob")

	send(t, alice, ClientMessage{Type: MsgCallInit, To: "bob", Meta: json.RawMessage(`{"video":false}`)})

	ack := readEventOfType(t, alice, "call-init-ack")
	callID, _ := ack["callId"].(string)
	if callID == "" || ack["to"] != "bob" {
		t.Fatalf("ack = %v", ack)
	}

	inc := readEventOfType(t, bob, "incoming-call")
	if inc["callId"] != callID || inc["from"] != "alice" {
		t.Fatalf("incoming = %v", inc)
	}

	send(t, bob, ClientMessage{Type: MsgCallAccept, CallID: callID})
	if ev := readEventOfType(t, alice, "call-accepted"); ev["callId"] != callID {
		t.Fatalf("call-accepted = %v", ev)
	}

	// Negotiation payloads pass through opaquely with the sender stamped.
	send(t, alice, ClientMessage{Type: MsgOffer, To: "bob", CallID: callID, Payload: json.RawMessage(`{"sdp":"v=0"}`)})
	offer := readEventOfType(t, bob, "offer")
	if offer["from"] != "alice" || offer["timestamp"] == nil {
		t.Fatalf("offer = %v", offer)
	}

	send(t, bob, ClientMessage{Type: MsgHangup, CallID: callID})
	if ev := readEventOfType(t, alice, "call-ended"); ev["callId"] != callID {
		t.Fatalf("call-ended = %v", ev)
	}

	stored, err := ts.store.Get(context.Background(), callID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != calls.StatusEnded {
		t.Fatalf("stored status = %s, want ended", stored.Status)
	}
}

func TestCallToOfflinePeerRecordedAsMissed(t *testing.T) {
	ts := newTestStack(t)
	alice, _ := ts.dial(t, "alice", "Alice")

	send(t, alice, ClientMessage{Type: MsgCallInit, To: "ghost"})
	ev := readEventOfType(t, alice, "user-offline")
	if ev["to"] != "ghost" {
		t.Fatalf("user-offline = %v", ev)
	}

	history, err := ts.store.ListForIdentity(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("ListForIdentity: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Status != calls.StatusMissed {
		t.Fatalf("stored status = %s, want missed", history[0].Status)
	}
}

func TestSecondCallWhileBusyDenied(t *testing.T) {
	ts := newTestStack(t)
	alice, _ := ts.dial(t, "alice", "Alice")
	_, _ = ts.dial(t, "bob", "Bob")
	carol, _ := ts.dial(t, "carol", "Carol")

	send(t, alice, ClientMessage{Type: MsgCallInit, To: "bob"})
	ack := readEventOfType(t, alice, "call-init-ack")
	firstID, _ := ack["callId"].(string)

	send(t, carol, ClientMessage{Type: MsgCallInit, To: "bob"})
	ev := readEventOfType(t, carol, "call-init-denied")
	if ev["reason"] != DeniedReasonBusy {
		t.Fatalf("denied = %v", ev)
	}
	if ev["callId"] != firstID {
		t.Fatalf("conflicting callId = %v, want %s", ev["callId"], firstID)
	}
}

func TestReconnectDisplacesOlderSession(t *testing.T) {
	ts := newTestStack(t)
	first, _ := ts.dial(t, "alice", "Alice")
	second, _ := ts.dial(t, "alice", "Alice")

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("err = %v, want policy violation close", err)
		}
		break
	}

	// The surviving session keeps working: bob sees exactly one alice.
	bob, bobSees := ts.dial(t, "bob", "Bob")
	if len(bobSees) != 1 || bobSees[0]["userId"] != "alice" {
		t.Fatalf("snapshot = %v", bobSees)
	}

	send(t, second, ClientMessage{Type: MsgPresenceUpdate, Status: "away"})
	update := readEventOfType(t, bob, "presence-update")
	if update["userId"] != "alice" || update["status"] != "away" {
		t.Fatalf("presence update = %v", update)
	}
}

func TestDisconnectInterruptsCallAndNotifiesSurvivor(t *testing.T) {
	ts := newTestStack(t)
	alice, _ := ts.dial(t, "alice", "Alice")
	bob, _ := ts.dial(t, "bob", "Bob")

	send(t, alice, ClientMessage{Type: MsgCallInit, To: "bob"})
	ack := readEventOfType(t, alice, "call-init-ack")
	callID, _ := ack["callId"].(string)
	readEventOfType(t, bob, "incoming-call")
	send(t, bob, ClientMessage{Type: MsgCallAccept, CallID: callID})
	readEventOfType(t, alice, "call-accepted")

	bob.Close()

	ended := readEventOfType(t, alice, "call-ended")
	if ended["reason"] != calls.ReasonUserDisconnected {
		t.Fatalf("reason = %v", ended["reason"])
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		stored, err := ts.store.Get(context.Background(), callID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if stored.Status == calls.StatusInterrupted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want interrupted", stored.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayToOfflinePeer(t *testing.T) {
	ts := newTestStack(t)
	alice, _ := ts.dial(t, "alice", "Alice")

	send(t, alice, ClientMessage{Type: MsgICE, To: "ghost", Payload: json.RawMessage(`{"candidate":""}`)})
	ev := readEventOfType(t, alice, "peer-offline")
	if ev["to"] != "ghost" {
		t.Fatalf("peer-offline = %v", ev)
	}
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	ts := newTestStack(t)
	alice, _ := ts.dial(t, "alice", "Alice")

	send(t, alice, ClientMessage{Type: "teleport"})
	ev := readEventOfType(t, alice, "error")
	if ev["code"] != CodeBadRequest {
		t.Fatalf("error = %v", ev)
	}
}
