// Package relay forwards WebRTC negotiation payloads between connected
// peers. Payloads are opaque: the server never parses SDP or candidate
// bodies, it only stamps the sender identity and moves bytes.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"voice-signaling/internal/registry"
)

var (
	ErrPeerOffline = errors.New("relay: peer offline")
	ErrBadSignal   = errors.New("relay: bad signal")
)

const (
	KindOffer  = "offer"
	KindAnswer = "answer"
	KindICE    = "ice"
)

// SignalEvent is the forwarded wire form. From is always set by the server
// from the authenticated sender, never copied from the client message.
type SignalEvent struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	CallID    string          `json:"callId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type Relay struct {
	reg   *registry.Registry
	log   *slog.Logger
	clock func() time.Time
}

func New(reg *registry.Registry, log *slog.Logger) *Relay {
	return &Relay{reg: reg, log: log, clock: time.Now}
}

// Forward delivers one signal from the authenticated sender to the named
// target. Returns ErrPeerOffline when the target has no open connection and
// ErrBadSignal for unknown kinds or missing fields.
func (r *Relay) Forward(from, to, kind, callID string, payload json.RawMessage) error {
	switch kind {
	case KindOffer, KindAnswer, KindICE:
	default:
		return ErrBadSignal
	}
	if from == "" || to == "" || from == to {
		return ErrBadSignal
	}
	if len(payload) == 0 {
		return ErrBadSignal
	}

	conn, ok := r.reg.Lookup(to)
	if !ok || !conn.IsOpen() {
		return ErrPeerOffline
	}
	if err := conn.Send(SignalEvent{Type: kind, From: from, CallID: callID, Payload: payload, Timestamp: r.clock().UTC()}); err != nil {
		r.log.Debug("signal delivery failed", "kind", kind, "to", to, "err", err)
		return ErrPeerOffline
	}
	return nil
}
