package signaling

import (
	"encoding/json"
	"time"

	"voice-signaling/internal/presence"
)

// Client-to-server message types.
const (
	MsgRegister       = "register"
	MsgCallInit       = "call-init"
	MsgCallAccept     = "call-accept"
	MsgCallReject     = "call-reject"
	MsgHangup         = "hangup"
	MsgPresenceUpdate = "presence-update"
	MsgOffer          = "offer"
	MsgAnswer         = "answer"
	MsgICE            = "ice"
	MsgPing           = "ping"
)

// ClientMessage is the single envelope clients send. Fields beyond Type are
// read per message type; unknown extras are ignored. The sender identity is
// never taken from the message, only from the authenticated connection.
type ClientMessage struct {
	Type    string          `json:"type"`
	To      string          `json:"to,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Status  string          `json:"status,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server-to-client events. Each type is its own struct so the compiler keeps
// the wire contract honest.

type RegisteredEvent struct {
	Type        string `json:"type"` // "registered"
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PresenceListEvent is the initial snapshot of everyone else online, sent
// right after registered.
type PresenceListEvent struct {
	Type  string            `json:"type"` // "presence-list"
	Users []presence.Record `json:"users"`
}

type CallInitAckEvent struct {
	Type   string `json:"type"` // "call-init-ack"
	CallID string `json:"callId"`
	To     string `json:"to"`
}

type CallInitDeniedEvent struct {
	Type   string `json:"type"` // "call-init-denied"
	Reason string `json:"reason"`
	CallID string `json:"callId,omitempty"`
}

// PeerOfflineEvent answers a relay or call message whose counterparty went
// away mid-call.
type PeerOfflineEvent struct {
	Type string `json:"type"` // "peer-offline"
	To   string `json:"to"`
}

// UserOfflineEvent answers a call-init whose callee is not connected; the
// attempt is already recorded as missed.
type UserOfflineEvent struct {
	Type string `json:"type"` // "user-offline"
	To   string `json:"to"`
}

type PongEvent struct {
	Type      string    `json:"type"` // "pong"
	Timestamp time.Time `json:"timestamp"`
}

const DeniedReasonBusy = "busy"

// ErrorEvent is advisory: malformed or invalid messages are answered, never
// fatal to the connection.

const (
	CodeBadRequest = "bad-request"
	CodeNotFound   = "not-found"
	CodeInternal   = "internal"
)

type ErrorEvent struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
	CallID  string `json:"callId,omitempty"`
}

func errorEvent(code, message, callID string) ErrorEvent {
	return ErrorEvent{Type: "error", Code: code, Message: message, CallID: callID}
}
