package calls

import (
	"encoding/json"
	"time"
)

// Call is one signaling session attempt between two identities.
//
// Invariants:
// - From/To are immutable after creation.
// - Status only moves forward through the transition graph; terminal states
//   never change again.
// - Rows are never deleted; a terminal call is the permanent history record.
//
// Meta is an opaque application payload forwarded to the callee verbatim.
type Call struct {
	CallID string `json:"callId" db:"call_id"`

	From string `json:"from" db:"from_id"`
	To   string `json:"to" db:"to_id"`

	Status Status `json:"status" db:"status"`

	Meta json.RawMessage `json:"meta,omitempty" db:"meta"`

	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	StartedAt *time.Time `json:"startedAt,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"endedAt,omitempty" db:"ended_at"`

	// DurationSeconds is EndedAt - StartedAt, set on hangup of an accepted
	// call. Kept as an int for JSON friendliness; stored as INT in Postgres.
	DurationSeconds int `json:"duration,omitempty" db:"duration_seconds"`
}

type Status string

const (
	StatusRinging     Status = "ringing"
	StatusAccepted    Status = "accepted"
	StatusEnded       Status = "ended"
	StatusMissed      Status = "missed"
	StatusRejected    Status = "rejected"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusRejected, StatusInterrupted:
		return true
	default:
		return false
	}
}

// canTransition encodes the forward-only transition graph:
//
//	ringing  -> accepted | ended | missed | rejected | interrupted
//	accepted -> ended | interrupted
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusRinging:
		switch to {
		case StatusAccepted, StatusEnded, StatusMissed, StatusRejected, StatusInterrupted:
			return true
		}
	case StatusAccepted:
		switch to {
		case StatusEnded, StatusInterrupted:
			return true
		}
	}
	return false
}

// Other resolves the peer of userID from the stored record, never from a
// caller-supplied field.
func (c Call) Other(userID string) (string, bool) {
	switch userID {
	case c.From:
		return c.To, true
	case c.To:
		return c.From, true
	default:
		return "", false
	}
}

func (c Call) Involves(userID string) bool {
	return c.From == userID || c.To == userID
}
