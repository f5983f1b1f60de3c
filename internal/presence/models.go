package presence

import "time"

// Record tracks one identity's reachability.
//
// Records are never deleted: an offline record keeps its LastSeen so
// "last seen" queries work after disconnect.
type Record struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Status      Status    `json:"status"`
	LastSeen    time.Time `json:"lastSeen"`
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy:
		return true
	default:
		return false
	}
}

// UpdateEvent is the wire event pushed to other connections on any presence
// transition.
type UpdateEvent struct {
	Type        string `json:"type"` // always "presence-update"
	UserID      string `json:"userId"`
	Status      Status `json:"status"`
	DisplayName string `json:"displayName,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}
