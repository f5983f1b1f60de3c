package stats

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics over a time range.

type CallsSummaryRequest struct {
	Range TimeRange `json:"range"`
}

type CallsSummary struct {
	TotalCalls       int `json:"total_calls"`
	EndedCalls       int `json:"ended_calls"`
	MissedCalls      int `json:"missed_calls"`
	RejectedCalls    int `json:"rejected_calls"`
	InterruptedCalls int `json:"interrupted_calls"`
	InProgressCalls  int `json:"in_progress_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// ConnectRate is the share of attempts that reached accepted.
	ConnectRate float64 `json:"connect_rate"`
}

// LiveSnapshot is the instantaneous view served by the stats endpoint:
// connected sockets from the local registry, cluster-wide online users from
// the presence cache, active calls and the monotonic call counter from the
// call cache.

type LiveSnapshot struct {
	ConnectedUsers int   `json:"connected_users"`
	OnlineUsers    int   `json:"online_users"`
	ActiveCalls    int   `json:"active_calls"`
	TotalCalls     int64 `json:"total_calls"`
}
