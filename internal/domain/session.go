package domain

import "time"

// Session outcomes.
const (
	OutcomeRunning = "running"
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
)

// MatchRecord is one decided election match.
type MatchRecord struct {
	Winner DeviceAddress `json:"winner"`
	Loser  DeviceAddress `json:"loser"`
	Status string        `json:"status"`
}

// SessionRecord summarizes one discovery-election-sync run on this
// device.
type SessionRecord struct {
	ID            string        `json:"id"`
	Self          DeviceAddress `json:"self"`
	Roster        Roster        `json:"roster"`
	IsCoordinator bool          `json:"is_coordinator"`
	Coordinator   DeviceAddress `json:"coordinator,omitempty"`
	Offset        int64         `json:"offset"`
	StartTime     uint32        `json:"start_time,omitempty"`
	Stage         string        `json:"stage"`
	Outcome       string        `json:"outcome"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at,omitzero"`
	Matches       []MatchRecord `json:"matches,omitempty"`
	Samples       []ClockSample `json:"samples,omitempty"`
}

// Duration returns how long the session ran, or zero while it runs.
func (r SessionRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
