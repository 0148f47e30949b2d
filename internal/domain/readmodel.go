package domain

import "time"

// Run statuses recorded in RunFacts.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Session statuses recorded in SessionStats.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Watermark records the newest event incorporated for an order-sensitive field.
// Events compare by OccurredAt, then EventID.
type Watermark struct {
	At      *time.Time `json:"at,omitempty"`
	EventID string     `json:"event_id,omitempty"`
}

// Admits reports whether an event at (at, eventID) is strictly newer than the watermark.
func (w Watermark) Admits(at time.Time, eventID string) bool {
	if w.At == nil {
		return true
	}
	if at.After(*w.At) {
		return true
	}
	return at.Equal(*w.At) && eventID > w.EventID
}

// RunFacts is the per-run read model.
type RunFacts struct {
	RunID        string     `json:"run_id"`
	OrgID        string     `json:"org_id"`
	SessionID    string     `json:"session_id"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	Cost         int64      `json:"cost"`
	Tokens       int64      `json:"tokens"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StatusMark   Watermark  `json:"status_mark"`
}

// Handoff is one entry of a session's handoff history.
type Handoff struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	FromAgent  string    `json:"from_agent,omitempty"`
	ToAgent    string    `json:"to_agent,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// SessionStats is the per-session rollup.
type SessionStats struct {
	SessionID      string     `json:"session_id"`
	OrgID          string     `json:"org_id"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	RunCount       int64      `json:"run_count"`
	CompletedRuns  int64      `json:"completed_runs"`
	FailedRuns     int64      `json:"failed_runs"`
	MessageCount   int64      `json:"message_count"`
	HandoffCount   int64      `json:"handoff_count"`
	HandoffRate    float64    `json:"handoff_rate"`
	HandoffHistory []Handoff  `json:"handoff_history"`
	LastHandoffAt  *time.Time `json:"last_handoff_at,omitempty"`
	TotalCost      int64      `json:"total_cost"`
	TotalTokens    int64      `json:"total_tokens"`
	FirstEventAt   *time.Time `json:"first_event_at,omitempty"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	StatusMark     Watermark  `json:"status_mark"`
}

// DailyAggregate is the per-org, per-UTC-day rollup.
type DailyAggregate struct {
	OrgID           string     `json:"org_id"`
	Date            time.Time  `json:"date"`
	EventCount      int64      `json:"event_count"`
	SessionsStarted int64      `json:"sessions_started"`
	SessionsEnded   int64      `json:"sessions_ended"`
	RunsStarted     int64      `json:"runs_started"`
	RunsCompleted   int64      `json:"runs_completed"`
	RunsFailed      int64      `json:"runs_failed"`
	Handoffs        int64      `json:"handoffs"`
	Messages        int64      `json:"messages"`
	Cost            int64      `json:"cost"`
	Tokens          int64      `json:"tokens"`
	LastEventAt     *time.Time `json:"last_event_at,omitempty"`
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ReadModelSet is the slice of read-model state one event touches.
// Run is nil for events that carry no run id.
type ReadModelSet struct {
	Run     *RunFacts
	Session SessionStats
	Daily   DailyAggregate
}

// FoldFunc computes the new read-model state from the current state and one
// event. Implementations must be pure: no clock, no I/O.
type FoldFunc func(state ReadModelSet, event RawEvent) (ReadModelSet, error)
