package domain

import "time"

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueLeased  QueueStatus = "leased"
	QueueDone    QueueStatus = "done"
	QueueDead    QueueStatus = "dead"
)

// QueueEntry is the work item wrapping a RawEvent not yet projected.
type QueueEntry struct {
	QueueID        int64       `json:"queue_id"`
	EventID        string      `json:"event_id"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	LeaseOwner     string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	AttemptCount   int         `json:"attempt_count"`
	// AttemptBase is AttemptCount as of the last requeue. Attempts left are
	// measured from it so AttemptCount itself never decreases.
	AttemptBase    int         `json:"attempt_base,omitempty"`
	Status         QueueStatus `json:"status"`
	LastError      string      `json:"last_error,omitempty"`
}

// AttemptsSpent counts claims since the entry was enqueued or last requeued.
func (e QueueEntry) AttemptsSpent() int {
	return e.AttemptCount - e.AttemptBase
}

// ClaimRequest describes one claim call against the queue.
type ClaimRequest struct {
	Owner         string
	Limit         int
	LeaseDuration time.Duration
	// MaxAttempts is used to dead-letter expired leases that already spent
	// their final attempt instead of leasing them again.
	MaxAttempts int
}

// QueueStats summarises the queue by status.
type QueueStats struct {
	Pending       int64      `json:"pending"`
	Leased        int64      `json:"leased"`
	Done          int64      `json:"done"`
	Dead          int64      `json:"dead"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// ApplyResult reports what a projection transaction did.
type ApplyResult struct {
	EventType EventType
	// Duplicate is true when the event had already been incorporated and
	// only the queue entry was retired.
	Duplicate bool
}
