package domain

import "context"

// EventRepository is the intake side of the pipeline: the raw event store and
// the queue written together.
type EventRepository interface {
	// StoreAndEnqueue inserts the raw event and, only if it was new, a pending
	// queue entry, in one transaction. created is false for a duplicate event id.
	StoreAndEnqueue(ctx context.Context, event RawEvent) (created bool, err error)
}

// QueueRepository hands out leases on queue entries and records failures.
type QueueRepository interface {
	// ClaimBatch leases up to req.Limit claimable entries, oldest first.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]QueueEntry, error)

	// FailEntry releases a leased entry after a projection failure. The entry
	// returns to pending, or to dead once its attempts reach maxAttempts.
	FailEntry(ctx context.Context, entry QueueEntry, owner string, cause error, maxAttempts int) (QueueStatus, error)

	// Stats counts entries per status.
	Stats(ctx context.Context) (QueueStats, error)

	// ListDead returns dead-lettered entries, oldest first.
	ListDead(ctx context.Context, limit int) ([]QueueEntry, error)

	// RequeueDead moves a dead entry back to pending with a fresh attempt budget.
	RequeueDead(ctx context.Context, queueID int64) error
}

// ProjectionRepository runs one event's projection as a single transaction.
type ProjectionRepository interface {
	// ApplyProjection loads the entry's raw event and the read-model rows it
	// touches, folds the event in, writes the result, and retires the entry.
	// All of it commits together or not at all.
	ApplyProjection(ctx context.Context, entry QueueEntry, owner string, fold FoldFunc) (ApplyResult, error)
}

// HealthChecker runs a trivial storage round trip.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// APIKeyRepository resolves ingest API keys to the organization they belong to.
type APIKeyRepository interface {
	// LookupOrg returns the org bound to an active key. ok is false for an
	// unknown, inactive, or expired key.
	// Implementations should handle caching to reduce database load.
	LookupOrg(ctx context.Context, key string) (orgID string, ok bool, err error)
}

// WakeupNotifier tells idle workers that new work was enqueued. Delivery is
// best effort; workers still poll.
type WakeupNotifier interface {
	Notify(ctx context.Context) error
}
