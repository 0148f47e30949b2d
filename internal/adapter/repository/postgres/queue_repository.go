package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"

	"github.com/V4T54L/session-projector/internal/domain"
)

const queueColumns = `queue_id, event_id, enqueued_at, lease_owner, lease_expires_at, attempt_count, attempt_base, status, COALESCE(last_error, '')`

const (
	// deadLetterExpiredQuery retires leases that expired on their final attempt,
	// typically because the worker holding them crashed mid-projection.
	deadLetterExpiredQuery = `
		UPDATE event_queue
		SET status = 'dead',
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    last_error = COALESCE(last_error, 'lease expired on final attempt')
		WHERE queue_id IN (
			SELECT queue_id FROM event_queue
			WHERE status = 'leased' AND lease_expires_at < now()
			  AND attempt_count - attempt_base >= $1
			FOR UPDATE SKIP LOCKED
		)`

	// claimQuery leases the oldest claimable entries. SKIP LOCKED lets
	// concurrent claimants pass over rows another transaction is leasing.
	claimQuery = `
		UPDATE event_queue q
		SET status = 'leased',
		    lease_owner = $1,
		    lease_expires_at = now() + ($2::bigint * interval '1 millisecond'),
		    attempt_count = q.attempt_count + 1
		FROM (
			SELECT queue_id FROM event_queue
			WHERE status = 'pending'
			   OR (status = 'leased' AND lease_expires_at < now())
			ORDER BY enqueued_at, queue_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) claimable
		WHERE q.queue_id = claimable.queue_id
		RETURNING q.queue_id, q.event_id, q.enqueued_at, q.lease_owner, q.lease_expires_at,
		          q.attempt_count, q.attempt_base, q.status, COALESCE(q.last_error, '')`

	// failQuery measures attempts against attempt_base, which a requeue
	// advances in place of resetting attempt_count.
	failQuery = `
		UPDATE event_queue
		SET status = CASE WHEN attempt_count - attempt_base >= $3 THEN 'dead' ELSE 'pending' END,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    last_error = $4
		WHERE queue_id = $1 AND lease_owner = $2 AND status = 'leased'
		RETURNING status`

	statsQuery = `SELECT status, count(*), min(enqueued_at) FROM event_queue GROUP BY status`

	listDeadQuery = `SELECT ` + queueColumns + ` FROM event_queue WHERE status = 'dead' ORDER BY queue_id LIMIT $1`

	requeueDeadQuery = `
		UPDATE event_queue
		SET status = 'pending', attempt_base = attempt_count, lease_owner = NULL, lease_expires_at = NULL
		WHERE queue_id = $1 AND status = 'dead'`
)

// QueueRepository implements domain.QueueRepository on PostgreSQL.
type QueueRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQueueRepository creates a new PostgreSQL queue repository.
func NewQueueRepository(db *sql.DB, logger *slog.Logger) *QueueRepository {
	return &QueueRepository{db: db, logger: logger.With("component", "queue_repository")}
}

// ClaimBatch leases up to req.Limit entries, oldest first.
func (r *QueueRepository) ClaimBatch(ctx context.Context, req domain.ClaimRequest) ([]domain.QueueEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin claim transaction", err)
	}
	defer tx.Rollback()

	if req.MaxAttempts > 0 {
		res, err := tx.ExecContext(ctx, deadLetterExpiredQuery, req.MaxAttempts)
		if err != nil {
			return nil, classify("dead-letter expired leases", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			r.logger.Warn("dead-lettered entries whose final lease expired", "count", n)
		}
	}

	rows, err := tx.QueryContext(ctx, claimQuery, req.Owner, req.LeaseDuration.Milliseconds(), req.Limit)
	if err != nil {
		return nil, classify("claim batch", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, classify("scan claimed entries", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit claim transaction", err)
	}

	// RETURNING does not preserve the subquery's order.
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].QueueID < entries[j].QueueID
	})
	return entries, nil
}

// FailEntry releases a leased entry back to pending, or dead once it is out of attempts.
func (r *QueueRepository) FailEntry(ctx context.Context, entry domain.QueueEntry, owner string, cause error, maxAttempts int) (domain.QueueStatus, error) {
	var lastErr sql.NullString
	if cause != nil {
		lastErr = sql.NullString{String: cause.Error(), Valid: true}
	}

	var status string
	err := r.db.QueryRowContext(ctx, failQuery, entry.QueueID, owner, maxAttempts, lastErr).Scan(&status)
	if err == sql.ErrNoRows {
		return "", domain.ErrLeaseLost
	}
	if err != nil {
		return "", classify("fail queue entry", err)
	}
	return domain.QueueStatus(status), nil
}

// Stats counts entries per status.
func (r *QueueRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, statsQuery)
	if err != nil {
		return domain.QueueStats{}, classify("queue stats", err)
	}
	defer rows.Close()

	var stats domain.QueueStats
	for rows.Next() {
		var (
			status string
			count  int64
			oldest sql.NullTime
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return domain.QueueStats{}, classify("scan queue stats", err)
		}
		switch domain.QueueStatus(status) {
		case domain.QueuePending:
			stats.Pending = count
			if oldest.Valid {
				at := oldest.Time.UTC()
				stats.OldestPending = &at
			}
		case domain.QueueLeased:
			stats.Leased = count
		case domain.QueueDone:
			stats.Done = count
		case domain.QueueDead:
			stats.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueueStats{}, classify("read queue stats", err)
	}
	return stats, nil
}

// ListDead returns dead-lettered entries, oldest first.
func (r *QueueRepository) ListDead(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, listDeadQuery, limit)
	if err != nil {
		return nil, classify("list dead entries", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, classify("scan dead entries", err)
	}
	return entries, nil
}

// RequeueDead moves a dead entry back to pending with a fresh attempt budget.
// attempt_count is kept; the budget restarts from it.
func (r *QueueRepository) RequeueDead(ctx context.Context, queueID int64) error {
	res, err := r.db.ExecContext(ctx, requeueDeadQuery, queueID)
	if err != nil {
		return classify("requeue dead entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("requeue dead entry", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	r.logger.Info("dead entry requeued", "queue_id", queueID)
	return nil
}

func scanEntries(rows *sql.Rows) ([]domain.QueueEntry, error) {
	defer rows.Close()
	var entries []domain.QueueEntry
	for rows.Next() {
		var (
			e       domain.QueueEntry
			owner   sql.NullString
			expires sql.NullTime
			status  string
		)
		if err := rows.Scan(&e.QueueID, &e.EventID, &e.EnqueuedAt, &owner, &expires, &e.AttemptCount, &e.AttemptBase, &status, &e.LastError); err != nil {
			return nil, err
		}
		e.EnqueuedAt = e.EnqueuedAt.UTC()
		e.LeaseOwner = owner.String
		if expires.Valid {
			at := expires.Time.UTC()
			e.LeaseExpiresAt = &at
		}
		e.Status = domain.QueueStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
