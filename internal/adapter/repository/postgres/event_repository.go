package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/V4T54L/session-projector/internal/domain"
)

const (
	// insertRawEventQuery is a no-op for an event id that is already stored;
	// RETURNING then yields no row, which is how a duplicate is detected.
	insertRawEventQuery = `
		INSERT INTO raw_events (event_id, org_id, session_id, run_id, type, payload, occurred_at, received_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id`

	enqueueQuery = `INSERT INTO event_queue (event_id, status) VALUES ($1, 'pending')`
)

// EventRepository implements domain.EventRepository on PostgreSQL.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new PostgreSQL event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger.With("component", "event_repository")}
}

// StoreAndEnqueue inserts the raw event and its queue entry in one transaction.
func (r *EventRepository) StoreAndEnqueue(ctx context.Context, event domain.RawEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("begin intake transaction", err)
	}
	defer tx.Rollback() // Rollback is a no-op if Commit() is called

	payload := string(event.Payload)
	if payload == "" || payload == "null" {
		payload = "{}"
	}

	var stored string
	err = tx.QueryRowContext(ctx, insertRawEventQuery,
		event.EventID, event.OrgID, event.SessionID, event.RunID, string(event.Type),
		payload, event.OccurredAt, event.ReceivedAt,
	).Scan(&stored)
	if err == sql.ErrNoRows {
		r.logger.Debug("duplicate event ignored", "event_id", event.EventID)
		return false, nil
	}
	if err != nil {
		return false, classify("insert raw event", err)
	}

	if _, err := tx.ExecContext(ctx, enqueueQuery, event.EventID); err != nil {
		return false, classify("enqueue event", err)
	}
	if err := tx.Commit(); err != nil {
		return false, classify("commit intake transaction", err)
	}
	return true, nil
}
