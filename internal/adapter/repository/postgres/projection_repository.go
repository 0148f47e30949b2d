package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/session-projector/internal/domain"
)

// Rows are always locked in the order queue entry, run, session, day so that
// concurrent workers touching overlapping keys cannot deadlock.
const (
	lockEntryQuery = `SELECT status, COALESCE(lease_owner, '') FROM event_queue WHERE queue_id = $1 FOR UPDATE`

	loadRawEventQuery = `
		SELECT event_id, org_id, session_id, COALESCE(run_id, ''), type, payload, occurred_at, received_at
		FROM raw_events WHERE event_id = $1`

	markAppliedQuery = `INSERT INTO applied_events (event_id, queue_id) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`

	retireQuery = `
		UPDATE event_queue
		SET status = 'done', lease_owner = NULL, lease_expires_at = NULL, last_error = NULL
		WHERE queue_id = $1`

	ensureRunQuery = `INSERT INTO run_facts (run_id, org_id, session_id) VALUES ($1, $2, $3) ON CONFLICT (run_id) DO NOTHING`
	loadRunQuery   = `
		SELECT run_id, org_id, session_id, status, started_at, completed_at, duration_ms,
		       cost, tokens, error_message, status_at, status_event_id
		FROM run_facts WHERE run_id = $1 FOR UPDATE`
	updateRunQuery = `
		UPDATE run_facts
		SET status = $2, started_at = $3, completed_at = $4, duration_ms = $5, cost = $6, tokens = $7,
		    error_message = $8, status_at = $9, status_event_id = $10
		WHERE run_id = $1`

	ensureSessionQuery = `INSERT INTO session_stats (session_id, org_id) VALUES ($1, $2) ON CONFLICT (session_id) DO NOTHING`
	loadSessionQuery   = `
		SELECT session_id, org_id, status, started_at, ended_at, run_count, completed_runs, failed_runs,
		       message_count, handoff_count, handoff_rate, handoff_history, last_handoff_at,
		       total_cost, total_tokens, first_event_at, last_event_at, status_at, status_event_id
		FROM session_stats WHERE session_id = $1 FOR UPDATE`
	updateSessionQuery = `
		UPDATE session_stats
		SET status = $2, started_at = $3, ended_at = $4, run_count = $5, completed_runs = $6,
		    failed_runs = $7, message_count = $8, handoff_count = $9, handoff_rate = $10,
		    handoff_history = $11, last_handoff_at = $12, total_cost = $13, total_tokens = $14,
		    first_event_at = $15, last_event_at = $16, status_at = $17, status_event_id = $18
		WHERE session_id = $1`

	ensureDailyQuery = `INSERT INTO daily_aggregate (org_id, date) VALUES ($1, $2::date) ON CONFLICT (org_id, date) DO NOTHING`
	loadDailyQuery   = `
		SELECT org_id, date::text, event_count, sessions_started, sessions_ended, runs_started,
		       runs_completed, runs_failed, handoffs, messages, cost, tokens, last_event_at
		FROM daily_aggregate WHERE org_id = $1 AND date = $2::date FOR UPDATE`
	updateDailyQuery = `
		UPDATE daily_aggregate
		SET event_count = $3, sessions_started = $4, sessions_ended = $5, runs_started = $6,
		    runs_completed = $7, runs_failed = $8, handoffs = $9, messages = $10, cost = $11,
		    tokens = $12, last_event_at = $13
		WHERE org_id = $1 AND date = $2::date`
)

// ProjectionRepository implements domain.ProjectionRepository on PostgreSQL.
type ProjectionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewProjectionRepository creates a new PostgreSQL projection repository.
func NewProjectionRepository(db *sql.DB, logger *slog.Logger) *ProjectionRepository {
	return &ProjectionRepository{db: db, logger: logger.With("component", "projection_repository")}
}

// ApplyProjection folds one queue entry's event into the read models and
// retires the entry, all in a single transaction.
func (r *ProjectionRepository) ApplyProjection(ctx context.Context, entry domain.QueueEntry, owner string, fold domain.FoldFunc) (domain.ApplyResult, error) {
	var result domain.ApplyResult

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, classify("begin projection transaction", err)
	}
	defer tx.Rollback()

	var status, leaseOwner string
	if err := tx.QueryRowContext(ctx, lockEntryQuery, entry.QueueID).Scan(&status, &leaseOwner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, domain.ErrLeaseLost
		}
		return result, classify("lock queue entry", err)
	}
	if domain.QueueStatus(status) != domain.QueueLeased || leaseOwner != owner {
		return result, domain.ErrLeaseLost
	}

	ev, err := loadRawEvent(ctx, tx, entry.EventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, &domain.ProjectionError{EventID: entry.EventID, Err: errors.New("raw event missing")}
		}
		return result, classify("load raw event", err)
	}
	result.EventType = ev.Type

	res, err := tx.ExecContext(ctx, markAppliedQuery, ev.EventID, entry.QueueID)
	if err != nil {
		return result, classify("mark event applied", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		result.Duplicate = true
		r.logger.Info("event already incorporated, retiring entry", "event_id", ev.EventID, "queue_id", entry.QueueID)
	} else {
		state, err := loadState(ctx, tx, ev)
		if err != nil {
			return result, classify("load read models", err)
		}
		next, err := fold(state, ev)
		if err != nil {
			return result, err
		}
		if err := writeState(ctx, tx, next); err != nil {
			if isDataError(err) {
				return result, &domain.ProjectionError{EventID: ev.EventID, EventType: ev.Type, Err: err}
			}
			return result, classify("write read models", err)
		}
	}

	if _, err := tx.ExecContext(ctx, retireQuery, entry.QueueID); err != nil {
		return result, classify("retire queue entry", err)
	}
	if err := tx.Commit(); err != nil {
		return result, classify("commit projection transaction", err)
	}
	return result, nil
}

func loadRawEvent(ctx context.Context, tx *sql.Tx, eventID string) (domain.RawEvent, error) {
	var (
		ev      domain.RawEvent
		typ     string
		payload []byte
	)
	err := tx.QueryRowContext(ctx, loadRawEventQuery, eventID).Scan(
		&ev.EventID, &ev.OrgID, &ev.SessionID, &ev.RunID, &typ, &payload, &ev.OccurredAt, &ev.ReceivedAt,
	)
	if err != nil {
		return ev, err
	}
	ev.Type = domain.EventType(typ)
	ev.Payload = json.RawMessage(payload)
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return ev, nil
}

func loadState(ctx context.Context, tx *sql.Tx, ev domain.RawEvent) (domain.ReadModelSet, error) {
	var state domain.ReadModelSet

	if ev.Type.RequiresRun() && ev.RunID != "" {
		if _, err := tx.ExecContext(ctx, ensureRunQuery, ev.RunID, ev.OrgID, ev.SessionID); err != nil {
			return state, err
		}
		run, err := loadRun(ctx, tx, ev.RunID)
		if err != nil {
			return state, err
		}
		state.Run = &run
	}

	if _, err := tx.ExecContext(ctx, ensureSessionQuery, ev.SessionID, ev.OrgID); err != nil {
		return state, err
	}
	session, err := loadSession(ctx, tx, ev.SessionID)
	if err != nil {
		return state, err
	}
	state.Session = session

	day := domain.DayOf(ev.OccurredAt).Format(time.DateOnly)
	if _, err := tx.ExecContext(ctx, ensureDailyQuery, ev.OrgID, day); err != nil {
		return state, err
	}
	daily, err := loadDaily(ctx, tx, ev.OrgID, day)
	if err != nil {
		return state, err
	}
	state.Daily = daily
	return state, nil
}

func loadRun(ctx context.Context, tx *sql.Tx, runID string) (domain.RunFacts, error) {
	var (
		run                           domain.RunFacts
		startedAt, completedAt, markAt sql.NullTime
		duration                      sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, loadRunQuery, runID).Scan(
		&run.RunID, &run.OrgID, &run.SessionID, &run.Status, &startedAt, &completedAt, &duration,
		&run.Cost, &run.Tokens, &run.ErrorMessage, &markAt, &run.StatusMark.EventID,
	)
	if err != nil {
		return run, err
	}
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.StatusMark.At = timePtr(markAt)
	if duration.Valid {
		d := duration.Int64
		run.DurationMs = &d
	}
	return run, nil
}

func loadSession(ctx context.Context, tx *sql.Tx, sessionID string) (domain.SessionStats, error) {
	var (
		s                                       domain.SessionStats
		startedAt, endedAt, lastHandoffAt       sql.NullTime
		firstEventAt, lastEventAt, statusMarkAt sql.NullTime
		history                                 []byte
	)
	err := tx.QueryRowContext(ctx, loadSessionQuery, sessionID).Scan(
		&s.SessionID, &s.OrgID, &s.Status, &startedAt, &endedAt, &s.RunCount, &s.CompletedRuns, &s.FailedRuns,
		&s.MessageCount, &s.HandoffCount, &s.HandoffRate, &history, &lastHandoffAt,
		&s.TotalCost, &s.TotalTokens, &firstEventAt, &lastEventAt, &statusMarkAt, &s.StatusMark.EventID,
	)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(history, &s.HandoffHistory); err != nil {
		return s, fmt.Errorf("decode handoff history: %w", err)
	}
	if len(s.HandoffHistory) == 0 {
		s.HandoffHistory = nil
	}
	for i := range s.HandoffHistory {
		s.HandoffHistory[i].OccurredAt = s.HandoffHistory[i].OccurredAt.UTC()
	}
	s.StartedAt = timePtr(startedAt)
	s.EndedAt = timePtr(endedAt)
	s.LastHandoffAt = timePtr(lastHandoffAt)
	s.FirstEventAt = timePtr(firstEventAt)
	s.LastEventAt = timePtr(lastEventAt)
	s.StatusMark.At = timePtr(statusMarkAt)
	return s, nil
}

func loadDaily(ctx context.Context, tx *sql.Tx, orgID, day string) (domain.DailyAggregate, error) {
	var (
		d           domain.DailyAggregate
		date        string
		lastEventAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, loadDailyQuery, orgID, day).Scan(
		&d.OrgID, &date, &d.EventCount, &d.SessionsStarted, &d.SessionsEnded, &d.RunsStarted,
		&d.RunsCompleted, &d.RunsFailed, &d.Handoffs, &d.Messages, &d.Cost, &d.Tokens, &lastEventAt,
	)
	if err != nil {
		return d, err
	}
	parsed, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return d, fmt.Errorf("parse aggregate date %q: %w", date, err)
	}
	d.Date = parsed
	d.LastEventAt = timePtr(lastEventAt)
	return d, nil
}

func writeState(ctx context.Context, tx *sql.Tx, s domain.ReadModelSet) error {
	if run := s.Run; run != nil {
		_, err := tx.ExecContext(ctx, updateRunQuery,
			run.RunID, run.Status, run.StartedAt, run.CompletedAt, run.DurationMs, run.Cost, run.Tokens,
			run.ErrorMessage, run.StatusMark.At, run.StatusMark.EventID,
		)
		if err != nil {
			return err
		}
	}

	history := s.Session.HandoffHistory
	if history == nil {
		history = []domain.Handoff{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode handoff history: %w", err)
	}
	ss := s.Session
	_, err = tx.ExecContext(ctx, updateSessionQuery,
		ss.SessionID, ss.Status, ss.StartedAt, ss.EndedAt, ss.RunCount, ss.CompletedRuns,
		ss.FailedRuns, ss.MessageCount, ss.HandoffCount, ss.HandoffRate,
		string(historyJSON), ss.LastHandoffAt, ss.TotalCost, ss.TotalTokens,
		ss.FirstEventAt, ss.LastEventAt, ss.StatusMark.At, ss.StatusMark.EventID,
	)
	if err != nil {
		return err
	}

	d := s.Daily
	_, err = tx.ExecContext(ctx, updateDailyQuery,
		d.OrgID, d.Date.Format(time.DateOnly), d.EventCount, d.SessionsStarted, d.SessionsEnded,
		d.RunsStarted, d.RunsCompleted, d.RunsFailed, d.Handoffs, d.Messages, d.Cost, d.Tokens,
		d.LastEventAt,
	)
	return err
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	at := t.Time.UTC()
	return &at
}
