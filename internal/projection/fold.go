// Package projection holds the pure folds that turn raw events into read-model
// state. Nothing here reads the clock or touches storage; the repositories run
// Fold inside their transaction and persist whatever it returns.
package projection

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/V4T54L/session-projector/internal/domain"
)

type foldFn func(state *domain.ReadModelSet, ev domain.RawEvent) error

// folds is the dispatch table over the closed event taxonomy.
var folds = map[domain.EventType]foldFn{
	domain.EventSessionStarted: foldSessionStarted,
	domain.EventSessionEnded:   foldSessionEnded,
	domain.EventRunStarted:     foldRunStarted,
	domain.EventRunCompleted:   foldRunCompleted,
	domain.EventRunFailed:      foldRunFailed,
	domain.EventSessionHandoff: foldSessionHandoff,
	domain.EventMessageSent:    foldMessageSent,
}

// Handles reports whether a fold is registered for t.
func Handles(t domain.EventType) bool {
	_, ok := folds[t]
	return ok
}

// Fold applies one event to the read-model state it touches. It satisfies domain.FoldFunc.
//
// Counter fields grow on every call, so callers must only fold an event that
// has not been incorporated before. Everything else is safe to re-apply:
// order-sensitive fields move forward by (occurredAt, eventId) watermark and
// min/max fields commute.
func Fold(state domain.ReadModelSet, ev domain.RawEvent) (domain.ReadModelSet, error) {
	fn, ok := folds[ev.Type]
	if !ok {
		return state, projectionErr(ev, fmt.Errorf("no fold registered for event type %q", ev.Type))
	}
	if ev.Type.RequiresRun() && ev.RunID == "" {
		return state, projectionErr(ev, errors.New("run event without runId"))
	}

	next := clone(state)
	if err := bind(&next, ev); err != nil {
		return state, projectionErr(ev, err)
	}
	if err := fn(&next, ev); err != nil {
		return state, projectionErr(ev, err)
	}

	at := ev.OccurredAt.UTC()
	next.Session.FirstEventAt = earliest(next.Session.FirstEventAt, at)
	next.Session.LastEventAt = latest(next.Session.LastEventAt, at)
	if next.Session.Status == "" {
		next.Session.Status = domain.SessionActive
	}
	next.Daily.EventCount++
	next.Daily.LastEventAt = latest(next.Daily.LastEventAt, at)

	derive(&next)
	return next, nil
}

func projectionErr(ev domain.RawEvent, err error) error {
	return &domain.ProjectionError{EventID: ev.EventID, EventType: ev.Type, Err: err}
}

// bind fills the keys of freshly created rows and rejects state loaded for a different key.
func bind(s *domain.ReadModelSet, ev domain.RawEvent) error {
	switch s.Session.SessionID {
	case "":
		s.Session.SessionID = ev.SessionID
		s.Session.OrgID = ev.OrgID
	case ev.SessionID:
		if s.Session.OrgID != ev.OrgID {
			return fmt.Errorf("session %q belongs to org %q, event names org %q", ev.SessionID, s.Session.OrgID, ev.OrgID)
		}
	default:
		return fmt.Errorf("session state for %q given to event of session %q", s.Session.SessionID, ev.SessionID)
	}

	day := domain.DayOf(ev.OccurredAt)
	if s.Daily.OrgID == "" {
		s.Daily.OrgID = ev.OrgID
		s.Daily.Date = day
	} else if s.Daily.OrgID != ev.OrgID || !s.Daily.Date.Equal(day) {
		return fmt.Errorf("daily state for %s/%s given to event of %s/%s",
			s.Daily.OrgID, s.Daily.Date.Format(time.DateOnly), ev.OrgID, day.Format(time.DateOnly))
	}

	if !ev.Type.RequiresRun() {
		return nil
	}
	if s.Run == nil {
		s.Run = &domain.RunFacts{}
	}
	switch s.Run.RunID {
	case "":
		s.Run.RunID = ev.RunID
		s.Run.OrgID = ev.OrgID
		s.Run.SessionID = ev.SessionID
	case ev.RunID:
		if s.Run.OrgID != ev.OrgID {
			return fmt.Errorf("run %q belongs to org %q, event names org %q", ev.RunID, s.Run.OrgID, ev.OrgID)
		}
	default:
		return fmt.Errorf("run state for %q given to event of run %q", s.Run.RunID, ev.RunID)
	}
	return nil
}

func foldSessionStarted(s *domain.ReadModelSet, ev domain.RawEvent) error {
	var p sessionPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	at := ev.OccurredAt.UTC()
	s.Session.StartedAt = earliest(s.Session.StartedAt, at)
	if s.Session.StatusMark.Admits(at, ev.EventID) {
		s.Session.Status = domain.SessionActive
		s.Session.StatusMark = mark(at, ev.EventID)
	}
	s.Daily.SessionsStarted++
	return nil
}

func foldSessionEnded(s *domain.ReadModelSet, ev domain.RawEvent) error {
	var p sessionPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	at := ev.OccurredAt.UTC()
	s.Session.EndedAt = latest(s.Session.EndedAt, at)
	if s.Session.StatusMark.Admits(at, ev.EventID) {
		s.Session.Status = domain.SessionEnded
		s.Session.StatusMark = mark(at, ev.EventID)
	}
	s.Daily.SessionsEnded++
	return nil
}

func foldRunStarted(s *domain.ReadModelSet, ev domain.RawEvent) error {
	var p runStartedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	at := ev.OccurredAt.UTC()
	s.Run.StartedAt = earliest(s.Run.StartedAt, at)
	if s.Run.StatusMark.Admits(at, ev.EventID) {
		setRunStatus(s.Run, ev, domain.RunRunning, nil, "", nil)
	}
	s.Session.RunCount++
	s.Daily.RunsStarted++
	return nil
}

func foldRunCompleted(s *domain.ReadModelSet, ev domain.RawEvent) error {
	if err := applyRunOutcome(s, ev, domain.RunCompleted); err != nil {
		return err
	}
	s.Session.CompletedRuns++
	s.Daily.RunsCompleted++
	return nil
}

func foldRunFailed(s *domain.ReadModelSet, ev domain.RawEvent) error {
	if err := applyRunOutcome(s, ev, domain.RunFailed); err != nil {
		return err
	}
	s.Session.FailedRuns++
	s.Daily.RunsFailed++
	return nil
}

// setRunStatus overwrites every status-dependent field of a run together, so
// the row always reflects exactly the newest status event.
func setRunStatus(r *domain.RunFacts, ev domain.RawEvent, status string, completedAt *time.Time, errMsg string, durationMs *int64) {
	r.Status = status
	r.StatusMark = mark(ev.OccurredAt.UTC(), ev.EventID)
	r.CompletedAt = completedAt
	r.ErrorMessage = errMsg
	r.DurationMs = nil
	if durationMs != nil {
		d := *durationMs
		r.DurationMs = &d
	}
}

// applyRunOutcome records a terminal run event's usage and, if it is the
// newest status event seen, the terminal status.
func applyRunOutcome(s *domain.ReadModelSet, ev domain.RawEvent, status string) error {
	var p runOutcomePayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}

	at := ev.OccurredAt.UTC()
	if s.Run.StatusMark.Admits(at, ev.EventID) {
		setRunStatus(s.Run, ev, status, &at, p.Error, p.DurationMs)
	}

	s.Run.Cost += p.Cost
	s.Run.Tokens += p.Tokens
	s.Session.TotalCost += p.Cost
	s.Session.TotalTokens += p.Tokens
	s.Daily.Cost += p.Cost
	s.Daily.Tokens += p.Tokens
	return nil
}

func foldSessionHandoff(s *domain.ReadModelSet, ev domain.RawEvent) error {
	var p handoffPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	at := ev.OccurredAt.UTC()
	for _, h := range s.Session.HandoffHistory {
		if h.EventID == ev.EventID {
			return nil
		}
	}
	s.Session.HandoffHistory = append(s.Session.HandoffHistory, domain.Handoff{
		EventID:    ev.EventID,
		OccurredAt: at,
		FromAgent:  p.FromAgent,
		ToAgent:    p.ToAgent,
		Reason:     p.Reason,
	})
	sort.SliceStable(s.Session.HandoffHistory, func(i, j int) bool {
		a, b := s.Session.HandoffHistory[i], s.Session.HandoffHistory[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		return a.EventID < b.EventID
	})
	s.Session.LastHandoffAt = latest(s.Session.LastHandoffAt, at)
	s.Daily.Handoffs++
	return nil
}

func foldMessageSent(s *domain.ReadModelSet, ev domain.RawEvent) error {
	var p messagePayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	s.Session.MessageCount++
	s.Daily.Messages++
	return nil
}

// derive recomputes fields that are functions of other fields.
func derive(s *domain.ReadModelSet) {
	s.Session.HandoffCount = int64(len(s.Session.HandoffHistory))
	if s.Session.RunCount > 0 {
		s.Session.HandoffRate = float64(s.Session.HandoffCount) / float64(s.Session.RunCount)
	} else {
		s.Session.HandoffRate = 0
	}

	if r := s.Run; r != nil && r.StartedAt != nil && r.CompletedAt != nil && !r.CompletedAt.Before(*r.StartedAt) {
		d := r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
		r.DurationMs = &d
	}
}

func clone(s domain.ReadModelSet) domain.ReadModelSet {
	out := s
	if s.Run != nil {
		r := *s.Run
		out.Run = &r
	}
	if s.Session.HandoffHistory != nil {
		out.Session.HandoffHistory = append([]domain.Handoff(nil), s.Session.HandoffHistory...)
	}
	return out
}

func mark(at time.Time, eventID string) domain.Watermark {
	return domain.Watermark{At: &at, EventID: eventID}
}

func earliest(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.Before(*cur) {
		return &t
	}
	return cur
}

func latest(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}
