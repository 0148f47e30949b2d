// Package memory provides an in-process implementation of the pipeline's
// repositories. It follows the same claim, lease, and projection rules as the
// PostgreSQL adapter, with a single mutex standing in for transactions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/session-projector/internal/domain"
)

type dailyKey struct {
	orgID string
	date  string
}

func keyOf(orgID string, date time.Time) dailyKey {
	return dailyKey{orgID: orgID, date: date.Format(time.DateOnly)}
}

// Store keeps raw events, queue entries, and read models in memory.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	unavailable error

	events      map[string]domain.RawEvent
	entries     []*domain.QueueEntry
	nextQueueID int64
	applied     map[string]struct{}

	runs     map[string]domain.RunFacts
	sessions map[string]domain.SessionStats
	daily    map[dailyKey]domain.DailyAggregate
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for enqueue times and leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		events:   make(map[string]domain.RawEvent),
		applied:  make(map[string]struct{}),
		runs:     make(map[string]domain.RunFacts),
		sessions: make(map[string]domain.SessionStats),
		daily:    make(map[dailyKey]domain.DailyAggregate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnavailable makes every operation fail with a transient storage error
// until called again with nil.
func (s *Store) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

func (s *Store) checkAvailable() error {
	if s.unavailable != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStorage, s.unavailable)
	}
	return nil
}

// Ping implements domain.HealthChecker.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkAvailable()
}

// StoreAndEnqueue implements domain.EventRepository.
func (s *Store) StoreAndEnqueue(ctx context.Context, event domain.RawEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return false, err
	}

	if _, exists := s.events[event.EventID]; exists {
		return false, nil
	}
	s.events[event.EventID] = event
	s.nextQueueID++
	s.entries = append(s.entries, &domain.QueueEntry{
		QueueID:    s.nextQueueID,
		EventID:    event.EventID,
		EnqueuedAt: s.now().UTC(),
		Status:     domain.QueuePending,
	})
	return true, nil
}

// ClaimBatch implements domain.QueueRepository.
func (s *Store) ClaimBatch(ctx context.Context, req domain.ClaimRequest) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var claimable []*domain.QueueEntry
	for _, e := range s.entries {
		switch {
		case e.Status == domain.QueuePending:
			claimable = append(claimable, e)
		case e.Status == domain.QueueLeased && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now):
			if req.MaxAttempts > 0 && e.AttemptsSpent() >= req.MaxAttempts {
				e.Status = domain.QueueDead
				e.LeaseOwner = ""
				e.LeaseExpiresAt = nil
				if e.LastError == "" {
					e.LastError = "lease expired on final attempt"
				}
				continue
			}
			claimable = append(claimable, e)
		}
	}

	sort.SliceStable(claimable, func(i, j int) bool {
		if !claimable[i].EnqueuedAt.Equal(claimable[j].EnqueuedAt) {
			return claimable[i].EnqueuedAt.Before(claimable[j].EnqueuedAt)
		}
		return claimable[i].QueueID < claimable[j].QueueID
	})
	if len(claimable) > req.Limit {
		claimable = claimable[:req.Limit]
	}

	expires := now.Add(req.LeaseDuration)
	out := make([]domain.QueueEntry, 0, len(claimable))
	for _, e := range claimable {
		e.Status = domain.QueueLeased
		e.LeaseOwner = req.Owner
		e.LeaseExpiresAt = &expires
		e.AttemptCount++
		out = append(out, *e)
	}
	return out, nil
}

// FailEntry implements domain.QueueRepository.
func (s *Store) FailEntry(ctx context.Context, entry domain.QueueEntry, owner string, cause error, maxAttempts int) (domain.QueueStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return "", err
	}

	e, err := s.leasedBy(entry.QueueID, owner)
	if err != nil {
		return "", err
	}
	e.Status = domain.QueuePending
	if e.AttemptsSpent() >= maxAttempts {
		e.Status = domain.QueueDead
	}
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	if cause != nil {
		e.LastError = cause.Error()
	}
	return e.Status, nil
}

// ApplyProjection implements domain.ProjectionRepository.
func (s *Store) ApplyProjection(ctx context.Context, entry domain.QueueEntry, owner string, fold domain.FoldFunc) (domain.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return domain.ApplyResult{}, err
	}

	e, err := s.leasedBy(entry.QueueID, owner)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	ev, ok := s.events[e.EventID]
	if !ok {
		return domain.ApplyResult{}, &domain.ProjectionError{EventID: e.EventID, Err: fmt.Errorf("raw event missing")}
	}
	result := domain.ApplyResult{EventType: ev.Type}

	if _, done := s.applied[ev.EventID]; done {
		result.Duplicate = true
		s.retire(e)
		return result, nil
	}

	state := s.load(ev)
	next, err := fold(state, ev)
	if err != nil {
		return result, err
	}

	if next.Run != nil {
		s.runs[next.Run.RunID] = *next.Run
	}
	s.sessions[next.Session.SessionID] = next.Session
	s.daily[keyOf(next.Daily.OrgID, next.Daily.Date)] = next.Daily
	s.applied[ev.EventID] = struct{}{}
	s.retire(e)
	return result, nil
}

func (s *Store) load(ev domain.RawEvent) domain.ReadModelSet {
	var state domain.ReadModelSet
	if ev.Type.RequiresRun() && ev.RunID != "" {
		if r, ok := s.runs[ev.RunID]; ok {
			state.Run = &r
		}
	}
	state.Session = s.sessions[ev.SessionID]
	state.Daily = s.daily[keyOf(ev.OrgID, domain.DayOf(ev.OccurredAt))]
	return state
}

func (s *Store) retire(e *domain.QueueEntry) {
	e.Status = domain.QueueDone
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.LastError = ""
}

func (s *Store) leasedBy(queueID int64, owner string) (*domain.QueueEntry, error) {
	for _, e := range s.entries {
		if e.QueueID != queueID {
			continue
		}
		if e.Status != domain.QueueLeased || e.LeaseOwner != owner {
			return nil, domain.ErrLeaseLost
		}
		return e, nil
	}
	return nil, domain.ErrLeaseLost
}

// Stats implements domain.QueueRepository.
func (s *Store) Stats(ctx context.Context) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return domain.QueueStats{}, err
	}

	var stats domain.QueueStats
	for _, e := range s.entries {
		switch e.Status {
		case domain.QueuePending:
			stats.Pending++
			if stats.OldestPending == nil || e.EnqueuedAt.Before(*stats.OldestPending) {
				at := e.EnqueuedAt
				stats.OldestPending = &at
			}
		case domain.QueueLeased:
			stats.Leased++
		case domain.QueueDone:
			stats.Done++
		case domain.QueueDead:
			stats.Dead++
		}
	}
	return stats, nil
}

// ListDead implements domain.QueueRepository.
func (s *Store) ListDead(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	var out []domain.QueueEntry
	for _, e := range s.entries {
		if e.Status == domain.QueueDead {
			out = append(out, *e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// RequeueDead implements domain.QueueRepository.
func (s *Store) RequeueDead(ctx context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}

	for _, e := range s.entries {
		if e.QueueID == queueID && e.Status == domain.QueueDead {
			e.Status = domain.QueuePending
			e.AttemptBase = e.AttemptCount
			e.LeaseOwner = ""
			e.LeaseExpiresAt = nil
			return nil
		}
	}
	return domain.ErrNotFound
}

// Entry returns a copy of the queue entry for eventID.
func (s *Store) Entry(eventID string) (domain.QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.EventID == eventID {
			return *e, true
		}
	}
	return domain.QueueEntry{}, false
}

// RunFacts returns the run read model for runID.
func (s *Store) RunFacts(runID string) (domain.RunFacts, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	return r, ok
}

// SessionStats returns the session read model for sessionID.
func (s *Store) SessionStats(sessionID string) (domain.SessionStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	return st, ok
}

// DailyAggregate returns the daily rollup for an org and UTC day.
func (s *Store) DailyAggregate(orgID string, day time.Time) (domain.DailyAggregate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.daily[keyOf(orgID, domain.DayOf(day))]
	return d, ok
}
