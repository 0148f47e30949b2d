package mocks

import (
	"context"
	"sync"

	"github.com/V4T54L/session-projector/internal/domain"
)

// MockEventRepository is a mock implementation of domain.EventRepository for testing.
type MockEventRepository struct {
	mu       sync.Mutex
	Stored   []domain.RawEvent
	seen     map[string]bool
	StoreErr error
}

func (m *MockEventRepository) StoreAndEnqueue(ctx context.Context, event domain.RawEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return false, m.StoreErr
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[event.EventID] {
		return false, nil
	}
	m.seen[event.EventID] = true
	m.Stored = append(m.Stored, event)
	return true, nil
}

// MockQueueRepository is a mock implementation of domain.QueueRepository for testing.
// ClaimResults are handed out one per call; once exhausted, claims return nothing.
type MockQueueRepository struct {
	mu           sync.Mutex
	ClaimResults [][]domain.QueueEntry
	ClaimErr     error
	ClaimCalls   int
	Failed       []domain.QueueEntry
	FailStatus   domain.QueueStatus
	FailErr      error
	StatsResult  domain.QueueStats
	DeadEntries  []domain.QueueEntry
	Requeued     []int64
	AdminErr     error
}

func (m *MockQueueRepository) ClaimBatch(ctx context.Context, req domain.ClaimRequest) ([]domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClaimCalls++
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	if len(m.ClaimResults) == 0 {
		return nil, nil
	}
	batch := m.ClaimResults[0]
	m.ClaimResults = m.ClaimResults[1:]
	return batch, nil
}

func (m *MockQueueRepository) FailEntry(ctx context.Context, entry domain.QueueEntry, owner string, cause error, maxAttempts int) (domain.QueueStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailErr != nil {
		return "", m.FailErr
	}
	m.Failed = append(m.Failed, entry)
	if m.FailStatus != "" {
		return m.FailStatus, nil
	}
	if entry.AttemptsSpent() >= maxAttempts {
		return domain.QueueDead, nil
	}
	return domain.QueuePending, nil
}

func (m *MockQueueRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StatsResult, m.AdminErr
}

func (m *MockQueueRepository) ListDead(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AdminErr != nil {
		return nil, m.AdminErr
	}
	if len(m.DeadEntries) > limit {
		return m.DeadEntries[:limit], nil
	}
	return m.DeadEntries, nil
}

func (m *MockQueueRepository) RequeueDead(ctx context.Context, queueID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AdminErr != nil {
		return m.AdminErr
	}
	for _, e := range m.DeadEntries {
		if e.QueueID == queueID {
			m.Requeued = append(m.Requeued, queueID)
			return nil
		}
	}
	return domain.ErrNotFound
}

// MockProjectionRepository is a mock implementation of domain.ProjectionRepository.
// Errs maps a queue id to the error its projection returns.
type MockProjectionRepository struct {
	mu      sync.Mutex
	Applied []domain.QueueEntry
	Errs    map[int64]error
	// OnApply, when set, runs before each projection; tests use it to cancel contexts mid-batch.
	OnApply func(entry domain.QueueEntry)
}

func (m *MockProjectionRepository) ApplyProjection(ctx context.Context, entry domain.QueueEntry, owner string, fold domain.FoldFunc) (domain.ApplyResult, error) {
	if m.OnApply != nil {
		m.OnApply(entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs[entry.QueueID]; err != nil {
		return domain.ApplyResult{}, err
	}
	m.Applied = append(m.Applied, entry)
	return domain.ApplyResult{EventType: domain.EventMessageSent}, nil
}

// MockHealthChecker is a mock implementation of domain.HealthChecker.
type MockHealthChecker struct {
	Err error
}

func (m *MockHealthChecker) Ping(ctx context.Context) error {
	return m.Err
}

// MockAPIKeyRepository is a mock implementation of domain.APIKeyRepository.
type MockAPIKeyRepository struct {
	mu      sync.Mutex
	Keys    map[string]string // key -> org
	Err     error
	Lookups int
}

func (m *MockAPIKeyRepository) LookupOrg(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lookups++
	if m.Err != nil {
		return "", false, m.Err
	}
	org, ok := m.Keys[key]
	return org, ok, nil
}

// MockNotifier is a mock implementation of domain.WakeupNotifier.
type MockNotifier struct {
	mu    sync.Mutex
	Calls int
	Err   error
	// Hang makes Notify block until ctx is done, like an unreachable broker.
	Hang  bool
}

func (m *MockNotifier) Notify(ctx context.Context) error {
	m.mu.Lock()
	m.Calls++
	hang, err := m.Hang, m.Err
	m.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (m *MockNotifier) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
