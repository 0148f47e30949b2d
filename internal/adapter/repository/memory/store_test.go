package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/projection"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(WithClock(clock.Now)), clock
}

func rawEvent(id string, typ domain.EventType, payload string) domain.RawEvent {
	ev := domain.RawEvent{
		EventID:    id,
		SessionID:  "s1",
		OrgID:      "org-1",
		Type:       typ,
		OccurredAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	if typ.RequiresRun() {
		ev.RunID = "r1"
	}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return ev
}

func seed(t *testing.T, s *Store, clock *fakeClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		created, err := s.StoreAndEnqueue(context.Background(), rawEvent(fmt.Sprintf("e%d", i), domain.EventMessageSent, ""))
		require.NoError(t, err)
		require.True(t, created)
		clock.Advance(time.Millisecond)
	}
}

func claim(owner string, limit int) domain.ClaimRequest {
	return domain.ClaimRequest{Owner: owner, Limit: limit, LeaseDuration: 30 * time.Second, MaxAttempts: 3}
}

func TestStore_StoreAndEnqueueIsIdempotent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	created, err := s.StoreAndEnqueue(ctx, rawEvent("e1", domain.EventSessionStarted, ""))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.StoreAndEnqueue(ctx, rawEvent("e1", domain.EventSessionStarted, ""))
	require.NoError(t, err)
	assert.False(t, created)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestStore_ClaimBatchRespectsLimitAndOrder(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	seed(t, s, clock, 3)

	first, err := s.ClaimBatch(ctx, claim("w1", 2))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "e0", first[0].EventID)
	assert.Equal(t, "e1", first[1].EventID)
	for _, e := range first {
		assert.Equal(t, domain.QueueLeased, e.Status)
		assert.Equal(t, "w1", e.LeaseOwner)
		assert.Equal(t, 1, e.AttemptCount)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(2), stats.Leased)

	second, err := s.ClaimBatch(ctx, claim("w1", 2))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "e2", second[0].EventID)
}

func TestStore_ConcurrentClaimsNeverShareAnEntry(t *testing.T) {
	s, clock := newTestStore()
	seed(t, s, clock, 50)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		owner = map[int64]string{}
		dupes []int64
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(context.Background(), claim(name, 3))
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					if _, taken := owner[e.QueueID]; taken {
						dupes = append(dupes, e.QueueID)
					}
					owner[e.QueueID] = name
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Empty(t, dupes)
	assert.Len(t, owner, 50)
}

func TestStore_StaleLeaseBecomesClaimable(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	seed(t, s, clock, 1)

	batch, err := s.ClaimBatch(ctx, claim("w1", 10))
	require.NoError(t, err)
	require.Len(t, batch, 1)

	again, err := s.ClaimBatch(ctx, claim("w2", 10))
	require.NoError(t, err)
	assert.Empty(t, again, "live lease must not be handed out")

	clock.Advance(31 * time.Second)
	again, err = s.ClaimBatch(ctx, claim("w2", 10))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "w2", again[0].LeaseOwner)
	assert.Equal(t, 2, again[0].AttemptCount)

	_, err = s.ApplyProjection(ctx, batch[0], "w1", projection.Fold)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestStore_ExpiredFinalAttemptIsDeadLettered(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	seed(t, s, clock, 1)

	for i := 0; i < 3; i++ {
		batch, err := s.ClaimBatch(ctx, claim("w1", 1))
		require.NoError(t, err)
		require.Len(t, batch, 1)
		clock.Advance(time.Minute)
	}

	batch, err := s.ClaimBatch(ctx, claim("w1", 1))
	require.NoError(t, err)
	assert.Empty(t, batch)

	entry, ok := s.Entry("e0")
	require.True(t, ok)
	assert.Equal(t, domain.QueueDead, entry.Status)
	assert.Equal(t, 3, entry.AttemptCount)
}

func TestStore_FailEntry(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	seed(t, s, clock, 1)
	cause := errors.New("bad payload")

	batch, err := s.ClaimBatch(ctx, claim("w1", 1))
	require.NoError(t, err)

	_, err = s.FailEntry(ctx, batch[0], "someone-else", cause, 2)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	status, err := s.FailEntry(ctx, batch[0], "w1", cause, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.QueuePending, status)

	batch, err = s.ClaimBatch(ctx, claim("w1", 1))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	status, err = s.FailEntry(ctx, batch[0], "w1", cause, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueDead, status)

	dead, err := s.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad payload", dead[0].LastError)

	require.NoError(t, s.RequeueDead(ctx, dead[0].QueueID))
	entry, _ := s.Entry("e0")
	assert.Equal(t, domain.QueuePending, entry.Status)
	assert.Equal(t, 2, entry.AttemptCount)
	assert.Zero(t, entry.AttemptsSpent())

	assert.ErrorIs(t, s.RequeueDead(ctx, dead[0].QueueID), domain.ErrNotFound)
}

func TestStore_RequeueKeepsAttemptCountAndRestartsBudget(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	seed(t, s, clock, 1)
	cause := errors.New("bad payload")

	// Spend the whole budget of three.
	for i := 0; i < 3; i++ {
		batch, err := s.ClaimBatch(ctx, claim("w1", 1))
		require.NoError(t, err)
		require.Len(t, batch, 1)
		_, err = s.FailEntry(ctx, batch[0], "w1", cause, 3)
		require.NoError(t, err)
	}
	entry, _ := s.Entry("e0")
	require.Equal(t, domain.QueueDead, entry.Status)
	require.NoError(t, s.RequeueDead(ctx, entry.QueueID))

	last := 3
	for i := 0; i < 3; i++ {
		batch, err := s.ClaimBatch(ctx, claim("w1", 1))
		require.NoError(t, err)
		require.Len(t, batch, 1, "requeued entry has a fresh budget")
		assert.Greater(t, batch[0].AttemptCount, last, "attempt count never goes back")
		last = batch[0].AttemptCount
		// Let the lease lapse instead of failing it.
		clock.Advance(time.Minute)
	}

	batch, err := s.ClaimBatch(ctx, claim("w1", 1))
	require.NoError(t, err)
	assert.Empty(t, batch)

	entry, _ = s.Entry("e0")
	assert.Equal(t, domain.QueueDead, entry.Status)
	assert.Equal(t, 6, entry.AttemptCount)
	assert.Equal(t, 3, entry.AttemptBase)
}

func TestStore_ApplyProjectionRedeliveryIsNoOp(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.StoreAndEnqueue(ctx, rawEvent("e1", domain.EventRunCompleted, `{"cost":500,"tokens":1000}`))
	require.NoError(t, err)
	batch, err := s.ClaimBatch(ctx, claim("w1", 1))
	require.NoError(t, err)

	res, err := s.ApplyProjection(ctx, batch[0], "w1", projection.Fold)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	run, ok := s.RunFacts("r1")
	require.True(t, ok)
	session, _ := s.SessionStats("s1")

	// Simulate redelivery of an already incorporated event.
	s.mu.Lock()
	s.entries[0].Status = domain.QueueLeased
	s.entries[0].LeaseOwner = "w2"
	s.mu.Unlock()

	res, err = s.ApplyProjection(ctx, batch[0], "w2", projection.Fold)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	runAgain, _ := s.RunFacts("r1")
	sessionAgain, _ := s.SessionStats("s1")
	assert.Equal(t, run, runAgain)
	assert.Equal(t, session, sessionAgain)
	assert.Equal(t, int64(500), runAgain.Cost)
	assert.Equal(t, int64(1000), runAgain.Tokens)

	entry, _ := s.Entry("e1")
	assert.Equal(t, domain.QueueDone, entry.Status)
}

func TestStore_ApplyProjectionRollsBackOnFoldError(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.StoreAndEnqueue(ctx, rawEvent("e1", domain.EventRunCompleted, `{"cost":-5}`))
	require.NoError(t, err)
	batch, err := s.ClaimBatch(ctx, claim("w1", 1))
	require.NoError(t, err)

	_, err = s.ApplyProjection(ctx, batch[0], "w1", projection.Fold)
	assert.True(t, domain.IsProjection(err))

	_, ok := s.RunFacts("r1")
	assert.False(t, ok)
	_, ok = s.SessionStats("s1")
	assert.False(t, ok)
	entry, _ := s.Entry("e1")
	assert.Equal(t, domain.QueueLeased, entry.Status)
}

func TestStore_Unavailable(t *testing.T) {
	s, _ := newTestStore()
	s.SetUnavailable(errors.New("connection refused"))

	err := s.Ping(context.Background())
	assert.True(t, domain.IsTransient(err))
	_, err = s.StoreAndEnqueue(context.Background(), rawEvent("e1", domain.EventMessageSent, ""))
	assert.True(t, domain.IsTransient(err))

	s.SetUnavailable(nil)
	assert.NoError(t, s.Ping(context.Background()))
}
