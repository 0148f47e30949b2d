package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/session-projector/internal/adapter/metrics"
	"github.com/V4T54L/session-projector/internal/adapter/repository/memory"
	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/domain/mocks"
	"github.com/V4T54L/session-projector/internal/projection"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func workerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerID:      "w1",
		BatchSize:     50,
		LeaseDuration: 30 * time.Second,
		MaxAttempts:   3,
		PollInterval:  10 * time.Millisecond,
	}
}

type pipeline struct {
	store   *memory.Store
	ingest  *IngestEventUseCase
	worker  *ProjectionWorker
	metrics *metrics.WorkerMetrics
}

func newPipeline(cfg WorkerConfig) *pipeline {
	store := memory.NewStore()
	m := metrics.NewWorkerMetrics(prometheus.NewRegistry())
	return &pipeline{
		store:   store,
		ingest:  NewIngestEventUseCase(store, nil, nil, discard),
		worker:  NewProjectionWorker(store, store, projection.Fold, cfg, m, discard),
		metrics: m,
	}
}

func (p *pipeline) submit(t *testing.T, id string, typ domain.EventType, at time.Time, payload string) IngestResult {
	t.Helper()
	ev := &domain.RawEvent{EventID: id, SessionID: "s1", OrgID: "org-1", Type: typ, OccurredAt: at}
	if typ.RequiresRun() {
		ev.RunID = "r1"
	}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	res, err := p.ingest.Ingest(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func TestProjectionWorker_RunCompletedIsProjectedOnce(t *testing.T) {
	p := newPipeline(workerConfig())
	ctx := context.Background()

	p.submit(t, "e1", domain.EventRunCompleted, t0, `{"cost":500,"tokens":1000}`)
	retired, err := p.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retired)

	run, ok := p.store.RunFacts("r1")
	require.True(t, ok)
	assert.Equal(t, int64(500), run.Cost)
	assert.Equal(t, int64(1000), run.Tokens)

	res := p.submit(t, "e1", domain.EventRunCompleted, t0, `{"cost":500,"tokens":1000}`)
	assert.True(t, res.Duplicate)
	retired, err = p.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, retired)

	again, _ := p.store.RunFacts("r1")
	assert.Equal(t, run, again)
}

func TestProjectionWorker_HandoffsCountedOnceInAnyOrder(t *testing.T) {
	p := newPipeline(workerConfig())

	// Later handoff enqueued first, and the earlier one submitted twice.
	p.submit(t, "h2", domain.EventSessionHandoff, t0.Add(time.Minute), `{"fromAgent":"b","toAgent":"c"}`)
	p.submit(t, "h1", domain.EventSessionHandoff, t0, `{"fromAgent":"a","toAgent":"b"}`)
	p.submit(t, "h1", domain.EventSessionHandoff, t0, `{"fromAgent":"a","toAgent":"b"}`)

	retired, err := p.worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, retired)

	session, ok := p.store.SessionStats("s1")
	require.True(t, ok)
	assert.Equal(t, int64(2), session.HandoffCount)
	require.Len(t, session.HandoffHistory, 2)
	assert.Equal(t, "h1", session.HandoffHistory[0].EventID)
}

func TestProjectionWorker_BatchSizeBoundsClaims(t *testing.T) {
	cfg := workerConfig()
	cfg.BatchSize = 2
	p := newPipeline(cfg)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p.submit(t, fmt.Sprintf("m%d", i), domain.EventMessageSent, t0, "")
	}

	retired, err := p.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, retired)
	stats, err := p.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(2), stats.Done)

	retired, err = p.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retired)

	daily, ok := p.store.DailyAggregate("org-1", t0)
	require.True(t, ok)
	assert.Equal(t, int64(3), daily.Messages)
	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.Batches))
}

func TestProjectionWorker_PoisonEventIsDeadLetteredWithoutBlocking(t *testing.T) {
	p := newPipeline(workerConfig())
	ctx := context.Background()

	p.submit(t, "bad", domain.EventRunCompleted, t0, `{"cost":-1}`)
	p.submit(t, "good", domain.EventMessageSent, t0, "")

	retired, err := p.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retired, "healthy entry retires alongside the poison one")

	for i := 0; i < 5; i++ {
		_, err := p.worker.ProcessBatch(ctx)
		require.NoError(t, err)
	}

	bad, ok := p.store.Entry("bad")
	require.True(t, ok)
	assert.Equal(t, domain.QueueDead, bad.Status)
	assert.Equal(t, 3, bad.AttemptCount, "retried exactly MAX_ATTEMPTS times")
	assert.Contains(t, bad.LastError, "cost must not be negative")

	good, _ := p.store.Entry("good")
	assert.Equal(t, domain.QueueDone, good.Status)

	assert.Equal(t, float64(3), testutil.ToFloat64(p.metrics.EntriesFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.EntriesDead))
	_, ok = p.store.RunFacts("r1")
	assert.False(t, ok, "failed projections leave no partial state")
}

func TestProjectionWorker_StorageOutageAbortsBatch(t *testing.T) {
	p := newPipeline(workerConfig())
	p.submit(t, "m1", domain.EventMessageSent, t0, "")
	p.store.SetUnavailable(errors.New("connection refused"))

	retired, err := p.worker.ProcessBatch(context.Background())
	assert.Zero(t, retired)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.TransientErrors))

	p.store.SetUnavailable(nil)
	retired, err = p.worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retired)
}

func TestProjectionWorker_EntryOutcomes(t *testing.T) {
	entries := []domain.QueueEntry{
		{QueueID: 1, EventID: "a", AttemptCount: 1},
		{QueueID: 2, EventID: "b", AttemptCount: 1},
		{QueueID: 3, EventID: "c", AttemptCount: 3},
		{QueueID: 4, EventID: "d", AttemptCount: 1},
	}

	t.Run("entry-local failures do not stop the batch", func(t *testing.T) {
		queue := &mocks.MockQueueRepository{ClaimResults: [][]domain.QueueEntry{entries}}
		projector := &mocks.MockProjectionRepository{Errs: map[int64]error{
			1: domain.ErrLeaseLost,
			3: &domain.ProjectionError{EventID: "c", Err: errors.New("bad payload")},
		}}
		w := NewProjectionWorker(queue, projector, projection.Fold, workerConfig(), nil, discard)

		retired, err := w.ProcessBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, retired)
		require.Len(t, queue.Failed, 1)
		assert.Equal(t, int64(3), queue.Failed[0].QueueID)
	})

	t.Run("storage failure stops the batch", func(t *testing.T) {
		queue := &mocks.MockQueueRepository{ClaimResults: [][]domain.QueueEntry{entries}}
		projector := &mocks.MockProjectionRepository{Errs: map[int64]error{
			2: fmt.Errorf("commit: %w", domain.ErrTransientStorage),
		}}
		w := NewProjectionWorker(queue, projector, projection.Fold, workerConfig(), nil, discard)

		retired, err := w.ProcessBatch(context.Background())
		assert.ErrorIs(t, err, domain.ErrTransientStorage)
		assert.Equal(t, 1, retired)
		assert.Len(t, projector.Applied, 1)
	})

	t.Run("unclassified error fails only its entry", func(t *testing.T) {
		queue := &mocks.MockQueueRepository{ClaimResults: [][]domain.QueueEntry{entries[:3]}}
		projector := &mocks.MockProjectionRepository{Errs: map[int64]error{
			1: errors.New("unexpected column type"),
		}}
		w := NewProjectionWorker(queue, projector, projection.Fold, workerConfig(), nil, discard)

		retired, err := w.ProcessBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, retired)
		assert.Len(t, projector.Applied, 2)
		require.Len(t, queue.Failed, 1)
		assert.Equal(t, int64(1), queue.Failed[0].QueueID)
	})

	t.Run("lost lease while recording a failure", func(t *testing.T) {
		queue := &mocks.MockQueueRepository{
			ClaimResults: [][]domain.QueueEntry{entries[2:3]},
			FailErr:      domain.ErrLeaseLost,
		}
		projector := &mocks.MockProjectionRepository{Errs: map[int64]error{
			3: &domain.ProjectionError{EventID: "c", Err: errors.New("bad payload")},
		}}
		w := NewProjectionWorker(queue, projector, projection.Fold, workerConfig(), nil, discard)

		retired, err := w.ProcessBatch(context.Background())
		require.NoError(t, err)
		assert.Zero(t, retired)
	})
}

func TestProjectionWorker_RunDrainsQueueAndStops(t *testing.T) {
	p := newPipeline(workerConfig())
	for i := 0; i < 5; i++ {
		p.submit(t, fmt.Sprintf("m%d", i), domain.EventMessageSent, t0, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.worker.Run(ctx) }()

	assert.Eventually(t, func() bool {
		stats, err := p.store.Stats(context.Background())
		return err == nil && stats.Done == 5
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestProjectionWorker_ShutdownFinishesInFlightBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &mocks.MockQueueRepository{ClaimResults: [][]domain.QueueEntry{{
		{QueueID: 1, EventID: "a"},
		{QueueID: 2, EventID: "b"},
		{QueueID: 3, EventID: "c"},
	}}}
	projector := &mocks.MockProjectionRepository{
		OnApply: func(domain.QueueEntry) { cancel() },
	}
	w := NewProjectionWorker(queue, projector, projection.Fold, workerConfig(), nil, discard)

	require.NoError(t, w.Run(ctx))
	assert.Len(t, projector.Applied, 3)
	assert.Equal(t, 1, queue.ClaimCalls, "no new batch is claimed after shutdown")
}

func TestProjectionWorker_WakeupCutsPollSleep(t *testing.T) {
	cfg := workerConfig()
	cfg.PollInterval = time.Hour
	p := newPipeline(cfg)
	wake := make(chan struct{}, 1)
	p.worker.SetWakeups(wake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.worker.Run(ctx) }()

	p.submit(t, "m1", domain.EventMessageSent, t0, "")
	wake <- struct{}{}

	assert.Eventually(t, func() bool {
		e, ok := p.store.Entry("m1")
		return ok && e.Status == domain.QueueDone
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
