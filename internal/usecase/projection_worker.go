package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/V4T54L/session-projector/internal/adapter/metrics"
	"github.com/V4T54L/session-projector/internal/domain"
)

// WorkerConfig tunes a ProjectionWorker.
type WorkerConfig struct {
	WorkerID      string
	BatchSize     int
	LeaseDuration time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
}

// ProjectionWorker claims queue entries and folds their events into the read
// models, one transaction per event.
type ProjectionWorker struct {
	queue     domain.QueueRepository
	projector domain.ProjectionRepository
	fold      domain.FoldFunc
	cfg       WorkerConfig
	metrics   *metrics.WorkerMetrics
	wake      <-chan struct{}
	logger    *slog.Logger
}

// NewProjectionWorker creates a worker. m may be nil.
func NewProjectionWorker(queue domain.QueueRepository, projector domain.ProjectionRepository, fold domain.FoldFunc, cfg WorkerConfig, m *metrics.WorkerMetrics, logger *slog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		queue:     queue,
		projector: projector,
		fold:      fold,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "projection_worker", "worker_id", cfg.WorkerID),
	}
}

// SetWakeups lets an idle worker skip the rest of its poll sleep when a signal
// arrives on wake.
func (w *ProjectionWorker) SetWakeups(wake <-chan struct{}) {
	w.wake = wake
}

// Run polls until ctx is cancelled. Cancellation is observed between batches
// and during the idle sleep; a batch already claimed is finished first.
func (w *ProjectionWorker) Run(ctx context.Context) error {
	w.logger.Info("projection worker started",
		"batch_size", w.cfg.BatchSize,
		"lease", w.cfg.LeaseDuration,
		"max_attempts", w.cfg.MaxAttempts,
		"poll_interval", w.cfg.PollInterval,
	)
	wake := w.wake

	for {
		if ctx.Err() != nil {
			w.logger.Info("projection worker stopped")
			return nil
		}

		// The batch runs detached from shutdown so no transaction is cut short.
		retired, err := w.ProcessBatch(context.WithoutCancel(ctx))
		if err != nil {
			w.logger.Error("batch aborted, backing off", "error", err, "retired", retired)
		}
		if err == nil && retired > 0 {
			continue
		}

		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
			}
		}
	}
}

// ProcessBatch claims up to BatchSize entries and projects them in enqueue
// order. It returns the number of entries retired. Failures local to one entry
// are recorded against it and never abort the batch; a storage failure aborts
// the rest of the batch, whose leases then expire and become reclaimable.
func (w *ProjectionWorker) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := w.queue.ClaimBatch(ctx, domain.ClaimRequest{
		Owner:         w.cfg.WorkerID,
		Limit:         w.cfg.BatchSize,
		LeaseDuration: w.cfg.LeaseDuration,
		MaxAttempts:   w.cfg.MaxAttempts,
	})
	if err != nil {
		w.countTransient(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if w.metrics != nil {
		w.metrics.Batches.Inc()
		w.metrics.EntriesClaimed.Add(float64(len(entries)))
	}
	w.logger.Debug("claimed batch", "count", len(entries))

	retired := 0
	for _, entry := range entries {
		ok, err := w.processEntry(ctx, entry)
		if err != nil {
			return retired, err
		}
		if ok {
			retired++
		}
	}

	w.logger.Info("batch processed", "claimed", len(entries), "retired", retired)
	return retired, nil
}

// processEntry reports whether the entry was retired. A non-nil error means
// storage is unavailable and the batch must stop.
func (w *ProjectionWorker) processEntry(ctx context.Context, entry domain.QueueEntry) (bool, error) {
	ctx, span := tracer.Start(ctx, "projection.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", entry.EventID),
		attribute.Int64("queue.id", entry.QueueID),
		attribute.Int("queue.attempt", entry.AttemptCount),
	)

	start := time.Now()
	result, err := w.projector.ApplyProjection(ctx, entry, w.cfg.WorkerID, w.fold)
	if w.metrics != nil {
		w.metrics.ProjectionDuration.Observe(time.Since(start).Seconds())
	}

	log := w.logger.With("event_id", entry.EventID, "queue_id", entry.QueueID, "attempt", entry.AttemptCount)

	switch {
	case err == nil:
		span.SetAttributes(attribute.String("event.type", string(result.EventType)), attribute.Bool("event.duplicate", result.Duplicate))
		if w.metrics != nil {
			w.metrics.EntriesRetired.WithLabelValues(string(result.EventType), strconv.FormatBool(result.Duplicate)).Inc()
		}
		return true, nil

	case errors.Is(err, domain.ErrLeaseLost):
		log.Warn("lease lost before projection committed")
		if w.metrics != nil {
			w.metrics.LeasesLost.Inc()
		}
		return false, nil

	case domain.IsProjection(err):
		span.RecordError(err)
		span.SetStatus(codes.Error, "projection failed")
		return false, w.fail(ctx, entry, err, log)

	case domain.IsTransient(err), errors.Is(err, context.Canceled):
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failure")
		w.countTransient(err)
		return false, err

	default:
		// Unclassified errors are local to the entry.
		span.RecordError(err)
		span.SetStatus(codes.Error, "projection failed")
		log.Error("unexpected projection error", "error", err)
		return false, w.fail(ctx, entry, err, log)
	}
}

func (w *ProjectionWorker) fail(ctx context.Context, entry domain.QueueEntry, cause error, log *slog.Logger) error {
	status, err := w.queue.FailEntry(ctx, entry, w.cfg.WorkerID, cause, w.cfg.MaxAttempts)
	switch {
	case errors.Is(err, domain.ErrLeaseLost):
		log.Warn("lease lost before failure was recorded", "error", cause)
		if w.metrics != nil {
			w.metrics.LeasesLost.Inc()
		}
		return nil
	case domain.IsTransient(err):
		w.countTransient(err)
		return err
	case err != nil:
		log.Error("could not record projection failure", "error", err, "cause", cause)
		return nil
	}

	if w.metrics != nil {
		w.metrics.EntriesFailed.Inc()
	}
	if status == domain.QueueDead {
		log.Error("event dead-lettered after exhausting attempts", "error", cause, "max_attempts", w.cfg.MaxAttempts)
		if w.metrics != nil {
			w.metrics.EntriesDead.Inc()
		}
		return nil
	}
	log.Warn("projection failed, entry will be retried", "error", cause)
	return nil
}

func (w *ProjectionWorker) countTransient(err error) {
	if w.metrics != nil && domain.IsTransient(err) {
		w.metrics.TransientErrors.Inc()
	}
}
