package usecase

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/V4T54L/session-projector/internal/adapter/pii"
	"github.com/V4T54L/session-projector/internal/domain"
)

// notifyTimeout caps the wake-up publish so a slow broker cannot hold up the
// ingest response. The event is already durable by then.
const notifyTimeout = 250 * time.Millisecond

var tracer = otel.Tracer("github.com/V4T54L/session-projector/internal/usecase")

// IngestResult acknowledges a stored event.
type IngestResult struct {
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
}

// IngestEventUseCase handles the business logic for ingesting an event.
type IngestEventUseCase struct {
	repo     domain.EventRepository
	redactor *pii.Redactor
	notifier domain.WakeupNotifier
	logger   *slog.Logger
	now      func() time.Time

	notifyTimeout time.Duration
}

// NewIngestEventUseCase creates a new IngestEventUseCase. notifier may be nil.
func NewIngestEventUseCase(repo domain.EventRepository, redactor *pii.Redactor, notifier domain.WakeupNotifier, logger *slog.Logger) *IngestEventUseCase {
	return &IngestEventUseCase{
		repo:     repo,
		redactor: redactor,
		notifier: notifier,
		logger:   logger.With("component", "ingest"),
		now:      time.Now,

		notifyTimeout: notifyTimeout,
	}
}

// Ingest validates, redacts, and durably stores an event together with its
// queue entry. Resubmitting a known event id succeeds without writing.
func (uc *IngestEventUseCase) Ingest(ctx context.Context, event *domain.RawEvent) (IngestResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("event.type", string(event.Type)),
	)

	// 1. Validate; nothing is written for a rejected event
	if err := event.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return IngestResult{}, err
	}

	// 2. Enrich with server-side data
	event.OccurredAt = event.OccurredAt.UTC()
	event.ReceivedAt = uc.now().UTC()

	// 3. Redact PII
	if uc.redactor != nil {
		if _, err := uc.redactor.Redact(event); err != nil {
			// Non-fatal, the payload already passed validation as an object.
			uc.logger.Warn("failed to redact PII, proceeding with original payload", "error", err, "event_id", event.EventID)
		}
	}

	// 4. Store and enqueue atomically
	created, err := uc.repo.StoreAndEnqueue(ctx, *event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		uc.logger.Error("failed to store event", "error", err, "event_id", event.EventID)
		return IngestResult{}, err
	}
	span.SetAttributes(attribute.Bool("event.duplicate", !created))

	if !created {
		uc.logger.Debug("duplicate event ignored", "event_id", event.EventID)
		return IngestResult{EventID: event.EventID, Duplicate: true}, nil
	}

	if uc.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, uc.notifyTimeout)
		if err := uc.notifier.Notify(notifyCtx); err != nil {
			uc.logger.Debug("wake-up not delivered", "error", err)
		}
		cancel()
	}
	return IngestResult{EventID: event.EventID}, nil
}
