package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/V4T54L/session-projector/internal/adapter/pii"
	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/domain/mocks"
)

func validEvent() *domain.RawEvent {
	return &domain.RawEvent{
		EventID:    "e1",
		SessionID:  "s1",
		OrgID:      "org-1",
		RunID:      "r1",
		Type:       domain.EventRunCompleted,
		Payload:    json.RawMessage(`{"cost":500,"tokens":1000,"email":"dev@example.com"}`),
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)),
	}
}

func TestIngestEventUseCase_Ingest(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	redactor := pii.NewRedactor([]string{"email"}, logger)

	t.Run("Successful Ingestion", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		notifier := &mocks.MockNotifier{}
		uc := NewIngestEventUseCase(repo, redactor, notifier, logger)

		event := validEvent()
		res, err := uc.Ingest(context.Background(), event)

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.EventID != "e1" || res.Duplicate {
			t.Errorf("unexpected result: %+v", res)
		}
		if len(repo.Stored) != 1 {
			t.Fatalf("expected 1 event to be stored, got %d", len(repo.Stored))
		}
		stored := repo.Stored[0]
		if stored.ReceivedAt.IsZero() || stored.ReceivedAt.Location() != time.UTC {
			t.Errorf("expected ReceivedAt to be set in UTC, got %v", stored.ReceivedAt)
		}
		if stored.OccurredAt.Location() != time.UTC || !stored.OccurredAt.Equal(validEvent().OccurredAt) {
			t.Errorf("expected OccurredAt normalized to UTC, got %v", stored.OccurredAt)
		}
		if notifier.CallCount() != 1 {
			t.Errorf("expected 1 wake-up, got %d", notifier.CallCount())
		}
	})

	t.Run("Duplicate Is Acknowledged Without Wake-up", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		notifier := &mocks.MockNotifier{}
		uc := NewIngestEventUseCase(repo, redactor, notifier, logger)

		if _, err := uc.Ingest(context.Background(), validEvent()); err != nil {
			t.Fatalf("first ingest failed: %v", err)
		}
		res, err := uc.Ingest(context.Background(), validEvent())
		if err != nil {
			t.Fatalf("expected duplicate to succeed, got %v", err)
		}
		if !res.Duplicate {
			t.Error("expected duplicate flag")
		}
		if len(repo.Stored) != 1 {
			t.Errorf("expected 1 stored event, got %d", len(repo.Stored))
		}
		if notifier.CallCount() != 1 {
			t.Errorf("expected wake-up only for the new event, got %d", notifier.CallCount())
		}
	})

	t.Run("Validation Error Writes Nothing", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		uc := NewIngestEventUseCase(repo, redactor, nil, logger)

		event := validEvent()
		event.Type = "run-paused"
		_, err := uc.Ingest(context.Background(), event)

		if !domain.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if len(repo.Stored) != 0 {
			t.Errorf("expected nothing stored, got %d", len(repo.Stored))
		}
	})

	t.Run("Repository Error", func(t *testing.T) {
		storeErr := errors.Join(domain.ErrTransientStorage, errors.New("connection refused"))
		repo := &mocks.MockEventRepository{StoreErr: storeErr}
		uc := NewIngestEventUseCase(repo, redactor, nil, logger)

		_, err := uc.Ingest(context.Background(), validEvent())

		if !domain.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
	})

	t.Run("Notifier Failure Is Not An Ingest Failure", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		notifier := &mocks.MockNotifier{Err: errors.New("redis down")}
		uc := NewIngestEventUseCase(repo, redactor, notifier, logger)

		if _, err := uc.Ingest(context.Background(), validEvent()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	t.Run("Unresponsive Notifier Does Not Hold The Response", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		notifier := &mocks.MockNotifier{Hang: true}
		uc := NewIngestEventUseCase(repo, redactor, notifier, logger)
		uc.notifyTimeout = 20 * time.Millisecond

		start := time.Now()
		res, err := uc.Ingest(context.Background(), validEvent())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.EventID != "e1" {
			t.Errorf("unexpected result: %+v", res)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("ingest waited %s on the notifier", elapsed)
		}
		if notifier.CallCount() != 1 {
			t.Errorf("expected 1 wake-up attempt, got %d", notifier.CallCount())
		}
	})

	t.Run("PII Redaction", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		uc := NewIngestEventUseCase(repo, redactor, nil, logger)

		if _, err := uc.Ingest(context.Background(), validEvent()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		var payload map[string]any
		if err := json.Unmarshal(repo.Stored[0].Payload, &payload); err != nil {
			t.Fatalf("stored payload is not JSON: %v", err)
		}
		if payload["email"] != pii.RedactedPlaceholder {
			t.Errorf("expected email to be redacted, got %v", payload["email"])
		}
		if payload["cost"] != float64(500) {
			t.Errorf("expected cost to survive redaction, got %v", payload["cost"])
		}
	})
}
