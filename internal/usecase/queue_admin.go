package usecase

import (
	"context"
	"log/slog"

	"github.com/V4T54L/session-projector/internal/domain"
)

const (
	defaultDeadListLimit = 100
	maxDeadListLimit     = 1000
)

// QueueAdminUseCase provides operator views of the queue and dead-letter handling.
type QueueAdminUseCase struct {
	repo   domain.QueueRepository
	logger *slog.Logger
}

// NewQueueAdminUseCase creates a new QueueAdminUseCase.
func NewQueueAdminUseCase(repo domain.QueueRepository, logger *slog.Logger) *QueueAdminUseCase {
	return &QueueAdminUseCase{repo: repo, logger: logger.With("component", "queue_admin")}
}

func (uc *QueueAdminUseCase) Stats(ctx context.Context) (domain.QueueStats, error) {
	return uc.repo.Stats(ctx)
}

func (uc *QueueAdminUseCase) ListDead(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		limit = defaultDeadListLimit
	}
	if limit > maxDeadListLimit {
		limit = maxDeadListLimit
	}
	return uc.repo.ListDead(ctx, limit)
}

// Requeue returns a dead entry to pending with a fresh attempt budget.
func (uc *QueueAdminUseCase) Requeue(ctx context.Context, queueID int64) error {
	if err := uc.repo.RequeueDead(ctx, queueID); err != nil {
		return err
	}
	uc.logger.Info("dead entry requeued by operator", "queue_id", queueID)
	return nil
}
