package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/session-projector/internal/domain"
	"github.com/V4T54L/session-projector/internal/domain/mocks"
)

func TestQueueAdminUseCase(t *testing.T) {
	dead := make([]domain.QueueEntry, 1500)
	for i := range dead {
		dead[i] = domain.QueueEntry{QueueID: int64(i + 1), Status: domain.QueueDead}
	}
	repo := &mocks.MockQueueRepository{DeadEntries: dead, StatsResult: domain.QueueStats{Dead: 1500}}
	uc := NewQueueAdminUseCase(repo, discard)
	ctx := context.Background()

	stats, err := uc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), stats.Dead)

	tests := []struct {
		limit int
		want  int
	}{
		{limit: 0, want: defaultDeadListLimit},
		{limit: 5, want: 5},
		{limit: 5000, want: maxDeadListLimit},
	}
	for _, tt := range tests {
		entries, err := uc.ListDead(ctx, tt.limit)
		require.NoError(t, err)
		assert.Len(t, entries, tt.want, "limit %d", tt.limit)
	}

	require.NoError(t, uc.Requeue(ctx, 7))
	assert.Equal(t, []int64{7}, repo.Requeued)
	assert.ErrorIs(t, uc.Requeue(ctx, 99999), domain.ErrNotFound)
}
