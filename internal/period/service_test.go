package period

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
)

func TestPeriodLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)
	svc := NewService(memory.NewStore(), func() time.Time { return now }, nil)

	jan, err := svc.CreateMonth(ctx, time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2024-01", jan.Name)
	assert.Equal(t, 31, jan.End.Day())

	_, err = svc.Create(ctx, "overlap", time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, models.ErrValidation)

	due, err := svc.DueForClose(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = svc.Close(ctx, jan.ID, "ops")
	require.Error(t, err, "cannot skip closing")

	_, err = svc.BeginClose(ctx, jan.ID, "ops")
	require.NoError(t, err)
	_, err = svc.AbortClose(ctx, jan.ID, "ops")
	require.NoError(t, err)
	_, err = svc.BeginClose(ctx, jan.ID, "ops")
	require.NoError(t, err)

	closed, err := svc.Close(ctx, jan.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.PeriodClosed, closed.Status)
	assert.Equal(t, "ops", closed.ClosedBy)
	require.NotNil(t, closed.ClosedAt)
	assert.False(t, closed.AcceptsPostings())

	_, err = svc.BeginClose(ctx, jan.ID, "ops")
	require.Error(t, err, "closed is final")

	due, err = svc.DueForClose(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}
