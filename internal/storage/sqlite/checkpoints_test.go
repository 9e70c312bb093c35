package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
)

func openTemp(t *testing.T) (*CheckpointStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := Open(path)
	require.NoError(t, err)
	return store, path
}

func TestCheckpointRoundTripSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store, path := openTemp(t)

	_, found, err := store.LoadCheckpoint(ctx, "bank-reconcile:p1")
	require.NoError(t, err)
	assert.False(t, found)

	at := time.Date(2024, 6, 4, 10, 30, 0, 0, time.UTC)
	require.NoError(t, store.SaveCheckpoint(ctx, interfaces.Checkpoint{Job: "bank-reconcile:p1", Position: "2024-06-04|b1", Processed: 100, UpdatedAt: at}))
	require.NoError(t, store.SaveCheckpoint(ctx, interfaces.Checkpoint{Job: "bank-reconcile:p1", Position: "2024-06-08|b2", Processed: 200, UpdatedAt: at}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	cp, found, err := reopened.LoadCheckpoint(ctx, "bank-reconcile:p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2024-06-08|b2", cp.Position)
	assert.Equal(t, 200, cp.Processed)
	assert.True(t, at.Equal(cp.UpdatedAt))
}

func TestClearCheckpoint(t *testing.T) {
	ctx := context.Background()
	store, _ := openTemp(t)
	defer store.Close()

	require.NoError(t, store.SaveCheckpoint(ctx, interfaces.Checkpoint{Job: "tax-1099:2024", Position: "o1|v1"}))
	require.NoError(t, store.ClearCheckpoint(ctx, "tax-1099:2024"))
	require.NoError(t, store.ClearCheckpoint(ctx, "never-saved"))

	_, found, err := store.LoadCheckpoint(ctx, "tax-1099:2024")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenAndSaveValidate(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)

	store, _ := openTemp(t)
	defer store.Close()
	assert.Error(t, store.SaveCheckpoint(context.Background(), interfaces.Checkpoint{}))
}
