package redisclaim

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

func setupClaimer(t *testing.T) *Claimer {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test:", 3*time.Second, nil)
}

func TestClaim_ExclusivePerKey(t *testing.T) {
	c := setupClaimer(t)
	ctx := context.Background()

	release, err := c.Claim(ctx, "saga:pay-1")
	require.NoError(t, err)

	_, err = c.Claim(ctx, "saga:pay-1")
	assert.ErrorIs(t, err, models.ErrSagaActive)

	other, err := c.Claim(ctx, "saga:pay-2")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))

	again, err := c.Claim(ctx, "saga:pay-1")
	require.NoError(t, err, "released claim can be taken again")
	require.NoError(t, again(ctx))
}
