package sagas_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/sagas"
)

func TestExecuteByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.charge(t, "rent", "", models.ChargeRent, 100000, day(6, 1))

	raw := json.RawMessage(`{"payment_id":"pay1","tenant_id":"t1","property_id":"p1","amount":100000}`)
	s, err := f.runner.Execute(ctx, sagas.TypePayment, raw, false)
	require.NoError(t, err)
	assert.Equal(t, models.SagaCompleted, s.Status)
	assert.Equal(t, "payment:pay1", s.IdempotencyKey)

	// the typed entry point shares the key
	_, err = f.runner.ProcessPayment(ctx, sagas.PaymentPayload{PaymentID: "pay1", TenantID: "t1", PropertyID: "p1", Amount: 100000})
	assert.ErrorIs(t, err, models.ErrSagaActive)
}

func TestExecuteAsyncCanBeAwaited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.charge(t, "rent", "", models.ChargeRent, 50000, day(6, 1))

	raw := json.RawMessage(`{"payment_id":"pay2","tenant_id":"t1","property_id":"p1","amount":50000}`)
	s, err := f.runner.Execute(ctx, sagas.TypePayment, raw, true)
	require.NoError(t, err)

	done, err := f.runner.Orchestrator().Await(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaCompleted, done.Status)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.runner.Execute(ctx, "teleport", json.RawMessage(`{}`), false)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = f.runner.Execute(ctx, sagas.TypeSweep, json.RawMessage(`{"amount":`), false)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.runner.Execute(ctx, sagas.TypeNSF, json.RawMessage(`{"reason":"NSF"}`), false)
	assert.ErrorIs(t, err, models.ErrValidation)

	assert.Contains(t, sagas.Types(), sagas.TypePeriodClose)
	assert.Len(t, sagas.Types(), 9)
}
