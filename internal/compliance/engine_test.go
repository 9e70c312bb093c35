package compliance

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, Seed(context.Background(), store))
	return NewEngine(store, nil)
}

func TestDepositCapUsesJurisdictionOverride(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	op := Operation{
		Category:   CategoryDepositCollect,
		Amount:     300000,
		Attributes: map[string]string{AttrMonthlyRent: "200000"},
	}

	op.Jurisdiction = "NY"
	_, err := e.Validate(ctx, op)
	require.NoError(t, err, "default cap is two months")

	op.Jurisdiction = "CA"
	_, err = e.Validate(ctx, op)
	require.ErrorIs(t, err, models.ErrCompliance)

	var domainErr *models.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "CA", domainErr.Metadata["jurisdiction"])
	assert.Equal(t, "deposit_cap", domainErr.Metadata["rule"])
}

func TestMissingAttributeIsValidationError(t *testing.T) {
	e := newEngine(t)
	_, err := e.Validate(context.Background(), Operation{Category: CategoryDepositCollect, Amount: 100})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestWarnRulesDoNotBlock(t *testing.T) {
	e := newEngine(t)
	res, err := e.Validate(context.Background(), Operation{Category: CategoryPayment, Amount: 9000000})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "large_payment", res.Warnings[0].Rule)
}

func TestRequireFlagAboveThreshold(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Validate(ctx, Operation{Category: CategoryBillPayment, Amount: 100000})
	require.NoError(t, err, "small bills need no approval")

	_, err = e.Validate(ctx, Operation{Category: CategoryBillPayment, Amount: 900000})
	require.ErrorIs(t, err, models.ErrCompliance)

	_, err = e.Validate(ctx, Operation{Category: CategoryBillPayment, Amount: 900000, Attributes: map[string]string{AttrApproved: "true"}})
	require.NoError(t, err)
}

func TestMinAttribute(t *testing.T) {
	e := newEngine(t)
	_, err := e.Validate(context.Background(), Operation{
		Category:   CategoryDistribution,
		Amount:     5000,
		Attributes: map[string]string{AttrRemainingTrustCash: "-1"},
	})
	require.ErrorIs(t, err, models.ErrCompliance)
}

func TestParameterLookup(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	rate, ok, err := e.Parameter(ctx, CategoryDepositInterest, ParamInterestRate, "ma")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.05")))

	rate, ok, err = e.Parameter(ctx, CategoryDepositInterest, ParamInterestRate, "TX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rate.IsZero())

	_, ok, err = e.Parameter(ctx, CategoryDepositInterest, "unknown", "")
	require.NoError(t, err)
	assert.False(t, ok)
}
