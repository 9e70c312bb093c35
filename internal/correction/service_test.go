package correction_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	"github.com/sheikh-saqib/property-ledger-core/internal/correction"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/period"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

type fixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	tenants *tenantledger.Service
	svc     *correction.Service
}

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	clock := func() time.Time { return day(6, 10) }
	l := ledger.NewLedger(store, ledger.WithPeriods(store), ledger.WithClock(clock))
	for _, prop := range []string{"p1", "p2"} {
		_, err := l.ProvisionChart(ctx, prop, "o1")
		require.NoError(t, err)
	}
	tenants := tenantledger.NewService(l, store, tenantledger.DefaultPolicy(), clock, nil)
	return &fixture{
		store:   store,
		ledger:  l,
		tenants: tenants,
		svc:     correction.NewService(l, tenants, compliance.NewEngine(store, nil), clock, nil),
	}
}

func (f *fixture) account(t *testing.T, prop string, role models.AccountRole) string {
	t.Helper()
	a, err := f.ledger.AccountFor(context.Background(), prop, role)
	require.NoError(t, err)
	return a.ID
}

func (f *fixture) balance(t *testing.T, prop string, role models.AccountRole) int64 {
	t.Helper()
	b, err := f.ledger.RoleBalance(context.Background(), prop, role, time.Time{})
	require.NoError(t, err)
	return b
}

// pay records a payment applied across charges the way the payment saga does.
func (f *fixture) pay(t *testing.T, id string, apps []models.ChargeApplication) {
	t.Helper()
	ctx := context.Background()
	var total int64
	postings := []models.Posting{{}}
	for i := range apps {
		apps[i].PaymentID = id
		apps[i].PropertyID = "p1"
		total += apps[i].Amount
		postings = append(postings, models.Credit(f.account(t, "p1", models.RoleTenantAR), "p1", apps[i].Amount))
	}
	postings[0] = models.Debit(f.account(t, "p1", models.RoleTrustCash), "p1", total)
	entry, err := f.ledger.PostEntry(ctx, ledger.EntryRequest{Type: models.EntryPayment, Postings: postings})
	require.NoError(t, err)
	require.NoError(t, f.tenants.Apply(ctx, apps))
	require.NoError(t, f.tenants.SavePayment(ctx, models.Payment{
		ID: id, TenantID: "t1", PropertyID: "p1", Amount: total, EntryID: entry.ID,
		Applications: apps, Status: models.PaymentApplied,
	}))
}

func (f *fixture) charge(t *testing.T, id string, amount int64) {
	t.Helper()
	_, err := f.tenants.AssessCharge(context.Background(), tenantledger.ChargeRequest{
		ID: id, TenantID: "t1", PropertyID: "p1", Category: models.ChargeRent, Amount: amount, DueDate: day(6, 1),
	})
	require.NoError(t, err)
}

func TestVoidPayment_ReopensEveryCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.charge(t, "rent", 100000)
	f.charge(t, "parking", 20000)
	f.charge(t, "storage", 5000)
	f.charge(t, "other", 30000)
	f.pay(t, "pay1", []models.ChargeApplication{
		{ChargeID: "rent", Amount: 100000},
		{ChargeID: "parking", Amount: 20000},
		{ChargeID: "storage", Amount: 5000},
	})
	f.pay(t, "pay2", []models.ChargeApplication{{ChargeID: "other", Amount: 10000}})

	voided, err := f.svc.VoidPayment(ctx, "pay1", "check bounced at teller", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentVoided, voided.Status)

	for _, id := range []string{"rent", "parking", "storage"} {
		c, err := f.tenants.GetCharge(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ChargeOpen, c.Status, id)
		assert.Zero(t, c.PaidAmount, id)
	}
	other, err := f.tenants.GetCharge(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), other.PaidAmount, "charges the payment never touched keep their state")
	assert.Equal(t, models.ChargePartial, other.Status)

	again, err := f.svc.VoidPayment(ctx, "pay1", "retry", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentVoided, again.Status)
	assert.Equal(t, int64(10000), f.balance(t, "p1", models.RoleTrustCash))
}

func TestVoidPayment_FailedReversalKeepsCharges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.charge(t, "rent", 100000)
	f.charge(t, "parking", 20000)
	f.pay(t, "pay1", []models.ChargeApplication{
		{ChargeID: "rent", Amount: 100000},
		{ChargeID: "parking", Amount: 20000},
	})
	payment, err := f.tenants.GetPayment(ctx, "pay1")
	require.NoError(t, err)
	require.NoError(t, f.tenants.DeletePayment(ctx, "pay1"))
	payment.EntryID = "missing-entry"
	require.NoError(t, f.tenants.SavePayment(ctx, payment))

	_, err = f.svc.VoidPayment(ctx, "pay1", "bounced", "ops")
	require.ErrorIs(t, err, models.ErrNotFound)

	for id, paid := range map[string]int64{"rent": 100000, "parking": 20000} {
		c, err := f.tenants.GetCharge(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, paid, c.PaidAmount, id)
		assert.Equal(t, models.ChargePaid, c.Status, id)
	}
	after, err := f.tenants.GetPayment(ctx, "pay1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApplied, after.Status)
}

func TestVoid_RejectsPaymentsAndDoubleVoids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.charge(t, "rent", 100000)
	f.pay(t, "pay1", []models.ChargeApplication{{ChargeID: "rent", Amount: 100000}})
	payment, err := f.tenants.GetPayment(ctx, "pay1")
	require.NoError(t, err)

	_, err = f.svc.Void(ctx, payment.EntryID, "oops", "ops")
	require.ErrorIs(t, err, models.ErrValidation)

	rent, err := f.tenants.GetCharge(ctx, "rent")
	require.NoError(t, err)
	_, err = f.svc.Void(ctx, rent.EntryID, "", "ops")
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.Void(ctx, rent.EntryID, "assessed twice", "ops")
	require.NoError(t, err)
	_, err = f.svc.Void(ctx, rent.EntryID, "assessed twice", "ops")
	require.ErrorIs(t, err, models.ErrAlreadyVoided)
}

func (f *fixture) repair(t *testing.T, date time.Time) models.JournalEntry {
	t.Helper()
	entry, err := f.ledger.PostEntry(context.Background(), ledger.EntryRequest{
		Type: models.EntryBill,
		Date: date,
		Postings: []models.Posting{
			models.Debit(f.account(t, "p1", models.RoleRepairsExpense), "p1", 50000),
			models.Credit(f.account(t, "p1", models.RoleTrustCash), "p1", 50000),
		},
	})
	require.NoError(t, err)
	return entry
}

func TestReclassify_ExpenseToCapitalAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	may, err := period.NewService(f.store, func() time.Time { return day(6, 10) }, nil).Create(ctx, "2024-05", day(5, 1), day(5, 31))
	require.NoError(t, err)
	original := f.repair(t, day(5, 20))
	_, err = f.store.TransitionPeriod(ctx, may.ID, models.PeriodOpen, models.PeriodClosing, "ops", day(6, 1))
	require.NoError(t, err)
	_, err = f.store.TransitionPeriod(ctx, may.ID, models.PeriodClosing, models.PeriodClosed, "ops", day(6, 1))
	require.NoError(t, err)

	entry, err := f.svc.Reclassify(ctx, correction.ReclassRequest{
		EntryID:     original.ID,
		Line:        1,
		ToAccountID: f.account(t, "p1", models.RoleFixedAssets),
		Reason:      "water heater replacement is capital",
		Actor:       "controller",
	})
	require.NoError(t, err)
	require.Len(t, entry.Postings, 4)
	assert.Equal(t, day(6, 10), entry.Date, "corrections land in the open period")
	assert.Equal(t, original.ID, entry.Reference)

	assert.Zero(t, f.balance(t, "p1", models.RoleRepairsExpense))
	assert.Equal(t, int64(50000), f.balance(t, "p1", models.RoleFixedAssets))
	assert.Equal(t, int64(-50000), f.balance(t, "p1", models.RoleTrustCash))

	stored, err := f.ledger.GetEntry(ctx, original.ID)
	require.NoError(t, err)
	assert.False(t, stored.Voided, "the original stays in history untouched")
}

func TestReclassify_ReplayAndRemainingAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original := f.repair(t, day(6, 5))
	assets := f.account(t, "p1", models.RoleFixedAssets)

	req := correction.ReclassRequest{
		EntryID:     original.ID,
		Line:        1,
		ToAccountID: assets,
		Amount:      30000,
		Reason:      "part of the invoice was a new boiler",
		Actor:       "controller",
	}
	first, err := f.svc.Reclassify(ctx, req)
	require.NoError(t, err)
	again, err := f.svc.Reclassify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "a retried request posts nothing new")
	assert.Equal(t, int64(30000), f.balance(t, "p1", models.RoleFixedAssets))

	req.Amount = 25000
	_, err = f.svc.Reclassify(ctx, req)
	require.ErrorIs(t, err, models.ErrValidation, "only 20000 of the line is left")

	req.Amount = 0
	rest, err := f.svc.Reclassify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), rest.Postings[0].Credit)
	assert.Zero(t, f.balance(t, "p1", models.RoleRepairsExpense))
	assert.Equal(t, int64(50000), f.balance(t, "p1", models.RoleFixedAssets))

	req.IdempotencyKey = "another-attempt"
	_, err = f.svc.Reclassify(ctx, req)
	require.ErrorIs(t, err, models.ErrValidation, "the line is fully moved")
}

func TestReclassify_AcrossProperties(t *testing.T) {
	f := newFixture(t)
	original := f.repair(t, day(6, 5))

	entry, err := f.svc.Reclassify(context.Background(), correction.ReclassRequest{
		EntryID:      original.ID,
		Line:         1,
		ToAccountID:  f.account(t, "p2", models.RoleRepairsExpense),
		ToPropertyID: "p2",
		Reason:       "roof repair was for the other building",
	})
	require.NoError(t, err)
	require.Len(t, entry.Postings, 4)

	debits, credits := models.Totals(entry.Postings)
	assert.Equal(t, debits, credits)
	byProperty := models.TotalsByProperty(entry.Postings)
	require.Len(t, byProperty, 2)
	for prop, t2 := range byProperty {
		assert.Equal(t, t2[0], t2[1], prop)
	}

	assert.Zero(t, f.balance(t, "p1", models.RoleRepairsExpense))
	assert.Zero(t, f.balance(t, "p1", models.RoleTrustCash))
	assert.Equal(t, int64(50000), f.balance(t, "p2", models.RoleRepairsExpense))
	assert.Equal(t, int64(-50000), f.balance(t, "p2", models.RoleTrustCash))
}

func TestWriteOff_SettlesCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.charge(t, "rent", 100000)
	f.pay(t, "pay1", []models.ChargeApplication{{ChargeID: "rent", Amount: 40000}})

	_, err := f.svc.WriteOff(ctx, correction.WriteOffRequest{ChargeID: "rent", Reason: "tenant skipped", Actor: "ops"})
	require.NoError(t, err)

	rent, err := f.tenants.GetCharge(ctx, "rent")
	require.NoError(t, err)
	assert.Equal(t, models.ChargePaid, rent.Status)
	assert.Equal(t, int64(60000), f.balance(t, "p1", models.RoleBadDebt))
	assert.Zero(t, f.balance(t, "p1", models.RoleTenantAR))

	_, err = f.svc.WriteOff(ctx, correction.WriteOffRequest{ChargeID: "rent", Reason: "again"})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestAdjust_RequiresBalancedReasonedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.account(t, "p1", models.RoleTrustCash)
	fees := f.account(t, "p1", models.RoleManagementFees)

	_, err := f.svc.Adjust(ctx, correction.AdjustRequest{
		Postings: []models.Posting{models.Debit(fees, "p1", 100), models.Credit(cash, "p1", 90)},
		Reason:   "bank fee",
	})
	require.ErrorIs(t, err, models.ErrUnbalanced)

	entry, err := f.svc.Adjust(ctx, correction.AdjustRequest{
		Postings: []models.Posting{models.Debit(fees, "p1", 100), models.Credit(cash, "p1", 100)},
		Reason:   "bank fee",
		Actor:    "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EntryAdjustment, entry.Type)
	assert.Equal(t, "ops", entry.Metadata["actor"])
}
