package tenantledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func newService(t *testing.T, policy tenantledger.AllocationPolicy) (*tenantledger.Service, *ledger.Ledger) {
	t.Helper()
	store := memory.NewStore()
	clock := func() time.Time { return day(6, 1) }
	l := ledger.NewLedger(store, ledger.WithClock(clock))
	_, err := l.ProvisionChart(context.Background(), "p1", "o1")
	require.NoError(t, err)
	return tenantledger.NewService(l, store, policy, clock, nil), l
}

func assess(t *testing.T, s *tenantledger.Service, id string, cat models.ChargeCategory, amount int64, due time.Time) models.Charge {
	t.Helper()
	c, err := s.AssessCharge(context.Background(), tenantledger.ChargeRequest{
		ID: id, TenantID: "t1", PropertyID: "p1", Category: cat, Amount: amount, DueDate: due,
	})
	require.NoError(t, err)
	return c
}

func TestAssessCharge_PostsReceivableOnce(t *testing.T) {
	s, l := newService(t, tenantledger.DefaultPolicy())
	ctx := context.Background()

	first := assess(t, s, "c1", models.ChargeRent, 100000, day(5, 1))
	again := assess(t, s, "c1", models.ChargeRent, 100000, day(5, 1))
	assert.Equal(t, first.EntryID, again.EntryID)

	ar, err := l.RoleBalance(ctx, "p1", models.RoleTenantAR, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), ar)
	rent, err := l.RoleBalance(ctx, "p1", models.RoleRentIncome, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), rent)

	deposit := assess(t, s, "c2", models.ChargeDeposit, 50000, day(5, 1))
	entry, err := l.GetEntry(ctx, deposit.EntryID)
	require.NoError(t, err)
	clearing, err := l.AccountFor(ctx, "p1", models.RoleDepositClearing)
	require.NoError(t, err)
	assert.Equal(t, clearing.ID, entry.Postings[1].AccountID, "deposit charges credit the clearing liability")
}

func TestPlan_FollowsPriorityThenDueDate(t *testing.T) {
	s, _ := newService(t, tenantledger.DefaultPolicy())
	assess(t, s, "fee", models.ChargeFees, 5000, day(3, 1))
	assess(t, s, "rent-may", models.ChargeRent, 100000, day(5, 1))
	assess(t, s, "rent-apr", models.ChargeRent, 100000, day(4, 1))

	alloc, err := s.Plan(context.Background(), "t1", "pay-1", 150000)
	require.NoError(t, err)
	require.Len(t, alloc.Applications, 2)
	assert.Equal(t, "rent-apr", alloc.Applications[0].ChargeID)
	assert.Equal(t, int64(100000), alloc.Applications[0].Amount)
	assert.Equal(t, "rent-may", alloc.Applications[1].ChargeID)
	assert.Equal(t, int64(50000), alloc.Applications[1].Amount)
	assert.Zero(t, alloc.Unapplied)

	alloc, err = s.Plan(context.Background(), "t1", "pay-2", 300000)
	require.NoError(t, err)
	assert.Len(t, alloc.Applications, 3)
	assert.Equal(t, int64(95000), alloc.Unapplied)
}

func TestPlan_ConfiguredPriorityAndTieBreak(t *testing.T) {
	policy := tenantledger.AllocationPolicy{
		Priority: tenantledger.ParsePriority("utilities, rent"),
		TieBreak: tenantledger.TieBreakChargeID,
	}
	assert.Equal(t, models.ChargeUtilities, policy.Priority[0])
	assert.Equal(t, models.ChargeRent, policy.Priority[1])
	assert.Len(t, policy.Priority, len(models.DefaultAllocationPriority))

	s, _ := newService(t, policy)
	assess(t, s, "rent-b", models.ChargeRent, 1000, day(4, 1))
	assess(t, s, "rent-a", models.ChargeRent, 1000, day(4, 1))
	assess(t, s, "water", models.ChargeUtilities, 1000, day(5, 1))

	alloc, err := s.Plan(context.Background(), "t1", "pay", 3000)
	require.NoError(t, err)
	var order []string
	for _, a := range alloc.Applications {
		order = append(order, a.ChargeID)
	}
	assert.Equal(t, []string{"water", "rent-a", "rent-b"}, order)
}

func TestApplyAndReopen_AreExactAndIdempotent(t *testing.T) {
	s, _ := newService(t, tenantledger.DefaultPolicy())
	ctx := context.Background()
	assess(t, s, "rent", models.ChargeRent, 100000, day(5, 1))
	assess(t, s, "fee", models.ChargeFees, 20000, day(5, 1))

	earlier, err := s.Plan(ctx, "t1", "pay-0", 30000)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, earlier.Applications))

	alloc, err := s.Plan(ctx, "t1", "pay-1", 80000)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, alloc.Applications))
	require.NoError(t, s.Apply(ctx, alloc.Applications), "replay is a no-op")

	rent, err := s.GetCharge(ctx, "rent")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), rent.PaidAmount)
	assert.Equal(t, models.ChargePaid, rent.Status)
	fee, err := s.GetCharge(ctx, "fee")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), fee.PaidAmount)
	assert.Equal(t, models.ChargePartial, fee.Status)

	reopened, err := s.Reopen(ctx, "pay-1", alloc.Applications)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rent", "fee"}, reopened)
	again, err := s.Reopen(ctx, "pay-1", alloc.Applications)
	require.NoError(t, err)
	assert.Empty(t, again)

	rent, err = s.GetCharge(ctx, "rent")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), rent.PaidAmount, "the earlier payment stays applied")
	assert.Equal(t, models.ChargePartial, rent.Status)
	fee, err = s.GetCharge(ctx, "fee")
	require.NoError(t, err)
	assert.Zero(t, fee.PaidAmount)
	assert.Equal(t, models.ChargeOpen, fee.Status)
}

// chargeFailures rejects updates to selected charges once armed.
type chargeFailures struct {
	*memory.Store
	failOn map[string]bool
}

var errChargeWrite = errors.New("charge write rejected")

func (f *chargeFailures) UpdateCharge(ctx context.Context, charge *models.Charge, expectedVersion int64) error {
	if f.failOn[charge.ID] {
		return errChargeWrite
	}
	return f.Store.UpdateCharge(ctx, charge, expectedVersion)
}

func newFailingService(t *testing.T) (*tenantledger.Service, *chargeFailures) {
	t.Helper()
	store := &chargeFailures{Store: memory.NewStore(), failOn: map[string]bool{}}
	clock := func() time.Time { return day(6, 1) }
	l := ledger.NewLedger(store.Store, ledger.WithClock(clock))
	_, err := l.ProvisionChart(context.Background(), "p1", "o1")
	require.NoError(t, err)
	return tenantledger.NewService(l, store, tenantledger.DefaultPolicy(), clock, nil), store
}

func TestApply_FailureLeavesNoApplications(t *testing.T) {
	s, store := newFailingService(t)
	ctx := context.Background()
	assess(t, s, "rent", models.ChargeRent, 100000, day(5, 1))
	assess(t, s, "fee", models.ChargeFees, 20000, day(5, 1))

	alloc, err := s.Plan(ctx, "t1", "pay1", 120000)
	require.NoError(t, err)
	require.Len(t, alloc.Applications, 2)
	require.Equal(t, "rent", alloc.Applications[0].ChargeID)

	store.failOn["fee"] = true
	err = s.Apply(ctx, alloc.Applications)
	require.ErrorIs(t, err, errChargeWrite)

	rent, err := s.GetCharge(ctx, "rent")
	require.NoError(t, err)
	assert.Zero(t, rent.PaidAmount)
	assert.Equal(t, models.ChargeOpen, rent.Status)
	assert.Empty(t, rent.Allocations)

	store.failOn["fee"] = false
	require.NoError(t, s.Apply(ctx, alloc.Applications), "a retry applies everything")
	rent, err = s.GetCharge(ctx, "rent")
	require.NoError(t, err)
	assert.Equal(t, models.ChargePaid, rent.Status)
}

func TestReopen_FailureRestoresApplications(t *testing.T) {
	s, store := newFailingService(t)
	ctx := context.Background()
	assess(t, s, "rent", models.ChargeRent, 100000, day(5, 1))
	assess(t, s, "fee", models.ChargeFees, 20000, day(5, 1))

	alloc, err := s.Plan(ctx, "t1", "pay1", 120000)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, alloc.Applications))

	store.failOn["fee"] = true
	reopened, err := s.Reopen(ctx, "pay1", alloc.Applications)
	require.ErrorIs(t, err, errChargeWrite)
	assert.Empty(t, reopened)

	rent, err := s.GetCharge(ctx, "rent")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), rent.PaidAmount)
	assert.Equal(t, int64(100000), rent.Allocations["pay1"])
	assert.Equal(t, models.ChargePaid, rent.Status)
}

func TestAging_Buckets(t *testing.T) {
	s, _ := newService(t, tenantledger.DefaultPolicy())
	assess(t, s, "future", models.ChargeRent, 100, day(7, 1))
	assess(t, s, "d10", models.ChargeRent, 200, day(5, 22))
	assess(t, s, "d45", models.ChargeRent, 300, day(4, 17))
	assess(t, s, "d75", models.ChargeRent, 400, day(3, 18))
	assess(t, s, "d120", models.ChargeRent, 500, day(2, 2))

	report, err := s.Aging(context.Background(), "t1", day(6, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(100), report.Current)
	assert.Equal(t, int64(200), report.Days1To30)
	assert.Equal(t, int64(300), report.Days31To60)
	assert.Equal(t, int64(400), report.Days61To90)
	assert.Equal(t, int64(500), report.Over90)
	assert.Equal(t, int64(1500), report.Total())
}

func TestVoidCharge_RequiresNoPayments(t *testing.T) {
	s, _ := newService(t, tenantledger.DefaultPolicy())
	ctx := context.Background()
	assess(t, s, "rent", models.ChargeRent, 1000, day(5, 1))
	assess(t, s, "fee", models.ChargeFees, 1000, day(5, 1))

	alloc, err := s.Plan(ctx, "t1", "pay", 500)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, alloc.Applications))

	_, err = s.VoidCharge(ctx, "rent")
	assert.ErrorIs(t, err, models.ErrValidation)

	c, err := s.VoidCharge(ctx, "fee")
	require.NoError(t, err)
	assert.Equal(t, models.ChargeVoid, c.Status)

	open, err := s.OpenCharges(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "rent", open[0].ID)
}
