package reporting_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/reporting"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	ledger *ledger.Ledger
	svc    *reporting.Service
}

func (f *fixture) post(t *testing.T, date time.Time, typ models.EntryType, debit, credit models.AccountRole, amount int64, tenant string) {
	t.Helper()
	ctx := context.Background()
	dr, err := f.ledger.AccountFor(ctx, "p1", debit)
	require.NoError(t, err)
	cr, err := f.ledger.AccountFor(ctx, "p1", credit)
	require.NoError(t, err)
	d, c := models.Debit(dr.ID, "p1", amount), models.Credit(cr.ID, "p1", amount)
	d.TenantID, c.TenantID = tenant, tenant
	_, err = f.ledger.PostEntry(ctx, ledger.EntryRequest{Type: typ, Date: date, Postings: []models.Posting{d, c}})
	require.NoError(t, err)
}

// newFixture books two months of activity on p1:
// opening 1000.00, rent 1200.00 charged and paid, repairs 300.00, distribution 500.00.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	clock := func() time.Time { return day(6, 10) }
	l := ledger.NewLedger(store, ledger.WithPeriods(store), ledger.WithClock(clock))
	_, err := l.ProvisionChart(ctx, "p1", "o1")
	require.NoError(t, err)
	_, err = l.ProvisionChart(ctx, "p9", "o9")
	require.NoError(t, err)
	f := &fixture{ledger: l, svc: reporting.NewService(l, store, nil)}

	f.post(t, day(5, 1), models.EntryOpeningBalance, models.RoleTrustCash, models.RoleOwnerEquity, 100000, "")
	tenants := tenantledger.NewService(l, store, tenantledger.DefaultPolicy(), clock, nil)
	_, err = tenants.AssessCharge(ctx, tenantledger.ChargeRequest{
		ID: "rent-may", TenantID: "t1", PropertyID: "p1", Category: models.ChargeRent, Amount: 120000, DueDate: day(5, 1),
	})
	require.NoError(t, err)
	f.post(t, day(5, 5), models.EntryPayment, models.RoleTrustCash, models.RoleTenantAR, 120000, "t1")
	f.post(t, day(5, 20), models.EntryBillPayment, models.RoleRepairsExpense, models.RoleTrustCash, 30000, "")
	f.post(t, day(6, 2), models.EntryDistribution, models.RoleOwnerDistributions, models.RoleTrustCash, 50000, "")
	return f
}

func amountOf(lines []reporting.Line, role models.AccountRole) int64 {
	for _, l := range lines {
		if l.Role == role {
			return l.Amount
		}
	}
	return 0
}

func TestBalanceSheet(t *testing.T) {
	f := newFixture(t)

	sheet, err := f.svc.BalanceSheet(context.Background(), "p1", day(6, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(140000), sheet.TotalAssets)
	assert.Equal(t, int64(140000), amountOf(sheet.Assets, models.RoleTrustCash))
	assert.Zero(t, amountOf(sheet.Assets, models.RoleTenantAR))
	assert.Equal(t, int64(50000), sheet.TotalEquity)
	assert.Equal(t, int64(90000), sheet.NetIncome)
	assert.True(t, sheet.Balanced())

	before, err := f.svc.BalanceSheet(context.Background(), "p1", day(5, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(220000), before.TotalAssets)
	assert.Equal(t, int64(120000), amountOf(before.Assets, models.RoleTenantAR))
	assert.True(t, before.Balanced())
}

func TestIncomeStatement(t *testing.T) {
	f := newFixture(t)

	may, err := f.svc.IncomeStatement(context.Background(), "p1", day(5, 1), day(5, 31))
	require.NoError(t, err)
	assert.Equal(t, int64(120000), may.TotalIncome)
	assert.Equal(t, int64(30000), may.TotalExpenses)
	assert.Equal(t, int64(90000), may.NetIncome)
	assert.Equal(t, int64(30000), amountOf(may.Expenses, models.RoleRepairsExpense))

	june, err := f.svc.IncomeStatement(context.Background(), "p1", day(6, 1), day(6, 30))
	require.NoError(t, err)
	assert.Zero(t, june.NetIncome)
	assert.Empty(t, june.Income)

	_, err = f.svc.IncomeStatement(context.Background(), "p1", day(6, 30), day(6, 1))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestOwnerStatement(t *testing.T) {
	f := newFixture(t)

	stmt, err := f.svc.OwnerStatement(context.Background(), "o1", day(6, 1), day(6, 30))
	require.NoError(t, err)
	require.Len(t, stmt.Properties, 1)
	p := stmt.Properties[0]
	assert.Equal(t, "p1", p.PropertyID)
	assert.Equal(t, int64(190000), p.OpeningCash)
	assert.Equal(t, int64(50000), p.Distributions)
	assert.Equal(t, int64(140000), p.ClosingCash)
	assert.Zero(t, p.Income)
	assert.Equal(t, int64(140000), stmt.ClosingCash)

	_, err = f.svc.OwnerStatement(context.Background(), "nobody", day(6, 1), day(6, 30))
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestTenantStatement(t *testing.T) {
	f := newFixture(t)

	stmt, err := f.svc.TenantStatement(context.Background(), "t1", day(5, 3), day(6, 30))
	require.NoError(t, err)
	assert.Equal(t, int64(120000), stmt.OpeningBalance)
	require.Len(t, stmt.Activity, 1)
	assert.Equal(t, models.EntryPayment, stmt.Activity[0].EntryType)
	assert.Equal(t, int64(-120000), stmt.Activity[0].Amount)
	assert.Zero(t, stmt.ClosingBalance)

	all, err := f.svc.TenantStatement(context.Background(), "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all.Activity, 2)
	assert.Equal(t, int64(120000), all.Activity[0].Balance)
	// the charge itself was never applied through the sub-ledger
	require.Len(t, all.OpenCharges, 1)
	assert.Equal(t, "rent-may", all.OpenCharges[0].ID)
}
