package diagnostics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/diagnostics"
	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
)

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	svc    *diagnostics.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	clock := func() time.Time { return time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC) }
	l := ledger.NewLedger(store, ledger.WithPeriods(store), ledger.WithClock(clock))
	for _, prop := range []string{"p1", "p2"} {
		_, err := l.ProvisionChart(ctx, prop, "o1")
		require.NoError(t, err)
	}
	svc := diagnostics.NewService(store, l, events.NewEmitter(store, clock, nil), clock, nil)
	l.SetGuard(svc)
	return &fixture{store: store, ledger: l, svc: svc}
}

func (f *fixture) post(t *testing.T, prop string, debit, credit models.AccountRole, amount int64) error {
	t.Helper()
	ctx := context.Background()
	dr, err := f.ledger.AccountFor(ctx, prop, debit)
	require.NoError(t, err)
	cr, err := f.ledger.AccountFor(ctx, prop, credit)
	require.NoError(t, err)
	_, err = f.ledger.PostEntry(ctx, ledger.EntryRequest{
		Type:     models.EntryAdjustment,
		Postings: []models.Posting{models.Debit(dr.ID, prop, amount), models.Credit(cr.ID, prop, amount)},
	})
	return err
}

func TestRun_HealthyLedger(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.post(t, "p1", models.RoleTrustCash, models.RoleOwnerEquity, 50000))
	require.NoError(t, f.post(t, "p1", models.RoleTrustCash, models.RolePrepaidRent, 10000))

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Violations)
	assert.NoError(t, f.svc.Verify(context.Background()))
}

func TestRun_EscrowMismatchBlocksProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateDeposit(ctx, models.SecurityDeposit{
		ID: "dep1", TenantID: "t1", OwnerID: "o1", PropertyID: "p1", Principal: 150000, Status: models.DepositHeld,
	}))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, diagnostics.CheckEscrow, report.Violations[0].Check)
	assert.Equal(t, "p1", report.Violations[0].Scope)

	err = f.post(t, "p1", models.RoleTrustCash, models.RoleOwnerEquity, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBlocked)
	assert.NoError(t, f.post(t, "p2", models.RoleTrustCash, models.RoleOwnerEquity, 100), "other properties keep posting")

	// the condition persists but no second alert is raised
	_, err = f.svc.Run(ctx)
	require.NoError(t, err)
	alerts, err := f.svc.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	evts, err := f.store.ListEvents(ctx, interfaces.EventFilter{Type: models.EventDiagnosticViolation})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, alerts[0].ID, evts[0].AggregateID)

	assert.Error(t, f.svc.Verify(ctx))

	require.Error(t, f.svc.Resolve(ctx, alerts[0].ID, ""))
	require.NoError(t, f.svc.Resolve(ctx, alerts[0].ID, "ops"))
	assert.NoError(t, f.post(t, "p1", models.RoleTrustCash, models.RoleOwnerEquity, 100))
}

func TestRun_TrustShortfall(t *testing.T) {
	f := newFixture(t)
	// prepaid rent booked without the cash behind it
	require.NoError(t, f.post(t, "p2", models.RoleRentIncome, models.RolePrepaidRent, 30000))

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	v := report.Violations[0]
	assert.Equal(t, diagnostics.CheckTrust, v.Check)
	assert.Equal(t, "p2", v.Scope)
	assert.Equal(t, diagnostics.SeverityCritical, v.Severity)
}

func TestRun_PeriodStampedEntriesAreNotOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.post(t, "p1", models.RoleTrustCash, models.RoleOwnerEquity, 100))
	require.NoError(t, f.store.CreatePeriod(ctx, models.Period{
		ID:     "2024-06",
		Start:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		Status: models.PeriodOpen,
	}))
	require.NoError(t, f.post(t, "p1", models.RoleTrustCash, models.RoleOwnerEquity, 100))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Violations)
}

func TestAllowPosting_GlobalAlertBlocksEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveAlert(ctx, models.Alert{
		ID: "a1", Check: diagnostics.CheckTrialBalance, Scope: models.GlobalScope, Severity: diagnostics.SeverityCritical,
	}))
	require.NoError(t, f.svc.Refresh(ctx))

	err := f.svc.AllowPosting(ctx, []string{"p2"})
	require.Error(t, err)
	assert.Equal(t, models.KindBlocked, models.KindOf(err))
	assert.Error(t, f.svc.AllowPosting(ctx, nil))
}
