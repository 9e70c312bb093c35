package bank_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/bank"
	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	store       *memory.Store
	checkpoints *memory.CheckpointStore
	ledger      *ledger.Ledger
	svc         *bank.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	clock := func() time.Time { return day(6, 25) }
	l := ledger.NewLedger(store, ledger.WithClock(clock))
	_, err := l.ProvisionChart(ctx, "p1", "o1")
	require.NoError(t, err)
	f := &fixture{store: store, checkpoints: memory.NewCheckpointStore(), ledger: l}
	f.svc = bank.NewService(l, store, events.NewEmitter(store, clock, nil), f.checkpoints, bank.Config{DateWindowDays: 3}, clock, nil)

	// tenant payment deposited into trust cash on 6/3
	cash, err := l.AccountFor(ctx, "p1", models.RoleTrustCash)
	require.NoError(t, err)
	ar, err := l.AccountFor(ctx, "p1", models.RoleTenantAR)
	require.NoError(t, err)
	debit := models.Debit(cash.ID, "p1", 120000)
	debit.TenantID = "t1"
	_, err = l.PostEntry(ctx, ledger.EntryRequest{
		Type:      models.EntryPayment,
		Date:      day(6, 3),
		Reference: "pay1",
		Postings:  []models.Posting{debit, models.Credit(ar.ID, "p1", 120000)},
	})
	require.NoError(t, err)
	return f
}

var feed = []bank.FeedRecord{
	{ExternalID: "b1", BankAccountID: "chk", PropertyID: "p1", Date: "2024-06-04", Amount: "1200.00", Description: "MOBILE DEPOSIT"},
	{ExternalID: "b2", BankAccountID: "chk", PropertyID: "p1", Date: "2024-06-08", Amount: "-1200.00", Description: "NSF Returned Item"},
	{ExternalID: "b3", BankAccountID: "chk", PropertyID: "p1", Date: "2024-06-20", Amount: "500.00", Description: "DEPOSIT"},
}

func TestParseRecord(t *testing.T) {
	tx, err := bank.ParseRecord(feed[1], "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(-120000), tx.Amount)
	assert.Equal(t, day(6, 8), tx.Date)

	_, err = bank.ParseRecord(bank.FeedRecord{ExternalID: "x", PropertyID: "p1", Date: "2024-06-01", Amount: "10.005"}, "USD")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = bank.ParseRecord(bank.FeedRecord{ExternalID: "x", PropertyID: "p1", Date: "06/01/2024", Amount: "10"}, "USD")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestImport_DetectsReturnsAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Import(ctx, feed)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Imported)
	require.Len(t, result.Returns, 1)
	assert.Equal(t, "pay1", result.Returns[0].PaymentID)
	assert.Equal(t, "t1", result.Returns[0].TenantID)
	assert.Equal(t, int64(120000), result.Returns[0].Amount)

	returned, err := f.store.ListEvents(ctx, interfaces.EventFilter{Type: models.EventGatewayPaymentReturn})
	require.NoError(t, err)
	require.Len(t, returned, 1)
	assert.Equal(t, "pay1", returned[0].AggregateID)
	imported, err := f.store.ListEvents(ctx, interfaces.EventFilter{Type: models.EventBankTxImported})
	require.NoError(t, err)
	assert.Len(t, imported, 3)

	again, err := f.svc.Import(ctx, feed)
	require.NoError(t, err)
	assert.Zero(t, again.Imported)
	assert.Equal(t, 3, again.Duplicates)
	assert.Empty(t, again.Returns)
}

func TestReconcile_MatchesWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Import(ctx, feed)
	require.NoError(t, err)

	report, err := f.svc.Reconcile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Len(t, report.Unmatched, 2)

	b1, err := f.store.GetBankTransaction(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, b1.Matched())

	// an entry can back only one bank record
	entryID, err := f.svc.MatchTransaction(ctx, "b3")
	require.NoError(t, err)
	assert.Empty(t, entryID)

	_, found, err := f.checkpoints.LoadCheckpoint(ctx, "bank-reconcile:p1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcile_ResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Import(ctx, feed)
	require.NoError(t, err)
	require.NoError(t, f.checkpoints.SaveCheckpoint(ctx, interfaces.Checkpoint{
		Job: "bank-reconcile:p1", Position: "2024-06-04|b1", Processed: 1,
	}))

	report, err := f.svc.Reconcile(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Zero(t, report.Matched)
	assert.Len(t, report.Unmatched, 2)
}
