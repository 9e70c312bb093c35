package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedAccounts(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, models.Account{ID: "cash", Code: "1000", Type: models.AccountAsset, Role: models.RoleTrustCash, PropertyID: "p1"}))
	require.NoError(t, s.CreateAccount(ctx, models.Account{ID: "rent", Code: "4000", Type: models.AccountIncome, Role: models.RoleRentIncome, PropertyID: "p1"}))
}

func entry(id, key string, date time.Time, amount int64) *models.JournalEntry {
	return &models.JournalEntry{
		ID:             id,
		Type:           models.EntryPayment,
		Date:           date,
		IdempotencyKey: key,
		Postings: []models.Posting{
			models.Debit("cash", "p1", amount),
			models.Credit("rent", "p1", amount),
		},
	}
}

func TestInsertEntryUpdatesCachedBalances(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccounts(t, s)

	e := entry("e1", "k1", day(2024, 1, 5), 1500)
	require.NoError(t, s.InsertEntry(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
	assert.Equal(t, "e1", e.Postings[0].EntryID)

	total, err := s.GetAccountBalance(ctx, "cash", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), total.Balance)
	assert.Equal(t, int64(1), total.BalanceSeq)

	scoped, err := s.GetAccountBalance(ctx, "rent", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1500), scoped.Balance)

	other, err := s.GetAccountBalance(ctx, "rent", "p2")
	require.NoError(t, err)
	assert.Zero(t, other.Balance)
}

func TestInsertEntryRejectsReusedKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccounts(t, s)

	require.NoError(t, s.InsertEntry(ctx, entry("e1", "k1", day(2024, 1, 5), 100)))
	err := s.InsertEntry(ctx, entry("e2", "k1", day(2024, 1, 5), 100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDuplicateKey))

	bal, err := s.GetAccountBalance(ctx, "cash", "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance, "rejected entry must not move balances")
}

func TestInsertEntryUnknownAccountWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccounts(t, s)

	e := entry("e1", "", day(2024, 1, 5), 100)
	e.Postings[1].AccountID = "missing"
	require.ErrorIs(t, s.InsertEntry(ctx, e), models.ErrNotFound)

	entries, err := s.ListEntries(ctx, interfaces.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInsertReversalVoidsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccounts(t, s)
	require.NoError(t, s.InsertEntry(ctx, entry("e1", "", day(2024, 1, 5), 700)))

	rev := &models.JournalEntry{
		ID:         "r1",
		Type:       models.EntryReversal,
		Date:       day(2024, 2, 1),
		ReversalOf: "e1",
		Postings: []models.Posting{
			models.Credit("cash", "p1", 700),
			models.Debit("rent", "p1", 700),
		},
	}
	require.NoError(t, s.InsertReversal(ctx, "e1", rev, "typo"))

	original, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, original.Voided)
	assert.Equal(t, "typo", original.VoidReason)

	bal, err := s.GetAccountBalance(ctx, "cash", "")
	require.NoError(t, err)
	assert.Zero(t, bal.Balance)

	again := &models.JournalEntry{ID: "r2", Date: day(2024, 2, 1), Postings: rev.Postings}
	require.ErrorIs(t, s.InsertReversal(ctx, "e1", again, "twice"), models.ErrAlreadyVoided)
}

func TestSumPostingsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccounts(t, s)
	require.NoError(t, s.InsertEntry(ctx, entry("e1", "", day(2024, 1, 5), 100)))
	require.NoError(t, s.InsertEntry(ctx, entry("e2", "", day(2024, 2, 5), 200)))
	require.NoError(t, s.InsertEntry(ctx, entry("e3", "", day(2024, 3, 5), 400)))

	sum, err := s.SumPostings(ctx, "cash", "", time.Time{}, day(2024, 2, 5))
	require.NoError(t, err)
	assert.Equal(t, int64(300), sum)

	sum, err = s.SumPostings(ctx, "cash", "p1", day(2024, 1, 31), day(2024, 3, 31))
	require.NoError(t, err)
	assert.Equal(t, int64(600), sum)

	require.NoError(t, s.SaveSnapshots(ctx, []models.BalanceSnapshot{
		{AccountID: "cash", AsOf: day(2024, 1, 31), Balance: 100, PeriodID: "jan"},
		{AccountID: "cash", AsOf: day(2024, 2, 29), Balance: 300, PeriodID: "feb"},
	}))
	snap, ok, err := s.LatestSnapshot(ctx, "cash", "", day(2024, 3, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(300), snap.Balance)

	require.NoError(t, s.DeleteSnapshots(ctx, "feb"))
	snap, ok, err = s.LatestSnapshot(ctx, "cash", "", day(2024, 3, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "jan", snap.PeriodID)
}

func TestSagaIdempotencyAndVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := day(2024, 1, 1)

	first := &models.Saga{ID: "s1", Type: "payment", IdempotencyKey: "pay-1", Status: models.SagaRunning, Owner: "w1", CreatedAt: now, LastHeartbeatAt: now}
	require.NoError(t, s.CreateSaga(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	dup := &models.Saga{ID: "s2", Type: "payment", IdempotencyKey: "pay-1", Status: models.SagaRunning}
	require.ErrorIs(t, s.CreateSaga(ctx, dup), models.ErrSagaActive)

	require.NoError(t, s.RequestCancel(ctx, "s1"))
	first.CurrentStep = 1
	rec := &models.StepRecord{SagaID: "s1", Index: 0, Name: "validate", Phase: models.PhaseForward, Outcome: models.StepSucceeded}
	require.NoError(t, s.SaveProgress(ctx, first, 1, rec))
	assert.Equal(t, int64(2), first.Version)
	assert.True(t, first.CancelRequested, "out-of-band cancel survives a progress write")
	assert.Len(t, first.History, 1)

	require.ErrorIs(t, s.SaveProgress(ctx, first, 1, nil), models.ErrVersionConflict)

	first.Status = models.SagaFailed
	require.NoError(t, s.SaveProgress(ctx, first, 2, nil))
	retry := &models.Saga{ID: "s3", Type: "payment", IdempotencyKey: "pay-1", Status: models.SagaRunning, CreatedAt: now.Add(time.Minute)}
	require.NoError(t, s.CreateSaga(ctx, retry), "a failed instance releases its key")

	latest, err := s.GetSagaByKey(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "s3", latest.ID)
}

func TestClaimStalledSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	old := day(2024, 1, 1)
	saga := &models.Saga{ID: "s1", IdempotencyKey: "k", Status: models.SagaRunning, Owner: "w1", LastHeartbeatAt: old}
	require.NoError(t, s.CreateSaga(ctx, saga))

	cutoff := old.Add(time.Minute)
	stalled, err := s.ListStalled(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	claimed, err := s.ClaimStalled(ctx, "s1", 1, cutoff, "monitor-a", cutoff)
	require.NoError(t, err)
	assert.Equal(t, "monitor-a", claimed.Owner)

	_, err = s.ClaimStalled(ctx, "s1", 1, cutoff, "monitor-b", cutoff)
	require.ErrorIs(t, err, models.ErrClaimLost)

	require.ErrorIs(t, s.Heartbeat(ctx, "s1", "w1", cutoff), models.ErrClaimLost, "old owner lost the saga")
}

func TestEventLeasing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := day(2024, 1, 1)

	added, err := s.AppendEvent(ctx, models.Event{ID: "ev1", Type: models.EventPaymentReceived, DedupeKey: "d1", CreatedAt: now})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AppendEvent(ctx, models.Event{ID: "ev2", Type: models.EventPaymentReceived, DedupeKey: "d1", CreatedAt: now})
	require.NoError(t, err)
	assert.False(t, added)

	leased, err := s.LeaseEvents(ctx, "c1", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	none, err := s.LeaseEvents(ctx, "c2", 10, now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none, "lease still held")

	again, err := s.LeaseEvents(ctx, "c2", 10, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1, "expired lease is handed out again")

	require.ErrorIs(t, s.MarkEventProcessed(ctx, "ev1", "c1", now), models.ErrClaimLost)
	require.NoError(t, s.MarkEventProcessed(ctx, "ev1", "c2", now))

	first, err := s.MarkHandled(ctx, "ev1", "receipt", now)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = s.MarkHandled(ctx, "ev1", "receipt", now)
	require.NoError(t, err)
	assert.False(t, first)
}

func TestTransitionPeriodCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreatePeriod(ctx, models.Period{ID: "jan", Start: day(2024, 1, 1), End: day(2024, 1, 31), Status: models.PeriodOpen}))

	_, err := s.TransitionPeriod(ctx, "jan", models.PeriodOpen, models.PeriodClosed, "ops", day(2024, 2, 1))
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	p, err := s.TransitionPeriod(ctx, "jan", models.PeriodOpen, models.PeriodClosing, "ops", day(2024, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, models.PeriodClosing, p.Status)

	_, err = s.TransitionPeriod(ctx, "jan", models.PeriodOpen, models.PeriodClosing, "ops", day(2024, 2, 1))
	require.ErrorIs(t, err, models.ErrVersionConflict)

	found, ok, err := s.FindPeriodForDate(ctx, day(2024, 1, 15))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "jan", found.ID)
}

func TestInsertEntryRechecksPeriodStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccounts(t, s)
	require.NoError(t, s.CreatePeriod(ctx, models.Period{ID: "jan", Start: day(2024, 1, 1), End: day(2024, 1, 31), Status: models.PeriodClosed}))

	inside := entry("e1", "k1", day(2024, 1, 5), 100)
	inside.PeriodID = "jan"
	require.ErrorIs(t, s.InsertEntry(ctx, inside), models.ErrPeriodClosed)

	behind := entry("e2", "k2", day(2023, 12, 5), 100)
	require.ErrorIs(t, s.InsertEntry(ctx, behind), models.ErrPeriodClosed)

	reversal := entry("e3", "k3", day(2024, 1, 20), 100)
	reversal.PeriodID = "jan"
	require.NoError(t, s.InsertEntry(ctx, entry("e0", "k0", day(2024, 3, 1), 100)))
	require.ErrorIs(t, s.InsertReversal(ctx, "e0", reversal, "typo"), models.ErrPeriodClosed)
	original, err := s.GetEntry(ctx, "e0")
	require.NoError(t, err)
	assert.False(t, original.Voided)

	require.NoError(t, s.InsertEntry(ctx, entry("e4", "k4", day(2024, 2, 5), 100)), "dates after the closed period are fine")
	total, err := s.GetAccountBalance(ctx, "cash", "")
	require.NoError(t, err)
	assert.Equal(t, int64(200), total.Balance)
}

func TestUpdateChargeVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateCharge(ctx, models.Charge{ID: "c1", TenantID: "t1", Amount: 1000, Status: models.ChargeOpen}))

	c, err := s.GetCharge(ctx, "c1")
	require.NoError(t, err)
	c.PaidAmount = 400
	c.Status = models.ChargePartial
	require.NoError(t, s.UpdateCharge(ctx, &c, 1))
	assert.Equal(t, int64(2), c.Version)

	require.ErrorIs(t, s.UpdateCharge(ctx, &c, 1), models.ErrVersionConflict)
}
