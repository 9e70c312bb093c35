package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	cash   models.Account
	ar     models.Account
	rent   models.Account
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.NewStore()
	l := ledger.NewLedger(store,
		ledger.WithPeriods(store),
		ledger.WithClock(func() time.Time { return day(3, 15) }),
	)
	ctx := context.Background()
	_, err := l.ProvisionChart(ctx, "p1", "owner-1")
	require.NoError(t, err)

	f := fixture{store: store, ledger: l}
	f.cash, err = l.AccountFor(ctx, "p1", models.RoleTrustCash)
	require.NoError(t, err)
	f.ar, err = l.AccountFor(ctx, "p1", models.RoleTenantAR)
	require.NoError(t, err)
	f.rent, err = l.AccountFor(ctx, "p1", models.RoleRentIncome)
	require.NoError(t, err)
	return f
}

func (f fixture) rentEntry(key string, date time.Time, amount int64) ledger.EntryRequest {
	return ledger.EntryRequest{
		Type:           models.EntryCharge,
		Date:           date,
		IdempotencyKey: key,
		Postings: []models.Posting{
			models.Debit(f.ar.ID, "p1", amount),
			models.Credit(f.rent.ID, "p1", amount),
		},
	}
}

func TestPostEntryRejectsUnbalanced(t *testing.T) {
	f := newFixture(t)
	req := f.rentEntry("k1", day(1, 5), 1000)
	req.Postings[1].Credit = 900

	_, err := f.ledger.PostEntry(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnbalanced))
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	bal, err := f.ledger.GetBalance(context.Background(), f.ar.ID, "", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, bal.Balance, "nothing applied")
}

func TestPostEntryRejectsMalformedPostings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	single := f.rentEntry("", day(1, 5), 100)
	single.Postings = single.Postings[:1]
	_, err := f.ledger.PostEntry(ctx, single)
	assert.ErrorIs(t, err, models.ErrValidation)

	both := f.rentEntry("", day(1, 5), 100)
	both.Postings[0].Credit = 100
	_, err = f.ledger.PostEntry(ctx, both)
	assert.ErrorIs(t, err, models.ErrValidation)

	unknown := f.rentEntry("", day(1, 5), 100)
	unknown.Postings[0].AccountID = "nope"
	_, err = f.ledger.PostEntry(ctx, unknown)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostEntryDuplicateKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.PostEntry(ctx, f.rentEntry("charge-1", day(1, 5), 1000))
	require.NoError(t, err)

	_, err = f.ledger.PostEntry(ctx, f.rentEntry("charge-1", day(1, 5), 1000))
	require.ErrorIs(t, err, models.ErrDuplicateKey)
	assert.Equal(t, models.KindConcurrency, models.KindOf(err))

	again, err := f.ledger.EnsureEntry(ctx, f.rentEntry("charge-1", day(1, 5), 1000))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	bal, err := f.ledger.GetBalance(ctx, f.ar.ID, "p1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Balance)
}

func TestPostEntryRejectsClosedPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePeriod(ctx, models.Period{ID: "jan", Start: day(1, 1), End: day(1, 31), Status: models.PeriodClosed}))
	require.NoError(t, f.store.CreatePeriod(ctx, models.Period{ID: "feb", Start: day(2, 1), End: day(2, 29), Status: models.PeriodClosing}))

	_, err := f.ledger.PostEntry(ctx, f.rentEntry("", day(1, 20), 500))
	require.ErrorIs(t, err, models.ErrPeriodClosed)

	_, err = f.ledger.PostEntry(ctx, f.rentEntry("", time.Date(2023, 12, 20, 0, 0, 0, 0, time.UTC), 500))
	require.ErrorIs(t, err, models.ErrPeriodClosed, "uncovered dates behind a closed period are locked too")

	entry, err := f.ledger.PostEntry(ctx, f.rentEntry("", day(2, 20), 500))
	require.NoError(t, err, "closing periods still accept closing entries")
	assert.Equal(t, "feb", entry.PeriodID)

	_, err = f.ledger.PostEntry(ctx, f.rentEntry("", day(6, 1), 500))
	require.NoError(t, err, "dates outside any period are accepted")
}

// closingPeriods closes the period it finds, as if a PeriodClose finished
// right after the ledger's own check.
type closingPeriods struct {
	*memory.Store
	armed bool
}

func (c *closingPeriods) FindPeriodForDate(ctx context.Context, date time.Time) (models.Period, bool, error) {
	p, found, err := c.Store.FindPeriodForDate(ctx, date)
	if err != nil || !found || !c.armed || p.Status != models.PeriodOpen {
		return p, found, err
	}
	c.armed = false
	if _, err := c.Store.TransitionPeriod(ctx, p.ID, models.PeriodOpen, models.PeriodClosing, "closer", date); err != nil {
		return p, found, err
	}
	if _, err := c.Store.TransitionPeriod(ctx, p.ID, models.PeriodClosing, models.PeriodClosed, "closer", date); err != nil {
		return p, found, err
	}
	return p, found, nil
}

func newClosingFixture(t *testing.T) (fixture, *closingPeriods) {
	t.Helper()
	f := newFixture(t)
	periods := &closingPeriods{Store: f.store}
	f.ledger = ledger.NewLedger(f.store,
		ledger.WithPeriods(periods),
		ledger.WithClock(func() time.Time { return day(3, 15) }),
	)
	return f, periods
}

func TestPostEntryLosesRaceWithPeriodClose(t *testing.T) {
	f, periods := newClosingFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePeriod(ctx, models.Period{ID: "may", Start: day(5, 1), End: day(5, 31), Status: models.PeriodOpen}))

	periods.armed = true
	_, err := f.ledger.PostEntry(ctx, f.rentEntry("k1", day(5, 10), 700))
	require.ErrorIs(t, err, models.ErrPeriodClosed)

	may, err := f.store.GetPeriod(ctx, "may")
	require.NoError(t, err)
	assert.Equal(t, models.PeriodClosed, may.Status)
	_, found, err := f.ledger.EntryByKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found, "nothing committed into the closed period")

	bal, err := f.ledger.GetBalance(ctx, f.ar.ID, "", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, bal.Balance)
}

func TestVoidEntryLosesRaceWithPeriodClose(t *testing.T) {
	f, periods := newClosingFixture(t)
	ctx := context.Background()
	entry, err := f.ledger.PostEntry(ctx, f.rentEntry("k1", day(1, 5), 700))
	require.NoError(t, err)
	require.NoError(t, f.store.CreatePeriod(ctx, models.Period{ID: "mar", Start: day(3, 1), End: day(3, 31), Status: models.PeriodOpen}))

	periods.armed = true
	_, err = f.ledger.VoidEntry(ctx, entry.ID, "wrong tenant", ledger.VoidOptions{})
	require.ErrorIs(t, err, models.ErrPeriodClosed)

	original, err := f.ledger.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, original.Voided)
	_, found, err := f.ledger.FindReversal(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentPostingsDuringPeriodClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePeriod(ctx, models.Period{ID: "jan", Start: day(1, 1), End: day(1, 31), Status: models.PeriodOpen}))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.PostEntry(ctx, f.rentEntry("", day(1, 5), 10))
			if err != nil {
				assert.ErrorIs(t, err, models.ErrPeriodClosed)
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.store.TransitionPeriod(ctx, "jan", models.PeriodOpen, models.PeriodClosing, "closer", day(2, 1))
		assert.NoError(t, err)
		_, err = f.store.TransitionPeriod(ctx, "jan", models.PeriodClosing, models.PeriodClosed, "closer", day(2, 1))
		assert.NoError(t, err)
	}()
	wg.Wait()

	bal, err := f.ledger.GetBalance(ctx, f.ar.ID, "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, accepted*10, bal.Balance, "only accepted entries reached the books")

	tb, err := f.ledger.GetTrialBalance(ctx, time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Balanced())

	_, err = f.ledger.PostEntry(ctx, f.rentEntry("", day(1, 5), 10))
	require.ErrorIs(t, err, models.ErrPeriodClosed)
}

func TestVoidEntryReversesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.ledger.PostEntry(ctx, f.rentEntry("k", day(1, 5), 1250))
	require.NoError(t, err)

	reversal, err := f.ledger.VoidEntry(ctx, entry.ID, "posted to wrong tenant", ledger.VoidOptions{})
	require.NoError(t, err)
	assert.Equal(t, entry.ID, reversal.ReversalOf)
	assert.Equal(t, day(3, 15), reversal.Date, "reversal is dated today")
	require.Len(t, reversal.Postings, 2)
	assert.Equal(t, int64(1250), reversal.Postings[0].Credit)
	assert.Equal(t, int64(1250), reversal.Postings[1].Debit)

	original, err := f.ledger.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, original.Voided)

	bal, err := f.ledger.GetBalance(ctx, f.ar.ID, "", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, bal.Balance)

	_, err = f.ledger.VoidEntry(ctx, entry.ID, "again", ledger.VoidOptions{})
	require.ErrorIs(t, err, models.ErrAlreadyVoided)

	_, err = f.ledger.VoidEntry(ctx, reversal.ID, "undo", ledger.VoidOptions{})
	require.ErrorIs(t, err, models.ErrValidation)

	found, ok, err := f.ledger.FindReversal(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, reversal.ID, found.ID)
}

func TestGetBalanceTimeTravel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.PostEntry(ctx, f.rentEntry("", day(1, 5), 1000))
	require.NoError(t, err)
	_, err = f.ledger.PostEntry(ctx, f.rentEntry("", day(2, 5), 300))
	require.NoError(t, err)

	n, err := f.ledger.TakeSnapshots(ctx, "jan", day(1, 31))
	require.NoError(t, err)
	assert.Positive(t, n)

	_, err = f.ledger.PostEntry(ctx, f.rentEntry("", day(3, 5), 50))
	require.NoError(t, err)

	cases := []struct {
		asOf time.Time
		want int64
	}{
		{day(1, 4), 0},
		{day(1, 31), 1000},
		{day(2, 10), 1300},
		{day(3, 31), 1350},
	}
	for _, tc := range cases {
		bal, err := f.ledger.GetBalance(ctx, f.ar.ID, "p1", tc.asOf)
		require.NoError(t, err)
		assert.Equal(t, tc.want, bal.Balance, tc.asOf.Format(time.DateOnly))
	}

	normal, err := f.ledger.NormalBalance(ctx, f.rent.ID, "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1350), normal, "income reads positive on its credit side")
}

func TestTrialBalanceStaysZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ProvisionChart(ctx, "p2", "owner-2")
	require.NoError(t, err)
	cash2, err := f.ledger.AccountFor(ctx, "p2", models.RoleTrustCash)
	require.NoError(t, err)
	ar2, err := f.ledger.AccountFor(ctx, "p2", models.RoleTenantAR)
	require.NoError(t, err)

	_, err = f.ledger.PostEntry(ctx, f.rentEntry("", day(1, 5), 1000))
	require.NoError(t, err)
	_, err = f.ledger.PostEntry(ctx, ledger.EntryRequest{
		Type: models.EntryPayment,
		Date: day(1, 6),
		Postings: []models.Posting{
			models.Debit(cash2.ID, "p2", 400),
			models.Credit(ar2.ID, "p2", 400),
		},
	})
	require.NoError(t, err)

	tb, err := f.ledger.GetTrialBalance(ctx, day(3, 31))
	require.NoError(t, err)
	assert.True(t, tb.Balanced())
	assert.Equal(t, int64(1400), tb.TotalDebits)

	ptb, err := f.ledger.GetPropertyTrialBalance(ctx, "p2", day(3, 31))
	require.NoError(t, err)
	assert.True(t, ptb.Balanced())
	assert.Equal(t, int64(400), ptb.TotalDebits)
}

type blockAll struct{}

func (blockAll) AllowPosting(ctx context.Context, propertyIDs []string) error {
	return models.NewError(models.CodeScopeBlocked, "blocked")
}

func TestGuardBlocksPostings(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetGuard(blockAll{})

	_, err := f.ledger.PostEntry(context.Background(), f.rentEntry("", day(1, 5), 100))
	require.ErrorIs(t, err, models.ErrBlocked)
}

func TestConcurrentPostingsKeepBalanced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.PostEntry(ctx, f.rentEntry("", day(1, 5), 10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := f.ledger.GetBalance(ctx, f.ar.ID, "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Balance)

	tb, err := f.ledger.GetTrialBalance(ctx, time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Balanced())
}

func TestProvisionChartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	again, err := f.ledger.ProvisionChart(context.Background(), "p1", "owner-1")
	require.NoError(t, err)

	var cash models.Account
	for _, a := range again {
		if a.Role == models.RoleTrustCash {
			cash = a
		}
	}
	assert.Equal(t, f.cash.ID, cash.ID)
}
