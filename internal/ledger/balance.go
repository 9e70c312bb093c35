package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// GetBalance returns an account's raw (debit-minus-credit) balance within a
// property scope ("" for all properties).
//
// A zero asOf reads the cached balance. Otherwise the nearest snapshot at or
// before asOf is combined with the postings dated after it, so history is
// reconstructed without touching rows beyond the last closed period.
func (l *Ledger) GetBalance(ctx context.Context, accountID, propertyID string, asOf time.Time) (models.AccountBalance, error) {
	if asOf.IsZero() {
		return l.store.GetAccountBalance(ctx, accountID, propertyID)
	}
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return models.AccountBalance{}, err
	}

	asOf = models.DateOf(asOf)
	var base int64
	var after time.Time
	snap, found, err := l.store.LatestSnapshot(ctx, accountID, propertyID, asOf)
	if err != nil {
		return models.AccountBalance{}, err
	}
	if found {
		base = snap.Balance
		after = snap.AsOf
	}
	delta, err := l.store.SumPostings(ctx, accountID, propertyID, after, asOf)
	if err != nil {
		return models.AccountBalance{}, err
	}
	return models.AccountBalance{
		AccountID:  accountID,
		PropertyID: propertyID,
		Balance:    base + delta,
		AsOf:       asOf,
	}, nil
}

// NormalBalance returns GetBalance presented on the account's normal side.
func (l *Ledger) NormalBalance(ctx context.Context, accountID, propertyID string, asOf time.Time) (int64, error) {
	account, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	bal, err := l.GetBalance(ctx, accountID, propertyID, asOf)
	if err != nil {
		return 0, err
	}
	return models.NormalAmount(account.Type, bal.Balance), nil
}

// RoleBalance is NormalBalance for the account holding role in a property.
func (l *Ledger) RoleBalance(ctx context.Context, propertyID string, role models.AccountRole, asOf time.Time) (int64, error) {
	account, err := l.store.FindAccountByRole(ctx, propertyID, role)
	if err != nil {
		return 0, err
	}
	return l.NormalBalance(ctx, account.ID, propertyID, asOf)
}

// TrialBalanceLine is one account row of a trial balance.
type TrialBalanceLine struct {
	Account models.Account `json:"account"`
	Debit   int64          `json:"debit"`
	Credit  int64          `json:"credit"`
}

// TrialBalance lists every non-zero account balance in a scope.
type TrialBalance struct {
	AsOf         time.Time          `json:"as_of"`
	PropertyID   string             `json:"property_id,omitempty"`
	Lines        []TrialBalanceLine `json:"lines"`
	TotalDebits  int64              `json:"total_debits"`
	TotalCredits int64              `json:"total_credits"`
}

// Balanced reports whether total debits equal total credits.
func (tb TrialBalance) Balanced() bool { return tb.TotalDebits == tb.TotalCredits }

// Difference is debits minus credits; zero for a healthy ledger.
func (tb TrialBalance) Difference() int64 { return tb.TotalDebits - tb.TotalCredits }

// GetTrialBalance sums every account as of asOf across all properties.
func (l *Ledger) GetTrialBalance(ctx context.Context, asOf time.Time) (TrialBalance, error) {
	return l.trialBalance(ctx, "", asOf)
}

// GetPropertyTrialBalance sums every account's postings scoped to one property.
func (l *Ledger) GetPropertyTrialBalance(ctx context.Context, propertyID string, asOf time.Time) (TrialBalance, error) {
	if propertyID == "" {
		return TrialBalance{}, models.NewValidation("property id is required")
	}
	return l.trialBalance(ctx, propertyID, asOf)
}

func (l *Ledger) trialBalance(ctx context.Context, propertyID string, asOf time.Time) (TrialBalance, error) {
	accounts, err := l.store.ListAccounts(ctx, interfaces.AccountFilter{})
	if err != nil {
		return TrialBalance{}, err
	}
	tb := TrialBalance{AsOf: models.DateOf(asOf), PropertyID: propertyID}
	if asOf.IsZero() {
		tb.AsOf = time.Time{}
	}
	for _, account := range accounts {
		bal, err := l.GetBalance(ctx, account.ID, propertyID, asOf)
		if err != nil {
			return TrialBalance{}, err
		}
		if bal.Balance == 0 {
			continue
		}
		line := TrialBalanceLine{Account: account}
		if bal.Balance > 0 {
			line.Debit = bal.Balance
		} else {
			line.Credit = -bal.Balance
		}
		tb.TotalDebits += line.Debit
		tb.TotalCredits += line.Credit
		tb.Lines = append(tb.Lines, line)
	}
	return tb, nil
}

// TakeSnapshots freezes every account balance, in total and per property
// touched, as of a closed period's end date.
func (l *Ledger) TakeSnapshots(ctx context.Context, periodID string, asOf time.Time) (int, error) {
	asOf = models.DateOf(asOf)
	accounts, err := l.store.ListAccounts(ctx, interfaces.AccountFilter{})
	if err != nil {
		return 0, err
	}
	var snapshots []models.BalanceSnapshot
	now := l.now()
	for _, account := range accounts {
		lines, err := l.store.ListLines(ctx, interfaces.LineFilter{AccountIDs: []string{account.ID}, To: asOf})
		if err != nil {
			return 0, err
		}
		scopes := []string{""}
		seen := map[string]struct{}{}
		for _, line := range lines {
			if line.PropertyID == "" {
				continue
			}
			if _, ok := seen[line.PropertyID]; ok {
				continue
			}
			seen[line.PropertyID] = struct{}{}
			scopes = append(scopes, line.PropertyID)
		}
		for _, scope := range scopes {
			bal, err := l.GetBalance(ctx, account.ID, scope, asOf)
			if err != nil {
				return 0, err
			}
			snapshots = append(snapshots, models.BalanceSnapshot{
				AccountID:  account.ID,
				PropertyID: scope,
				AsOf:       asOf,
				Balance:    bal.Balance,
				PeriodID:   periodID,
				CreatedAt:  now,
			})
		}
	}
	if err := l.store.SaveSnapshots(ctx, snapshots); err != nil {
		return 0, err
	}
	return len(snapshots), nil
}

// DropSnapshots removes the snapshots a period close took.
func (l *Ledger) DropSnapshots(ctx context.Context, periodID string) error {
	return l.store.DeleteSnapshots(ctx, periodID)
}

// Account helpers.

func (l *Ledger) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return l.store.GetAccount(ctx, id)
}

func (l *Ledger) AccountFor(ctx context.Context, propertyID string, role models.AccountRole) (models.Account, error) {
	return l.store.FindAccountByRole(ctx, propertyID, role)
}

func (l *Ledger) ListAccounts(ctx context.Context, filter interfaces.AccountFilter) ([]models.Account, error) {
	return l.store.ListAccounts(ctx, filter)
}

// CreateAccount adds a custom account to the chart.
func (l *Ledger) CreateAccount(ctx context.Context, account models.Account) (models.Account, error) {
	if !account.Type.Valid() {
		return models.Account{}, models.NewValidation("unknown account type " + string(account.Type))
	}
	if account.Code == "" || account.Name == "" {
		return models.Account{}, models.NewValidation("account code and name are required")
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.NormalSide = account.Type.NormalSide()
	if account.Currency == "" {
		account.Currency = l.currency
	}
	account.CreatedAt = l.now()
	account.Balance, account.BalanceSeq = 0, 0
	if err := l.store.CreateAccount(ctx, account); err != nil {
		return models.Account{}, err
	}
	return account, nil
}
