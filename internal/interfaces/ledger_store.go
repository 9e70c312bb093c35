package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// AccountFilter narrows ListAccounts; empty fields match everything.
type AccountFilter struct {
	PropertyID string
	OwnerID    string
	Type       models.AccountType
	Role       models.AccountRole
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	Types      []models.EntryType
	From       time.Time
	To         time.Time
	PropertyID string
	Reference  string
	ReversalOf string
	Limit      int
}

// LineFilter narrows ListLines. Dates are inclusive entry dates.
type LineFilter struct {
	AccountIDs []string
	PropertyID string
	TenantID   string
	VendorID   string
	EntryTypes []models.EntryType
	From       time.Time
	To         time.Time
}

// LedgerStore persists the append-only journal and its derived balances.
type LedgerStore interface {
	CreateAccount(ctx context.Context, account models.Account) error
	GetAccount(ctx context.Context, id string) (models.Account, error)
	FindAccountByRole(ctx context.Context, propertyID string, role models.AccountRole) (models.Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]models.Account, error)

	// InsertEntry commits the entry and all its postings atomically, assigns
	// its sequence and folds the postings into cached balances. A reused
	// idempotency key fails with models.ErrDuplicateKey; an entry whose
	// period (or a closed period after an uncovered date) is closed by
	// commit time fails with models.ErrPeriodClosed.
	InsertEntry(ctx context.Context, entry *models.JournalEntry) error
	// InsertReversal atomically flags originalID voided and commits reversal.
	// An already-voided original fails with models.ErrAlreadyVoided.
	InsertReversal(ctx context.Context, originalID string, reversal *models.JournalEntry, reason string) error
	GetEntry(ctx context.Context, id string) (models.JournalEntry, error)
	GetEntryByIdempotencyKey(ctx context.Context, key string) (models.JournalEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]models.JournalEntry, error)
	ListLines(ctx context.Context, filter LineFilter) ([]models.LedgerLine, error)

	// GetAccountBalance returns the cached balance; propertyID "" is the account total.
	GetAccountBalance(ctx context.Context, accountID string, propertyID string) (models.AccountBalance, error)
	// SumPostings sums debit-minus-credit for entries dated in (after, upTo].
	// A zero after means from the beginning of the ledger.
	SumPostings(ctx context.Context, accountID string, propertyID string, after time.Time, upTo time.Time) (int64, error)

	SaveSnapshots(ctx context.Context, snapshots []models.BalanceSnapshot) error
	DeleteSnapshots(ctx context.Context, periodID string) error
	LatestSnapshot(ctx context.Context, accountID string, propertyID string, asOf time.Time) (models.BalanceSnapshot, bool, error)
}
