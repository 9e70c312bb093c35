package models

import "time"

// EntryType labels why a journal entry exists.
type EntryType string

const (
	EntryManual           EntryType = "manual"
	EntryCharge           EntryType = "charge"
	EntryPayment          EntryType = "payment"
	EntryDistribution     EntryType = "distribution"
	EntrySweep            EntryType = "sweep"
	EntryBill             EntryType = "bill"
	EntryBillPayment      EntryType = "bill_payment"
	EntryDepositCollect   EntryType = "deposit_collect"
	EntryDepositInterest  EntryType = "deposit_interest"
	EntryDepositFee       EntryType = "deposit_fee"
	EntryDepositRelease   EntryType = "deposit_release"
	EntryDepositRefund    EntryType = "deposit_refund"
	EntryDepositTransfer  EntryType = "deposit_transfer"
	EntryReclassification EntryType = "reclassification"
	EntryWriteOff         EntryType = "write_off"
	EntryAdjustment       EntryType = "adjustment"
	EntryReversal         EntryType = "reversal"
	EntryPeriodClose      EntryType = "period_close"
	EntryOpeningBalance   EntryType = "opening_balance"
)

// JournalEntry is an immutable double-entry record. Only Voided/VoidedAt/
// VoidReason ever change after creation, and only together with a new
// reversing entry whose ReversalOf points back here.
type JournalEntry struct {
	ID             string            `json:"id"`
	Sequence       int64             `json:"sequence"`
	Type           EntryType         `json:"type"`
	Date           time.Time         `json:"date"`
	CreatedAt      time.Time         `json:"created_at"`
	PeriodID       string            `json:"period_id,omitempty"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Reference      string            `json:"reference,omitempty"`
	Voided         bool              `json:"voided"`
	VoidedAt       *time.Time        `json:"voided_at,omitempty"`
	VoidReason     string            `json:"void_reason,omitempty"`
	ReversalOf     string            `json:"reversal_of,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Postings       []Posting         `json:"postings"`
}

// Posting is one line of an entry. Exactly one of Debit/Credit is non-zero.
type Posting struct {
	EntryID    string `json:"entry_id"`
	Line       int    `json:"line"`
	AccountID  string `json:"account_id"`
	PropertyID string `json:"property_id,omitempty"`
	UnitID     string `json:"unit_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	VendorID   string `json:"vendor_id,omitempty"`
	Debit      int64  `json:"debit"`
	Credit     int64  `json:"credit"`
	Memo       string `json:"memo,omitempty"`
}

// Net returns debit minus credit.
func (p Posting) Net() int64 { return p.Debit - p.Credit }

// Negate swaps the sides of a posting.
func (p Posting) Negate() Posting {
	p.Debit, p.Credit = p.Credit, p.Debit
	return p
}

// Debit builds a debit line.
func Debit(accountID, propertyID string, amount int64) Posting {
	return Posting{AccountID: accountID, PropertyID: propertyID, Debit: amount}
}

// Credit builds a credit line.
func Credit(accountID, propertyID string, amount int64) Posting {
	return Posting{AccountID: accountID, PropertyID: propertyID, Credit: amount}
}

// Totals returns the summed debits and credits of postings.
func Totals(postings []Posting) (debits int64, credits int64) {
	for _, p := range postings {
		debits += p.Debit
		credits += p.Credit
	}
	return debits, credits
}

// TotalsByProperty groups debit/credit totals per property scope.
func TotalsByProperty(postings []Posting) map[string][2]int64 {
	out := make(map[string][2]int64)
	for _, p := range postings {
		t := out[p.PropertyID]
		t[0] += p.Debit
		t[1] += p.Credit
		out[p.PropertyID] = t
	}
	return out
}

// PropertyIDs returns the distinct property scopes touched by postings.
func PropertyIDs(postings []Posting) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range postings {
		if _, ok := seen[p.PropertyID]; ok {
			continue
		}
		seen[p.PropertyID] = struct{}{}
		out = append(out, p.PropertyID)
	}
	return out
}

// BalanceSnapshot freezes an account's balance within a scope as of a date.
// Snapshots are only taken at closed period ends, which no longer accept postings.
type BalanceSnapshot struct {
	AccountID  string    `json:"account_id"`
	PropertyID string    `json:"property_id"`
	AsOf       time.Time `json:"as_of"`
	Balance    int64     `json:"balance"`
	PeriodID   string    `json:"period_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// DateOf truncates t to a UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LedgerLine is a posting joined with the entry fields reports need.
type LedgerLine struct {
	Posting
	EntryType  EntryType         `json:"entry_type"`
	EntryDate  time.Time         `json:"entry_date"`
	Sequence   int64             `json:"sequence"`
	Voided     bool              `json:"voided"`
	ReversalOf string            `json:"reversal_of,omitempty"`
	Reference  string            `json:"reference,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
