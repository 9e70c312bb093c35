package models

import "time"

// BankTransaction is one record delivered by the bank-feed provider.
type BankTransaction struct {
	ExternalID     string    `json:"external_id"`
	BankAccountID  string    `json:"bank_account_id"`
	PropertyID     string    `json:"property_id,omitempty"`
	Date           time.Time `json:"date"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Description    string    `json:"description"`
	MatchedEntryID string    `json:"matched_entry_id,omitempty"`
	ImportedAt     time.Time `json:"imported_at"`
}

// Matched reports whether reconciliation tied the record to a ledger entry.
func (t BankTransaction) Matched() bool { return t.MatchedEntryID != "" }

// Alert is a fatal diagnostic finding that blocks postings in its scope.
type Alert struct {
	ID         string     `json:"id"`
	Check      string     `json:"check"`
	Scope      string     `json:"scope"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

// GlobalScope blocks postings for every property.
const GlobalScope = "*"
