package events

import "time"

// PaymentReceived is emitted once a payment is posted and applied.
type PaymentReceived struct {
	PaymentID  string    `json:"payment_id"`
	TenantID   string    `json:"tenant_id"`
	PropertyID string    `json:"property_id"`
	EntryID    string    `json:"entry_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Unapplied  int64     `json:"unapplied"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PaymentReturned is emitted after an NSF reversal completes.
type PaymentReturned struct {
	PaymentID       string    `json:"payment_id"`
	TenantID        string    `json:"tenant_id"`
	ReversalEntryID string    `json:"reversal_entry_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	ReopenedCharges []string  `json:"reopened_charges"`
	FeeChargeID     string    `json:"fee_charge_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// GatewayPayment is the payload of a payment-gateway webhook.
type GatewayPayment struct {
	PaymentID   string    `json:"payment_id"`
	TenantID    string    `json:"tenant_id"`
	PropertyID  string    `json:"property_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Method      string    `json:"method,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// DistributionPaid is emitted when an owner payout was requested.
type DistributionPaid struct {
	DistributionID string    `json:"distribution_id"`
	OwnerID        string    `json:"owner_id"`
	PropertyID     string    `json:"property_id"`
	EntryID        string    `json:"entry_id"`
	PayoutRef      string    `json:"payout_ref"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// SweepCompleted is emitted after funds move between cash accounts.
type SweepCompleted struct {
	SweepID           string    `json:"sweep_id"`
	PropertyID        string    `json:"property_id"`
	EntryID           string    `json:"entry_id"`
	BankTransactionID string    `json:"bank_transaction_id,omitempty"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// BillPaid is emitted when a vendor payment was submitted.
type BillPaid struct {
	BillID     string    `json:"bill_id"`
	VendorID   string    `json:"vendor_id"`
	PropertyID string    `json:"property_id"`
	EntryID    string    `json:"entry_id"`
	PaymentRef string    `json:"payment_ref"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DepositMoved covers deposit collection, return and transfer.
type DepositMoved struct {
	DepositID  string    `json:"deposit_id"`
	TenantID   string    `json:"tenant_id"`
	OwnerID    string    `json:"owner_id"`
	PropertyID string    `json:"property_id"`
	Amount     int64     `json:"amount"`
	Fees       int64     `json:"fees,omitempty"`
	Currency   string    `json:"currency"`
	EntryIDs   []string  `json:"entry_ids"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PeriodClosed is emitted when a period is locked.
type PeriodClosed struct {
	PeriodID   string    `json:"period_id"`
	ClosedBy   string    `json:"closed_by"`
	EntryIDs   []string  `json:"entry_ids"`
	Snapshots  int       `json:"snapshots"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PeriodEndReached triggers the period close saga.
type PeriodEndReached struct {
	PeriodID string `json:"period_id"`
	ClosedBy string `json:"closed_by"`
}

// SagaOutcome announces saga completion, failure or zombie resolution.
type SagaOutcome struct {
	SagaID     string    `json:"saga_id"`
	SagaType   string    `json:"saga_type"`
	Status     string    `json:"status"`
	FailedStep string    `json:"failed_step,omitempty"`
	FundsMoved bool      `json:"funds_moved"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DiagnosticViolation is the alert emitted when an invariant check fails.
type DiagnosticViolation struct {
	AlertID    string    `json:"alert_id"`
	Check      string    `json:"check"`
	Scope      string    `json:"scope"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BankTransactionImported announces a new bank-feed record.
type BankTransactionImported struct {
	ExternalID    string    `json:"external_id"`
	BankAccountID string    `json:"bank_account_id"`
	PropertyID    string    `json:"property_id,omitempty"`
	Amount        int64     `json:"amount"`
	Date          time.Time `json:"date"`
}

// Form1099Ready hands a computed 1099 to the report renderer.
type Form1099Ready struct {
	Year       int      `json:"year"`
	PayerID    string   `json:"payer_id"`
	VendorID   string   `json:"vendor_id"`
	Amount     int64    `json:"amount"`
	Currency   string   `json:"currency"`
	Properties []string `json:"properties"`
}
