package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// PeriodStore persists accounting periods.
type PeriodStore interface {
	CreatePeriod(ctx context.Context, period models.Period) error
	GetPeriod(ctx context.Context, id string) (models.Period, error)
	// FindPeriodForDate returns the period covering date, if any.
	FindPeriodForDate(ctx context.Context, date time.Time) (models.Period, bool, error)
	ListPeriods(ctx context.Context) ([]models.Period, error)
	// TransitionPeriod moves a period from one status to the next, failing with
	// models.ErrVersionConflict when the stored status is no longer from.
	TransitionPeriod(ctx context.Context, id string, from, to models.PeriodStatus, actor string, at time.Time) (models.Period, error)
}

// SagaFilter narrows ListSagas.
type SagaFilter struct {
	Type     string
	Statuses []models.SagaStatus
	Limit    int
}

// SagaStore persists saga instances and their append-only step history.
type SagaStore interface {
	// CreateSaga inserts a new instance. An instance with the same idempotency
	// key that is running, compensating or completed fails with models.ErrSagaActive.
	CreateSaga(ctx context.Context, saga *models.Saga) error
	GetSaga(ctx context.Context, id string) (models.Saga, error)
	GetSagaByKey(ctx context.Context, idempotencyKey string) (models.Saga, error)
	ListSagas(ctx context.Context, filter SagaFilter) ([]models.Saga, error)
	// SaveProgress writes saga state and appends record (when non-nil) in one
	// transaction, provided the stored version still equals expectedVersion.
	// On success saga.Version is incremented.
	SaveProgress(ctx context.Context, saga *models.Saga, expectedVersion int64, record *models.StepRecord) error
	// Heartbeat refreshes liveness for a non-terminal saga held by owner.
	Heartbeat(ctx context.Context, id string, owner string, at time.Time) error
	// RequestCancel flags a non-terminal saga for cancellation between steps.
	RequestCancel(ctx context.Context, id string) error
	// ListStalled returns non-terminal sagas whose heartbeat is older than staleBefore.
	ListStalled(ctx context.Context, staleBefore time.Time, limit int) ([]models.Saga, error)
	// ClaimStalled transfers ownership of a stalled saga to owner when both its
	// version and its stale heartbeat are unchanged.
	ClaimStalled(ctx context.Context, id string, expectedVersion int64, staleBefore time.Time, owner string, at time.Time) (models.Saga, error)
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Type     string
	Statuses []models.EventStatus
	Limit    int
}

// EventStore is the durable event log with lease-based dispatch.
type EventStore interface {
	// AppendEvent stores a pending event. A repeated dedupe key is a no-op that
	// returns false.
	AppendEvent(ctx context.Context, event models.Event) (bool, error)
	GetEvent(ctx context.Context, id string) (models.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]models.Event, error)
	// LeaseEvents claims up to limit due events for consumer until now+ttl.
	// Events whose previous lease expired are eligible again.
	LeaseEvents(ctx context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]models.Event, error)
	MarkEventProcessed(ctx context.Context, id string, consumer string, at time.Time) error
	MarkEventRetry(ctx context.Context, id string, consumer string, nextAttempt time.Time, lastErr string) error
	MarkEventFailed(ctx context.Context, id string, consumer string, lastErr string, at time.Time) error
	// IsHandled reports whether handler already consumed eventID.
	IsHandled(ctx context.Context, eventID string, handler string) (bool, error)
	// MarkHandled records that handler consumed eventID; false means it already had.
	MarkHandled(ctx context.Context, eventID string, handler string, at time.Time) (bool, error)
}

// ChargeFilter narrows ListCharges.
type ChargeFilter struct {
	TenantID   string
	PropertyID string
	Statuses   []models.ChargeStatus
}

// TenantStore persists the tenant sub-ledger.
type TenantStore interface {
	CreateCharge(ctx context.Context, charge models.Charge) error
	GetCharge(ctx context.Context, id string) (models.Charge, error)
	ListCharges(ctx context.Context, filter ChargeFilter) ([]models.Charge, error)
	// UpdateCharge writes paid amount and status when the version still
	// matches, incrementing it.
	UpdateCharge(ctx context.Context, charge *models.Charge, expectedVersion int64) error

	// SavePayment inserts a payment; a reused id fails with models.ErrDuplicateKey.
	SavePayment(ctx context.Context, payment models.Payment) error
	GetPayment(ctx context.Context, id string) (models.Payment, error)
	ListPayments(ctx context.Context, tenantID string) ([]models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, status models.PaymentStatus) error
	DeletePayment(ctx context.Context, id string) error
}

// DepositFilter narrows ListDeposits.
type DepositFilter struct {
	PropertyID string
	OwnerID    string
	TenantID   string
	Statuses   []models.DepositStatus
}

// DepositStore persists security deposit records.
type DepositStore interface {
	// CreateDeposit inserts a record; a reused id fails with models.ErrDuplicateKey.
	CreateDeposit(ctx context.Context, deposit models.SecurityDeposit) error
	GetDeposit(ctx context.Context, id string) (models.SecurityDeposit, error)
	ListDeposits(ctx context.Context, filter DepositFilter) ([]models.SecurityDeposit, error)
	UpdateDeposit(ctx context.Context, deposit *models.SecurityDeposit, expectedVersion int64) error
	DeleteDeposit(ctx context.Context, id string) error
}

// RuleStore persists compliance rules.
type RuleStore interface {
	ListRules(ctx context.Context, category string) ([]models.ComplianceRule, error)
	UpsertRule(ctx context.Context, rule models.ComplianceRule) error
}

// BankFilter narrows ListBankTransactions.
type BankFilter struct {
	BankAccountID string
	PropertyID    string
	UnmatchedOnly bool
	From          time.Time
	To            time.Time
}

// BankStore persists imported bank-feed records.
type BankStore interface {
	// SaveBankTransaction inserts a record; a known external id returns false.
	SaveBankTransaction(ctx context.Context, tx models.BankTransaction) (bool, error)
	GetBankTransaction(ctx context.Context, externalID string) (models.BankTransaction, error)
	ListBankTransactions(ctx context.Context, filter BankFilter) ([]models.BankTransaction, error)
	// SetBankMatch ties a record to entryID; an empty entryID clears the match.
	SetBankMatch(ctx context.Context, externalID string, entryID string) error
}

// AlertStore persists diagnostic alerts that block postings.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert models.Alert) error
	ListOpenAlerts(ctx context.Context) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, id string, resolvedBy string, at time.Time) error
}

// Store is the full persistence surface of one organization.
type Store interface {
	LedgerStore
	PeriodStore
	SagaStore
	EventStore
	TenantStore
	DepositStore
	RuleStore
	BankStore
	AlertStore
	Close() error
}

// Checkpoint is the resume position of a long-running batch job.
type Checkpoint struct {
	Job       string    `json:"job"`
	Position  string    `json:"position"`
	Processed int       `json:"processed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore persists batch job progress outside the ledger database.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, job string) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
	ClearCheckpoint(ctx context.Context, job string) error
}
