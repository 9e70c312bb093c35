package models

import (
	"encoding/json"
	"time"
)

// EventStatus is the delivery state of a logged domain event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
)

// Event is one durable domain event awaiting at-least-once dispatch.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	AggregateID    string          `json:"aggregate_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	DedupeKey      string          `json:"dedupe_key,omitempty"`
	Status         EventStatus     `json:"status"`
	RetryCount     int             `json:"retry_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Event types emitted or consumed by the core.
const (
	EventPaymentReceived      = "payment.received"
	EventPaymentReturned      = "payment.returned"
	EventReceiptIssued        = "receipt.issued"
	EventReminderDue          = "reminder.due"
	EventDistributionPaid     = "distribution.paid"
	EventSweepCompleted       = "sweep.completed"
	EventBillPaid             = "bill.paid"
	EventDepositCollected     = "deposit.collected"
	EventDepositReturned      = "deposit.returned"
	EventDepositTransferred   = "deposit.transferred"
	EventPeriodClosed         = "period.closed"
	EventPeriodEndReached     = "period.end_reached"
	EventSagaCompleted        = "saga.completed"
	EventSagaFailed           = "saga.failed"
	EventSagaZombie           = "saga.zombie"
	EventDiagnosticViolation  = "diagnostics.violation"
	EventGatewayPaymentOK     = "gateway.payment.succeeded"
	EventGatewayPaymentFailed = "gateway.payment.failed"
	EventGatewayPaymentReturn = "gateway.payment.returned"
	EventBankTxImported       = "bank.transaction.imported"
	EventForm1099Ready        = "tax.form_1099.ready"
)
