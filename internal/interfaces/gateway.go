package interfaces

import "context"

// DisbursementKind selects the outbound payment rail.
type DisbursementKind string

const (
	DisburseOwnerPayout   DisbursementKind = "owner_payout"
	DisburseVendorPayment DisbursementKind = "vendor_payment"
	DisburseTenantRefund  DisbursementKind = "tenant_refund"
)

// Disbursement is an outbound money movement requested from the gateway.
// ID doubles as the gateway idempotency key.
type Disbursement struct {
	ID       string
	Kind     DisbursementKind
	PayeeID  string
	Amount   int64
	Currency string
	Memo     string
}

// PaymentGateway moves real money. A successful Disburse cannot be undone.
type PaymentGateway interface {
	Disburse(ctx context.Context, d Disbursement) (string, error)
}

// Claimer grants exclusive, time-bounded ownership of a key across replicas.
type Claimer interface {
	Claim(ctx context.Context, key string) (release func(context.Context) error, err error)
}
