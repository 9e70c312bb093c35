package models

import "time"

// ChargeCategory drives payment allocation priority.
type ChargeCategory string

const (
	ChargeRent        ChargeCategory = "rent"
	ChargeFees        ChargeCategory = "fees"
	ChargeUtilities   ChargeCategory = "utilities"
	ChargeMaintenance ChargeCategory = "maintenance"
	ChargeDeposit     ChargeCategory = "deposit"
	ChargePetFees     ChargeCategory = "pet_fees"
	ChargeOther       ChargeCategory = "other"
)

// DefaultAllocationPriority is the category order used when configuration
// does not override it.
var DefaultAllocationPriority = []ChargeCategory{
	ChargeRent, ChargeFees, ChargeUtilities, ChargeMaintenance, ChargeDeposit, ChargePetFees, ChargeOther,
}

// IncomeRole maps a charge category to the account credited when it is assessed.
func (c ChargeCategory) IncomeRole() AccountRole {
	switch c {
	case ChargeRent:
		return RoleRentIncome
	case ChargeFees, ChargePetFees:
		return RoleFeeIncome
	case ChargeUtilities:
		return RoleUtilityIncome
	case ChargeMaintenance:
		return RoleMaintenanceIncome
	case ChargeDeposit:
		return RoleDepositClearing
	default:
		return RoleOtherIncome
	}
}

// ChargeStatus tracks how much of a charge has been paid.
type ChargeStatus string

const (
	ChargeOpen    ChargeStatus = "open"
	ChargePartial ChargeStatus = "partial"
	ChargePaid    ChargeStatus = "paid"
	ChargeVoid    ChargeStatus = "void"
)

// Charge is one receivable on a tenant's sub-ledger.
type Charge struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	LeaseID     string         `json:"lease_id,omitempty"`
	PropertyID  string         `json:"property_id"`
	UnitID      string         `json:"unit_id,omitempty"`
	Category    ChargeCategory `json:"category"`
	Description string         `json:"description,omitempty"`
	Amount      int64          `json:"amount"`
	PaidAmount  int64          `json:"paid_amount"`
	Currency    string         `json:"currency"`
	DueDate     time.Time      `json:"due_date"`
	Status      ChargeStatus   `json:"status"`
	EntryID     string         `json:"entry_id,omitempty"`
	// Allocations holds the amount each payment applied, keyed by payment id.
	Allocations map[string]int64 `json:"allocations,omitempty"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Outstanding is the unpaid remainder.
func (c Charge) Outstanding() int64 { return c.Amount - c.PaidAmount }

// StatusFor recomputes a charge status from its paid amount.
func StatusFor(amount, paid int64) ChargeStatus {
	switch {
	case paid <= 0:
		return ChargeOpen
	case paid >= amount:
		return ChargePaid
	default:
		return ChargePartial
	}
}

// ChargeApplication records how much of a payment landed on a charge.
type ChargeApplication struct {
	PaymentID  string         `json:"payment_id"`
	ChargeID   string         `json:"charge_id"`
	PropertyID string         `json:"property_id"`
	UnitID     string         `json:"unit_id,omitempty"`
	Category   ChargeCategory `json:"category"`
	Amount     int64          `json:"amount"`
}

// PaymentStatus is the lifecycle of a received payment.
type PaymentStatus string

const (
	PaymentApplied  PaymentStatus = "applied"
	PaymentReturned PaymentStatus = "returned"
	PaymentVoided   PaymentStatus = "voided"
)

// Payment is a tenant payment captured by the gateway and posted to the ledger.
type Payment struct {
	ID           string              `json:"id"`
	TenantID     string              `json:"tenant_id"`
	PropertyID   string              `json:"property_id"`
	Amount       int64               `json:"amount"`
	Currency     string              `json:"currency"`
	Method       string              `json:"method,omitempty"`
	ExternalRef  string              `json:"external_ref,omitempty"`
	ReceivedOn   time.Time           `json:"received_on"`
	EntryID      string              `json:"entry_id"`
	Unapplied    int64               `json:"unapplied"`
	Applications []ChargeApplication `json:"applications"`
	Status       PaymentStatus       `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
}
