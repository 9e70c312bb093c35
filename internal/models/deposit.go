package models

import "time"

// DepositStatus is the lifecycle of a security deposit.
type DepositStatus string

const (
	DepositHeld        DepositStatus = "held"
	DepositTransferred DepositStatus = "transferred"
	DepositApplied     DepositStatus = "applied"
	DepositRefunded    DepositStatus = "refunded"
)

// SecurityDeposit is money held in escrow on behalf of a tenant.
type SecurityDeposit struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	OwnerID         string        `json:"owner_id"`
	PropertyID      string        `json:"property_id"`
	LeaseID         string        `json:"lease_id,omitempty"`
	Principal       int64         `json:"principal"`
	AccruedInterest int64         `json:"accrued_interest"`
	Currency        string        `json:"currency"`
	Status          DepositStatus `json:"status"`
	Jurisdiction    string        `json:"jurisdiction,omitempty"`
	InterestAsOf    time.Time     `json:"interest_as_of"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Held returns principal plus accrued interest.
func (d SecurityDeposit) Held() int64 { return d.Principal + d.AccruedInterest }
