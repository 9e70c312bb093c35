package models

import "time"

// AccountType is the chart-of-accounts classification.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountIncome    AccountType = "income"
	AccountExpense   AccountType = "expense"
)

// Side is the debit or credit side of a posting.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// NormalSide returns the side on which an account type increases.
func (t AccountType) NormalSide() Side {
	switch t {
	case AccountAsset, AccountExpense:
		return SideDebit
	default:
		return SideCredit
	}
}

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountEquity, AccountIncome, AccountExpense:
		return true
	}
	return false
}

// AccountRole tags an account with the purpose sagas resolve it by.
type AccountRole string

const (
	RoleTrustCash          AccountRole = "trust_cash"
	RoleEscrowCash         AccountRole = "escrow_cash"
	RoleUndepositedFunds   AccountRole = "undeposited_funds"
	RoleTenantAR           AccountRole = "tenant_ar"
	RolePrepaidRent        AccountRole = "prepaid_rent"
	RoleDepositLiability   AccountRole = "deposit_liability"
	RoleDepositClearing    AccountRole = "deposit_clearing"
	RoleAccountsPayable    AccountRole = "accounts_payable"
	RoleOwnerEquity        AccountRole = "owner_equity"
	RoleOwnerDistributions AccountRole = "owner_distributions"
	RoleRentIncome         AccountRole = "rent_income"
	RoleFeeIncome          AccountRole = "fee_income"
	RoleUtilityIncome      AccountRole = "utility_income"
	RoleMaintenanceIncome  AccountRole = "maintenance_income"
	RoleOtherIncome        AccountRole = "other_income"
	RoleInterestExpense    AccountRole = "interest_expense"
	RoleRepairsExpense     AccountRole = "repairs_expense"
	RoleManagementFees     AccountRole = "management_fee_expense"
	RoleBadDebt            AccountRole = "bad_debt_expense"
	RoleFixedAssets        AccountRole = "fixed_assets"
	RoleOperatingCash      AccountRole = "operating_cash"
)

// Account is one ledger account with an O(1) cached balance.
//
// Balance is the raw debit-minus-credit sum of every posting applied up to
// BalanceSeq (the ledger sequence of the last entry folded in).
type Account struct {
	ID         string      `json:"id"`
	Code       string      `json:"code"`
	Name       string      `json:"name"`
	Type       AccountType `json:"type"`
	Role       AccountRole `json:"role,omitempty"`
	NormalSide Side        `json:"normal_side"`
	OwnerID    string      `json:"owner_id,omitempty"`
	PropertyID string      `json:"property_id,omitempty"`
	ParentID   string      `json:"parent_id,omitempty"`
	Currency   string      `json:"currency"`
	Balance    int64       `json:"balance"`
	BalanceSeq int64       `json:"balance_seq"`
	AsOf       time.Time   `json:"as_of"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NormalBalance presents the raw balance on the account's normal side, so
// a liability holding funds reads positive.
func (a Account) NormalBalance() int64 {
	return NormalAmount(a.Type, a.Balance)
}

// NormalAmount converts a raw debit-minus-credit amount to normal-side sign.
func NormalAmount(t AccountType, raw int64) int64 {
	if t.NormalSide() == SideCredit {
		return -raw
	}
	return raw
}

// AccountBalance is the cached balance of one account within a property scope.
type AccountBalance struct {
	AccountID  string    `json:"account_id"`
	PropertyID string    `json:"property_id"`
	Balance    int64     `json:"balance"`
	BalanceSeq int64     `json:"balance_seq"`
	AsOf       time.Time `json:"as_of"`
}
