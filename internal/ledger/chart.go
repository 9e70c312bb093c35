package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

type chartLine struct {
	code string
	name string
	typ  models.AccountType
	role models.AccountRole
}

// standardChart is provisioned for every property; sagas find accounts by role.
var standardChart = []chartLine{
	{"1000", "Trust Cash", models.AccountAsset, models.RoleTrustCash},
	{"1010", "Escrow Cash", models.AccountAsset, models.RoleEscrowCash},
	{"1020", "Undeposited Funds", models.AccountAsset, models.RoleUndepositedFunds},
	{"1030", "Operating Cash", models.AccountAsset, models.RoleOperatingCash},
	{"1100", "Tenant Receivables", models.AccountAsset, models.RoleTenantAR},
	{"1500", "Fixed Assets", models.AccountAsset, models.RoleFixedAssets},
	{"2000", "Accounts Payable", models.AccountLiability, models.RoleAccountsPayable},
	{"2100", "Prepaid Rent", models.AccountLiability, models.RolePrepaidRent},
	{"2200", "Security Deposit Liability", models.AccountLiability, models.RoleDepositLiability},
	{"2210", "Security Deposit Clearing", models.AccountLiability, models.RoleDepositClearing},
	{"3000", "Owner Equity", models.AccountEquity, models.RoleOwnerEquity},
	{"3100", "Owner Distributions", models.AccountEquity, models.RoleOwnerDistributions},
	{"4000", "Rent Income", models.AccountIncome, models.RoleRentIncome},
	{"4100", "Fee Income", models.AccountIncome, models.RoleFeeIncome},
	{"4200", "Utility Income", models.AccountIncome, models.RoleUtilityIncome},
	{"4300", "Maintenance Income", models.AccountIncome, models.RoleMaintenanceIncome},
	{"4900", "Other Income", models.AccountIncome, models.RoleOtherIncome},
	{"5000", "Repairs Expense", models.AccountExpense, models.RoleRepairsExpense},
	{"5100", "Management Fees", models.AccountExpense, models.RoleManagementFees},
	{"5200", "Deposit Interest Expense", models.AccountExpense, models.RoleInterestExpense},
	{"5300", "Bad Debt Expense", models.AccountExpense, models.RoleBadDebt},
}

// ProvisionChart creates the standard chart for a property. Roles that
// already exist are left alone, so it is safe to call repeatedly.
func (l *Ledger) ProvisionChart(ctx context.Context, propertyID, ownerID string) ([]models.Account, error) {
	if propertyID == "" {
		return nil, models.NewValidation("property id is required")
	}
	accounts := make([]models.Account, 0, len(standardChart))
	for _, line := range standardChart {
		existing, err := l.store.FindAccountByRole(ctx, propertyID, line.role)
		if err == nil {
			accounts = append(accounts, existing)
			continue
		}
		if models.KindOf(err) != models.KindNotFound {
			return nil, err
		}
		account, err := l.CreateAccount(ctx, models.Account{
			Code:       fmt.Sprintf("%s-%s", line.code, propertyID),
			Name:       line.name,
			Type:       line.typ,
			Role:       line.role,
			OwnerID:    ownerID,
			PropertyID: propertyID,
		})
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	l.logger.Info("chart provisioned", zap.String("property_id", propertyID), zap.Int("accounts", len(accounts)))
	return accounts, nil
}
