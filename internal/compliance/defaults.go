package compliance

import (
	"context"

	"github.com/shopspring/decimal"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// Parameter names.
const (
	ParamInterestRate  = "annual_interest_rate"
	ParamNSFFee        = "nsf_fee"
	ParamReturnDays    = "return_days"
	Param1099Threshold = "form_1099_threshold"
)

// Attribute names operations supply.
const (
	AttrMonthlyRent        = "monthly_rent"
	AttrRemainingTrustCash = "remaining_trust_cash"
	AttrApproved           = "approved"
	AttrHeld               = "held"
)

// DefaultRules is the baseline rule set. Amounts are minor units.
func DefaultRules() []models.ComplianceRule {
	d := decimal.RequireFromString
	return []models.ComplianceRule{
		{ID: "default-payment-large", Category: CategoryPayment, Jurisdiction: DefaultJurisdiction, Name: "large_payment",
			Kind: models.RuleMaxAmount, Threshold: d("5000000"), Behavior: models.BehaviorWarn,
			Message: "payment exceeds review threshold"},
		{ID: "default-distribution-funds", Category: CategoryDistribution, Jurisdiction: DefaultJurisdiction, Name: "trust_funds_available",
			Kind: models.RuleMinAttribute, Attribute: AttrRemainingTrustCash, Threshold: d("0"), Behavior: models.BehaviorBlock,
			Message: "distribution would overdraw trust funds"},
		{ID: "default-sweep-funds", Category: CategorySweep, Jurisdiction: DefaultJurisdiction, Name: "trust_funds_available",
			Kind: models.RuleMinAttribute, Attribute: AttrRemainingTrustCash, Threshold: d("0"), Behavior: models.BehaviorBlock,
			Message: "sweep would overdraw trust funds"},
		{ID: "default-bill-approval", Category: CategoryBillPayment, Jurisdiction: DefaultJurisdiction, Name: "approval_required",
			Kind: models.RuleRequireFlag, Attribute: AttrApproved, Threshold: d("500000"), Behavior: models.BehaviorBlock,
			Message: "bills above the approval threshold need owner approval"},
		{ID: "default-deposit-cap", Category: CategoryDepositCollect, Jurisdiction: DefaultJurisdiction, Name: "deposit_cap",
			Kind: models.RuleMaxRatio, Attribute: AttrMonthlyRent, Threshold: d("2"), Behavior: models.BehaviorBlock,
			Message: "security deposit exceeds the allowed months of rent"},
		{ID: "ca-deposit-cap", Category: CategoryDepositCollect, Jurisdiction: "CA", Name: "deposit_cap",
			Kind: models.RuleMaxRatio, Attribute: AttrMonthlyRent, Threshold: d("1"), Behavior: models.BehaviorBlock,
			Message: "California caps security deposits at one month of rent"},
		{ID: "default-deposit-fees", Category: CategoryDepositReturn, Jurisdiction: DefaultJurisdiction, Name: "fees_within_held",
			Kind: models.RuleMaxRatio, Attribute: AttrHeld, Threshold: d("1"), Behavior: models.BehaviorBlock,
			Message: "deductions exceed the deposit held"},
		{ID: "default-deposit-return-days", Category: CategoryDepositReturn, Jurisdiction: DefaultJurisdiction, Name: ParamReturnDays,
			Kind: models.RuleParameter, Threshold: d("30"), Behavior: models.BehaviorWarn},
		{ID: "default-interest-rate", Category: CategoryDepositInterest, Jurisdiction: DefaultJurisdiction, Name: ParamInterestRate,
			Kind: models.RuleParameter, Threshold: d("0"), Behavior: models.BehaviorWarn},
		{ID: "ma-interest-rate", Category: CategoryDepositInterest, Jurisdiction: "MA", Name: ParamInterestRate,
			Kind: models.RuleParameter, Threshold: d("0.05"), Behavior: models.BehaviorWarn},
		{ID: "default-nsf-fee", Category: CategoryNSF, Jurisdiction: DefaultJurisdiction, Name: ParamNSFFee,
			Kind: models.RuleParameter, Threshold: d("2500"), Behavior: models.BehaviorWarn},
		{ID: "default-1099-threshold", Category: CategoryTax, Jurisdiction: DefaultJurisdiction, Name: Param1099Threshold,
			Kind: models.RuleParameter, Threshold: d("60000"), Behavior: models.BehaviorWarn},
	}
}

// Seed stores the default rules, overwriting rules with the same id.
func Seed(ctx context.Context, rules interfaces.RuleStore) error {
	for _, r := range DefaultRules() {
		if err := rules.UpsertRule(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
