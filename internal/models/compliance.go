package models

import "github.com/shopspring/decimal"

// RuleKind selects how a compliance rule's threshold is evaluated.
type RuleKind string

const (
	// RuleMaxAmount rejects operations whose amount exceeds Threshold (minor units).
	RuleMaxAmount RuleKind = "max_amount"
	// RuleMinAttribute rejects when the numeric Attribute is below Threshold.
	RuleMinAttribute RuleKind = "min_attribute"
	// RuleMaxAttribute rejects when the numeric Attribute is above Threshold.
	RuleMaxAttribute RuleKind = "max_attribute"
	// RuleMaxRatio rejects when Amount exceeds Threshold times the numeric Attribute.
	RuleMaxRatio RuleKind = "max_ratio"
	// RuleRequireFlag rejects unless Attribute is "true" when Amount exceeds Threshold.
	RuleRequireFlag RuleKind = "require_flag"
	// RuleParameter is not evaluated; it only carries a value for lookup.
	RuleParameter RuleKind = "parameter"
)

// RuleBehavior decides what happens when a rule matches.
type RuleBehavior string

const (
	BehaviorBlock RuleBehavior = "block"
	BehaviorWarn  RuleBehavior = "warn"
)

// ComplianceRule is data, looked up by operation category and jurisdiction.
// Jurisdiction "*" is the default applied when no specific rule exists.
type ComplianceRule struct {
	ID           string          `json:"id"`
	Category     string          `json:"category"`
	Jurisdiction string          `json:"jurisdiction"`
	Name         string          `json:"name"`
	Kind         RuleKind        `json:"kind"`
	Threshold    decimal.Decimal `json:"threshold"`
	Attribute    string          `json:"attribute,omitempty"`
	Behavior     RuleBehavior    `json:"behavior"`
	Message      string          `json:"message,omitempty"`
}
