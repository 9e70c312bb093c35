// Package compliance evaluates data-driven rules before any ledger write.
package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// Operation categories rules are filed under.
const (
	CategoryPayment         = "payment"
	CategoryDistribution    = "distribution"
	CategorySweep           = "sweep"
	CategoryBillPayment     = "bill_payment"
	CategoryDepositCollect  = "deposit_collect"
	CategoryDepositReturn   = "deposit_return"
	CategoryDepositTransfer = "deposit_transfer"
	CategoryDepositInterest = "deposit_interest"
	CategoryNSF             = "nsf"
	CategoryCorrection      = "correction"
	CategoryManualEntry     = "manual_entry"
	CategoryTax             = "tax"
)

// DefaultJurisdiction is the fallback rule set.
const DefaultJurisdiction = "*"

// Operation describes a mutating operation about to be applied.
type Operation struct {
	Category     string
	Jurisdiction string
	Amount       int64
	Currency     string
	// Attributes carry numeric values as decimal strings and flags as "true".
	Attributes map[string]string
}

// Warning is a matched rule whose behavior is warn.
type Warning struct {
	RuleID  string `json:"rule_id"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Result lists non-blocking findings of a passed validation.
type Result struct {
	Warnings []Warning `json:"warnings,omitempty"`
}

// Engine looks rules up by category and jurisdiction and evaluates them.
type Engine struct {
	rules  interfaces.RuleStore
	logger *zap.Logger
}

func NewEngine(rules interfaces.RuleStore, logger *zap.Logger) *Engine {
	return &Engine{rules: rules, logger: observability.OrNop(logger)}
}

// Validate returns a models.ErrCompliance error for the first blocking rule
// the operation breaks. Callers must not write anything when it fails.
func (e *Engine) Validate(ctx context.Context, op Operation) (Result, error) {
	rules, err := e.applicable(ctx, op.Category, op.Jurisdiction)
	if err != nil {
		return Result{}, err
	}
	var result Result
	for _, rule := range rules {
		if rule.Kind == models.RuleParameter {
			continue
		}
		broken, actual, err := evaluate(rule, op)
		if err != nil {
			return Result{}, err
		}
		if !broken {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("%s rule %q failed", op.Category, rule.Name)
		}
		if rule.Behavior == models.BehaviorWarn {
			result.Warnings = append(result.Warnings, Warning{RuleID: rule.ID, Rule: rule.Name, Message: msg})
			e.logger.Warn("compliance warning",
				zap.String("category", op.Category),
				zap.String("rule", rule.Name),
				zap.String("jurisdiction", rule.Jurisdiction),
			)
			continue
		}
		e.logger.Info("compliance violation",
			zap.String("category", op.Category),
			zap.String("rule", rule.Name),
			zap.String("jurisdiction", rule.Jurisdiction),
		)
		return Result{}, models.WithMetadata(models.CodeComplianceViolation, msg, map[string]string{
			"rule_id":      rule.ID,
			"rule":         rule.Name,
			"category":     op.Category,
			"jurisdiction": rule.Jurisdiction,
			"threshold":    rule.Threshold.String(),
			"actual":       actual,
		})
	}
	return result, nil
}

// Parameter returns the value of a parameter rule, preferring the
// jurisdiction's own value over the default.
func (e *Engine) Parameter(ctx context.Context, category, name, jurisdiction string) (decimal.Decimal, bool, error) {
	rules, err := e.applicable(ctx, category, jurisdiction)
	if err != nil {
		return decimal.Zero, false, err
	}
	for _, rule := range rules {
		if rule.Kind == models.RuleParameter && rule.Name == name {
			return rule.Threshold, true, nil
		}
	}
	return decimal.Zero, false, nil
}

// applicable returns the jurisdiction's rules plus every default rule whose
// name the jurisdiction does not override.
func (e *Engine) applicable(ctx context.Context, category, jurisdiction string) ([]models.ComplianceRule, error) {
	all, err := e.rules.ListRules(ctx, category)
	if err != nil {
		return nil, err
	}
	jurisdiction = strings.ToUpper(strings.TrimSpace(jurisdiction))
	specific := make(map[string]struct{})
	var out []models.ComplianceRule
	if jurisdiction != "" && jurisdiction != DefaultJurisdiction {
		for _, r := range all {
			if strings.EqualFold(r.Jurisdiction, jurisdiction) {
				specific[r.Name] = struct{}{}
				out = append(out, r)
			}
		}
	}
	for _, r := range all {
		if r.Jurisdiction != DefaultJurisdiction {
			continue
		}
		if _, overridden := specific[r.Name]; overridden {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func evaluate(rule models.ComplianceRule, op Operation) (broken bool, actual string, err error) {
	amount := decimal.NewFromInt(op.Amount)
	switch rule.Kind {
	case models.RuleMaxAmount:
		return amount.GreaterThan(rule.Threshold), amount.String(), nil
	case models.RuleMinAttribute, models.RuleMaxAttribute, models.RuleMaxRatio:
		raw, ok := op.Attributes[rule.Attribute]
		if !ok {
			return true, "", models.NewValidation(fmt.Sprintf("%s requires attribute %q", op.Category, rule.Attribute))
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return true, raw, models.NewValidation(fmt.Sprintf("attribute %q is not numeric", rule.Attribute))
		}
		switch rule.Kind {
		case models.RuleMinAttribute:
			return value.LessThan(rule.Threshold), value.String(), nil
		case models.RuleMaxAttribute:
			return value.GreaterThan(rule.Threshold), value.String(), nil
		default:
			limit := value.Mul(rule.Threshold)
			return amount.GreaterThan(limit), amount.String(), nil
		}
	case models.RuleRequireFlag:
		if !amount.GreaterThan(rule.Threshold) {
			return false, amount.String(), nil
		}
		return !strings.EqualFold(op.Attributes[rule.Attribute], "true"), op.Attributes[rule.Attribute], nil
	default:
		return false, "", models.NewValidation("unknown rule kind " + string(rule.Kind))
	}
}
