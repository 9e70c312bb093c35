// Package reporting derives financial statements from the ledger. Every
// report is computed from postings on demand and never writes.
package reporting

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// Line is one account row of a statement, on the account's normal side.
type Line struct {
	AccountID string             `json:"account_id"`
	Code      string             `json:"code"`
	Name      string             `json:"name"`
	Role      models.AccountRole `json:"role,omitempty"`
	Amount    int64              `json:"amount"`
}

// BalanceSheet is assets against liabilities and equity at a date.
// NetIncome is income less expenses not yet closed into equity.
type BalanceSheet struct {
	PropertyID       string    `json:"property_id,omitempty"`
	AsOf             time.Time `json:"as_of"`
	Currency         string    `json:"currency"`
	Assets           []Line    `json:"assets"`
	Liabilities      []Line    `json:"liabilities"`
	Equity           []Line    `json:"equity"`
	TotalAssets      int64     `json:"total_assets"`
	TotalLiabilities int64     `json:"total_liabilities"`
	TotalEquity      int64     `json:"total_equity"`
	NetIncome        int64     `json:"net_income"`
}

// Balanced reports whether assets equal liabilities plus equity.
func (b BalanceSheet) Balanced() bool {
	return b.TotalAssets == b.TotalLiabilities+b.TotalEquity+b.NetIncome
}

// IncomeStatement is income and expense activity over a date range.
type IncomeStatement struct {
	PropertyID    string    `json:"property_id,omitempty"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	Currency      string    `json:"currency"`
	Income        []Line    `json:"income"`
	Expenses      []Line    `json:"expenses"`
	TotalIncome   int64     `json:"total_income"`
	TotalExpenses int64     `json:"total_expenses"`
	NetIncome     int64     `json:"net_income"`
}

// Service computes statements.
type Service struct {
	ledger  *ledger.Ledger
	store   interfaces.LedgerStore
	tenants interfaces.TenantStore
	logger  *zap.Logger
}

func NewService(l *ledger.Ledger, tenants interfaces.TenantStore, logger *zap.Logger) *Service {
	return &Service{
		ledger:  l,
		store:   l.Store(),
		tenants: tenants,
		logger:  observability.OrNop(logger),
	}
}

// TrialBalance is the ledger's trial balance, global when propertyID is empty.
func (s *Service) TrialBalance(ctx context.Context, propertyID string, asOf time.Time) (ledger.TrialBalance, error) {
	if propertyID == "" {
		return s.ledger.GetTrialBalance(ctx, asOf)
	}
	return s.ledger.GetPropertyTrialBalance(ctx, propertyID, asOf)
}

// BalanceSheet builds the balance sheet of one property, or of the whole
// organization when propertyID is empty.
func (s *Service) BalanceSheet(ctx context.Context, propertyID string, asOf time.Time) (sheet BalanceSheet, err error) {
	ctx, span := observability.StartSpan(ctx, "reporting", "reporting.BalanceSheet")
	defer func() { observability.EndSpan(span, err) }()

	accounts, err := s.store.ListAccounts(ctx, interfaces.AccountFilter{PropertyID: propertyID})
	if err != nil {
		return BalanceSheet{}, err
	}
	sheet = BalanceSheet{PropertyID: propertyID, AsOf: asOf, Currency: s.ledger.Currency()}
	for _, a := range accounts {
		bal, err := s.ledger.GetBalance(ctx, a.ID, propertyID, asOf)
		if err != nil {
			return BalanceSheet{}, err
		}
		amount := models.NormalAmount(a.Type, bal.Balance)
		if amount == 0 {
			continue
		}
		line := lineOf(a, amount)
		switch a.Type {
		case models.AccountAsset:
			sheet.Assets = append(sheet.Assets, line)
			sheet.TotalAssets += amount
		case models.AccountLiability:
			sheet.Liabilities = append(sheet.Liabilities, line)
			sheet.TotalLiabilities += amount
		case models.AccountEquity:
			sheet.Equity = append(sheet.Equity, line)
			sheet.TotalEquity += amount
		case models.AccountIncome:
			sheet.NetIncome += amount
		case models.AccountExpense:
			sheet.NetIncome -= amount
		}
	}
	sortLines(sheet.Assets, sheet.Liabilities, sheet.Equity)
	return sheet, nil
}

// IncomeStatement sums income and expense postings dated in [from, to].
// Closing entries are left out so a closed period still shows its activity.
func (s *Service) IncomeStatement(ctx context.Context, propertyID string, from, to time.Time) (stmt IncomeStatement, err error) {
	ctx, span := observability.StartSpan(ctx, "reporting", "reporting.IncomeStatement")
	defer func() { observability.EndSpan(span, err) }()

	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return IncomeStatement{}, models.NewValidation("report range ends before it starts")
	}
	accounts, err := s.store.ListAccounts(ctx, interfaces.AccountFilter{PropertyID: propertyID})
	if err != nil {
		return IncomeStatement{}, err
	}
	byID := make(map[string]models.Account)
	var ids []string
	for _, a := range accounts {
		if a.Type == models.AccountIncome || a.Type == models.AccountExpense {
			byID[a.ID] = a
			ids = append(ids, a.ID)
		}
	}
	stmt = IncomeStatement{PropertyID: propertyID, From: from, To: to, Currency: s.ledger.Currency()}
	if len(ids) == 0 {
		return stmt, nil
	}
	lines, err := s.store.ListLines(ctx, interfaces.LineFilter{AccountIDs: ids, PropertyID: propertyID, From: from, To: to})
	if err != nil {
		return IncomeStatement{}, err
	}
	raw := make(map[string]int64)
	for _, l := range lines {
		if l.EntryType == models.EntryPeriodClose {
			continue
		}
		raw[l.AccountID] += l.Net()
	}
	for id, net := range raw {
		a := byID[id]
		amount := models.NormalAmount(a.Type, net)
		if amount == 0 {
			continue
		}
		if a.Type == models.AccountIncome {
			stmt.Income = append(stmt.Income, lineOf(a, amount))
			stmt.TotalIncome += amount
		} else {
			stmt.Expenses = append(stmt.Expenses, lineOf(a, amount))
			stmt.TotalExpenses += amount
		}
	}
	stmt.NetIncome = stmt.TotalIncome - stmt.TotalExpenses
	sortLines(stmt.Income, stmt.Expenses)
	return stmt, nil
}

func lineOf(a models.Account, amount int64) Line {
	return Line{AccountID: a.ID, Code: a.Code, Name: a.Name, Role: a.Role, Amount: amount}
}

func sortLines(groups ...[]Line) {
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool {
			if g[i].Code != g[j].Code {
				return g[i].Code < g[j].Code
			}
			return g[i].AccountID < g[j].AccountID
		})
	}
}
