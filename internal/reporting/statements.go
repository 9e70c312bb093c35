package reporting

import (
	"context"
	"sort"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// OwnerProperty is one property's slice of an owner statement.
type OwnerProperty struct {
	PropertyID    string `json:"property_id"`
	OpeningCash   int64  `json:"opening_cash"`
	Income        int64  `json:"income"`
	Expenses      int64  `json:"expenses"`
	Distributions int64  `json:"distributions"`
	ClosingCash   int64  `json:"closing_cash"`
	DepositsHeld  int64  `json:"deposits_held"`
	PrepaidRent   int64  `json:"prepaid_rent"`
	Payables      int64  `json:"payables"`
}

// OwnerStatement summarises trust activity for an owner's properties.
type OwnerStatement struct {
	OwnerID       string          `json:"owner_id"`
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	Currency      string          `json:"currency"`
	Properties    []OwnerProperty `json:"properties"`
	Income        int64           `json:"income"`
	Expenses      int64           `json:"expenses"`
	Distributions int64           `json:"distributions"`
	ClosingCash   int64           `json:"closing_cash"`
}

// OwnerStatement reports each of the owner's properties over [from, to].
func (s *Service) OwnerStatement(ctx context.Context, ownerID string, from, to time.Time) (stmt OwnerStatement, err error) {
	ctx, span := observability.StartSpan(ctx, "reporting", "reporting.OwnerStatement")
	defer func() { observability.EndSpan(span, err) }()

	if ownerID == "" {
		return OwnerStatement{}, models.NewValidation("owner id is required")
	}
	accounts, err := s.store.ListAccounts(ctx, interfaces.AccountFilter{OwnerID: ownerID, Role: models.RoleTrustCash})
	if err != nil {
		return OwnerStatement{}, err
	}
	if len(accounts) == 0 {
		return OwnerStatement{}, models.NotFound("owner", ownerID)
	}
	props := make([]string, 0, len(accounts))
	for _, a := range accounts {
		props = append(props, a.PropertyID)
	}
	sort.Strings(props)

	stmt = OwnerStatement{OwnerID: ownerID, From: from, To: to, Currency: s.ledger.Currency()}
	for _, prop := range props {
		row, err := s.ownerProperty(ctx, prop, from, to)
		if err != nil {
			return OwnerStatement{}, err
		}
		stmt.Properties = append(stmt.Properties, row)
		stmt.Income += row.Income
		stmt.Expenses += row.Expenses
		stmt.Distributions += row.Distributions
		stmt.ClosingCash += row.ClosingCash
	}
	return stmt, nil
}

func (s *Service) ownerProperty(ctx context.Context, prop string, from, to time.Time) (OwnerProperty, error) {
	row := OwnerProperty{PropertyID: prop}
	var err error
	if !from.IsZero() {
		if row.OpeningCash, err = s.ledger.RoleBalance(ctx, prop, models.RoleTrustCash, from.AddDate(0, 0, -1)); err != nil {
			return row, err
		}
	}
	income, err := s.IncomeStatement(ctx, prop, from, to)
	if err != nil {
		return row, err
	}
	row.Income, row.Expenses = income.TotalIncome, income.TotalExpenses

	dist, err := s.ledger.AccountFor(ctx, prop, models.RoleOwnerDistributions)
	if err != nil {
		return row, err
	}
	lines, err := s.store.ListLines(ctx, interfaces.LineFilter{AccountIDs: []string{dist.ID}, PropertyID: prop, From: from, To: to})
	if err != nil {
		return row, err
	}
	for _, l := range lines {
		row.Distributions += l.Net()
	}

	balances := []struct {
		role models.AccountRole
		dst  *int64
	}{
		{models.RoleTrustCash, &row.ClosingCash},
		{models.RoleDepositLiability, &row.DepositsHeld},
		{models.RolePrepaidRent, &row.PrepaidRent},
		{models.RoleAccountsPayable, &row.Payables},
	}
	for _, b := range balances {
		if *b.dst, err = s.ledger.RoleBalance(ctx, prop, b.role, to); err != nil {
			return row, err
		}
	}
	return row, nil
}

// TenantActivity is one ledger entry as it affected a tenant. Amount is
// positive when it raised what the tenant owes.
type TenantActivity struct {
	Date       time.Time        `json:"date"`
	EntryID    string           `json:"entry_id"`
	EntryType  models.EntryType `json:"entry_type"`
	PropertyID string           `json:"property_id"`
	UnitID     string           `json:"unit_id,omitempty"`
	Memo       string           `json:"memo,omitempty"`
	Amount     int64            `json:"amount"`
	Balance    int64            `json:"balance"`
}

// TenantStatement is a tenant's running account over a date range. A
// negative balance is credit held for the tenant.
type TenantStatement struct {
	TenantID       string           `json:"tenant_id"`
	From           time.Time        `json:"from"`
	To             time.Time        `json:"to"`
	Currency       string           `json:"currency"`
	OpeningBalance int64            `json:"opening_balance"`
	Activity       []TenantActivity `json:"activity"`
	ClosingBalance int64            `json:"closing_balance"`
	OpenCharges    []models.Charge  `json:"open_charges"`
}

// TenantStatement reads the tenant's receivable and prepaid postings.
func (s *Service) TenantStatement(ctx context.Context, tenantID string, from, to time.Time) (stmt TenantStatement, err error) {
	ctx, span := observability.StartSpan(ctx, "reporting", "reporting.TenantStatement")
	defer func() { observability.EndSpan(span, err) }()

	if tenantID == "" {
		return TenantStatement{}, models.NewValidation("tenant id is required")
	}
	var ids []string
	for _, role := range []models.AccountRole{models.RoleTenantAR, models.RolePrepaidRent} {
		accounts, err := s.store.ListAccounts(ctx, interfaces.AccountFilter{Role: role})
		if err != nil {
			return TenantStatement{}, err
		}
		for _, a := range accounts {
			ids = append(ids, a.ID)
		}
	}
	stmt = TenantStatement{TenantID: tenantID, From: from, To: to, Currency: s.ledger.Currency()}
	if len(ids) == 0 {
		return stmt, nil
	}
	lines, err := s.store.ListLines(ctx, interfaces.LineFilter{AccountIDs: ids, TenantID: tenantID, To: to})
	if err != nil {
		return TenantStatement{}, err
	}

	byEntry := make(map[string]*TenantActivity)
	var order []string
	for _, l := range lines {
		if !from.IsZero() && models.DateOf(l.EntryDate).Before(models.DateOf(from)) {
			stmt.OpeningBalance += l.Net()
			continue
		}
		act, ok := byEntry[l.EntryID]
		if !ok {
			act = &TenantActivity{
				Date:       l.EntryDate,
				EntryID:    l.EntryID,
				EntryType:  l.EntryType,
				PropertyID: l.PropertyID,
				UnitID:     l.UnitID,
				Memo:       l.Memo,
			}
			byEntry[l.EntryID] = act
			order = append(order, l.EntryID)
		}
		act.Amount += l.Net()
	}

	running := stmt.OpeningBalance
	for _, id := range order {
		act := byEntry[id]
		if act.Amount == 0 {
			continue
		}
		running += act.Amount
		act.Balance = running
		stmt.Activity = append(stmt.Activity, *act)
	}
	stmt.ClosingBalance = running

	if s.tenants != nil {
		charges, err := s.tenants.ListCharges(ctx, interfaces.ChargeFilter{
			TenantID: tenantID,
			Statuses: []models.ChargeStatus{models.ChargeOpen, models.ChargePartial},
		})
		if err != nil {
			return TenantStatement{}, err
		}
		stmt.OpenCharges = charges
	}
	return stmt, nil
}
