package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// ListRules returns rules for a category; an empty category lists all.
func (p *Store) ListRules(ctx context.Context, category string) ([]models.ComplianceRule, error) {
	var w where
	if category != "" {
		w.add("category = $%d", category)
	}
	query := `SELECT id, category, jurisdiction, name, kind, threshold, attribute, behavior, message
	FROM compliance_rules` + w.String() + ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.ComplianceRule
	for rows.Next() {
		var r models.ComplianceRule
		if err := rows.Scan(&r.ID, &r.Category, &r.Jurisdiction, &r.Name, &r.Kind, &r.Threshold, &r.Attribute,
			&r.Behavior, &r.Message); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *Store) UpsertRule(ctx context.Context, rule models.ComplianceRule) error {
	const query = `INSERT INTO compliance_rules (id, category, jurisdiction, name, kind, threshold, attribute, behavior, message)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO UPDATE
	SET category = EXCLUDED.category, jurisdiction = EXCLUDED.jurisdiction, name = EXCLUDED.name,
		kind = EXCLUDED.kind, threshold = EXCLUDED.threshold, attribute = EXCLUDED.attribute,
		behavior = EXCLUDED.behavior, message = EXCLUDED.message`

	_, err := p.db.ExecContext(ctx, query, rule.ID, rule.Category, rule.Jurisdiction, rule.Name, rule.Kind,
		rule.Threshold, rule.Attribute, rule.Behavior, rule.Message)
	return err
}

const bankColumns = `external_id, bank_account_id, property_id, txn_date, amount, currency, description,
	matched_entry_id, imported_at`

func scanBankTransaction(row interface{ Scan(...any) error }) (models.BankTransaction, error) {
	var tx models.BankTransaction
	err := row.Scan(&tx.ExternalID, &tx.BankAccountID, &tx.PropertyID, &tx.Date, &tx.Amount, &tx.Currency,
		&tx.Description, &tx.MatchedEntryID, &tx.ImportedAt)
	return tx, err
}

func (p *Store) SaveBankTransaction(ctx context.Context, tx models.BankTransaction) (bool, error) {
	const query = `INSERT INTO bank_transactions (` + bankColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (external_id) DO NOTHING`

	res, err := p.db.ExecContext(ctx, query, tx.ExternalID, tx.BankAccountID, tx.PropertyID, tx.Date, tx.Amount,
		tx.Currency, tx.Description, tx.MatchedEntryID, tx.ImportedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (p *Store) GetBankTransaction(ctx context.Context, externalID string) (models.BankTransaction, error) {
	const query = `SELECT ` + bankColumns + ` FROM bank_transactions WHERE external_id = $1`

	tx, err := scanBankTransaction(p.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.BankTransaction{}, models.NotFound("bank transaction", externalID)
	}
	return tx, err
}

func (p *Store) ListBankTransactions(ctx context.Context, filter interfaces.BankFilter) ([]models.BankTransaction, error) {
	var w where
	if filter.BankAccountID != "" {
		w.add("bank_account_id = $%d", filter.BankAccountID)
	}
	if filter.PropertyID != "" {
		w.add("property_id = $%d", filter.PropertyID)
	}
	if filter.UnmatchedOnly {
		w.conds = append(w.conds, "matched_entry_id = ''")
	}
	if !filter.From.IsZero() {
		w.add("txn_date >= $%d", models.DateOf(filter.From))
	}
	if !filter.To.IsZero() {
		w.add("txn_date < $%d", models.DateOf(filter.To).AddDate(0, 0, 1))
	}
	query := `SELECT ` + bankColumns + ` FROM bank_transactions` + w.String() + ` ORDER BY txn_date, external_id`

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.BankTransaction
	for rows.Next() {
		tx, err := scanBankTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (p *Store) SetBankMatch(ctx context.Context, externalID string, entryID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bank_transactions SET matched_entry_id = $2 WHERE external_id = $1`,
		externalID, entryID)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.NotFound("bank transaction", externalID)
	}
	return nil
}

func (p *Store) SaveAlert(ctx context.Context, alert models.Alert) error {
	const query = `INSERT INTO alerts (id, check_name, scope, severity, message, detected_at, resolved_at, resolved_by)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO UPDATE
	SET message = EXCLUDED.message, resolved_at = EXCLUDED.resolved_at, resolved_by = EXCLUDED.resolved_by`

	_, err := p.db.ExecContext(ctx, query, alert.ID, alert.Check, alert.Scope, alert.Severity, alert.Message,
		alert.DetectedAt, alert.ResolvedAt, alert.ResolvedBy)
	return err
}

func (p *Store) ListOpenAlerts(ctx context.Context) ([]models.Alert, error) {
	const query = `SELECT id, check_name, scope, severity, message, detected_at, resolved_at, resolved_by
	FROM alerts WHERE resolved_at IS NULL ORDER BY detected_at`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.Check, &a.Scope, &a.Severity, &a.Message, &a.DetectedAt, &a.ResolvedAt,
			&a.ResolvedBy); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (p *Store) ResolveAlert(ctx context.Context, id string, resolvedBy string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE alerts SET resolved_at = $2, resolved_by = $3 WHERE id = $1`,
		id, at, resolvedBy)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.NotFound("alert", id)
	}
	return nil
}
