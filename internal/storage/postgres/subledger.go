package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

const chargeColumns = `id, tenant_id, lease_id, property_id, unit_id, category, description, amount, paid_amount,
	currency, due_date, status, entry_id, allocations, version, created_at`

func scanCharge(row interface{ Scan(...any) error }) (models.Charge, error) {
	var (
		c           models.Charge
		allocations []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.LeaseID, &c.PropertyID, &c.UnitID, &c.Category, &c.Description, &c.Amount,
		&c.PaidAmount, &c.Currency, &c.DueDate, &c.Status, &c.EntryID, &allocations, &c.Version, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	if len(allocations) > 0 {
		err = json.Unmarshal(allocations, &c.Allocations)
	}
	return c, err
}

func marshalOptional(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

func (p *Store) CreateCharge(ctx context.Context, charge models.Charge) error {
	const query = `INSERT INTO charges (` + chargeColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	if charge.Version == 0 {
		charge.Version = 1
	}
	allocations, err := marshalOptional(charge.Allocations, len(charge.Allocations) == 0)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query, charge.ID, charge.TenantID, charge.LeaseID, charge.PropertyID, charge.UnitID,
		charge.Category, charge.Description, charge.Amount, charge.PaidAmount, charge.Currency, charge.DueDate,
		charge.Status, charge.EntryID, allocations, charge.Version, charge.CreatedAt)
	if isUniqueViolation(err) {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "charge already exists", map[string]string{"charge_id": charge.ID})
	}
	return err
}

func (p *Store) GetCharge(ctx context.Context, id string) (models.Charge, error) {
	const query = `SELECT ` + chargeColumns + ` FROM charges WHERE id = $1`

	c, err := scanCharge(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Charge{}, models.NotFound("charge", id)
	}
	return c, err
}

func (p *Store) ListCharges(ctx context.Context, filter interfaces.ChargeFilter) ([]models.Charge, error) {
	var w where
	if filter.TenantID != "" {
		w.add("tenant_id = $%d", filter.TenantID)
	}
	if filter.PropertyID != "" {
		w.add("property_id = $%d", filter.PropertyID)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(stringsOf(filter.Statuses)))
	}
	query := `SELECT ` + chargeColumns + ` FROM charges` + w.String() + ` ORDER BY due_date, created_at, id`

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []models.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

func (p *Store) UpdateCharge(ctx context.Context, charge *models.Charge, expectedVersion int64) error {
	const query = `UPDATE charges SET paid_amount = $3, status = $4, allocations = $5, version = version + 1
	WHERE id = $1 AND version = $2
	RETURNING ` + chargeColumns

	allocations, err := marshalOptional(charge.Allocations, len(charge.Allocations) == 0)
	if err != nil {
		return err
	}
	updated, err := scanCharge(p.db.QueryRowContext(ctx, query, charge.ID, expectedVersion, charge.PaidAmount,
		charge.Status, allocations))
	if errors.Is(err, sql.ErrNoRows) {
		return missingOr(ctx, p.db, "charges", "id", charge.ID, "charge",
			models.WithMetadata(models.CodeVersionConflict, "charge version changed", map[string]string{"charge_id": charge.ID}))
	}
	if err != nil {
		return err
	}
	*charge = updated
	return nil
}

const paymentColumns = `id, tenant_id, property_id, amount, currency, method, external_ref, received_on, entry_id,
	unapplied, applications, status, created_at`

func scanPayment(row interface{ Scan(...any) error }) (models.Payment, error) {
	var (
		pm           models.Payment
		applications []byte
	)
	err := row.Scan(&pm.ID, &pm.TenantID, &pm.PropertyID, &pm.Amount, &pm.Currency, &pm.Method, &pm.ExternalRef,
		&pm.ReceivedOn, &pm.EntryID, &pm.Unapplied, &applications, &pm.Status, &pm.CreatedAt)
	if err != nil {
		return pm, err
	}
	if len(applications) > 0 {
		err = json.Unmarshal(applications, &pm.Applications)
	}
	return pm, err
}

func (p *Store) SavePayment(ctx context.Context, payment models.Payment) error {
	const query = `INSERT INTO payments (` + paymentColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	applications, err := marshalOptional(payment.Applications, len(payment.Applications) == 0)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query, payment.ID, payment.TenantID, payment.PropertyID, payment.Amount,
		payment.Currency, payment.Method, payment.ExternalRef, payment.ReceivedOn, payment.EntryID, payment.Unapplied,
		applications, payment.Status, payment.CreatedAt)
	if isUniqueViolation(err) {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "payment already recorded", map[string]string{"payment_id": payment.ID})
	}
	return err
}

func (p *Store) GetPayment(ctx context.Context, id string) (models.Payment, error) {
	const query = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	pm, err := scanPayment(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, models.NotFound("payment", id)
	}
	return pm, err
}

func (p *Store) ListPayments(ctx context.Context, tenantID string) ([]models.Payment, error) {
	var w where
	if tenantID != "" {
		w.add("tenant_id = $%d", tenantID)
	}
	query := `SELECT ` + paymentColumns + ` FROM payments` + w.String() + ` ORDER BY received_on, id`

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		pm, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, pm)
	}
	return payments, rows.Err()
}

func (p *Store) UpdatePaymentStatus(ctx context.Context, id string, status models.PaymentStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.NotFound("payment", id)
	}
	return nil
}

func (p *Store) DeletePayment(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, id)
	return err
}

const depositColumns = `id, tenant_id, owner_id, property_id, lease_id, principal, accrued_interest, currency, status,
	jurisdiction, interest_as_of, version, created_at, updated_at`

func scanDeposit(row interface{ Scan(...any) error }) (models.SecurityDeposit, error) {
	var d models.SecurityDeposit
	err := row.Scan(&d.ID, &d.TenantID, &d.OwnerID, &d.PropertyID, &d.LeaseID, &d.Principal, &d.AccruedInterest,
		&d.Currency, &d.Status, &d.Jurisdiction, &d.InterestAsOf, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (p *Store) CreateDeposit(ctx context.Context, deposit models.SecurityDeposit) error {
	const query = `INSERT INTO security_deposits (` + depositColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	if deposit.Version == 0 {
		deposit.Version = 1
	}
	_, err := p.db.ExecContext(ctx, query, deposit.ID, deposit.TenantID, deposit.OwnerID, deposit.PropertyID,
		deposit.LeaseID, deposit.Principal, deposit.AccruedInterest, deposit.Currency, deposit.Status,
		deposit.Jurisdiction, deposit.InterestAsOf, deposit.Version, deposit.CreatedAt, deposit.UpdatedAt)
	if isUniqueViolation(err) {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "deposit already exists", map[string]string{"deposit_id": deposit.ID})
	}
	return err
}

func (p *Store) GetDeposit(ctx context.Context, id string) (models.SecurityDeposit, error) {
	const query = `SELECT ` + depositColumns + ` FROM security_deposits WHERE id = $1`

	d, err := scanDeposit(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SecurityDeposit{}, models.NotFound("deposit", id)
	}
	return d, err
}

func (p *Store) ListDeposits(ctx context.Context, filter interfaces.DepositFilter) ([]models.SecurityDeposit, error) {
	var w where
	if filter.PropertyID != "" {
		w.add("property_id = $%d", filter.PropertyID)
	}
	if filter.OwnerID != "" {
		w.add("owner_id = $%d", filter.OwnerID)
	}
	if filter.TenantID != "" {
		w.add("tenant_id = $%d", filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(stringsOf(filter.Statuses)))
	}
	query := `SELECT ` + depositColumns + ` FROM security_deposits` + w.String() + ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []models.SecurityDeposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

func (p *Store) UpdateDeposit(ctx context.Context, deposit *models.SecurityDeposit, expectedVersion int64) error {
	const query = `UPDATE security_deposits SET tenant_id = $3, owner_id = $4, property_id = $5, lease_id = $6,
		principal = $7, accrued_interest = $8, status = $9, jurisdiction = $10, interest_as_of = $11,
		updated_at = $12, version = version + 1
	WHERE id = $1 AND version = $2
	RETURNING ` + depositColumns

	updated, err := scanDeposit(p.db.QueryRowContext(ctx, query, deposit.ID, expectedVersion, deposit.TenantID,
		deposit.OwnerID, deposit.PropertyID, deposit.LeaseID, deposit.Principal, deposit.AccruedInterest,
		deposit.Status, deposit.Jurisdiction, deposit.InterestAsOf, deposit.UpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return missingOr(ctx, p.db, "security_deposits", "id", deposit.ID, "deposit",
			models.WithMetadata(models.CodeVersionConflict, "deposit version changed", map[string]string{"deposit_id": deposit.ID}))
	}
	if err != nil {
		return err
	}
	*deposit = updated
	return nil
}

func (p *Store) DeleteDeposit(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM security_deposits WHERE id = $1`, id)
	return err
}
