package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

const periodColumns = `id, name, start_date, end_date, status, closed_by, closed_at, created_at`

func scanPeriod(row interface{ Scan(...any) error }) (models.Period, error) {
	var pd models.Period
	err := row.Scan(&pd.ID, &pd.Name, &pd.Start, &pd.End, &pd.Status, &pd.ClosedBy, &pd.ClosedAt, &pd.CreatedAt)
	return pd, err
}

func (p *Store) CreatePeriod(ctx context.Context, period models.Period) error {
	const query = `INSERT INTO periods (id, name, start_date, end_date, status, closed_by, closed_at, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := p.db.ExecContext(ctx, query, period.ID, period.Name, period.Start, period.End, period.Status,
		period.ClosedBy, period.ClosedAt, period.CreatedAt)
	if isUniqueViolation(err) {
		return models.NewValidation("period " + period.ID + " already exists")
	}
	return err
}

func (p *Store) GetPeriod(ctx context.Context, id string) (models.Period, error) {
	const query = `SELECT ` + periodColumns + ` FROM periods WHERE id = $1`

	pd, err := scanPeriod(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Period{}, models.NotFound("period", id)
	}
	return pd, err
}

func (p *Store) FindPeriodForDate(ctx context.Context, date time.Time) (models.Period, bool, error) {
	const query = `SELECT ` + periodColumns + ` FROM periods
	WHERE start_date < $2 AND end_date >= $1
	ORDER BY start_date LIMIT 1`

	day := models.DateOf(date)
	pd, err := scanPeriod(p.db.QueryRowContext(ctx, query, day, day.AddDate(0, 0, 1)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Period{}, false, nil
	}
	if err != nil {
		return models.Period{}, false, err
	}
	return pd, true, nil
}

func (p *Store) ListPeriods(ctx context.Context) ([]models.Period, error) {
	const query = `SELECT ` + periodColumns + ` FROM periods ORDER BY start_date`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []models.Period
	for rows.Next() {
		pd, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, pd)
	}
	return periods, rows.Err()
}

// TransitionPeriod compares and sets the status under a row lock.
func (p *Store) TransitionPeriod(ctx context.Context, id string, from, to models.PeriodStatus, actor string, at time.Time) (models.Period, error) {
	if !from.CanTransitionTo(to) {
		return models.Period{}, models.WithMetadata(models.CodeInvalidTransition, "invalid period transition", map[string]string{
			"period_id": id,
			"from":      string(from),
			"to":        string(to),
		})
	}

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Period{}, err
	}
	defer rollback(dbTx)

	pd, err := scanPeriod(dbTx.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Period{}, models.NotFound("period", id)
	}
	if err != nil {
		return models.Period{}, err
	}
	if pd.Status != from {
		return models.Period{}, models.WithMetadata(models.CodeVersionConflict, "period status changed", map[string]string{
			"period_id": id,
			"expected":  string(from),
			"actual":    string(pd.Status),
		})
	}

	pd.Status = to
	if to == models.PeriodClosed {
		closedAt := at
		pd.ClosedBy = actor
		pd.ClosedAt = &closedAt
	}
	const update = `UPDATE periods SET status = $2, closed_by = $3, closed_at = $4 WHERE id = $1`
	if _, err := dbTx.ExecContext(ctx, update, id, pd.Status, pd.ClosedBy, pd.ClosedAt); err != nil {
		return models.Period{}, err
	}
	if err := dbTx.Commit(); err != nil {
		return models.Period{}, err
	}
	return pd, nil
}
