package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

const sagaColumns = `id, type, idempotency_key, status, current_step, payload, owner, version, last_heartbeat_at,
	resume_attempts, cancel_requested, passed_no_return, funds_moved, failed_step, error, created_at, updated_at,
	completed_at`

const liveSagaKey = "sagas_live_key_idx"

var terminalSagaStatuses = pq.Array([]string{
	string(models.SagaCompleted),
	string(models.SagaFailed),
	string(models.SagaZombie),
})

func scanSaga(row interface{ Scan(...any) error }) (models.Saga, error) {
	var (
		s       models.Saga
		payload []byte
	)
	err := row.Scan(&s.ID, &s.Type, &s.IdempotencyKey, &s.Status, &s.CurrentStep, &payload, &s.Owner, &s.Version,
		&s.LastHeartbeatAt, &s.ResumeAttempts, &s.CancelRequested, &s.PassedNoReturn, &s.FundsMoved, &s.FailedStep,
		&s.Error, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if len(payload) > 0 {
		s.Payload = payload
	}
	return s, err
}

func (p *Store) CreateSaga(ctx context.Context, saga *models.Saga) error {
	const query = `INSERT INTO sagas (` + sagaColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	_, err := p.db.ExecContext(ctx, query, saga.ID, saga.Type, saga.IdempotencyKey, saga.Status, saga.CurrentStep,
		[]byte(saga.Payload), saga.Owner, int64(1), saga.LastHeartbeatAt, saga.ResumeAttempts, saga.CancelRequested,
		saga.PassedNoReturn, saga.FundsMoved, saga.FailedStep, saga.Error, saga.CreatedAt, saga.UpdatedAt, saga.CompletedAt)
	if code, constraint := pqCode(err); code == uniqueViolation {
		if constraint == liveSagaKey {
			return models.WithMetadata(models.CodeSagaActive, "saga already exists for idempotency key", map[string]string{
				"idempotency_key": saga.IdempotencyKey,
			})
		}
		return models.NewValidation("saga " + saga.ID + " already exists")
	}
	if err != nil {
		return err
	}
	saga.Version = 1
	return nil
}

func (p *Store) GetSaga(ctx context.Context, id string) (models.Saga, error) {
	const query = `SELECT ` + sagaColumns + ` FROM sagas WHERE id = $1`

	s, err := scanSaga(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Saga{}, models.NotFound("saga", id)
	}
	if err != nil {
		return models.Saga{}, err
	}
	s.History, err = loadHistory(ctx, p.db, id)
	return s, err
}

// GetSagaByKey returns the most recent instance for the key.
func (p *Store) GetSagaByKey(ctx context.Context, idempotencyKey string) (models.Saga, error) {
	const query = `SELECT ` + sagaColumns + ` FROM sagas WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1`

	s, err := scanSaga(p.db.QueryRowContext(ctx, query, idempotencyKey))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Saga{}, models.NotFound("saga with idempotency key", idempotencyKey)
	}
	if err != nil {
		return models.Saga{}, err
	}
	s.History, err = loadHistory(ctx, p.db, s.ID)
	return s, err
}

func (p *Store) ListSagas(ctx context.Context, filter interfaces.SagaFilter) ([]models.Saga, error) {
	var w where
	if filter.Type != "" {
		w.add("type = $%d", filter.Type)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(stringsOf(filter.Statuses)))
	}
	query := `SELECT ` + sagaColumns + ` FROM sagas` + w.String() + ` ORDER BY created_at` + w.limit(filter.Limit)
	return p.querySagas(ctx, query, w.args...)
}

func (p *Store) querySagas(ctx context.Context, query string, args ...any) ([]models.Saga, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sagas []models.Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range sagas {
		if sagas[i].History, err = loadHistory(ctx, p.db, sagas[i].ID); err != nil {
			return nil, err
		}
	}
	return sagas, nil
}

func loadHistory(ctx context.Context, q queryer, sagaID string) ([]models.StepRecord, error) {
	const query = `SELECT saga_id, step_index, name, phase, outcome, output, error, attempts, created_at
	FROM saga_steps WHERE saga_id = $1 ORDER BY seq`

	rows, err := q.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.StepRecord
	for rows.Next() {
		var (
			rec    models.StepRecord
			output []byte
		)
		if err := rows.Scan(&rec.SagaID, &rec.Index, &rec.Name, &rec.Phase, &rec.Outcome, &output, &rec.Error,
			&rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(output) > 0 {
			rec.Output = output
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// SaveProgress appends the step record and overwrites saga state only while
// the stored version still matches.
func (p *Store) SaveProgress(ctx context.Context, saga *models.Saga, expectedVersion int64, record *models.StepRecord) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(dbTx)

	var (
		version int64
		cancel  bool
	)
	err = dbTx.QueryRowContext(ctx, `SELECT version, cancel_requested FROM sagas WHERE id = $1 FOR UPDATE`, saga.ID).
		Scan(&version, &cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFound("saga", saga.ID)
	}
	if err != nil {
		return err
	}
	if version != expectedVersion {
		return models.WithMetadata(models.CodeVersionConflict, "saga version changed", map[string]string{"saga_id": saga.ID})
	}

	if record != nil {
		const insertStep = `INSERT INTO saga_steps (saga_id, step_index, name, phase, outcome, output, error, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
		if _, err := dbTx.ExecContext(ctx, insertStep, saga.ID, record.Index, record.Name, record.Phase, record.Outcome,
			[]byte(record.Output), record.Error, record.Attempts, record.CreatedAt); err != nil {
			return err
		}
	}

	// a cancel request arrives out of band and must survive the overwrite
	cancel = cancel || saga.CancelRequested
	const update = `UPDATE sagas SET status = $2, current_step = $3, payload = $4, owner = $5, version = $6,
		last_heartbeat_at = $7, resume_attempts = $8, cancel_requested = $9, passed_no_return = $10,
		funds_moved = $11, failed_step = $12, error = $13, updated_at = $14, completed_at = $15
	WHERE id = $1`
	if _, err := dbTx.ExecContext(ctx, update, saga.ID, saga.Status, saga.CurrentStep, []byte(saga.Payload), saga.Owner,
		expectedVersion+1, saga.LastHeartbeatAt, saga.ResumeAttempts, cancel, saga.PassedNoReturn, saga.FundsMoved,
		saga.FailedStep, saga.Error, saga.UpdatedAt, saga.CompletedAt); err != nil {
		return err
	}

	history, err := loadHistory(ctx, dbTx, saga.ID)
	if err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return err
	}
	saga.Version = expectedVersion + 1
	saga.CancelRequested = cancel
	saga.History = history
	return nil
}

func (p *Store) Heartbeat(ctx context.Context, id string, owner string, at time.Time) error {
	const query = `UPDATE sagas SET last_heartbeat_at = $3
	WHERE id = $1 AND owner = $2 AND status <> ALL($4)`

	res, err := p.db.ExecContext(ctx, query, id, owner, at, terminalSagaStatuses)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil || ok {
		return err
	}
	return missingOr(ctx, p.db, "sagas", "id", id, "saga",
		models.WithMetadata(models.CodeClaimLost, "saga no longer owned", map[string]string{"saga_id": id, "owner": owner}))
}

func (p *Store) RequestCancel(ctx context.Context, id string) error {
	const query = `UPDATE sagas SET cancel_requested = TRUE WHERE id = $1 AND status <> ALL($2)`

	res, err := p.db.ExecContext(ctx, query, id, terminalSagaStatuses)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil || ok {
		return err
	}
	return missingOr(ctx, p.db, "sagas", "id", id, "saga",
		models.WithMetadata(models.CodeInvalidTransition, "saga already finished", map[string]string{"saga_id": id}))
}

func (p *Store) ListStalled(ctx context.Context, staleBefore time.Time, limit int) ([]models.Saga, error) {
	var w where
	w.add("status <> ALL($%d)", terminalSagaStatuses)
	w.add("last_heartbeat_at < $%d", staleBefore)
	query := `SELECT ` + sagaColumns + ` FROM sagas` + w.String() + ` ORDER BY last_heartbeat_at` + w.limit(limit)
	return p.querySagas(ctx, query, w.args...)
}

// ClaimStalled is a single conditional UPDATE, so of two monitors racing for
// the same saga exactly one sees a returned row.
func (p *Store) ClaimStalled(ctx context.Context, id string, expectedVersion int64, staleBefore time.Time, owner string, at time.Time) (models.Saga, error) {
	const query = `UPDATE sagas SET owner = $4, last_heartbeat_at = $5, version = version + 1
	WHERE id = $1 AND version = $2 AND last_heartbeat_at < $3 AND status <> ALL($6)
	RETURNING ` + sagaColumns

	s, err := scanSaga(p.db.QueryRowContext(ctx, query, id, expectedVersion, staleBefore, owner, at, terminalSagaStatuses))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Saga{}, missingOr(ctx, p.db, "sagas", "id", id, "saga",
			models.WithMetadata(models.CodeClaimLost, "saga claimed elsewhere", map[string]string{"saga_id": id}))
	}
	if err != nil {
		return models.Saga{}, err
	}
	s.History, err = loadHistory(ctx, p.db, id)
	return s, err
}
