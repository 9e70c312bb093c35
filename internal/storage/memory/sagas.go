package memory

import (
	"context"
	"sort"
	"time"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// CreateSaga enforces one live instance per idempotency key. Failed and
// zombie instances do not hold the key, so a caller may start over.
func (m *Store) CreateSaga(ctx context.Context, saga *models.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sagas[saga.ID]; exists {
		return models.NewValidation("saga " + saga.ID + " already exists")
	}
	for _, existing := range m.sagas {
		if existing.IdempotencyKey != saga.IdempotencyKey {
			continue
		}
		if existing.Status != models.SagaFailed && existing.Status != models.SagaZombie {
			return models.WithMetadata(models.CodeSagaActive, "saga already exists for idempotency key", map[string]string{
				"idempotency_key": saga.IdempotencyKey,
				"saga_id":         existing.ID,
				"status":          string(existing.Status),
			})
		}
	}
	saga.Version = 1
	m.sagas[saga.ID] = cloneSaga(*saga)
	return nil
}

func (m *Store) GetSaga(ctx context.Context, id string) (models.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return models.Saga{}, models.NotFound("saga", id)
	}
	return cloneSaga(s), nil
}

// GetSagaByKey returns the most recent instance for the key.
func (m *Store) GetSagaByKey(ctx context.Context, idempotencyKey string) (models.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Saga
	for id := range m.sagas {
		s := m.sagas[id]
		if s.IdempotencyKey != idempotencyKey {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = &s
		}
	}
	if latest == nil {
		return models.Saga{}, models.NotFound("saga with idempotency key", idempotencyKey)
	}
	return cloneSaga(*latest), nil
}

func (m *Store) ListSagas(ctx context.Context, filter interfaces.SagaFilter) ([]models.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Saga
	for _, s := range m.sagas {
		if filter.Type != "" && s.Type != filter.Type {
			continue
		}
		if len(filter.Statuses) > 0 && !hasSagaStatus(filter.Statuses, s.Status) {
			continue
		}
		result = append(result, cloneSaga(s))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *Store) SaveProgress(ctx context.Context, saga *models.Saga, expectedVersion int64, record *models.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sagas[saga.ID]
	if !ok {
		return models.NotFound("saga", saga.ID)
	}
	if stored.Version != expectedVersion {
		return models.WithMetadata(models.CodeVersionConflict, "saga version changed", map[string]string{"saga_id": saga.ID})
	}

	history := stored.History
	if record != nil {
		history = append(history, *record)
	}
	// a cancel request arrives out of band and must survive the overwrite
	cancel := stored.CancelRequested || saga.CancelRequested

	next := cloneSaga(*saga)
	next.History = history
	next.CancelRequested = cancel
	next.Version = expectedVersion + 1
	m.sagas[saga.ID] = next

	saga.Version = next.Version
	saga.CancelRequested = cancel
	saga.History = cloneSaga(next).History
	return nil
}

func (m *Store) Heartbeat(ctx context.Context, id string, owner string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return models.NotFound("saga", id)
	}
	if s.Owner != owner || s.Status.Terminal() {
		return models.WithMetadata(models.CodeClaimLost, "saga no longer owned", map[string]string{"saga_id": id, "owner": s.Owner})
	}
	s.LastHeartbeatAt = at
	m.sagas[id] = s
	return nil
}

func (m *Store) RequestCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return models.NotFound("saga", id)
	}
	if s.Status.Terminal() {
		return models.WithMetadata(models.CodeInvalidTransition, "saga already finished", map[string]string{"saga_id": id, "status": string(s.Status)})
	}
	s.CancelRequested = true
	m.sagas[id] = s
	return nil
}

func (m *Store) ListStalled(ctx context.Context, staleBefore time.Time, limit int) ([]models.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Saga
	for _, s := range m.sagas {
		if s.Status.Terminal() || !s.LastHeartbeatAt.Before(staleBefore) {
			continue
		}
		result = append(result, cloneSaga(s))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastHeartbeatAt.Before(result[j].LastHeartbeatAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Store) ClaimStalled(ctx context.Context, id string, expectedVersion int64, staleBefore time.Time, owner string, at time.Time) (models.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return models.Saga{}, models.NotFound("saga", id)
	}
	if s.Version != expectedVersion || s.Status.Terminal() || !s.LastHeartbeatAt.Before(staleBefore) {
		return models.Saga{}, models.WithMetadata(models.CodeClaimLost, "saga claimed elsewhere", map[string]string{"saga_id": id})
	}
	s.Owner = owner
	s.LastHeartbeatAt = at
	s.Version++
	m.sagas[id] = s
	return cloneSaga(s), nil
}

func hasSagaStatus(statuses []models.SagaStatus, status models.SagaStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func cloneSaga(s models.Saga) models.Saga {
	history := make([]models.StepRecord, len(s.History))
	copy(history, s.History)
	s.History = history
	if s.Payload != nil {
		s.Payload = append([]byte(nil), s.Payload...)
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		s.CompletedAt = &at
	}
	return s
}
