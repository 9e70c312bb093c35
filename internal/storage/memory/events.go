package memory

import (
	"context"
	"time"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

func (m *Store) AppendEvent(ctx context.Context, event models.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.DedupeKey != "" {
		if _, seen := m.dedupe[event.DedupeKey]; seen {
			return false, nil
		}
	}
	if _, exists := m.eventIndex[event.ID]; exists {
		return false, nil
	}
	if event.Status == "" {
		event.Status = models.EventPending
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = event.CreatedAt
	}
	m.events = append(m.events, event)
	m.eventIndex[event.ID] = len(m.events) - 1
	if event.DedupeKey != "" {
		m.dedupe[event.DedupeKey] = event.ID
	}
	return true, nil
}

func (m *Store) GetEvent(ctx context.Context, id string) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.eventIndex[id]
	if !ok {
		return models.Event{}, models.NotFound("event", id)
	}
	return m.events[pos], nil
}

func (m *Store) ListEvents(ctx context.Context, filter interfaces.EventFilter) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Event
	for _, e := range m.events {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if len(filter.Statuses) > 0 && !hasEventStatus(filter.Statuses, e.Status) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// LeaseEvents hands out due events in append order.
func (m *Store) LeaseEvents(ctx context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var leased []models.Event
	for i := range m.events {
		if limit > 0 && len(leased) >= limit {
			break
		}
		e := &m.events[i]
		due := e.Status == models.EventPending && !e.NextAttemptAt.After(now)
		// a consumer that died mid-dispatch leaves an expired lease behind
		expired := e.Status == models.EventProcessing && e.LeaseExpiresAt != nil && !e.LeaseExpiresAt.After(now)
		if !due && !expired {
			continue
		}
		expires := now.Add(ttl)
		e.Status = models.EventProcessing
		e.LeaseOwner = consumer
		e.LeaseExpiresAt = &expires
		leased = append(leased, *e)
	}
	return leased, nil
}

func (m *Store) leasedLocked(id, consumer string) (*models.Event, error) {
	pos, ok := m.eventIndex[id]
	if !ok {
		return nil, models.NotFound("event", id)
	}
	e := &m.events[pos]
	if e.Status != models.EventProcessing || e.LeaseOwner != consumer {
		return nil, models.WithMetadata(models.CodeClaimLost, "event lease lost", map[string]string{"event_id": id, "consumer": consumer})
	}
	return e, nil
}

func (m *Store) MarkEventProcessed(ctx context.Context, id string, consumer string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leasedLocked(id, consumer)
	if err != nil {
		return err
	}
	processed := at
	e.Status = models.EventProcessed
	e.ProcessedAt = &processed
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.LastError = ""
	return nil
}

func (m *Store) MarkEventRetry(ctx context.Context, id string, consumer string, nextAttempt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leasedLocked(id, consumer)
	if err != nil {
		return err
	}
	e.Status = models.EventPending
	e.RetryCount++
	e.NextAttemptAt = nextAttempt
	e.LastError = lastErr
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	return nil
}

func (m *Store) MarkEventFailed(ctx context.Context, id string, consumer string, lastErr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leasedLocked(id, consumer)
	if err != nil {
		return err
	}
	failed := at
	e.Status = models.EventFailed
	e.RetryCount++
	e.LastError = lastErr
	e.ProcessedAt = &failed
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	return nil
}

func (m *Store) MarkHandled(ctx context.Context, eventID string, handler string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventID + "|" + handler
	if _, done := m.handled[key]; done {
		return false, nil
	}
	m.handled[key] = at
	return true, nil
}

func (m *Store) IsHandled(ctx context.Context, eventID string, handler string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, done := m.handled[eventID+"|"+handler]
	return done, nil
}

func hasEventStatus(statuses []models.EventStatus, status models.EventStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
