package memory

import (
	"context"
	"sort"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

func (m *Store) CreatePeriod(ctx context.Context, period models.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.periods[period.ID]; exists {
		return models.NewValidation("period " + period.ID + " already exists")
	}
	m.periods[period.ID] = period
	return nil
}

func (m *Store) GetPeriod(ctx context.Context, id string) (models.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.periods[id]
	if !ok {
		return models.Period{}, models.NotFound("period", id)
	}
	return p, nil
}

func (m *Store) FindPeriodForDate(ctx context.Context, date time.Time) (models.Period, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.periods {
		if p.Contains(date) {
			return p, true, nil
		}
	}
	return models.Period{}, false, nil
}

func (m *Store) ListPeriods(ctx context.Context) ([]models.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]models.Period, 0, len(m.periods))
	for _, p := range m.periods {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Start.Before(result[j].Start) })
	return result, nil
}

func (m *Store) TransitionPeriod(ctx context.Context, id string, from, to models.PeriodStatus, actor string, at time.Time) (models.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.periods[id]
	if !ok {
		return models.Period{}, models.NotFound("period", id)
	}
	if !from.CanTransitionTo(to) {
		return models.Period{}, models.WithMetadata(models.CodeInvalidTransition, "invalid period transition", map[string]string{
			"period_id": id,
			"from":      string(from),
			"to":        string(to),
		})
	}
	// compare-and-set on status so two closers can't both win
	if p.Status != from {
		return models.Period{}, models.WithMetadata(models.CodeVersionConflict, "period status changed", map[string]string{
			"period_id": id,
			"expected":  string(from),
			"actual":    string(p.Status),
		})
	}
	p.Status = to
	if to == models.PeriodClosed {
		closedAt := at
		p.ClosedBy = actor
		p.ClosedAt = &closedAt
	}
	m.periods[id] = p
	return p, nil
}
