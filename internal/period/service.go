// Package period manages the accounting period lifecycle.
package period

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// Service opens, closes and looks up periods.
type Service struct {
	store  interfaces.PeriodStore
	now    func() time.Time
	logger *zap.Logger
}

func NewService(store interfaces.PeriodStore, now func() time.Time, logger *zap.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, now: now, logger: observability.OrNop(logger)}
}

// Create opens a new period. Periods may not overlap.
func (s *Service) Create(ctx context.Context, name string, start, end time.Time) (models.Period, error) {
	start, end = models.DateOf(start), models.DateOf(end)
	if end.Before(start) {
		return models.Period{}, models.NewValidation("period end is before its start")
	}
	existing, err := s.store.ListPeriods(ctx)
	if err != nil {
		return models.Period{}, err
	}
	for _, p := range existing {
		if !end.Before(models.DateOf(p.Start)) && !start.After(models.DateOf(p.End)) {
			return models.Period{}, models.WithMetadata(models.CodeInvalid, "period overlaps an existing period", map[string]string{"period_id": p.ID})
		}
	}
	if name == "" {
		name = fmt.Sprintf("%s..%s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	p := models.Period{
		ID:        uuid.NewString(),
		Name:      name,
		Start:     start,
		End:       end,
		Status:    models.PeriodOpen,
		CreatedAt: s.now(),
	}
	if err := s.store.CreatePeriod(ctx, p); err != nil {
		return models.Period{}, err
	}
	s.logger.Info("period opened", zap.String("period_id", p.ID), zap.String("name", p.Name))
	return p, nil
}

// CreateMonth opens the calendar month containing date.
func (s *Service) CreateMonth(ctx context.Context, date time.Time) (models.Period, error) {
	first := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return s.Create(ctx, first.Format("2006-01"), first, last)
}

func (s *Service) Get(ctx context.Context, id string) (models.Period, error) {
	return s.store.GetPeriod(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]models.Period, error) {
	return s.store.ListPeriods(ctx)
}

// ForDate returns the period covering date, if any.
func (s *Service) ForDate(ctx context.Context, date time.Time) (models.Period, bool, error) {
	return s.store.FindPeriodForDate(ctx, date)
}

// BeginClose moves an open period to closing.
func (s *Service) BeginClose(ctx context.Context, id, actor string) (models.Period, error) {
	return s.transition(ctx, id, models.PeriodOpen, models.PeriodClosing, actor)
}

// Close locks a closing period against further postings.
func (s *Service) Close(ctx context.Context, id, actor string) (models.Period, error) {
	return s.transition(ctx, id, models.PeriodClosing, models.PeriodClosed, actor)
}

// AbortClose hands a closing period back to open.
func (s *Service) AbortClose(ctx context.Context, id, actor string) (models.Period, error) {
	return s.transition(ctx, id, models.PeriodClosing, models.PeriodOpen, actor)
}

// DueForClose lists open periods that ended before asOf.
func (s *Service) DueForClose(ctx context.Context, asOf time.Time) ([]models.Period, error) {
	periods, err := s.store.ListPeriods(ctx)
	if err != nil {
		return nil, err
	}
	var due []models.Period
	for _, p := range periods {
		if p.Status == models.PeriodOpen && models.DateOf(p.End).Before(models.DateOf(asOf)) {
			due = append(due, p)
		}
	}
	return due, nil
}

func (s *Service) transition(ctx context.Context, id string, from, to models.PeriodStatus, actor string) (models.Period, error) {
	p, err := s.store.TransitionPeriod(ctx, id, from, to, actor, s.now())
	if err != nil {
		return models.Period{}, err
	}
	s.logger.Info("period transitioned",
		zap.String("period_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	return p, nil
}
