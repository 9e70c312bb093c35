package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

var eventsDispatched = observability.Counter("events.dispatched", "Events dispatched by outcome")

// WorkerConfig tunes event dispatch.
type WorkerConfig struct {
	Consumer     string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Consumer == "" {
		c.Consumer = "event-worker"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	return c
}

// Worker leases due events and runs their handlers.
type Worker struct {
	store    interfaces.EventStore
	registry *Registry
	cfg      WorkerConfig
	now      func() time.Time
	logger   *zap.Logger
}

func NewWorker(store interfaces.EventStore, registry *Registry, cfg WorkerConfig, now func() time.Time, logger *zap.Logger) *Worker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	cfg = cfg.withDefaults()
	return &Worker{
		store:    store,
		registry: registry,
		cfg:      cfg,
		now:      now,
		logger:   observability.OrNop(logger).With(zap.String("consumer", cfg.Consumer)),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("event worker started")
	for {
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("event poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("event worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce dispatches one leased batch and returns how many events it
// leased.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	leased, err := w.store.LeaseEvents(ctx, w.cfg.Consumer, w.cfg.BatchSize, w.now(), w.cfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	for _, event := range leased {
		if err := ctx.Err(); err != nil {
			return len(leased), err
		}
		w.process(ctx, event)
	}
	return len(leased), nil
}

func (w *Worker) process(ctx context.Context, event models.Event) {
	ctx, span := observability.StartSpan(ctx, "events", "events.dispatch",
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
	)
	dispatchErr := w.dispatch(ctx, event)
	defer func() { observability.EndSpan(span, dispatchErr) }()

	log := observability.WithTrace(ctx, w.logger).With(zap.String("event_id", event.ID), zap.String("type", event.Type))
	now := w.now()
	if dispatchErr == nil {
		if err := w.store.MarkEventProcessed(ctx, event.ID, w.cfg.Consumer, now); err != nil {
			log.Warn("mark processed failed", zap.Error(err))
		}
		eventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "processed")))
		return
	}

	attempts := event.RetryCount + 1
	if attempts >= w.cfg.MaxAttempts {
		if err := w.store.MarkEventFailed(ctx, event.ID, w.cfg.Consumer, dispatchErr.Error(), now); err != nil {
			log.Warn("mark failed failed", zap.Error(err))
		}
		eventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "dead")))
		log.Error("event dead-lettered", zap.Int("attempts", attempts), zap.Error(dispatchErr))
		return
	}
	next := now.Add(w.retryDelay(attempts))
	if err := w.store.MarkEventRetry(ctx, event.ID, w.cfg.Consumer, next, dispatchErr.Error()); err != nil {
		log.Warn("mark retry failed", zap.Error(err))
	}
	eventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "retry")))
	log.Warn("event dispatch failed; will retry", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(dispatchErr))
}

// dispatch runs every handler that has not yet consumed the event. A handler
// is marked done only after it succeeds.
func (w *Worker) dispatch(ctx context.Context, event models.Event) error {
	var errs []error
	for _, sub := range w.registry.handlersFor(event.Type) {
		done, err := w.store.IsHandled(ctx, event.ID, sub.name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			continue
		}
		if err := sub.fn(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
			continue
		}
		if _, err := w.store.MarkHandled(ctx, event.ID, sub.name, w.now()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// retryDelay grows exponentially from RetryBackoff, capped at the lease TTL times ten.
func (w *Worker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 10 * w.cfg.LeaseTTL
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
