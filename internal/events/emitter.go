// Package events is the durable event log: an emitter that appends domain
// events and a lease-based worker that dispatches them to registered handlers
// with at-least-once delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// Emitter appends events to the log.
type Emitter struct {
	store  interfaces.EventStore
	now    func() time.Time
	logger *zap.Logger
}

func NewEmitter(store interfaces.EventStore, now func() time.Time, logger *zap.Logger) *Emitter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Emitter{store: store, now: now, logger: observability.OrNop(logger)}
}

// Emit stores an event. A non-empty dedupeKey makes the call idempotent: a
// second Emit with the same key is dropped, so saga steps may replay it.
func (e *Emitter) Emit(ctx context.Context, eventType, aggregateID, dedupeKey string, payload any) (models.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	now := e.now()
	event := models.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateID:   aggregateID,
		Payload:       data,
		DedupeKey:     dedupeKey,
		Status:        models.EventPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	added, err := e.store.AppendEvent(ctx, event)
	if err != nil {
		return models.Event{}, err
	}
	if !added {
		e.logger.Debug("duplicate event dropped", zap.String("type", eventType), zap.String("dedupe_key", dedupeKey))
		return event, nil
	}
	e.logger.Debug("event emitted", zap.String("event_id", event.ID), zap.String("type", eventType))
	return event, nil
}

// Decode unmarshals an event payload into out.
func Decode(event models.Event, out any) error {
	if err := json.Unmarshal(event.Payload, out); err != nil {
		return models.Wrap(models.CodeInvalid, "malformed "+event.Type+" payload", err)
	}
	return nil
}
