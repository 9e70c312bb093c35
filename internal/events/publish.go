package events

import (
	"context"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// Envelope is the wire form of an event published to the broker.
type Envelope struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	AggregateID string `json:"aggregate_id,omitempty"`
	Payload     any    `json:"payload"`
	CreatedAt   string `json:"created_at"`
}

// PublishHandler forwards every event to an external broker under
// topicPrefix + event type, keyed by aggregate so one aggregate stays ordered.
func PublishHandler(publisher interfaces.EventPublisher, topicPrefix string) HandlerFunc {
	return func(ctx context.Context, event models.Event) error {
		key := event.AggregateID
		if key == "" {
			key = event.ID
		}
		return publisher.Publish(ctx, topicPrefix+event.Type, key, Envelope{
			ID:          event.ID,
			Type:        event.Type,
			AggregateID: event.AggregateID,
			Payload:     event.Payload,
			CreatedAt:   event.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
}
