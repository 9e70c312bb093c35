package events

import (
	"context"
	"sync"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// HandlerFunc consumes one event. It must be idempotent: the worker may
// deliver the same event again after a crash.
type HandlerFunc func(ctx context.Context, event models.Event) error

type subscription struct {
	name string
	fn   HandlerFunc
}

// Registry maps event types to named handlers. Handler names are the dedupe
// scope, so each must be unique and stable across restarts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]subscription)}
}

// Register subscribes fn under name to eventType (or AllEvents).
func (r *Registry) Register(name, eventType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[eventType] = append(r.handlers[eventType], subscription{name: name, fn: fn})
}

func (r *Registry) handlersFor(eventType string) []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]subscription, 0, len(r.handlers[eventType])+len(r.handlers[AllEvents]))
	out = append(out, r.handlers[eventType]...)
	out = append(out, r.handlers[AllEvents]...)
	return out
}
