package saga

import (
	"context"
	"sync"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// LocalClaimer serialises saga creation per idempotency key within one
// process. Multi-replica deployments use redisclaim instead.
type LocalClaimer struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{held: make(map[string]struct{})}
}

func (c *LocalClaimer) Claim(ctx context.Context, key string) (func(context.Context) error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.held[key]; busy {
		return nil, models.WithMetadata(models.CodeSagaActive, "saga is being started elsewhere", map[string]string{"claim": key})
	}
	c.held[key] = struct{}{}
	return func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.held, key)
		return nil
	}, nil
}
