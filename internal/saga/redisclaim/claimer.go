// Package redisclaim holds saga claims in Redis so only one replica runs a
// given idempotency key at a time.
package redisclaim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// Claimer implements the saga claim contract with redsync mutexes. A claim
// is extended in the background until released, so sagas may outlive Expiry.
type Claimer struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
	logger *zap.Logger
}

func New(client redis.UniversalClient, prefix string, expiry time.Duration, logger *zap.Logger) *Claimer {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return &Claimer{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		expiry: expiry,
		logger: observability.OrNop(logger),
	}
}

func (c *Claimer) Claim(ctx context.Context, key string) (func(context.Context) error, error) {
	name := c.prefix + key
	mutex := c.rs.NewMutex(name,
		redsync.WithExpiry(c.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if contended(err) {
			return nil, models.WithMetadata(models.CodeSagaActive, "saga is being started elsewhere", map[string]string{"claim": key})
		}
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}

	extendCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	go c.extend(extendCtx, mutex)

	return func(ctx context.Context) error {
		stop()
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			if err == nil {
				err = errors.New("claim expired before release")
			}
			return err
		}
		return nil
	}, nil
}

func (c *Claimer) extend(ctx context.Context, mutex *redsync.Mutex) {
	ticker := time.NewTicker(c.expiry / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := mutex.ExtendContext(ctx); !ok || err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("saga claim extension failed", zap.String("claim", mutex.Name()), zap.Error(err))
				}
				return
			}
		}
	}
}

func contended(err error) bool {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
