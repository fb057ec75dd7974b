// Package redis caches dedup ledger lookups in Redis in front of the
// durable ledger.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/repository"
)

const keyPrefix = "emitted:"

// EmittedEventCache answers HasBeenEmittedBefore from Redis when it can and
// from the backing repository otherwise. Every emission is recorded in the
// backing repository first, so it stays the only ledger of record: a missing,
// expired or unreachable cache entry costs a lookup, never a duplicate.
// A zero TTL keeps cache entries until Redis evicts them.
type EmittedEventCache struct {
	client  *redis.Client
	backing repository.EmittedEventRepository
	ttl     time.Duration
	logger  *zap.Logger
}

func NewEmittedEventCache(client *redis.Client, backing repository.EmittedEventRepository, ttl time.Duration, logger *zap.Logger) *EmittedEventCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmittedEventCache{
		client:  client,
		backing: backing,
		ttl:     ttl,
		logger:  logger,
	}
}

func (c *EmittedEventCache) HasBeenEmittedBefore(ctx context.Context, key domain.EmissionKey) (bool, error) {
	n, err := c.client.Exists(ctx, keyPrefix+key.String()).Result()
	if err != nil {
		c.logger.Warn("emitted event cache lookup failed", zap.String("key", key.String()), zap.Error(err))
	} else if n > 0 {
		return true, nil
	}

	emitted, err := c.backing.HasBeenEmittedBefore(ctx, key)
	if err != nil {
		return false, err
	}
	if emitted {
		c.remember(ctx, key, time.Now())
	}
	return emitted, nil
}

func (c *EmittedEventCache) RecordEmission(ctx context.Context, key domain.EmissionKey, emittedAt time.Time) error {
	if err := c.backing.RecordEmission(ctx, key, emittedAt); err != nil {
		return err
	}
	c.remember(ctx, key, emittedAt)
	return nil
}

func (c *EmittedEventCache) remember(ctx context.Context, key domain.EmissionKey, emittedAt time.Time) {
	err := c.client.SetNX(ctx, keyPrefix+key.String(), emittedAt.UTC().Format(time.RFC3339Nano), c.ttl).Err()
	if err != nil {
		c.logger.Warn("failed to cache emitted event", zap.String("key", key.String()), zap.Error(err))
	}
}
