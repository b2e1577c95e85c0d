package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IndexCache caches the Subscription id to index entry id mapping read by the
// delivery subsystem. Only hits are cached.
type IndexCache interface {
	Get(ctx context.Context, id string) (uuid.UUID, bool, error)
	Set(ctx context.Context, id string, entryID uuid.UUID) error
	Invalidate(ctx context.Context, id string) error
}

const indexCachePrefix = "subscription:index:"

type redisIndexCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIndexCache stores entries under "subscription:index:{id}" with the
// given TTL.
func NewRedisIndexCache(client *redis.Client, ttl time.Duration) IndexCache {
	return &redisIndexCache{client: client, ttl: ttl}
}

func (c *redisIndexCache) Get(ctx context.Context, id string) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, indexCachePrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis get: %w", err)
	}
	entryID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("cached index entry id %q: %w", val, err)
	}
	return entryID, true, nil
}

func (c *redisIndexCache) Set(ctx context.Context, id string, entryID uuid.UUID) error {
	return c.client.Set(ctx, indexCachePrefix+id, entryID.String(), c.ttl).Err()
}

func (c *redisIndexCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, indexCachePrefix+id).Err()
}

// NopIndexCache never stores anything.
type NopIndexCache struct{}

func (NopIndexCache) Get(context.Context, string) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}
func (NopIndexCache) Set(context.Context, string, uuid.UUID) error { return nil }
func (NopIndexCache) Invalidate(context.Context, string) error     { return nil }
