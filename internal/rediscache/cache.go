// Package rediscache keeps a best-effort cache of qualifying attempt counts
// in Redis.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultTTL = 10 * time.Minute

// Config configures the cache.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key.
	Prefix string
	TTL    time.Duration
}

// Cache implements domain.AttemptCounterCache. Each listing has one hash
// whose fields are window lengths in seconds.
type Cache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// New connects to Redis and returns a Cache.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Cache {
	if cfg.Prefix == "" {
		cfg.Prefix = "adgate"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Cache{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("module", "rediscache")),
	}
}

func (c *Cache) key(listingID string) string {
	return c.prefix + ":attempts:" + listingID
}

func field(window time.Duration) string {
	return strconv.FormatInt(int64(window/time.Second), 10)
}

// GetCount returns the cached count. Concurrent lookups of one key share a
// single round trip.
func (c *Cache) GetCount(ctx context.Context, listingID string, window time.Duration) (int, bool, error) {
	key := c.key(listingID)
	f := field(window)

	v, err, _ := c.group.Do(key+"#"+f, func() (interface{}, error) {
		n, err := c.client.HGet(ctx, key, f).Int()
		if errors.Is(err, redis.Nil) {
			return -1, nil
		}
		return n, err
	})
	if err != nil {
		return 0, false, fmt.Errorf("get attempt count %s: %w", listingID, err)
	}
	n := v.(int)
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

// SetCount caches the count for the window.
func (c *Cache) SetCount(ctx context.Context, listingID string, window time.Duration, count int) error {
	key := c.key(listingID)
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, field(window), count)
		p.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set attempt count %s: %w", listingID, err)
	}
	return nil
}

// Invalidate drops every cached count of the listing.
func (c *Cache) Invalidate(ctx context.Context, listingID string) error {
	if err := c.client.Del(ctx, c.key(listingID)).Err(); err != nil {
		c.logger.Warn("failed to invalidate attempt count", zap.String("listing_id", listingID), zap.Error(err))
		return fmt.Errorf("invalidate attempt count %s: %w", listingID, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
