package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyProcessed = "duplex:processed:"

// RedisConfig holds dedup cache settings. The cache is optional; when no
// address is configured the pipeline falls through to the ledger for every
// lookup.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// TTL bounds how long a processed event id stays cached. It should
	// match the ledger retention window; a stale miss only costs one
	// ledger query.
	TTL time.Duration `yaml:"ttl"`
}

// DedupCache is a read-through cache in front of the ledger's processed
// lookup. It only ever reflects committed ledger state: entries are added
// after the write transaction commits, never before.
type DedupCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewDedupCache connects to Redis and verifies the connection.
func NewDedupCache(cfg RedisConfig, logger *slog.Logger) (*DedupCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &DedupCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With("component", "dedup-cache"),
	}, nil
}

// NewDedupCacheWithClient wraps an existing client, used by tests.
func NewDedupCacheWithClient(client *redis.Client, ttl time.Duration) *DedupCache {
	return &DedupCache{client: client, ttl: ttl, logger: slog.Default()}
}

// Seen reports whether eventID is known-processed. A cache error degrades
// to a miss: the ledger remains the source of truth.
func (c *DedupCache) Seen(ctx context.Context, eventID string) bool {
	n, err := c.client.Exists(ctx, keyProcessed+eventID).Result()
	if err != nil {
		c.logger.Warn("dedup cache lookup failed, falling through to ledger",
			"event_id", eventID,
			"error", err,
		)
		return false
	}
	return n > 0
}

// Record remembers a committed event id. Failures are logged only; the
// cache is an optimization, not a correctness layer.
func (c *DedupCache) Record(ctx context.Context, eventID string) {
	if err := c.client.Set(ctx, keyProcessed+eventID, 1, c.ttl).Err(); err != nil {
		c.logger.Warn("dedup cache record failed",
			"event_id", eventID,
			"error", err,
		)
	}
}

// Close releases the Redis connection.
func (c *DedupCache) Close() error {
	return c.client.Close()
}
