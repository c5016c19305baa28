// Package cache implements an optional Redis-backed cache used in front of
// two hot, repeatable checks: C3 partition-existence (EnsurePartition) and
// C1 provider connectivity probes. Both are safe to skip on a cache miss —
// a disabled or unreachable cache degrades to calling through every time,
// never to a wrong answer.
package cache

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ragkb/internal/config"
)

// Redis is a thin TTL cache over go-redis. A nil *Redis is valid and acts
// as an always-miss cache, so callers need not branch on whether caching
// is enabled.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis constructs a Redis cache when cfg.Enabled, verifying
// connectivity with a ping. Returns (nil, nil) when disabled.
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSInsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	ttl := time.Duration(cfg.ProbeTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// GetBool returns the cached value for key and whether it was present.
// A nil receiver or any Redis error is treated as a miss.
func (c *Redis) GetBool(ctx context.Context, key string) (value bool, found bool) {
	if c == nil {
		return false, false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("cache_get_error")
		}
		return false, false
	}
	return val == "1", true
}

// SetBool caches value for key with the configured TTL. Errors are logged,
// not returned: a failed cache write must never fail the caller's request.
func (c *Redis) SetBool(ctx context.Context, key string, value bool) {
	if c == nil {
		return
	}
	payload := "0"
	if value {
		payload = "1"
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_set_error")
	}
}

// Close closes the underlying client, if any.
func (c *Redis) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
