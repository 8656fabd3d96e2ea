// Package ratelimit provides a pluggable rate limiting interface.
//
// Single-instance deployments use the in-memory token bucket
// (MemoryLimiter). Multi-replica deployments substitute the
// Redis-backed fixed window (RedisLimiter) so the limit holds across
// instances — the Limiter interface is the contract.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque — callers construct it (e.g. "ip:198.51.100.7").
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// RedisLimiter implements Limiter with a fixed window counter per key.
// The window counter and its expiry are set atomically in a pipeline, so
// replicas sharing the Redis instance share the limit.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a Redis-backed limiter allowing limit requests
// per key per window. The client is owned by the caller.
func NewRedisLimiter(client *redis.Client, logger *slog.Logger, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, logger: logger, limit: int64(limit), window: window}
}

// Allow increments the window counter for key. Redis errors are
// returned so callers can fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(l.window.Seconds()))

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter unavailable, failing open", "error", err)
		return true, err
	}
	return count.Val() <= l.limit, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (l *RedisLimiter) Close() error { return nil }
