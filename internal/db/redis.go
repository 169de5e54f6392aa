package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore wraps a redis client used for per-session counters and the
// embedding cache.
type RedisStore struct {
	Client *redis.Client
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(ctx context.Context, addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

func sessionServesKey(sessionID string) string {
	return fmt.Sprintf("freqcap:session:%s", sessionID)
}

// IncrementSessionServes adds n served ads to the session's rolling counter.
// The window TTL is applied when the key is first created. Returns the new
// count.
func (r *RedisStore) IncrementSessionServes(ctx context.Context, sessionID string, n int64, window time.Duration) (int64, error) {
	key := sessionServesKey(sessionID)
	val, err := r.Client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, err
	}
	if val == n {
		r.Client.Expire(ctx, key, window)
	}
	return val, nil
}

// SessionServes returns the number of ads served to the session in the
// current window.
func (r *RedisStore) SessionServes(ctx context.Context, sessionID string) (int64, error) {
	val, err := r.Client.Get(ctx, sessionServesKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
