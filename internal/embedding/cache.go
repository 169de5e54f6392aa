package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/observability"
)

// CachedProvider stores vectors in Redis keyed by sha256(model + text).
// Cache failures are logged and bypassed.
type CachedProvider struct {
	next    Provider
	redis   *db.RedisStore
	ttl     time.Duration
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewCachedProvider wraps next with a Redis cache.
func NewCachedProvider(next Provider, store *db.RedisStore, ttl time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &CachedProvider{next: next, redis: store, ttl: ttl, logger: logger, metrics: metrics}
}

func (c *CachedProvider) Model() string   { return c.next.Model() }
func (c *CachedProvider) Dimensions() int { return c.next.Dimensions() }

func (c *CachedProvider) Unwrap() Provider { return c.next }

func (c *CachedProvider) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.next.Model() + "\x00" + text))
	return "embedding:" + hex.EncodeToString(sum[:])
}

func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	raw, err := c.redis.Client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if vec, ok := decodeVector(raw); ok {
			c.metrics.IncrementEmbeddingCache("hit")
			return vec, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("embedding cache read failed", zap.Error(err))
	}
	c.metrics.IncrementEmbeddingCache("miss")

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.redis.Client.Set(ctx, key, encodeVector(vec), c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}

// Vectors are stored as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, bool) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, true
}
