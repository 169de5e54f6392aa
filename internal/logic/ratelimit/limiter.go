package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/chatads/internal/observability"
)

// CreatorLimiter keeps one token bucket per creator, created lazily on the
// creator's first request.
//
//	limiter := NewCreatorLimiter(Config{Capacity: 100, RefillRate: 10, Enabled: true}, metrics)
//	if !limiter.Allow(creator.ID) {
//	    // respond 429
//	}
type CreatorLimiter struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	config  Config
	metrics observability.MetricsRegistry
	now     func() time.Time
}

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int  // Token bucket capacity (burst allowance)
	RefillRate int  // Tokens added per second (sustained rate)
	Enabled    bool // Whether rate limiting is active
}

// NewCreatorLimiter creates a limiter with the given configuration.
func NewCreatorLimiter(config Config, metrics observability.MetricsRegistry) *CreatorLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &CreatorLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
		now:     time.Now,
	}
}

// Allow reports whether a request from creatorID may proceed. It always
// returns true when limiting is disabled.
func (cl *CreatorLimiter) Allow(creatorID string) bool {
	if !cl.config.Enabled {
		return true
	}

	cl.metrics.IncrementRateLimitRequests(creatorID)

	cl.mu.RLock()
	bucket, exists := cl.buckets[creatorID]
	cl.mu.RUnlock()

	if !exists {
		cl.mu.Lock()
		bucket, exists = cl.buckets[creatorID]
		if !exists {
			bucket = newTokenBucket(cl.config.Capacity, cl.config.RefillRate, cl.now)
			cl.buckets[creatorID] = bucket
		}
		cl.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		cl.metrics.IncrementRateLimitHits(creatorID)
	}
	return allowed
}

// GetStats returns a snapshot of rate limiting activity per creator.
func (cl *CreatorLimiter) GetStats() map[string]RateLimitStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(cl.buckets))
	for creatorID, bucket := range cl.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[creatorID] = RateLimitStats{
			CreatorID: creatorID,
			Hits:      hits,
			Total:     total,
			HitRate:   hitRate,
		}
	}
	return stats
}

// RateLimitStats summarises limiting for one creator.
type RateLimitStats struct {
	CreatorID string  `json:"creator_id"`
	Hits      int64   `json:"hits"`     // rejected requests
	Total     int64   `json:"total"`    // all requests seen
	HitRate   float64 `json:"hit_rate"` // 0.0-1.0
}

func (s RateLimitStats) String() string {
	return fmt.Sprintf("creator %s: %d/%d hits (%.2f%%)", s.CreatorID, s.Hits, s.Total, s.HitRate*100)
}
