// Package ratelimit throttles serve traffic per creator with token buckets.
//
// A bucket allows bursts up to its capacity and refills at a constant rate,
// which suits chat traffic: a burst of turns in one conversation is normal,
// sustained flooding from one API key is not.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket. Each request consumes one
// token; an empty bucket rejects until tokens refill.
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
	hitCount   int64
	totalCount int64
}

// NewTokenBucket creates a full bucket with the given capacity and refill
// rate in tokens per second.
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		// fractional refill so low rates still make progress
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}

	tb.hitCount++
	return false
}

// Stats returns how many requests were rejected and how many were seen.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}
