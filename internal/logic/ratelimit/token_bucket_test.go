package ratelimit

import (
	"testing"
	"time"

	"github.com/patrickwarner/chatads/internal/observability"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenBucket_Allow(t *testing.T) {
	bucket := NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
	}
	if bucket.Allow() {
		t.Error("Expected 6th request to be blocked")
	}

	hits, total := bucket.Stats()
	if hits != 1 {
		t.Errorf("Expected 1 hit, got %d", hits)
	}
	if total != 6 {
		t.Errorf("Expected 6 total requests, got %d", total)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	bucket := newTokenBucket(2, 10, clock.now)

	bucket.Allow()
	bucket.Allow()
	if bucket.Allow() {
		t.Error("Expected request to be blocked")
	}

	clock.advance(200 * time.Millisecond) // 2 tokens
	if !bucket.Allow() || !bucket.Allow() {
		t.Error("Expected two requests to be allowed after refill")
	}
	if bucket.Allow() {
		t.Error("Expected bucket to be empty again")
	}

	clock.advance(time.Hour)
	for i := 0; i < 2; i++ {
		if !bucket.Allow() {
			t.Error("Expected refill to cap at capacity")
		}
	}
	if bucket.Allow() {
		t.Error("Expected refill not to exceed capacity")
	}
}

func TestCreatorLimiter(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	limiter := NewCreatorLimiter(Config{Capacity: 1, RefillRate: 1, Enabled: true}, metrics)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	limiter.now = clock.now

	if !limiter.Allow("cr1") {
		t.Fatal("first request should pass")
	}
	if limiter.Allow("cr1") {
		t.Fatal("second request should be limited")
	}
	// buckets are per creator
	if !limiter.Allow("cr2") {
		t.Fatal("other creator should not be limited")
	}

	stats := limiter.GetStats()
	if stats["cr1"].Hits != 1 || stats["cr1"].Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats["cr1"])
	}
}

func TestCreatorLimiterDisabled(t *testing.T) {
	limiter := NewCreatorLimiter(Config{Capacity: 0, Enabled: false}, nil)
	for i := 0; i < 10; i++ {
		if !limiter.Allow("cr1") {
			t.Fatal("disabled limiter must allow every request")
		}
	}
}
