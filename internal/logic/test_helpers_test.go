package logic

import (
	"testing"
	"time"

	"github.com/patrickwarner/chatads/internal/db"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis spins up an in-memory Redis and returns a store pointed at it.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *db.RedisStore) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	store := &db.RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: s.Addr()}),
	}
	return s, store
}

// withNow pins nowFn for the duration of the test.
func withNow(t *testing.T, now time.Time) {
	t.Helper()
	orig := nowFn
	nowFn = func() time.Time { return now }
	t.Cleanup(func() { nowFn = orig })
}
