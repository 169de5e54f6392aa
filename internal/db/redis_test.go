package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, &RedisStore{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func TestSessionServesCounter(t *testing.T) {
	mr, rs := setupRedis(t)
	ctx := context.Background()

	if n, err := rs.SessionServes(ctx, "s1"); err != nil || n != 0 {
		t.Fatalf("empty counter = %d, %v", n, err)
	}
	if n, err := rs.IncrementSessionServes(ctx, "s1", 2, time.Minute); err != nil || n != 2 {
		t.Fatalf("first increment = %d, %v", n, err)
	}
	if n, err := rs.IncrementSessionServes(ctx, "s1", 1, time.Minute); err != nil || n != 3 {
		t.Fatalf("second increment = %d, %v", n, err)
	}
	if ttl := mr.TTL("freqcap:session:s1"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if n, _ := rs.SessionServes(ctx, "s1"); n != 0 {
		t.Fatalf("counter after window = %d", n)
	}
}
