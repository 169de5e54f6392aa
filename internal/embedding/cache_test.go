package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/observability"
)

func TestCachedProvider(t *testing.T) {
	mr := miniredis.RunT(t)
	store := &db.RedisStore{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	metrics := observability.NewMockMetricsRegistry()
	f := &fakeProvider{vec: []float32{0.5, -0.25, 1}}
	p := NewCachedProvider(f, store, time.Hour, nil, metrics)
	ctx := context.Background()

	first, err := p.Embed(ctx, "best laptop for coding")
	require.NoError(t, err)
	second, err := p.Embed(ctx, "best laptop for coding")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 1, metrics.Count(metrics.Cache, "hit"))
	assert.Equal(t, 1, metrics.Count(metrics.Cache, "miss"))

	_, err = p.Embed(ctx, "another question")
	require.NoError(t, err)
	assert.Equal(t, 2, f.Calls())
}

func TestCachedProviderRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	store := &db.RedisStore{Client: redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})}
	mr.Close()

	f := &fakeProvider{vec: []float32{1}}
	vec, err := NewCachedProvider(f, store, time.Hour, nil, nil).Embed(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0, 1.5, -3.25}
	out, ok := decodeVector(encodeVector(in))
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, ok = decodeVector([]byte{1, 2, 3})
	assert.False(t, ok)
}
