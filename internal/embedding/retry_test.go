package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/chatads/internal/models"
)

// fakeProvider fails the first failures calls with err.
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	vec      []float32
	delay    time.Duration
}

func (f *fakeProvider) Model() string   { return "fake" }
func (f *fakeProvider) Dimensions() int { return len(f.vec) }

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastRetry(next Provider, retries int, timeout time.Duration) *RetryingProvider {
	r := NewRetryingProvider(next, retries, timeout, nil)
	r.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return r
}

func TestRetryingProviderRecovers(t *testing.T) {
	f := &fakeProvider{failures: 2, err: errors.New("connection reset"), vec: []float32{1}}
	vec, err := fastRetry(f, 3, time.Second).Embed(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, 3, f.Calls())
}

func TestRetryingProviderGivesUp(t *testing.T) {
	f := &fakeProvider{failures: 10, err: errors.New("connection reset"), vec: []float32{1}}
	_, err := fastRetry(f, 2, time.Second).Embed(context.Background(), "q")
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Equal(t, 3, f.Calls())
}

func TestRetryingProviderPermanentStatus(t *testing.T) {
	f := &fakeProvider{failures: 10, err: &StatusError{Code: 400}, vec: []float32{1}}
	_, err := fastRetry(f, 3, time.Second).Embed(context.Background(), "q")
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Equal(t, 1, f.Calls())
}

func TestRetryingProviderDimensionMismatchFailsFast(t *testing.T) {
	f := &fakeProvider{vec: []float32{1, 2, 3}}
	sized := &sizedProvider{next: f, want: 2}
	_, err := fastRetry(sized, 3, time.Second).Embed(context.Background(), "q")
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, f.Calls())
}

// sizedProvider checks the wrapped provider's output size.
type sizedProvider struct {
	next Provider
	want int
}

func (s *sizedProvider) Model() string   { return s.next.Model() }
func (s *sizedProvider) Dimensions() int { return s.want }

func (s *sizedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := checkDimensions(vec, s.want); err != nil {
		return nil, err
	}
	return vec, nil
}

func TestRetryingProviderEmptyInput(t *testing.T) {
	f := &fakeProvider{vec: []float32{1}}
	_, err := fastRetry(f, 3, time.Second).Embed(context.Background(), "")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestRetryingProviderPerAttemptTimeout(t *testing.T) {
	f := &fakeProvider{delay: time.Second, vec: []float32{1}}
	start := time.Now()
	_, err := fastRetry(f, 1, 20*time.Millisecond).Embed(context.Background(), "q")
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Equal(t, 2, f.Calls())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}
