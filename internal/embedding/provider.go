// Package embedding turns chat text into vectors comparable with the ad
// embedding column.
//
// Providers compose: a Gemini or HTTP provider does the remote call,
// RetryingProvider adds bounded backoff and CachedProvider short-circuits
// repeated text through Redis.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/observability"
)

var (
	// ErrEmptyInput is returned for blank text.
	ErrEmptyInput = errors.New("embedding input is empty")
	// ErrDimensionMismatch means the provider returned vectors of the wrong
	// size, usually a misconfigured model. It is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provider converts text to a fixed-dimension vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model names the embedding model. Vectors from different models are
	// not comparable.
	Model() string
	Dimensions() int
}

// HealthChecker is implemented by providers that can report reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// wrapper is implemented by providers that decorate another provider.
type wrapper interface {
	Unwrap() Provider
}

// CheckHealth walks the provider chain and runs the first HealthCheck it
// finds. ok is false when no provider in the chain supports it.
func CheckHealth(ctx context.Context, p Provider) (ok bool, err error) {
	for p != nil {
		if hc, is := p.(HealthChecker); is {
			return true, hc.HealthCheck(ctx)
		}
		w, is := p.(wrapper)
		if !is {
			return false, nil
		}
		p = w.Unwrap()
	}
	return false, nil
}

// Options configures New.
type Options struct {
	Provider   string // "gemini" or "http"
	APIKey     string
	Model      string
	Dimensions int
	URL        string
	Timeout    time.Duration
	MaxRetries int
	CacheTTL   time.Duration
}

// New builds the provider chain described by opts. redis may be nil, in
// which case results are not cached.
func New(ctx context.Context, opts Options, redis *db.RedisStore, logger *zap.Logger, metrics observability.MetricsRegistry) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}

	var base Provider
	switch strings.ToLower(opts.Provider) {
	case "", "gemini":
		g, err := NewGeminiProvider(ctx, opts.APIKey, opts.Model, opts.Dimensions, metrics)
		if err != nil {
			return nil, err
		}
		base = g
	case "http":
		base = NewHTTPProvider(opts.URL, opts.Model, opts.Dimensions, opts.Timeout, logger, metrics)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}

	p := Provider(NewRetryingProvider(base, opts.MaxRetries, opts.Timeout, logger))
	if redis != nil && opts.CacheTTL > 0 {
		p = NewCachedProvider(p, redis, opts.CacheTTL, logger, metrics)
	}
	return p, nil
}

func checkDimensions(vec []float32, want int) error {
	if len(vec) == 0 {
		return fmt.Errorf("provider returned an empty vector: %w", ErrDimensionMismatch)
	}
	if want > 0 && len(vec) != want {
		return fmt.Errorf("provider returned %d dimensions, want %d: %w", len(vec), want, ErrDimensionMismatch)
	}
	return nil
}
