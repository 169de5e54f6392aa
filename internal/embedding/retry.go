package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/models"
)

// RetryingProvider retries transient failures of the wrapped provider with
// exponential backoff. Every attempt gets its own timeout. Once retries are
// spent the error wraps models.ErrUpstreamUnavailable.
type RetryingProvider struct {
	next       Provider
	maxTries   uint
	timeout    time.Duration
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// NewRetryingProvider wraps next. maxRetries counts retries after the first
// attempt.
func NewRetryingProvider(next Provider, maxRetries int, timeout time.Duration, logger *zap.Logger) *RetryingProvider {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingProvider{
		next:     next,
		maxTries: uint(maxRetries) + 1,
		timeout:  timeout,
		logger:   logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
}

func (r *RetryingProvider) Model() string   { return r.next.Model() }
func (r *RetryingProvider) Dimensions() int { return r.next.Dimensions() }

func (r *RetryingProvider) Unwrap() Provider { return r.next }

func (r *RetryingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	attempt := 0
	op := func() ([]float32, error) {
		attempt++
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		vec, err := r.next.Embed(callCtx, text)
		if err == nil {
			return vec, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	vec, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("embedding attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		if errors.Is(err, ErrEmptyInput) {
			return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
		}
		return nil, fmt.Errorf("embed after %d attempts: %w: %w", attempt, models.ErrUpstreamUnavailable, err)
	}
	return vec, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrDimensionMismatch) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// network errors, per-attempt deadlines, decode failures
	return true
}
