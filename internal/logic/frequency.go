package logic

import (
	"context"
	"time"

	"github.com/patrickwarner/chatads/internal/db"

	"go.uber.org/zap"
)

// DefaultFrequencyWindow is used when no window is configured.
const DefaultFrequencyWindow = time.Hour

// HasSessionExceededFrequencyCap reports whether the session already received
// limit ads within the current window. A limit of zero disables the cap.
func HasSessionExceededFrequencyCap(ctx context.Context, store *db.RedisStore, sessionID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	if store == nil || store.Client == nil {
		return false, ErrNilRedisStore
	}
	count, err := store.SessionServes(ctx, sessionID)
	if err != nil {
		zap.L().Error("redis freqcap", zap.String("session_id", sessionID), zap.Error(err))
		// fail open: serve if Redis is down or slow
		return false, nil
	}
	return count >= int64(limit), nil
}

// IncrementSessionFrequency records n served ads for the session. Call it
// after the serve has committed, not during selection.
func IncrementSessionFrequency(ctx context.Context, store *db.RedisStore, sessionID string, n int, window time.Duration) error {
	if store == nil || store.Client == nil {
		return ErrNilRedisStore
	}
	if n <= 0 {
		return nil
	}
	if window <= 0 {
		window = DefaultFrequencyWindow
	}
	if _, err := store.IncrementSessionServes(ctx, sessionID, int64(n), window); err != nil {
		zap.L().Error("failed to increment session frequency", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	return nil
}
