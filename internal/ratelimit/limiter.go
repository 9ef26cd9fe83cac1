package ratelimit

import (
	"context"
	"time"

	"github.com/FireDesk/firegate/internal/pkg/apperrors"
	"github.com/FireDesk/firegate/internal/pkg/logger"
	"github.com/FireDesk/firegate/internal/pkg/metrics"
)

// Result of one limiter check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Limiter enforces sliding-window limits on top of a primary (shared)
// store with a local fallback. A primary fault degrades to the
// fallback for that call; if both stores fail the limiter fails OPEN
// and surfaces the error, because blocking all traffic on a
// monitoring-layer fault is worse than a temporary limiter gap.
type Limiter struct {
	primary  WindowStore
	fallback WindowStore

	now func() time.Time
}

func New(primary, fallback WindowStore) *Limiter {
	if fallback == nil {
		fallback = NewMemoryStore()
	}
	return &Limiter{
		primary:  primary,
		fallback: fallback,
		now:      time.Now,
	}
}

func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration, increment bool) (Result, error) {
	now := l.now()

	store := l.primary
	if store == nil {
		store = l.fallback
	}

	existing, oldest, err := store.Take(ctx, key, limit, window, now, increment)
	if err != nil && store != l.fallback {
		logger.Warn("rate limiter primary store failed, degrading to local fallback",
			"key", key, "error", err)
		metrics.LimiterFallbacks.Inc()
		existing, oldest, err = l.fallback.Take(ctx, key, limit, window, now, increment)
	}
	if err != nil {
		// Fail open: never block all traffic because the limiter's
		// backing store is down.
		logger.Error("rate limiter stores unavailable, failing open", "key", key, "error", err)
		return Result{Allowed: true, Remaining: 0, ResetAt: now.Add(window)},
			apperrors.New(apperrors.ErrBackendUnavailable, "rate limit store unreachable", err)
	}

	res := Result{Allowed: existing < limit}
	if res.Allowed {
		used := existing
		if increment {
			used++
		}
		res.Remaining = limit - used
		if oldest.IsZero() {
			oldest = now
		}
		res.ResetAt = oldest.Add(window)
	} else {
		res.ResetAt = oldest.Add(window)
		res.RetryAfter = res.ResetAt.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res, nil
}

func (l *Limiter) Reset(ctx context.Context, key string) error {
	var firstErr error
	if l.primary != nil {
		firstErr = l.primary.Reset(ctx, key)
	}
	if err := l.fallback.Reset(ctx, key); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
