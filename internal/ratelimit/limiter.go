package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
)

type Decision struct {
	Allowed    bool
	Limit      int64
	Count      int64
	Remaining  int64
	RetryAfter time.Duration
}

// RateStore counts requests per key within fixed windows. Increment must be
// atomic per key: it starts a new window {1, now} when none exists or when
// now-start exceeds window, and otherwise adds one to the current count.
type RateStore interface {
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (domain.RateWindow, error)
}

// Limiter is a fixed-window admission limiter. Traffic straddling a window
// boundary can see up to 2x limit admissions; that is accepted.
type Limiter struct {
	store  RateStore
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewLimiter(store RateStore, limit int, window time.Duration) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate store is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	return &Limiter{
		store:  store,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}, nil
}

func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	now := l.now()
	w, err := l.store.Increment(ctx, key, now, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate window: %w", err)
	}

	decision := Decision{
		Allowed:   w.Count <= l.limit,
		Limit:     l.limit,
		Count:     w.Count,
		Remaining: max(0, l.limit-w.Count),
	}
	if !decision.Allowed {
		decision.RetryAfter = max(0, w.Start.Add(l.window).Sub(now))
	}
	return decision, nil
}

// Allow is Check collapsed to a bool. Store errors deny.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	decision, err := l.Check(ctx, key)
	return err == nil && decision.Allowed
}

func (l *Limiter) Window() time.Duration {
	return l.window
}
