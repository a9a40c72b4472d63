// Package ratelimit throttles both raw HTTP traffic and per-user
// operations. The edge limiter sits in the middleware chain; the
// operation limiter is consulted by handlers before expensive flows
// (order creation, checkout, deposit requests).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/config"
	"github.com/shopbot/server/internal/metrics"
)

// Limiter tracks fixed-window counters keyed by operation and user.
// Counters expire one window plus a grace after their window closes, so
// the map stays bounded by active users.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	maxCount int
	window   time.Duration
	ttlGrace time.Duration

	lastSweep time.Time
}

type counter struct {
	count     int
	windowEnd time.Time
}

// NewLimiter builds the per-user operation limiter from config, filling
// in defaults for unset values.
func NewLimiter(cfg config.RateLimitConfig, m *metrics.Metrics, clock clockwork.Clock, logger zerolog.Logger) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxCount := cfg.DefaultMaxCount
	if maxCount <= 0 {
		maxCount = 30
	}
	window := cfg.DefaultWindow.Duration
	if window <= 0 {
		window = time.Minute
	}
	grace := cfg.CounterTTLGrace.Duration
	if grace <= 0 {
		grace = window
	}
	return &Limiter{
		counters: make(map[string]*counter),
		clock:    clock,
		metrics:  m,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		maxCount: maxCount,
		window:   window,
		ttlGrace: grace,
	}
}

// Allow consumes one unit of the user's default budget for the
// operation. It reports whether the request fits, the count consumed in
// the current window, and the budget left.
func (l *Limiter) Allow(operation, userID string) (allowed bool, current, remaining int) {
	return l.AllowLimit(operation, userID, l.maxCount, l.window)
}

// IsRateLimited reports whether the operation is over budget for the
// user, together with the window's current count and the remaining
// budget. The context is unused by the in-memory counters but kept so an
// external counter store can slot in behind the same call shape.
func (l *Limiter) IsRateLimited(_ context.Context, operation, userID string, maxCount int, window time.Duration) (limited bool, current, remaining int) {
	allowed, current, remaining := l.AllowLimit(operation, userID, maxCount, window)
	return !allowed, current, remaining
}

// AllowLimit is Allow with an explicit budget, for operations that need
// tighter limits than the default. A non-positive budget or window means
// the operation is unmetered.
func (l *Limiter) AllowLimit(operation, userID string, maxCount int, window time.Duration) (allowed bool, current, remaining int) {
	if maxCount <= 0 || window <= 0 {
		return true, 0, 0
	}
	now := l.clock.Now()
	key := operation + ":" + userID

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	c, ok := l.counters[key]
	if !ok || !now.Before(c.windowEnd) {
		l.counters[key] = &counter{count: 1, windowEnd: now.Add(window)}
		return true, 1, maxCount - 1
	}
	if c.count >= maxCount {
		l.metrics.ObserveRateLimit(operation)
		l.logger.Debug().
			Str("operation", operation).
			Str("user_id", userID).
			Int("max", maxCount).
			Msg("operation rate limited")
		return false, c.count, 0
	}
	c.count++
	return true, c.count, maxCount - c.count
}

// sweepLocked drops counters whose window closed more than ttlGrace ago.
// Runs at most once per window to keep Allow cheap.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, c := range l.counters {
		if now.Sub(c.windowEnd) > l.ttlGrace {
			delete(l.counters, key)
		}
	}
}
