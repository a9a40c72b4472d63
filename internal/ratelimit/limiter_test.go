package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/config"
	"github.com/shopbot/server/internal/metrics"
)

func newTestLimiter(clock clockwork.Clock, maxCount int, window time.Duration) *Limiter {
	cfg := config.RateLimitConfig{
		DefaultMaxCount: maxCount,
		DefaultWindow:   config.Duration{Duration: window},
	}
	return NewLimiter(cfg, metrics.New(prometheus.NewRegistry()), clock, zerolog.Nop())
}

func TestLimiterEnforcesBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, 3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, current, remaining := l.Allow("checkout", "u1")
		if !ok {
			t.Fatalf("request %d rejected inside budget", i+1)
		}
		if current != i+1 || remaining != 3-(i+1) {
			t.Errorf("request %d: current/remaining = %d/%d, want %d/%d", i+1, current, remaining, i+1, 3-(i+1))
		}
	}
	ok, current, remaining := l.Allow("checkout", "u1")
	if ok {
		t.Error("request over budget allowed")
	}
	if current != 3 || remaining != 0 {
		t.Errorf("over budget: current/remaining = %d/%d, want 3/0", current, remaining)
	}
}

func TestLimiterReportsLimitedWithCounts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, 100, time.Minute)
	ctx := context.Background()

	limited, current, remaining := l.IsRateLimited(ctx, "checkout", "u1", 2, time.Minute)
	if limited || current != 1 || remaining != 1 {
		t.Errorf("first call = %t/%d/%d, want false/1/1", limited, current, remaining)
	}
	l.IsRateLimited(ctx, "checkout", "u1", 2, time.Minute)
	limited, current, remaining = l.IsRateLimited(ctx, "checkout", "u1", 2, time.Minute)
	if !limited || current != 2 || remaining != 0 {
		t.Errorf("third call = %t/%d/%d, want true/2/0", limited, current, remaining)
	}
}

func TestLimiterWindowRollover(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, 2, time.Minute)

	l.Allow("checkout", "u1")
	l.Allow("checkout", "u1")
	if ok, _, _ := l.Allow("checkout", "u1"); ok {
		t.Fatal("budget not enforced")
	}

	clock.Advance(time.Minute + time.Second)
	ok, current, remaining := l.Allow("checkout", "u1")
	if !ok {
		t.Error("fresh window did not reset the budget")
	}
	if current != 1 || remaining != 1 {
		t.Errorf("fresh window current/remaining = %d/%d, want 1/1", current, remaining)
	}
}

func TestLimiterIsolatesUsersAndOperations(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, 1, time.Minute)

	if ok, _, _ := l.Allow("checkout", "u1"); !ok {
		t.Fatal("first request rejected")
	}
	if ok, _, _ := l.Allow("checkout", "u2"); !ok {
		t.Error("second user shares the first user's budget")
	}
	if ok, _, _ := l.Allow("deposit", "u1"); !ok {
		t.Error("second operation shares the first operation's budget")
	}
}

func TestLimiterExplicitBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, 100, time.Minute)

	if ok, _, _ := l.AllowLimit("create_order", "u1", 1, time.Minute); !ok {
		t.Fatal("first request rejected")
	}
	if ok, _, _ := l.AllowLimit("create_order", "u1", 1, time.Minute); ok {
		t.Error("tight budget not enforced")
	}
}

func TestLimiterDropsStaleCounters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, 5, time.Minute)

	l.Allow("checkout", "u1")
	l.Allow("checkout", "u2")

	// Past window end plus grace the sweep drops both counters.
	clock.Advance(3*time.Minute + time.Second)
	l.Allow("checkout", "u3")

	l.mu.Lock()
	n := len(l.counters)
	l.mu.Unlock()
	if n != 1 {
		t.Errorf("live counters = %d, want 1 after sweep", n)
	}
}

func TestEdgeLimiterDisabledPassesThrough(t *testing.T) {
	mw := EdgeLimiter(config.RateLimitConfig{EdgeEnabled: false}, nil)
	var hits int
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if hits != 50 {
		t.Errorf("handler hits = %d, want 50", hits)
	}
}

func TestEdgeLimiterRejectsFlood(t *testing.T) {
	cfg := config.RateLimitConfig{
		EdgeEnabled: true,
		EdgeLimit:   5,
		EdgeWindow:  config.Duration{Duration: time.Minute},
	}
	mw := EdgeLimiter(cfg, metrics.New(prometheus.NewRegistry()))
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	var rejected int
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected++
			if retry := rec.Header().Get("Retry-After"); retry == "" {
				t.Error("429 without Retry-After")
			}
		}
	}
	if rejected != 5 {
		t.Errorf("rejected = %d, want 5", rejected)
	}
}
