package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/shopbot/server/internal/config"
	"github.com/shopbot/server/internal/metrics"
)

type limitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// EdgeLimiter throttles raw HTTP per client IP in front of the router.
// Disabled config returns a pass-through middleware.
func EdgeLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.EdgeEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	limit := cfg.EdgeLimit
	if limit <= 0 {
		limit = 120
	}
	window := cfg.EdgeWindow.Duration
	if window <= 0 {
		window = time.Minute
	}

	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(edgeLimitHandler(int(window.Seconds()), m)),
	)
}

func edgeLimitHandler(windowSeconds int, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.ObserveRateLimit("edge")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(limitResponse{
			Error:             "rate_limit_exceeded",
			Message:           "Too many requests. Please try again later.",
			RetryAfterSeconds: windowSeconds,
		})
	}
}
