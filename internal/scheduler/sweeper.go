// Package scheduler runs the periodic background work: sweeping orders
// whose payment window elapsed without a settling payment.
package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/config"
	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/orders"
	"github.com/shopbot/server/internal/storage"
)

// Sweeper cancels expired orders on a fixed interval. Each sweep is
// independent; a failing order is logged and skipped so one bad row
// never wedges the loop.
type Sweeper struct {
	store    storage.Store
	orders   *orders.Service
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	logger   zerolog.Logger
	interval time.Duration
}

// NewSweeper builds the timeout sweeper from config.
func NewSweeper(store storage.Store, ordersSvc *orders.Service, m *metrics.Metrics, clock clockwork.Clock, cfg config.SchedulerConfig, logger zerolog.Logger) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := cfg.SweepInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		orders:   ordersSvc,
		metrics:  m,
		clock:    clock,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		interval: interval,
	}
}

// Run sweeps until the context is cancelled. Blocking; callers start it
// in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("timeout sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("timeout sweeper stopped")
			return
		case <-s.clock.After(s.interval):
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce cancels every order whose deadline has passed, returning how
// many were cancelled and how many failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (cancelled, failed int) {
	start := s.clock.Now()
	expired, err := s.store.ListExpiredOrders(ctx, start.UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("list expired orders")
		s.metrics.ObserveSweep(0, 1, s.clock.Now().Sub(start))
		return 0, 1
	}

	for _, order := range expired {
		_, err := s.orders.Cancel(ctx, order.ID, orders.CancelByTimeout, true, "")
		switch {
		case err == nil:
			cancelled++
		case apperrors.HasCode(err, apperrors.ErrCodeOrderCancelled):
			// Lost the race against a webhook or a user cancel.
			s.logger.Debug().Str("order_id", order.ID).Msg("expired order already terminal")
		default:
			failed++
			s.logger.Error().Err(err).Str("order_id", order.ID).Msg("sweep cancellation failed")
		}
	}

	duration := s.clock.Now().Sub(start)
	s.metrics.ObserveSweep(cancelled, failed, duration)
	if cancelled > 0 || failed > 0 {
		s.logger.Info().
			Int("cancelled", cancelled).
			Int("failed", failed).
			Dur("duration", duration).
			Msg("timeout sweep complete")
	}
	return cancelled, failed
}
