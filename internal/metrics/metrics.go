package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the shop server.
type Metrics struct {
	// Order metrics
	OrdersCreatedTotal    *prometheus.CounterVec
	OrderTransitionsTotal *prometheus.CounterVec
	OrdersExpiredTotal    prometheus.Counter
	OrderValueTotal       *prometheus.CounterVec

	// Payment metrics
	PaymentsTotal      *prometheus.CounterVec
	PaymentVerdicts    *prometheus.CounterVec
	PaymentAmountTotal *prometheus.CounterVec
	InvoicesIssued     *prometheus.CounterVec

	// Reservation metrics
	ReservationsTotal *prometheus.CounterVec
	ReservedRowsTotal *prometheus.CounterVec
	ReleasedRowsTotal prometheus.Counter

	// Refund metrics
	RefundsTotal      *prometheus.CounterVec
	RefundAmountTotal prometheus.Counter
	PenaltyTotal      *prometheus.CounterVec

	// Strike metrics
	StrikesTotal *prometheus.CounterVec
	BansTotal    prometheus.Counter
	UnbansTotal  prometheus.Counter

	// Webhook metrics
	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec
	AuthFailures    *prometheus.CounterVec

	// Scheduler metrics
	SweepRunsTotal    prometheus.Counter
	SweepCancelations prometheus.Counter
	SweepErrors       prometheus.Counter
	SweepDuration     prometheus.Histogram

	// Backup metrics
	BackupRunsTotal *prometheus.CounterVec
	BackupSizeBytes prometheus.Gauge
	BackupsPruned   prometheus.Counter

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Order metrics
		OrdersCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_orders_created_total",
				Help: "Total number of orders created",
			},
			[]string{"kind"}, // digital, physical, mixed
		),
		OrderTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_order_transitions_total",
				Help: "Total number of order status transitions",
			},
			[]string{"from", "to"},
		),
		OrdersExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_orders_expired_total",
				Help: "Total number of orders cancelled by the timeout sweep",
			},
		),
		OrderValueTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_order_value_total",
				Help: "Total order value in fiat cents",
			},
			[]string{"currency"},
		),

		// Payment metrics
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_payments_total",
				Help: "Total number of processor payment events",
			},
			[]string{"type", "status"}, // type: payment|deposit, status: accepted|rejected|duplicate
		),
		PaymentVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_payment_verdicts_total",
				Help: "Payment classification verdicts",
			},
			[]string{"verdict"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_payment_amount_total",
				Help: "Total received payment amount in fiat cents",
			},
			[]string{"crypto_currency"},
		),
		InvoicesIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_invoices_issued_total",
				Help: "Total number of invoices issued",
			},
			[]string{"kind"}, // initial, retry
		),

		// Reservation metrics
		ReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_reservations_total",
				Help: "Total number of reservation attempts",
			},
			[]string{"outcome"}, // full, partial, empty
		),
		ReservedRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_reserved_rows_total",
				Help: "Total inventory rows reserved",
			},
			[]string{"item_type"}, // digital, physical
		),
		ReleasedRowsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_released_rows_total",
				Help: "Total inventory rows released back to stock",
			},
		),

		// Refund metrics
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_refunds_total",
				Help: "Total number of refunds credited to wallets",
			},
			[]string{"reason"}, // user_cancel, admin_cancel, timeout, late_payment, underpayment
		),
		RefundAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_refund_amount_total",
				Help: "Total refunded amount in fiat cents",
			},
		),
		PenaltyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_penalty_amount_total",
				Help: "Total penalty amount withheld in fiat cents",
			},
			[]string{"kind"}, // late_cancel, timeout, underpayment, reservation_fee
		),

		// Strike metrics
		StrikesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_strikes_total",
				Help: "Total number of strikes recorded",
			},
			[]string{"type"},
		),
		BansTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_bans_total",
				Help: "Total number of automatic bans",
			},
		),
		UnbansTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_unbans_total",
				Help: "Total number of top-up unbans",
			},
		),

		// Webhook metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_webhooks_total",
				Help: "Total number of inbound webhook requests",
			},
			[]string{"endpoint", "status"}, // endpoint: chat|processor
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shopbot_webhook_duration_seconds",
				Help:    "Time taken to handle an inbound webhook (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"endpoint"},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_webhook_auth_failures_total",
				Help: "Total number of webhook authentication failures",
			},
			[]string{"endpoint"},
		),

		// Scheduler metrics
		SweepRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_sweep_runs_total",
				Help: "Total number of payment-timeout sweeps",
			},
		),
		SweepCancelations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_sweep_cancellations_total",
				Help: "Total number of orders cancelled by sweeps",
			},
		),
		SweepErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_sweep_errors_total",
				Help: "Total number of per-order sweep failures",
			},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shopbot_sweep_duration_seconds",
				Help:    "Duration of a full timeout sweep",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),

		// Backup metrics
		BackupRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_backup_runs_total",
				Help: "Total number of backup runs",
			},
			[]string{"status"}, // success, failed, skipped
		),
		BackupSizeBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shopbot_backup_size_bytes",
				Help: "Size of the most recent encrypted backup archive",
			},
		),
		BackupsPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shopbot_backups_pruned_total",
				Help: "Total number of backup archives removed by retention",
			},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopbot_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"operation"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shopbot_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shopbot_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveOrderCreated records a newly created order.
func (m *Metrics) ObserveOrderCreated(kind, currency string, totalCents int64) {
	m.OrdersCreatedTotal.WithLabelValues(kind).Inc()
	m.OrderValueTotal.WithLabelValues(currency).Add(float64(totalCents))
}

// ObserveTransition records an order status transition.
func (m *Metrics) ObserveTransition(from, to string) {
	m.OrderTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObservePayment records a processor payment event and its outcome.
func (m *Metrics) ObservePayment(paymentType, status, cryptoCurrency string, fiatCents int64) {
	m.PaymentsTotal.WithLabelValues(paymentType, status).Inc()
	if status == "accepted" && fiatCents > 0 {
		m.PaymentAmountTotal.WithLabelValues(cryptoCurrency).Add(float64(fiatCents))
	}
}

// ObserveVerdict records a payment classification verdict.
func (m *Metrics) ObserveVerdict(verdict string) {
	m.PaymentVerdicts.WithLabelValues(verdict).Inc()
}

// ObserveReservation records a reservation attempt outcome.
func (m *Metrics) ObserveReservation(outcome string, reserved int, itemType string) {
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
	if reserved > 0 {
		m.ReservedRowsTotal.WithLabelValues(itemType).Add(float64(reserved))
	}
}

// ObserveRefund records a wallet refund with the withheld penalty.
func (m *Metrics) ObserveRefund(reason string, refundCents, penaltyCents int64) {
	m.RefundsTotal.WithLabelValues(reason).Inc()
	m.RefundAmountTotal.Add(float64(refundCents))
	if penaltyCents > 0 {
		m.PenaltyTotal.WithLabelValues(reason).Add(float64(penaltyCents))
	}
}

// ObserveStrike records a strike and optional resulting ban.
func (m *Metrics) ObserveStrike(strikeType string, banned bool) {
	m.StrikesTotal.WithLabelValues(strikeType).Inc()
	if banned {
		m.BansTotal.Inc()
	}
}

// ObserveWebhook records an inbound webhook request.
func (m *Metrics) ObserveWebhook(endpoint, status string, duration time.Duration) {
	m.WebhooksTotal.WithLabelValues(endpoint, status).Inc()
	m.WebhookDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveAuthFailure records a webhook authentication failure.
func (m *Metrics) ObserveAuthFailure(endpoint string) {
	m.AuthFailures.WithLabelValues(endpoint).Inc()
}

// ObserveSweep records a completed timeout sweep.
func (m *Metrics) ObserveSweep(cancelled, failed int, duration time.Duration) {
	m.SweepRunsTotal.Inc()
	m.SweepCancelations.Add(float64(cancelled))
	m.SweepErrors.Add(float64(failed))
	m.SweepDuration.Observe(duration.Seconds())
}

// ObserveBackup records a backup run.
func (m *Metrics) ObserveBackup(status string, sizeBytes int64, pruned int) {
	m.BackupRunsTotal.WithLabelValues(status).Inc()
	if sizeBytes > 0 {
		m.BackupSizeBytes.Set(float64(sizeBytes))
	}
	if pruned > 0 {
		m.BackupsPruned.Add(float64(pruned))
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(operation string) {
	m.RateLimitHitsTotal.WithLabelValues(operation).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
