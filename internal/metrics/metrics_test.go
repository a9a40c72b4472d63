package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	// Verify all vector metrics are initialized
	if m.OrdersCreatedTotal == nil {
		t.Error("OrdersCreatedTotal should be initialized")
	}
	if m.OrderTransitionsTotal == nil {
		t.Error("OrderTransitionsTotal should be initialized")
	}
	if m.PaymentsTotal == nil {
		t.Error("PaymentsTotal should be initialized")
	}
	if m.PaymentVerdicts == nil {
		t.Error("PaymentVerdicts should be initialized")
	}
	if m.ReservationsTotal == nil {
		t.Error("ReservationsTotal should be initialized")
	}
	if m.RefundsTotal == nil {
		t.Error("RefundsTotal should be initialized")
	}
	if m.StrikesTotal == nil {
		t.Error("StrikesTotal should be initialized")
	}
	if m.WebhooksTotal == nil {
		t.Error("WebhooksTotal should be initialized")
	}
	if m.BackupRunsTotal == nil {
		t.Error("BackupRunsTotal should be initialized")
	}
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}

func TestObserveOrderCreated(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveOrderCreated("mixed", "EUR", 2500)

	count := promtest.ToFloat64(m.OrdersCreatedTotal.WithLabelValues("mixed"))
	if count != 1 {
		t.Errorf("expected 1 order created, got %.0f", count)
	}

	value := promtest.ToFloat64(m.OrderValueTotal.WithLabelValues("EUR"))
	if value != 2500 {
		t.Errorf("expected order value 2500 cents, got %.0f", value)
	}
}

func TestObservePayment(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	// Accepted payment counts toward the amount total
	m.ObservePayment("payment", "accepted", "BTC", 1050)

	count := promtest.ToFloat64(m.PaymentsTotal.WithLabelValues("payment", "accepted"))
	if count != 1 {
		t.Errorf("expected 1 payment event, got %.0f", count)
	}

	amount := promtest.ToFloat64(m.PaymentAmountTotal.WithLabelValues("BTC"))
	if amount != 1050 {
		t.Errorf("expected payment amount 1050 cents, got %.0f", amount)
	}

	// Duplicate events do not add to the amount total
	m.ObservePayment("payment", "duplicate", "BTC", 1050)
	amount = promtest.ToFloat64(m.PaymentAmountTotal.WithLabelValues("BTC"))
	if amount != 1050 {
		t.Errorf("duplicate should not add to amount, got %.0f", amount)
	}
}

func TestObserveVerdict(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveVerdict("EXACT_MATCH")
	m.ObserveVerdict("UNDERPAYMENT")
	m.ObserveVerdict("UNDERPAYMENT")

	if got := promtest.ToFloat64(m.PaymentVerdicts.WithLabelValues("UNDERPAYMENT")); got != 2 {
		t.Errorf("expected 2 underpayment verdicts, got %.0f", got)
	}
}

func TestObserveReservation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReservation("partial", 2, "physical")

	count := promtest.ToFloat64(m.ReservationsTotal.WithLabelValues("partial"))
	if count != 1 {
		t.Errorf("expected 1 reservation attempt, got %.0f", count)
	}

	rows := promtest.ToFloat64(m.ReservedRowsTotal.WithLabelValues("physical"))
	if rows != 2 {
		t.Errorf("expected 2 reserved rows, got %.0f", rows)
	}
}

func TestObserveRefund(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRefund("timeout", 900, 100)

	count := promtest.ToFloat64(m.RefundsTotal.WithLabelValues("timeout"))
	if count != 1 {
		t.Errorf("expected 1 refund, got %.0f", count)
	}

	amount := promtest.ToFloat64(m.RefundAmountTotal)
	if amount != 900 {
		t.Errorf("expected refund amount 900 cents, got %.0f", amount)
	}

	penalty := promtest.ToFloat64(m.PenaltyTotal.WithLabelValues("timeout"))
	if penalty != 100 {
		t.Errorf("expected penalty 100 cents, got %.0f", penalty)
	}
}

func TestObserveStrike(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveStrike("TIMEOUT", false)
	m.ObserveStrike("TIMEOUT", true)

	strikes := promtest.ToFloat64(m.StrikesTotal.WithLabelValues("TIMEOUT"))
	if strikes != 2 {
		t.Errorf("expected 2 strikes, got %.0f", strikes)
	}

	bans := promtest.ToFloat64(m.BansTotal)
	if bans != 1 {
		t.Errorf("expected 1 ban, got %.0f", bans)
	}
}

func TestObserveWebhook(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveWebhook("processor", "ok", 50*time.Millisecond)
	m.ObserveAuthFailure("processor")

	webhooks := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("processor", "ok"))
	if webhooks != 1 {
		t.Errorf("expected 1 webhook, got %.0f", webhooks)
	}

	failures := promtest.ToFloat64(m.AuthFailures.WithLabelValues("processor"))
	if failures != 1 {
		t.Errorf("expected 1 auth failure, got %.0f", failures)
	}
}

func TestObserveSweep(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSweep(3, 1, 120*time.Millisecond)

	runs := promtest.ToFloat64(m.SweepRunsTotal)
	if runs != 1 {
		t.Errorf("expected 1 sweep run, got %.0f", runs)
	}
	cancelled := promtest.ToFloat64(m.SweepCancelations)
	if cancelled != 3 {
		t.Errorf("expected 3 cancellations, got %.0f", cancelled)
	}
	failed := promtest.ToFloat64(m.SweepErrors)
	if failed != 1 {
		t.Errorf("expected 1 sweep error, got %.0f", failed)
	}
}

func TestObserveBackup(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveBackup("success", 4096, 2)

	runs := promtest.ToFloat64(m.BackupRunsTotal.WithLabelValues("success"))
	if runs != 1 {
		t.Errorf("expected 1 backup run, got %.0f", runs)
	}
	size := promtest.ToFloat64(m.BackupSizeBytes)
	if size != 4096 {
		t.Errorf("expected backup size 4096, got %.0f", size)
	}
	pruned := promtest.ToFloat64(m.BackupsPruned)
	if pruned != 2 {
		t.Errorf("expected 2 pruned archives, got %.0f", pruned)
	}
}

func TestObserveRateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimit("checkout")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("checkout"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestMeasureDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	done := MeasureDBQuery(m, "get_order", "memory")
	done()

	// Nil metrics must be a no-op
	MeasureDBQuery(nil, "get_order", "memory")()
}
