package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/config"
	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/invoice"
	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/orders"
	"github.com/shopbot/server/internal/processor"
	"github.com/shopbot/server/internal/reservation"
	"github.com/shopbot/server/internal/storage"
)

// fakeProcessor serves queued quotes in order and records every request.
type fakeProcessor struct {
	mu     sync.Mutex
	quotes []processor.InvoiceQuote
	calls  []processor.InvoiceRequest
	err    error
}

func (f *fakeProcessor) CreateInvoice(_ context.Context, req processor.InvoiceRequest) (processor.InvoiceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return processor.InvoiceQuote{}, f.err
	}
	if len(f.quotes) == 0 {
		return processor.InvoiceQuote{}, errors.New("no quote queued")
	}
	q := f.quotes[0]
	f.quotes = f.quotes[1:]
	return q, nil
}

func (f *fakeProcessor) queue(q processor.InvoiceQuote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = append(f.quotes, q)
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingNotifier struct {
	mu    sync.Mutex
	user  []string
	admin []string
}

func (r *recordingNotifier) NotifyUser(_ context.Context, _, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = append(r.user, message)
	return nil
}

func (r *recordingNotifier) NotifyAdmins(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admin = append(r.admin, message)
	return nil
}

func (r *recordingNotifier) userMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.user...)
}

func (r *recordingNotifier) adminMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.admin...)
}

func testConfig() *config.Config {
	return &config.Config{
		Orders: config.OrdersConfig{
			TimeoutMinutes:           30,
			CancelGracePeriodMinutes: 5,
		},
		Payments: config.PaymentsConfig{
			ToleranceOverpaymentPercent:     5,
			UnderpaymentRetryEnabled:        true,
			UnderpaymentRetryTimeoutMinutes: 15,
			UnderpaymentPenaltyPercent:      10,
			LatePenaltyPercent:              10,
			Currency:                        "EUR",
		},
		Strikes: config.StrikesConfig{
			MaxStrikesBeforeBan: 3,
			ExemptAdminsFromBan: true,
			UnbanTopUpAmount:    "50.00",
		},
	}
}

// stack wires a payments service over the in-memory store with a fake
// processor and a fake clock.
type stack struct {
	payments *Service
	orders   *orders.Service
	store    *storage.MemoryStore
	proc     *fakeProcessor
	notifier *recordingNotifier
	clock    clockwork.FakeClock
}

func newStack() *stack {
	clock := clockwork.NewFakeClock()
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	logger := zerolog.Nop()
	notifier := &recordingNotifier{}
	proc := &fakeProcessor{}
	cfg := testConfig()

	ordersSvc := orders.NewService(store, reservation.NewManager(store, m, logger), notifier, m, clock, cfg, logger)
	numbers := invoice.NewGenerator(store.InvoiceNumberExists, clock)
	paymentsSvc := NewService(store, ordersSvc, proc, numbers, notifier, m, clock, cfg, logger)

	return &stack{
		payments: paymentsSvc,
		orders:   ordersSvc,
		store:    store,
		proc:     proc,
		notifier: notifier,
		clock:    clock,
	}
}

func seedUser(t *testing.T, store storage.Store, id string, balanceCents int64) {
	t.Helper()
	err := store.CreateUser(context.Background(), storage.User{
		ID:             id,
		ExternalID:     "chat-" + id,
		BalanceCents:   balanceCents,
		ApprovalStatus: storage.ApprovalApproved,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func seedStock(t *testing.T, store storage.Store, subcategoryID string, n int, priceCents int64, physical bool, shippingCents int64) {
	t.Helper()
	ctx := context.Background()
	_ = store.CreateCategory(ctx, storage.Category{ID: "cat-" + subcategoryID, Name: subcategoryID})
	_ = store.CreateSubcategory(ctx, storage.Subcategory{
		ID: subcategoryID, CategoryID: "cat-" + subcategoryID, Name: subcategoryID,
	})
	for i := 0; i < n; i++ {
		item := storage.Item{
			ID:                fmt.Sprintf("%s-item-%02d", subcategoryID, i),
			CategoryID:        "cat-" + subcategoryID,
			SubcategoryID:     subcategoryID,
			PriceCents:        priceCents,
			IsPhysical:        physical,
			ShippingCostCents: shippingCents,
			CreatedAt:         time.Now().UTC(),
		}
		if !physical {
			item.PrivateData = fmt.Sprintf("key-%s-%02d", subcategoryID, i)
		}
		if err := store.CreateItem(ctx, item); err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}
}

// newDigitalOrder seeds a user and stock and creates a 2000-cent digital
// order (two 1000-cent keys).
func newDigitalOrder(t *testing.T, st *stack, balanceCents int64) string {
	t.Helper()
	seedUser(t, st.store, "u1", balanceCents)
	seedStock(t, st.store, "keys", 5, 1000, false, 0)
	result, err := st.orders.Create(context.Background(), "u1", []storage.CartItem{
		{SubcategoryID: "keys", Quantity: 2},
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}
	return result.Order.ID
}

func TestCheckoutWalletCoversTotal(t *testing.T) {
	st := newStack()
	ctx := context.Background()
	orderID := newDigitalOrder(t, st, 3000)

	result, err := st.payments.Checkout(ctx, orderID, "BTC")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if !result.Completed {
		t.Fatal("wallet-covered checkout did not complete the order")
	}
	if result.WalletUsedCents != 2000 || result.RemainingCents != 0 {
		t.Errorf("wallet/remaining = %d/%d, want 2000/0", result.WalletUsedCents, result.RemainingCents)
	}
	if result.Invoice.PaymentProcessingID != "" {
		t.Error("wallet-only invoice carries a processor id")
	}
	if st.proc.callCount() != 0 {
		t.Errorf("processor called %d times for a wallet-only checkout", st.proc.callCount())
	}

	order, _ := st.store.GetOrder(ctx, orderID)
	if order.Status != storage.StatusPaid {
		t.Errorf("order status = %s, want %s", order.Status, storage.StatusPaid)
	}
	user, _ := st.store.GetUser(ctx, "u1")
	if user.BalanceCents != 1000 {
		t.Errorf("balance = %d, want 1000", user.BalanceCents)
	}
}

func TestCheckoutPartialWalletIssuesInvoice(t *testing.T) {
	st := newStack()
	ctx := context.Background()
	orderID := newDigitalOrder(t, st, 500)
	st.proc.queue(processor.InvoiceQuote{
		ProcessingID:   "proc-1",
		PaymentAddress: "addr-1",
		CryptoAmount:   50_000_000,
		ExpiresAt:      st.clock.Now().UTC().Add(20 * time.Minute),
	})

	result, err := st.payments.Checkout(ctx, orderID, "BTC")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if result.Completed {
		t.Fatal("partial checkout reported completed")
	}
	if result.WalletUsedCents != 500 || result.RemainingCents != 1500 {
		t.Errorf("wallet/remaining = %d/%d, want 500/1500", result.WalletUsedCents, result.RemainingCents)
	}
	if result.Invoice.FiatAmountCents != 1500 || result.Invoice.PaymentAddress != "addr-1" {
		t.Errorf("invoice = %+v, want 1500 cents at addr-1", result.Invoice)
	}
	// The quote lifetime is tighter than the order deadline and wins.
	if !result.Invoice.ExpiresAt.Equal(st.clock.Now().UTC().Add(20 * time.Minute)) {
		t.Errorf("invoice deadline = %s, want quote expiry", result.Invoice.ExpiresAt)
	}

	if st.proc.callCount() != 1 || st.proc.calls[0].FiatAmountCents != 1500 {
		t.Errorf("processor calls = %+v, want one for 1500 cents", st.proc.calls)
	}
	user, _ := st.store.GetUser(ctx, "u1")
	if user.BalanceCents != 0 {
		t.Errorf("balance = %d, want 0", user.BalanceCents)
	}
	order, _ := st.store.GetOrder(ctx, orderID)
	if order.WalletUsedCents != 500 {
		t.Errorf("order wallet_used = %d, want 500", order.WalletUsedCents)
	}
}

func TestCheckoutIsIdempotentWhileInvoiceLive(t *testing.T) {
	st := newStack()
	ctx := context.Background()
	orderID := newDigitalOrder(t, st, 500)
	st.proc.queue(processor.InvoiceQuote{
		ProcessingID: "proc-1", PaymentAddress: "addr-1", CryptoAmount: 50_000_000,
		ExpiresAt: st.clock.Now().UTC().Add(20 * time.Minute),
	})

	first, err := st.payments.Checkout(ctx, orderID, "BTC")
	if err != nil {
		t.Fatalf("first Checkout: %v", err)
	}
	second, err := st.payments.Checkout(ctx, orderID, "BTC")
	if err != nil {
		t.Fatalf("second Checkout: %v", err)
	}
	if second.Invoice.InvoiceNumber != first.Invoice.InvoiceNumber {
		t.Errorf("second checkout issued a new invoice %s", second.Invoice.InvoiceNumber)
	}
	if st.proc.callCount() != 1 {
		t.Errorf("processor called %d times, want 1", st.proc.callCount())
	}
	// No double debit.
	user, _ := st.store.GetUser(ctx, "u1")
	if user.BalanceCents != 0 {
		t.Errorf("balance = %d, want 0", user.BalanceCents)
	}
}

func TestCheckoutRequiresConfirmedAddress(t *testing.T) {
	st := newStack()
	ctx := context.Background()
	seedUser(t, st.store, "u1", 0)
	seedStock(t, st.store, "shirts", 1, 1500, true, 400)
	result, err := st.orders.Create(ctx, "u1", []storage.CartItem{{SubcategoryID: "shirts", Quantity: 1}})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	_, err = st.payments.Checkout(ctx, result.Order.ID, "BTC")
	if !apperrors.HasCode(err, apperrors.ErrCodeMissingAddress) {
		t.Fatalf("err = %v, want %s", err, apperrors.ErrCodeMissingAddress)
	}
}

func TestCheckoutProcessorFailureRefundsWallet(t *testing.T) {
	st := newStack()
	ctx := context.Background()
	orderID := newDigitalOrder(t, st, 500)
	st.proc.err = errors.New("processor unavailable")

	if _, err := st.payments.Checkout(ctx, orderID, "BTC"); err == nil {
		t.Fatal("checkout succeeded with a failing processor")
	}

	user, _ := st.store.GetUser(ctx, "u1")
	if user.BalanceCents != 500 {
		t.Errorf("balance = %d, want 500 back after failure", user.BalanceCents)
	}
	order, _ := st.store.GetOrder(ctx, orderID)
	if order.WalletUsedCents != 0 {
		t.Errorf("order wallet_used = %d, want 0 after rollback", order.WalletUsedCents)
	}
	if order.Status != storage.StatusPendingPayment {
		t.Errorf("order status = %s, want %s", order.Status, storage.StatusPendingPayment)
	}
}

func TestRequestDepositRegistersAddress(t *testing.T) {
	st := newStack()
	ctx := context.Background()
	seedUser(t, st.store, "u1", 0)
	st.proc.queue(processor.InvoiceQuote{
		ProcessingID: "proc-d1", PaymentAddress: "dep-addr-1", CryptoAmount: 100_000_000,
		ExpiresAt: st.clock.Now().UTC().Add(time.Hour),
	})

	intent, err := st.payments.RequestDeposit(ctx, "u1", "BTC", 5000)
	if err != nil {
		t.Fatalf("RequestDeposit: %v", err)
	}
	if intent.Address != "dep-addr-1" || intent.FiatAmountCents != 5000 {
		t.Errorf("intent = %+v", intent)
	}
	owner, err := st.store.LookupDepositAddress(ctx, "dep-addr-1")
	if err != nil || owner != "u1" {
		t.Errorf("deposit address owner = %q, %v, want u1", owner, err)
	}
}

func TestRequestDepositRejectsNonPositiveAmount(t *testing.T) {
	st := newStack()
	seedUser(t, st.store, "u1", 0)

	_, err := st.payments.RequestDeposit(context.Background(), "u1", "BTC", 0)
	if !apperrors.HasCode(err, apperrors.ErrCodeInvalidAmount) {
		t.Fatalf("err = %v, want %s", err, apperrors.ErrCodeInvalidAmount)
	}
	if st.proc.callCount() != 0 {
		t.Error("processor called for a rejected deposit")
	}
}

func TestRequestDepositUnknownUser(t *testing.T) {
	st := newStack()
	_, err := st.payments.RequestDeposit(context.Background(), "ghost", "BTC", 5000)
	if !apperrors.HasCode(err, apperrors.ErrCodeUserNotFound) {
		t.Fatalf("err = %v, want %s", err, apperrors.ErrCodeUserNotFound)
	}
}
