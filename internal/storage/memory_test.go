package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func seedUser(t *testing.T, store *MemoryStore, id string, balanceCents int64) User {
	t.Helper()
	user := User{
		ID:             id,
		ExternalID:     "ext-" + id,
		BalanceCents:   balanceCents,
		ApprovalStatus: ApprovalApproved,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func seedItems(t *testing.T, store *MemoryStore, subcategoryID string, n int, physical bool) []Item {
	t.Helper()
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		item := Item{
			ID:            fmt.Sprintf("item-%s-%02d", subcategoryID, i),
			CategoryID:    "cat-1",
			SubcategoryID: subcategoryID,
			PriceCents:    1000,
			IsPhysical:    physical,
			CreatedAt:     time.Now().UTC(),
		}
		if physical {
			item.ShippingCostCents = 500
		}
		if err := store.CreateItem(context.Background(), item); err != nil {
			t.Fatalf("create item: %v", err)
		}
		items = append(items, item)
	}
	return items
}

func TestWalletDebitNeverGoesNegative(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 100)

	if err := store.DebitWallet(ctx, "u1", 150); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := store.DebitWallet(ctx, "u1", 100); err != nil {
		t.Fatalf("debit full balance: %v", err)
	}
	user, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.BalanceCents != 0 {
		t.Errorf("balance = %d, want 0", user.BalanceCents)
	}
}

func TestCreateUserDuplicateExternalID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)

	err := store.CreateUser(ctx, User{ID: "u2", ExternalID: "ext-u1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestReserveItemsPartialFill(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedItems(t, store, "sub-1", 2, false)

	reserved, err := store.ReserveItems(ctx, "sub-1", 5, "ord-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(reserved) != 2 {
		t.Fatalf("reserved %d items, want 2 (partial fill)", len(reserved))
	}
	for _, it := range reserved {
		if it.OrderID != "ord-1" {
			t.Errorf("item %s order = %q, want ord-1", it.ID, it.OrderID)
		}
		if it.ReservedAt == nil {
			t.Errorf("item %s missing reserved_at", it.ID)
		}
		if it.IsSold {
			t.Errorf("item %s marked sold during reservation", it.ID)
		}
	}

	count, err := store.CountAvailableItems(ctx, "sub-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("available after reservation = %d, want 0", count)
	}
}

func TestReserveItemsConcurrentNoDoubleAssignment(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedItems(t, store, "sub-1", 10, false)

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]Item, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reserved, err := store.ReserveItems(ctx, "sub-1", 3, fmt.Sprintf("ord-%d", i))
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			results[i] = reserved
		}(i)
	}
	wg.Wait()

	seen := make(map[string]string)
	total := 0
	for i, reserved := range results {
		for _, it := range reserved {
			if prev, dup := seen[it.ID]; dup {
				t.Errorf("item %s assigned to both %s and ord-%d", it.ID, prev, i)
			}
			seen[it.ID] = fmt.Sprintf("ord-%d", i)
			total++
		}
	}
	if total != 10 {
		t.Errorf("total reserved = %d, want all 10", total)
	}
}

func TestReleaseItemsClearsReservation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedItems(t, store, "sub-1", 3, false)

	if _, err := store.ReserveItems(ctx, "sub-1", 3, "ord-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	released, err := store.ReleaseItems(ctx, "ord-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released != 3 {
		t.Errorf("released = %d, want 3", released)
	}
	count, _ := store.CountAvailableItems(ctx, "sub-1")
	if count != 3 {
		t.Errorf("available after release = %d, want 3", count)
	}
}

func TestMarkItemsSoldClearsOrderReference(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	items := seedItems(t, store, "sub-1", 2, false)

	if _, err := store.ReserveItems(ctx, "sub-1", 2, "ord-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.MarkItemsSold(ctx, "ord-1"); err != nil {
		t.Fatalf("mark sold: %v", err)
	}
	for _, seeded := range items {
		it, err := store.GetItem(ctx, seeded.ID)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if !it.IsSold {
			t.Errorf("item %s not sold", it.ID)
		}
		// Sold rows never keep an order reference.
		if it.OrderID != "" {
			t.Errorf("item %s retains order %q after sale", it.ID, it.OrderID)
		}
	}
}

func TestRestockSoldItemsNeverManufacturesRows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedItems(t, store, "sub-1", 2, false)

	if _, err := store.ReserveItems(ctx, "sub-1", 2, "ord-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.MarkItemsSold(ctx, "ord-1"); err != nil {
		t.Fatalf("mark sold: %v", err)
	}

	restored, err := store.RestockSoldItems(ctx, "sub-1", "cat-1", 1000, 5)
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored = %d, want 2 (pool limit)", restored)
	}
	count, _ := store.CountAvailableItems(ctx, "sub-1")
	if count != 2 {
		t.Errorf("available after restock = %d, want 2", count)
	}

	// Wrong price key restores nothing.
	restored, err = store.RestockSoldItems(ctx, "sub-1", "cat-1", 999, 1)
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if restored != 0 {
		t.Errorf("restored = %d with mismatched price key, want 0", restored)
	}
}

func TestUpdateOrderStatusGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	order := Order{
		ID:        "ord-1",
		UserID:    "u1",
		Status:    StatusPendingPayment,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(30 * time.Minute),
	}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	err := store.UpdateOrderStatus(ctx, "ord-1", []OrderStatus{StatusPaid}, StatusShipped)
	if err == nil {
		t.Fatal("expected guard failure transitioning PENDING_PAYMENT via PAID precondition")
	}

	err = store.UpdateOrderStatus(ctx, "ord-1", PendingStatuses, StatusTimeout)
	if err != nil {
		t.Fatalf("guarded transition: %v", err)
	}
	got, _ := store.GetOrder(ctx, "ord-1")
	if got.Status != StatusTimeout {
		t.Errorf("status = %s, want TIMEOUT", got.Status)
	}
}

func TestListExpiredOrdersOnlyPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	now := time.Now().UTC()

	orders := []Order{
		{ID: "ord-expired", UserID: "u1", Status: StatusPendingPayment, ExpiresAt: now.Add(-time.Minute)},
		{ID: "ord-partial", UserID: "u1", Status: StatusPendingPaymentPartial, ExpiresAt: now.Add(-time.Hour)},
		{ID: "ord-live", UserID: "u1", Status: StatusPendingPayment, ExpiresAt: now.Add(time.Hour)},
		{ID: "ord-paid", UserID: "u1", Status: StatusPaid, ExpiresAt: now.Add(-time.Hour)},
	}
	for _, o := range orders {
		o.CreatedAt = now
		if err := store.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create order: %v", err)
		}
	}

	expired, err := store.ListExpiredOrders(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expired = %d orders, want 2", len(expired))
	}
	// Sorted by deadline, oldest first.
	if expired[0].ID != "ord-partial" || expired[1].ID != "ord-expired" {
		t.Errorf("expired order ids = %s, %s", expired[0].ID, expired[1].ID)
	}
}

func TestInvoiceNumberUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inv := Invoice{ID: "inv-1", OrderID: "ord-1", InvoiceNumber: "INV-2026-ABC234", IsActive: true}
	if err := store.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	dup := Invoice{ID: "inv-2", OrderID: "ord-2", InvoiceNumber: "INV-2026-ABC234"}
	if err := store.CreateInvoice(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	exists, err := store.InvoiceNumberExists(ctx, "INV-2026-ABC234")
	if err != nil || !exists {
		t.Errorf("InvoiceNumberExists = %t, %v", exists, err)
	}
}

func TestApplyCancellationRefundAndStrike(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	seedItems(t, store, "sub-1", 2, false)

	order := Order{
		ID: "ord-1", UserID: "u1", Status: StatusPendingPaymentPartial,
		TotalPriceCents: 2000, CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC(),
	}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := store.ReserveItems(ctx, "sub-1", 2, "ord-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	inv := Invoice{ID: "inv-1", OrderID: "ord-1", InvoiceNumber: "INV-2026-XYZ234", IsActive: true}
	if err := store.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	now := time.Now().UTC()
	result, err := store.ApplyCancellation(ctx, CancellationUpdate{
		OrderID:            "ord-1",
		UserID:             "u1",
		FromStatus:         StatusPendingPaymentPartial,
		NewStatus:          StatusTimeout,
		CancelledAt:        now,
		CancellationReason: "payment window elapsed",
		WalletCreditCents:  900, // partial payment refunded with penalty already deducted
		ReleaseReserved:    true,
		Transaction: &PaymentTransaction{
			ID: "tx-1", ProcessorTxID: 42, OrderID: "ord-1",
			FiatAmountCents: 1000, IsLatePayment: false, ReceivedAt: now,
		},
		Strike: &Strike{
			ID: "strike-1", UserID: "u1", OrderID: "ord-1",
			Type: StrikeTimeout, Reason: "order timed out", CreatedAt: now,
		},
		MaxStrikesBeforeBan: 3,
	})
	if err != nil {
		t.Fatalf("apply cancellation: %v", err)
	}
	if !result.StrikeAdded {
		t.Error("strike should have been added")
	}
	if result.StrikeCount != 1 {
		t.Errorf("strike count = %d, want 1", result.StrikeCount)
	}
	if result.Banned {
		t.Error("one strike must not ban")
	}

	got, _ := store.GetOrder(ctx, "ord-1")
	if got.Status != StatusTimeout {
		t.Errorf("order status = %s, want TIMEOUT", got.Status)
	}
	if got.CancelledAt == nil {
		t.Error("cancelled_at not set")
	}

	user, _ := store.GetUser(ctx, "u1")
	if user.BalanceCents != 900 {
		t.Errorf("balance = %d, want 900", user.BalanceCents)
	}
	if user.StrikeCount != 1 {
		t.Errorf("cached strike count = %d, want 1", user.StrikeCount)
	}

	count, _ := store.CountAvailableItems(ctx, "sub-1")
	if count != 2 {
		t.Errorf("available after release = %d, want 2", count)
	}
	if _, err := store.GetActiveInvoice(ctx, "ord-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("active invoice should be deactivated, got %v", err)
	}
}

func TestApplyCancellationStrikeIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	now := time.Now().UTC()

	order := Order{ID: "ord-1", UserID: "u1", Status: StatusPendingPayment, CreatedAt: now, ExpiresAt: now}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	upd := CancellationUpdate{
		OrderID: "ord-1", UserID: "u1", FromStatus: StatusPendingPayment,
		NewStatus: StatusTimeout, CancelledAt: now,
		Strike: &Strike{
			ID: "strike-1", UserID: "u1", OrderID: "ord-1",
			Type: StrikeTimeout, CreatedAt: now,
		},
		MaxStrikesBeforeBan: 3,
	}
	first, err := store.ApplyCancellation(ctx, upd)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Replay with a different strike id but the same (order, type) key.
	upd.FromStatus = StatusTimeout
	upd.Strike.ID = "strike-2"
	second, err := store.ApplyCancellation(ctx, upd)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if !first.StrikeAdded || second.StrikeAdded {
		t.Errorf("StrikeAdded = %t/%t, want true/false", first.StrikeAdded, second.StrikeAdded)
	}
	if second.StrikeCount != 1 {
		t.Errorf("strike count after replay = %d, want 1", second.StrikeCount)
	}
}

func TestApplyCancellationBanAtThreshold(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		orderID := fmt.Sprintf("ord-%d", i)
		order := Order{ID: orderID, UserID: "u1", Status: StatusPendingPayment, CreatedAt: now, ExpiresAt: now}
		if err := store.CreateOrder(ctx, order); err != nil {
			t.Fatalf("create order: %v", err)
		}
		result, err := store.ApplyCancellation(ctx, CancellationUpdate{
			OrderID: orderID, UserID: "u1", FromStatus: StatusPendingPayment,
			NewStatus: StatusTimeout, CancelledAt: now,
			Strike: &Strike{
				ID: fmt.Sprintf("strike-%d", i), UserID: "u1", OrderID: orderID,
				Type: StrikeTimeout, CreatedAt: now,
			},
			MaxStrikesBeforeBan: 3,
		})
		if err != nil {
			t.Fatalf("apply cancellation %d: %v", i, err)
		}
		if i < 3 && result.Banned {
			t.Errorf("banned at strike %d, threshold is 3", i)
		}
		if i == 3 && !result.Banned {
			t.Error("third strike should ban")
		}
	}

	user, _ := store.GetUser(ctx, "u1")
	if !user.IsBlocked {
		t.Error("user should be blocked")
	}
	if user.BlockedAt == nil {
		t.Error("blocked_at not set")
	}
	if user.StrikeCount != 3 {
		t.Errorf("strike count = %d, want 3", user.StrikeCount)
	}
}

func TestApplyCancellationAdminExemptFromBan(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	admin := User{ID: "admin-1", ExternalID: "ext-admin", IsAdmin: true, ApprovalStatus: ApprovalApproved}
	if err := store.CreateUser(ctx, admin); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	now := time.Now().UTC()

	for i := 1; i <= 4; i++ {
		orderID := fmt.Sprintf("ord-%d", i)
		order := Order{ID: orderID, UserID: "admin-1", Status: StatusPendingPayment, CreatedAt: now, ExpiresAt: now}
		if err := store.CreateOrder(ctx, order); err != nil {
			t.Fatalf("create order: %v", err)
		}
		result, err := store.ApplyCancellation(ctx, CancellationUpdate{
			OrderID: orderID, UserID: "admin-1", FromStatus: StatusPendingPayment,
			NewStatus: StatusTimeout, CancelledAt: now,
			Strike: &Strike{
				ID: fmt.Sprintf("strike-%d", i), UserID: "admin-1", OrderID: orderID,
				Type: StrikeTimeout, CreatedAt: now,
			},
			MaxStrikesBeforeBan: 3,
			BanExempt:           true,
		})
		if err != nil {
			t.Fatalf("apply cancellation %d: %v", i, err)
		}
		if result.Banned {
			t.Errorf("exempt user banned at strike %d", i)
		}
	}

	user, _ := store.GetUser(ctx, "admin-1")
	if user.IsBlocked {
		t.Error("exempt user should never be blocked")
	}
	if user.StrikeCount != 4 {
		t.Errorf("strikes still accumulate for exempt users, got %d", user.StrikeCount)
	}
}

func TestApplyCancellationRestockShortfall(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	seedItems(t, store, "sub-1", 1, false)
	now := time.Now().UTC()

	// Consume the single row, then manually sell-through a second unit so
	// the restock request exceeds the pool.
	order := Order{ID: "ord-1", UserID: "u1", Status: StatusPaid, CreatedAt: now, ExpiresAt: now}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := store.ReserveItems(ctx, "sub-1", 1, "ord-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.MarkItemsSold(ctx, "ord-1"); err != nil {
		t.Fatalf("mark sold: %v", err)
	}

	result, err := store.ApplyCancellation(ctx, CancellationUpdate{
		OrderID: "ord-1", UserID: "u1", FromStatus: StatusPaid,
		NewStatus: StatusCancelledByAdmin, CancelledAt: now,
		Restocks: []RestockRequest{
			{SubcategoryID: "sub-1", CategoryID: "cat-1", PriceCents: 1000, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("apply cancellation: %v", err)
	}
	if result.RestockShortfall != 1 {
		t.Errorf("shortfall = %d, want 1", result.RestockShortfall)
	}
	count, _ := store.CountAvailableItems(ctx, "sub-1")
	if count != 1 {
		t.Errorf("available after restock = %d, want 1", count)
	}
}

func TestApplyCompletionFinalizesOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	seedItems(t, store, "sub-1", 2, false)
	now := time.Now().UTC()

	order := Order{ID: "ord-1", UserID: "u1", Status: StatusPendingPayment, TotalPriceCents: 2000, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := store.ReserveItems(ctx, "sub-1", 2, "ord-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	inv := Invoice{ID: "inv-1", OrderID: "ord-1", InvoiceNumber: "INV-2026-DEF234", IsActive: true}
	if err := store.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	err := store.ApplyCompletion(ctx, CompletionUpdate{
		OrderID: "ord-1", UserID: "u1", FromStatus: StatusPendingPayment,
		NewStatus: StatusPaid, PaidAt: now,
		Transaction: &PaymentTransaction{
			ID: "tx-1", ProcessorTxID: 7, OrderID: "ord-1", InvoiceID: "inv-1",
			FiatAmountCents: 2000, ReceivedAt: now,
		},
		WalletCreditCents:  150, // overpayment excess
		DeactivateInvoices: true,
		Purchase: &Purchase{
			ID: "pur-1", OrderID: "ord-1", UserID: "u1", TotalCents: 2000, CreatedAt: now,
		},
	})
	if err != nil {
		t.Fatalf("apply completion: %v", err)
	}

	got, _ := store.GetOrder(ctx, "ord-1")
	if got.Status != StatusPaid {
		t.Errorf("status = %s, want PAID", got.Status)
	}
	if got.PaidAt == nil {
		t.Error("paid_at not set")
	}

	user, _ := store.GetUser(ctx, "u1")
	if user.BalanceCents != 150 {
		t.Errorf("balance = %d, want 150 overpayment credit", user.BalanceCents)
	}

	items, _ := store.ItemsByOrder(ctx, "ord-1")
	if len(items) != 0 {
		t.Errorf("%d items still reference the order after sale", len(items))
	}

	purchase, err := store.GetPurchaseByOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	if purchase.TotalCents != 2000 {
		t.Errorf("purchase total = %d, want 2000", purchase.TotalCents)
	}

	tx, err := store.GetPaymentByProcessorTxID(ctx, 7)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if tx.OrderID != "ord-1" {
		t.Errorf("payment order = %s, want ord-1", tx.OrderID)
	}
}

func TestApplyCompletionDuplicateProcessorTx(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	now := time.Now().UTC()

	order := Order{ID: "ord-1", UserID: "u1", Status: StatusPendingPayment, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	upd := CompletionUpdate{
		OrderID: "ord-1", UserID: "u1", FromStatus: StatusPendingPayment,
		NewStatus: StatusPaid, PaidAt: now,
		Transaction: &PaymentTransaction{ID: "tx-1", ProcessorTxID: 99, OrderID: "ord-1", ReceivedAt: now},
	}
	if err := store.ApplyCompletion(ctx, upd); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	// A replay carrying the stale observed status loses the status guard
	// before the ledger is even consulted.
	if err := store.ApplyCompletion(ctx, upd); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict on stale status, got %v", err)
	}

	upd.FromStatus = StatusPaid
	upd.Transaction.ID = "tx-2"
	if err := store.ApplyCompletion(ctx, upd); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on replayed processor tx, got %v", err)
	}
}

func TestApplyDeposit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 500)
	now := time.Now().UTC()

	result, err := store.ApplyDeposit(ctx, DepositUpdate{
		Deposit: Deposit{
			ID: "dep-1", ProcessorTxID: 11, UserID: "u1",
			FiatAmountCents: 2500, ReceivedAt: now,
		},
		UnbanThresholdCents: 5000,
	})
	if err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	if result.Duplicate || result.Unbanned {
		t.Errorf("result = %+v, want neither duplicate nor unban", result)
	}

	user, _ := store.GetUser(ctx, "u1")
	if user.BalanceCents != 3000 {
		t.Errorf("balance = %d, want 3000", user.BalanceCents)
	}

	// Replayed processor tx is absorbed without a second credit.
	result, err = store.ApplyDeposit(ctx, DepositUpdate{
		Deposit:             Deposit{ID: "dep-2", ProcessorTxID: 11, UserID: "u1", FiatAmountCents: 2500},
		UnbanThresholdCents: 5000,
	})
	if err != nil {
		t.Fatalf("replay deposit: %v", err)
	}
	if !result.Duplicate {
		t.Error("replay should report duplicate")
	}
	user, _ = store.GetUser(ctx, "u1")
	if user.BalanceCents != 3000 {
		t.Errorf("balance after replay = %d, want 3000", user.BalanceCents)
	}
}

func TestApplyDepositUnbanPreservesStrikes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	blocked := User{
		ID: "u1", ExternalID: "ext-u1", StrikeCount: 3,
		IsBlocked: true, BlockedAt: &now, BlockedReason: "reached 3 strikes",
		ApprovalStatus: ApprovalApproved,
	}
	if err := store.CreateUser(ctx, blocked); err != nil {
		t.Fatalf("create user: %v", err)
	}

	// Below the threshold: credited but still banned.
	result, err := store.ApplyDeposit(ctx, DepositUpdate{
		Deposit:             Deposit{ID: "dep-1", ProcessorTxID: 1, UserID: "u1", FiatAmountCents: 4999, ReceivedAt: now},
		UnbanThresholdCents: 5000,
		UnbanReason:         "unbanned via top-up",
	})
	if err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	if result.Unbanned {
		t.Error("deposit below threshold must not unban")
	}
	user, _ := store.GetUser(ctx, "u1")
	if !user.IsBlocked {
		t.Error("user should remain blocked")
	}

	// At the threshold: unbanned, strikes preserved.
	result, err = store.ApplyDeposit(ctx, DepositUpdate{
		Deposit:             Deposit{ID: "dep-2", ProcessorTxID: 2, UserID: "u1", FiatAmountCents: 5000, ReceivedAt: now},
		UnbanThresholdCents: 5000,
		UnbanReason:         "unbanned via top-up",
	})
	if err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	if !result.Unbanned {
		t.Error("deposit at threshold should unban")
	}
	user, _ = store.GetUser(ctx, "u1")
	if user.IsBlocked {
		t.Error("user should be unbanned")
	}
	if user.StrikeCount != 3 {
		t.Errorf("strike count = %d, unban must preserve strikes", user.StrikeCount)
	}
	if user.BlockedReason != "unbanned via top-up" {
		t.Errorf("blocked reason = %q", user.BlockedReason)
	}
	if user.BalanceCents != 4999+5000 {
		t.Errorf("balance = %d, want 9999", user.BalanceCents)
	}

	deposits, _ := store.ListDepositsByUser(ctx, "u1", 10)
	var unbanning int
	for _, d := range deposits {
		if d.TriggeredUnban {
			unbanning++
		}
	}
	if unbanning != 1 {
		t.Errorf("deposits flagged triggered_unban = %d, want 1", unbanning)
	}
}

func TestApplyRetryInvoice(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)
	now := time.Now().UTC()

	order := Order{ID: "ord-1", UserID: "u1", Status: StatusPendingPayment, TotalPriceCents: 2000, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	first := Invoice{ID: "inv-1", OrderID: "ord-1", InvoiceNumber: "INV-2026-AAA234", FiatAmountCents: 2000, IsActive: true}
	if err := store.CreateInvoice(ctx, first); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	newExpiry := now.Add(30 * time.Minute)
	err := store.ApplyRetryInvoice(ctx, RetryInvoiceUpdate{
		OrderID: "ord-1",
		Transaction: PaymentTransaction{
			ID: "tx-1", ProcessorTxID: 5, OrderID: "ord-1", InvoiceID: "inv-1",
			FiatAmountCents: 1200, IsUnderpayment: true, ReceivedAt: now,
		},
		NewInvoice: Invoice{
			ID: "inv-2", OrderID: "ord-1", InvoiceNumber: "INV-2026-BBB234",
			FiatAmountCents: 800, IsActive: true,
		},
		NewExpiry: newExpiry,
	})
	if err != nil {
		t.Fatalf("apply retry invoice: %v", err)
	}

	got, _ := store.GetOrder(ctx, "ord-1")
	if got.Status != StatusPendingPaymentPartial {
		t.Errorf("status = %s, want PENDING_PAYMENT_PARTIAL", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if !got.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, newExpiry)
	}

	active, err := store.GetActiveInvoice(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get active invoice: %v", err)
	}
	if active.ID != "inv-2" {
		t.Errorf("active invoice = %s, want inv-2", active.ID)
	}
	if active.FiatAmountCents != 800 {
		t.Errorf("retry invoice amount = %d, want remaining 800", active.FiatAmountCents)
	}
}

func TestShippingAddressRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addr := ShippingAddress{
		OrderID:        "ord-1",
		Ciphertext:     []byte{0x01, 0x02, 0x03},
		EncryptionMode: EncryptionAES,
		CreatedAt:      now,
	}
	if err := store.SaveShippingAddress(ctx, addr); err != nil {
		t.Fatalf("save address: %v", err)
	}
	got, err := store.GetShippingAddress(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if string(got.Ciphertext) != string(addr.Ciphertext) {
		t.Error("ciphertext mismatch")
	}
	if got.EncryptionMode != EncryptionAES {
		t.Errorf("mode = %s, want aes", got.EncryptionMode)
	}

	if _, err := store.GetShippingAddress(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCartLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 0)

	cart, err := store.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	again, err := store.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get cart again: %v", err)
	}
	if cart.ID != again.ID {
		t.Error("cart should be stable per user")
	}

	item := CartItem{ID: "ci-1", CartID: cart.ID, CategoryID: "cat-1", SubcategoryID: "sub-1", Quantity: 2}
	if err := store.AddCartItem(ctx, item); err != nil {
		t.Fatalf("add cart item: %v", err)
	}
	// Same subcategory merges into one line.
	merge := CartItem{ID: "ci-2", CartID: cart.ID, CategoryID: "cat-1", SubcategoryID: "sub-1", Quantity: 3}
	if err := store.AddCartItem(ctx, merge); err != nil {
		t.Fatalf("merge cart item: %v", err)
	}

	lines, err := store.ListCartItems(ctx, cart.ID)
	if err != nil {
		t.Fatalf("list cart: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("cart lines = %d, want 1 merged line", len(lines))
	}
	if lines[0].Quantity != 5 {
		t.Errorf("merged quantity = %d, want 5", lines[0].Quantity)
	}

	if err := store.ClearCart(ctx, cart.ID); err != nil {
		t.Fatalf("clear cart: %v", err)
	}
	lines, _ = store.ListCartItems(ctx, cart.ID)
	if len(lines) != 0 {
		t.Errorf("cart lines after clear = %d, want 0", len(lines))
	}
}

func TestDumpContainsAllTables(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, store, "u1", 1000)
	seedItems(t, store, "sub-1", 1, false)
	now := time.Now().UTC()

	order := Order{ID: "ord-1", UserID: "u1", Status: StatusPaid, TotalPriceCents: 1000, Currency: "EUR", CreatedAt: now, ExpiresAt: now}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	addr := ShippingAddress{OrderID: "ord-1", Ciphertext: []byte{0xDE, 0xAD}, EncryptionMode: EncryptionAES, CreatedAt: now}
	if err := store.SaveShippingAddress(ctx, addr); err != nil {
		t.Fatalf("save address: %v", err)
	}

	dump, err := store.Dump(ctx)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	text := string(dump)

	for _, want := range []string{
		"INSERT INTO users", "INSERT INTO items", "INSERT INTO orders",
		"INSERT INTO shipping_addresses",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("dump missing %q", want)
		}
	}
	// Address ciphertext is hex-encoded, never raw.
	if !strings.Contains(text, "decode('dead', 'hex')") {
		t.Error("shipping ciphertext should be hex-encoded in the dump")
	}
}

func TestStoreFactory(t *testing.T) {
	store, err := NewStore(StoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("backend type = %T, want *MemoryStore", store)
	}

	if _, err := NewStore(StoreConfig{Backend: "postgres"}); err == nil {
		t.Error("postgres backend without URL should fail")
	}
	if _, err := NewStore(StoreConfig{Backend: "sqlite"}); err == nil {
		t.Error("unknown backend should fail")
	}
}
