package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development. Every operation, including the composite
// Apply* updates, runs under one mutex, which gives the same all-or-nothing
// visibility the Postgres implementation gets from transactions.
type MemoryStore struct {
	mu sync.RWMutex

	users         map[string]User   // id -> user
	usersByExt    map[string]string // external id -> id
	categories    map[string]Category
	subcategories map[string]Subcategory
	items         map[string]Item
	carts         map[string]Cart   // id -> cart
	cartsByUser   map[string]string // user id -> cart id
	cartItems     map[string]CartItem
	orders        map[string]Order
	invoices      map[string]Invoice
	payments      map[string]PaymentTransaction // id -> tx
	paymentsByPTx map[int64]string              // processor tx id -> id
	deposits      map[string]Deposit
	depositsByPTx map[int64]string
	depositAddrs  map[string]string // deposit address -> user id
	strikes       map[string]Strike
	addresses     map[string]ShippingAddress // order id -> address
	purchases     map[string]Purchase        // id -> purchase
	purchaseByOrd map[string]string          // order id -> purchase id
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]User),
		usersByExt:    make(map[string]string),
		categories:    make(map[string]Category),
		subcategories: make(map[string]Subcategory),
		items:         make(map[string]Item),
		carts:         make(map[string]Cart),
		cartsByUser:   make(map[string]string),
		cartItems:     make(map[string]CartItem),
		orders:        make(map[string]Order),
		invoices:      make(map[string]Invoice),
		payments:      make(map[string]PaymentTransaction),
		paymentsByPTx: make(map[int64]string),
		deposits:      make(map[string]Deposit),
		depositsByPTx: make(map[int64]string),
		depositAddrs:  make(map[string]string),
		strikes:       make(map[string]Strike),
		addresses:     make(map[string]ShippingAddress),
		purchases:     make(map[string]Purchase),
		purchaseByOrd: make(map[string]string),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}

// --- Users and wallets ---

func (m *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (m *MemoryStore) GetUserByExternalID(_ context.Context, externalID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByExt[externalID]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *MemoryStore) CreateUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.usersByExt[user.ExternalID]; exists {
		return ErrDuplicate
	}
	m.users[user.ID] = user
	m.usersByExt[user.ExternalID] = user.ID
	return nil
}

func (m *MemoryStore) UpdateUserApproval(_ context.Context, userID string, status ApprovalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.ApprovalStatus = status
	m.users[userID] = user
	return nil
}

func (m *MemoryStore) CreditWallet(_ context.Context, userID string, amountCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditWalletLocked(userID, amountCents)
}

func (m *MemoryStore) creditWalletLocked(userID string, amountCents int64) error {
	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.BalanceCents += amountCents
	m.users[userID] = user
	return nil
}

func (m *MemoryStore) DebitWallet(_ context.Context, userID string, amountCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitWalletLocked(userID, amountCents)
}

func (m *MemoryStore) debitWalletLocked(userID string, amountCents int64) error {
	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if user.BalanceCents < amountCents {
		return ErrInsufficientBalance
	}
	user.BalanceCents -= amountCents
	m.users[userID] = user
	return nil
}

// --- Catalog ---

func (m *MemoryStore) ListCategories(_ context.Context) ([]Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ListSubcategories(_ context.Context, categoryID string) ([]Subcategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subcategory
	for _, s := range m.subcategories {
		if s.CategoryID == categoryID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetSubcategory(_ context.Context, id string) (Subcategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subcategories[id]
	if !ok {
		return Subcategory{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) CreateCategory(_ context.Context, c Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.ID] = c
	return nil
}

func (m *MemoryStore) CreateSubcategory(_ context.Context, s Subcategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subcategories[s.ID] = s
	return nil
}

func (m *MemoryStore) CreateItem(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, id string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) CountAvailableItems(_ context.Context, subcategoryID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, item := range m.items {
		if item.SubcategoryID == subcategoryID && !item.IsSold && item.OrderID == "" {
			count++
		}
	}
	return count, nil
}

// --- Carts ---

func (m *MemoryStore) GetOrCreateCart(_ context.Context, userID string) (Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cartID, ok := m.cartsByUser[userID]; ok {
		return m.carts[cartID], nil
	}
	cart := Cart{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	m.carts[cart.ID] = cart
	m.cartsByUser[userID] = cart.ID
	return cart, nil
}

func (m *MemoryStore) AddCartItem(_ context.Context, item CartItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Merge with an existing line for the same subcategory.
	for id, existing := range m.cartItems {
		if existing.CartID == item.CartID && existing.SubcategoryID == item.SubcategoryID {
			existing.Quantity += item.Quantity
			m.cartItems[id] = existing
			return nil
		}
	}
	m.cartItems[item.ID] = item
	return nil
}

func (m *MemoryStore) ListCartItems(_ context.Context, cartID string) ([]CartItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []CartItem
	for _, item := range m.cartItems {
		if item.CartID == cartID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) RemoveCartItem(_ context.Context, cartID, cartItemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.cartItems[cartItemID]
	if !ok || item.CartID != cartID {
		return ErrNotFound
	}
	delete(m.cartItems, cartItemID)
	return nil
}

func (m *MemoryStore) ClearCart(_ context.Context, cartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, item := range m.cartItems {
		if item.CartID == cartID {
			delete(m.cartItems, id)
		}
	}
	return nil
}

// --- Reservation protocol ---

func (m *MemoryStore) ReserveItems(_ context.Context, subcategoryID string, qty int, orderID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveItemsLocked(subcategoryID, qty, orderID), nil
}

func (m *MemoryStore) reserveItemsLocked(subcategoryID string, qty int, orderID string) []Item {
	// Deterministic order keeps tests stable; Postgres picks arbitrary
	// rows under FOR UPDATE.
	candidates := make([]Item, 0, qty)
	for _, item := range m.items {
		if item.SubcategoryID == subcategoryID && !item.IsSold && item.OrderID == "" {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	if len(candidates) > qty {
		candidates = candidates[:qty]
	}

	now := time.Now().UTC()
	reserved := make([]Item, 0, len(candidates))
	for _, item := range candidates {
		item.OrderID = orderID
		item.ReservedAt = &now
		m.items[item.ID] = item
		reserved = append(reserved, item)
	}
	return reserved
}

func (m *MemoryStore) ReleaseItems(_ context.Context, orderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseItemsLocked(orderID), nil
}

func (m *MemoryStore) releaseItemsLocked(orderID string) int {
	count := 0
	for id, item := range m.items {
		if item.OrderID == orderID {
			item.OrderID = ""
			item.ReservedAt = nil
			m.items[id] = item
			count++
		}
	}
	return count
}

func (m *MemoryStore) RestockSoldItems(_ context.Context, subcategoryID, categoryID string, priceCents int64, qty int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restockSoldLocked(subcategoryID, categoryID, priceCents, qty), nil
}

func (m *MemoryStore) restockSoldLocked(subcategoryID, categoryID string, priceCents int64, qty int) int {
	restored := 0
	for id, item := range m.items {
		if restored >= qty {
			break
		}
		if item.SubcategoryID == subcategoryID && item.CategoryID == categoryID &&
			item.PriceCents == priceCents && item.IsSold && item.OrderID == "" {
			item.IsSold = false
			m.items[id] = item
			restored++
		}
	}
	return restored
}

func (m *MemoryStore) MarkItemsSold(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markItemsSoldLocked(orderID)
	return nil
}

func (m *MemoryStore) markItemsSoldLocked(orderID string) {
	for id, item := range m.items {
		if item.OrderID == orderID {
			item.IsSold = true
			item.OrderID = ""
			item.ReservedAt = nil
			m.items[id] = item
		}
	}
}

func (m *MemoryStore) ItemsByOrder(_ context.Context, orderID string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Item
	for _, item := range m.items {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Orders ---

func (m *MemoryStore) CreateOrder(_ context.Context, order Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return ErrDuplicate
	}
	m.orders[order.ID] = order
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return order, nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, order Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; !ok {
		return ErrNotFound
	}
	m.orders[order.ID] = order
	return nil
}

func (m *MemoryStore) UpdateOrderStatus(_ context.Context, orderID string, from []OrderStatus, to OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if len(from) > 0 && !statusIn(order.Status, from) {
		return fmt.Errorf("storage: order %s is %s, not in %v", orderID, order.Status, from)
	}
	order.Status = to
	m.orders[orderID] = order
	return nil
}

func statusIn(s OrderStatus, set []OrderStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListExpiredOrders(_ context.Context, now time.Time) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Order
	for _, order := range m.orders {
		if order.Status.IsPending() && !order.ExpiresAt.After(now) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStore) ListOrdersByUser(_ context.Context, userID string, limit int) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Order
	for _, order := range m.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Invoices ---

func (m *MemoryStore) CreateInvoice(_ context.Context, inv Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createInvoiceLocked(inv)
}

func (m *MemoryStore) createInvoiceLocked(inv Invoice) error {
	for _, existing := range m.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return ErrDuplicate
		}
	}
	m.invoices[inv.ID] = inv
	return nil
}

func (m *MemoryStore) GetInvoice(_ context.Context, id string) (Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (m *MemoryStore) GetInvoiceByProcessingID(_ context.Context, processingID string) (Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if processingID == "" {
		return Invoice{}, ErrNotFound
	}
	for _, inv := range m.invoices {
		if inv.PaymentProcessingID == processingID {
			return inv, nil
		}
	}
	return Invoice{}, ErrNotFound
}

func (m *MemoryStore) GetInvoiceByAddress(_ context.Context, address string) (Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if address == "" {
		return Invoice{}, ErrNotFound
	}
	for _, inv := range m.invoices {
		if inv.PaymentAddress == address {
			return inv, nil
		}
	}
	return Invoice{}, ErrNotFound
}

func (m *MemoryStore) GetActiveInvoice(_ context.Context, orderID string) (Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inv := range m.invoices {
		if inv.OrderID == orderID && inv.IsActive {
			return inv, nil
		}
	}
	return Invoice{}, ErrNotFound
}

func (m *MemoryStore) InvoiceNumberExists(_ context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inv := range m.invoices {
		if inv.InvoiceNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) deactivateInvoicesLocked(orderID string) {
	for id, inv := range m.invoices {
		if inv.OrderID == orderID && inv.IsActive {
			inv.IsActive = false
			m.invoices[id] = inv
		}
	}
}

// --- Payment ledger ---

func (m *MemoryStore) recordPaymentLocked(tx PaymentTransaction) error {
	if tx.ProcessorTxID != 0 {
		if _, exists := m.paymentsByPTx[tx.ProcessorTxID]; exists {
			return ErrDuplicate
		}
		m.paymentsByPTx[tx.ProcessorTxID] = tx.ID
	}
	m.payments[tx.ID] = tx
	return nil
}

func (m *MemoryStore) GetPaymentByProcessorTxID(_ context.Context, processorTxID int64) (PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.paymentsByPTx[processorTxID]
	if !ok {
		return PaymentTransaction{}, ErrNotFound
	}
	return m.payments[id], nil
}

func (m *MemoryStore) ListPaymentsByOrder(_ context.Context, orderID string) ([]PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PaymentTransaction
	for _, tx := range m.payments {
		if tx.OrderID == orderID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// ApplyStrayPayment records a payment that completes no order and credits
// its wallet portion in the same lock hold.
func (m *MemoryStore) ApplyStrayPayment(_ context.Context, userID string, tx PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.recordPaymentLocked(tx); err != nil {
		return err
	}
	if tx.WalletCreditCents > 0 {
		return m.creditWalletLocked(userID, tx.WalletCreditCents)
	}
	return nil
}

// --- Deposit addresses ---

func (m *MemoryStore) RegisterDepositAddress(_ context.Context, address, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, exists := m.depositAddrs[address]; exists && owner != userID {
		return ErrDuplicate
	}
	m.depositAddrs[address] = userID
	return nil
}

func (m *MemoryStore) LookupDepositAddress(_ context.Context, address string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userID, ok := m.depositAddrs[address]
	if !ok {
		return "", ErrNotFound
	}
	return userID, nil
}

// --- Strikes ---

func (m *MemoryStore) addStrikeLocked(strike Strike) bool {
	for _, existing := range m.strikes {
		if existing.OrderID == strike.OrderID && existing.Type == strike.Type {
			return false // idempotent per (order, type)
		}
	}
	m.strikes[strike.ID] = strike
	return true
}

func (m *MemoryStore) countStrikesLocked(userID string) int {
	count := 0
	for _, s := range m.strikes {
		if s.UserID == userID {
			count++
		}
	}
	return count
}

func (m *MemoryStore) CountStrikes(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countStrikesLocked(userID), nil
}

func (m *MemoryStore) ListStrikes(_ context.Context, userID string) ([]Strike, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Strike
	for _, s := range m.strikes {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Shipping addresses ---

func (m *MemoryStore) SaveShippingAddress(_ context.Context, addr ShippingAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses[addr.OrderID] = addr
	return nil
}

func (m *MemoryStore) GetShippingAddress(_ context.Context, orderID string) (ShippingAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr, ok := m.addresses[orderID]
	if !ok {
		return ShippingAddress{}, ErrNotFound
	}
	return addr, nil
}

// --- Purchases ---

func (m *MemoryStore) createPurchaseLocked(p Purchase) error {
	if _, exists := m.purchaseByOrd[p.OrderID]; exists {
		return ErrDuplicate
	}
	m.purchases[p.ID] = p
	m.purchaseByOrd[p.OrderID] = p.ID
	return nil
}

func (m *MemoryStore) GetPurchaseByOrder(_ context.Context, orderID string) (Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.purchaseByOrd[orderID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return m.purchases[id], nil
}

func (m *MemoryStore) ListPurchasesByUser(_ context.Context, userID string, limit int) ([]Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Purchase
	for _, p := range m.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Deposits ---

func (m *MemoryStore) ListDepositsByUser(_ context.Context, userID string, limit int) ([]Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Deposit
	for _, d := range m.deposits {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Composite atomic operations ---

// ApplyCancellation applies a full cancellation under one lock hold:
// terminal status, wallet movement, item release/restock, ledger entry,
// strike, and the resulting ban when the threshold is reached.
func (m *MemoryStore) ApplyCancellation(_ context.Context, upd CancellationUpdate) (CancellationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[upd.OrderID]
	if !ok {
		return CancellationResult{}, ErrNotFound
	}
	user, ok := m.users[upd.UserID]
	if !ok {
		return CancellationResult{}, ErrNotFound
	}
	if order.Status != upd.FromStatus {
		return CancellationResult{}, ErrStatusConflict
	}

	// Status first, then data rewrites.
	cancelledAt := upd.CancelledAt
	order.Status = upd.NewStatus
	order.CancelledAt = &cancelledAt
	order.CancellationReason = upd.CancellationReason
	order.ItemsSnapshot = upd.ItemsSnapshot
	order.RefundBreakdown = upd.RefundBreakdown
	m.orders[upd.OrderID] = order

	if upd.Transaction != nil {
		if err := m.recordPaymentLocked(*upd.Transaction); err != nil {
			return CancellationResult{}, err
		}
	}

	if upd.WalletCreditCents > 0 {
		if err := m.creditWalletLocked(upd.UserID, upd.WalletCreditCents); err != nil {
			return CancellationResult{}, err
		}
	}
	if upd.WalletDebitCents > 0 {
		// Reservation fee is capped by balance upstream; clamp defensively
		// is not needed because the caller computed min(balance, fee).
		if err := m.debitWalletLocked(upd.UserID, upd.WalletDebitCents); err != nil {
			return CancellationResult{}, err
		}
	}

	result := CancellationResult{StrikeCount: m.countStrikesLocked(upd.UserID)}

	// Sold rows lost their order reference at completion, so restock goes
	// by (subcategory, category, price) keys the caller derived from the
	// items snapshot.
	for _, req := range upd.Restocks {
		restored := m.restockSoldLocked(req.SubcategoryID, req.CategoryID, req.PriceCents, req.Qty)
		result.RestockShortfall += req.Qty - restored
	}
	if upd.ReleaseReserved {
		m.releaseItemsLocked(upd.OrderID)
	}

	m.deactivateInvoicesLocked(upd.OrderID)

	if upd.Strike != nil {
		result.StrikeAdded = m.addStrikeLocked(*upd.Strike)
		// Recount from the ledger; the user row carries a cache.
		result.StrikeCount = m.countStrikesLocked(upd.UserID)
		user = m.users[upd.UserID]
		user.StrikeCount = result.StrikeCount

		if result.StrikeCount >= upd.MaxStrikesBeforeBan && !upd.BanExempt && !user.IsBlocked {
			now := time.Now().UTC()
			user.IsBlocked = true
			user.BlockedAt = &now
			user.BlockedReason = fmt.Sprintf("reached %d strikes", result.StrikeCount)
			result.Banned = true
		}
		m.users[upd.UserID] = user
	}

	return result, nil
}

// ApplyCompletion finalizes a fully paid order under one lock hold.
func (m *MemoryStore) ApplyCompletion(_ context.Context, upd CompletionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[upd.OrderID]
	if !ok {
		return ErrNotFound
	}
	if order.Status != upd.FromStatus {
		return ErrStatusConflict
	}

	// Status before item rewrites so recovery can detect partial
	// finalization.
	paidAt := upd.PaidAt
	order.Status = upd.NewStatus
	order.PaidAt = &paidAt
	m.orders[upd.OrderID] = order

	if upd.Transaction != nil {
		if err := m.recordPaymentLocked(*upd.Transaction); err != nil {
			return err
		}
	}
	if upd.WalletCreditCents > 0 {
		if err := m.creditWalletLocked(upd.UserID, upd.WalletCreditCents); err != nil {
			return err
		}
	}
	if upd.DeactivateInvoices {
		m.deactivateInvoicesLocked(upd.OrderID)
	}

	m.markItemsSoldLocked(upd.OrderID)

	if upd.Purchase != nil {
		if err := m.createPurchaseLocked(*upd.Purchase); err != nil && err != ErrDuplicate {
			return err
		}
	}
	return nil
}

// ApplyDeposit records a confirmed top-up, credits the wallet, and clears
// a ban when the fiat value reaches the threshold. Replays are no-ops.
func (m *MemoryStore) ApplyDeposit(_ context.Context, upd DepositUpdate) (DepositResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep := upd.Deposit
	if _, exists := m.depositsByPTx[dep.ProcessorTxID]; exists {
		return DepositResult{Duplicate: true}, nil
	}

	user, ok := m.users[dep.UserID]
	if !ok {
		return DepositResult{}, ErrNotFound
	}

	var result DepositResult
	if user.IsBlocked && dep.FiatAmountCents >= upd.UnbanThresholdCents {
		user.IsBlocked = false
		user.BlockedAt = nil
		user.BlockedReason = upd.UnbanReason
		// Strike count is preserved across an unban.
		dep.TriggeredUnban = true
		result.Unbanned = true
	}
	user.BalanceCents += dep.FiatAmountCents
	m.users[dep.UserID] = user

	m.deposits[dep.ID] = dep
	m.depositsByPTx[dep.ProcessorTxID] = dep.ID
	return result, nil
}

// ApplyRetryInvoice applies the first-underpayment path under one lock
// hold: ledger entry, old invoice deactivated, retry invoice inserted,
// order moved to PENDING_PAYMENT_PARTIAL with a fresh deadline.
func (m *MemoryStore) ApplyRetryInvoice(_ context.Context, upd RetryInvoiceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[upd.OrderID]
	if !ok {
		return ErrNotFound
	}

	if err := m.recordPaymentLocked(upd.Transaction); err != nil {
		return err
	}

	m.deactivateInvoicesLocked(upd.OrderID)
	if err := m.createInvoiceLocked(upd.NewInvoice); err != nil {
		return err
	}

	order.Status = StatusPendingPaymentPartial
	order.RetryCount++
	order.ExpiresAt = upd.NewExpiry
	m.orders[upd.OrderID] = order
	return nil
}

// Dump renders all persistent state as a logical SQL dump. The output
// mirrors what the Postgres implementation produces so backup archives
// have one format regardless of backend.
func (m *MemoryStore) Dump(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("-- logical dump generated ")
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteString("\n")

	for _, u := range m.users {
		fmt.Fprintf(&b, "INSERT INTO users (id, external_id, balance_cents, strike_count, is_blocked, is_admin, approval_status) VALUES (%s, %s, %d, %d, %t, %t, %s);\n",
			quoteSQL(u.ID), quoteSQL(u.ExternalID), u.BalanceCents, u.StrikeCount, u.IsBlocked, u.IsAdmin, quoteSQL(string(u.ApprovalStatus)))
	}
	for _, it := range m.items {
		fmt.Fprintf(&b, "INSERT INTO items (id, category_id, subcategory_id, price_cents, is_physical, shipping_cost_cents, is_sold, order_id) VALUES (%s, %s, %s, %d, %t, %d, %t, %s);\n",
			quoteSQL(it.ID), quoteSQL(it.CategoryID), quoteSQL(it.SubcategoryID), it.PriceCents, it.IsPhysical, it.ShippingCostCents, it.IsSold, quoteSQL(it.OrderID))
	}
	for _, o := range m.orders {
		fmt.Fprintf(&b, "INSERT INTO orders (id, user_id, status, total_price_cents, shipping_cost_cents, currency, wallet_used_cents, retry_count) VALUES (%s, %s, %s, %d, %d, %s, %d, %d);\n",
			quoteSQL(o.ID), quoteSQL(o.UserID), quoteSQL(string(o.Status)), o.TotalPriceCents, o.ShippingCostCents, quoteSQL(o.Currency), o.WalletUsedCents, o.RetryCount)
	}
	for _, inv := range m.invoices {
		fmt.Fprintf(&b, "INSERT INTO invoices (id, order_id, invoice_number, fiat_amount_cents, crypto_currency, payment_amount_crypto, is_active) VALUES (%s, %s, %s, %d, %s, %d, %t);\n",
			quoteSQL(inv.ID), quoteSQL(inv.OrderID), quoteSQL(inv.InvoiceNumber), inv.FiatAmountCents, quoteSQL(inv.CryptoCurrency), inv.PaymentAmountCrypto, inv.IsActive)
	}
	for _, tx := range m.payments {
		fmt.Fprintf(&b, "INSERT INTO payment_transactions (id, processor_tx_id, invoice_id, order_id, crypto_currency, crypto_amount, fiat_amount_cents) VALUES (%s, %d, %s, %s, %s, %d, %d);\n",
			quoteSQL(tx.ID), tx.ProcessorTxID, quoteSQL(tx.InvoiceID), quoteSQL(tx.OrderID), quoteSQL(tx.CryptoCurrency), tx.CryptoAmount, tx.FiatAmountCents)
	}
	for _, d := range m.deposits {
		fmt.Fprintf(&b, "INSERT INTO deposits (id, processor_tx_id, user_id, crypto_currency, crypto_amount, fiat_amount_cents) VALUES (%s, %d, %s, %s, %d, %d);\n",
			quoteSQL(d.ID), d.ProcessorTxID, quoteSQL(d.UserID), quoteSQL(d.CryptoCurrency), d.CryptoAmount, d.FiatAmountCents)
	}
	for _, s := range m.strikes {
		fmt.Fprintf(&b, "INSERT INTO strikes (id, user_id, order_id, strike_type, reason) VALUES (%s, %s, %s, %s, %s);\n",
			quoteSQL(s.ID), quoteSQL(s.UserID), quoteSQL(s.OrderID), quoteSQL(string(s.Type)), quoteSQL(s.Reason))
	}
	for _, p := range m.purchases {
		fmt.Fprintf(&b, "INSERT INTO purchases (id, order_id, user_id, total_cents) VALUES (%s, %s, %s, %d);\n",
			quoteSQL(p.ID), quoteSQL(p.OrderID), quoteSQL(p.UserID), p.TotalCents)
	}
	// Shipping address ciphertext rides along so restores are complete;
	// it is already encrypted at the application layer.
	for _, a := range m.addresses {
		fmt.Fprintf(&b, "INSERT INTO shipping_addresses (order_id, ciphertext, encryption_mode) VALUES (%s, decode(%s, 'hex'), %s);\n",
			quoteSQL(a.OrderID), quoteSQL(fmt.Sprintf("%x", a.Ciphertext)), quoteSQL(string(a.EncryptionMode)))
	}

	return []byte(b.String()), nil
}

// quoteSQL renders a string as a single-quoted SQL literal.
func quoteSQL(s string) string {
	if s == "" {
		return "NULL"
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
