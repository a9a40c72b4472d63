package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopbot/server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when a uniqueness constraint would be violated
// (invoice numbers, processor transaction ids, purchase-per-order).
var ErrDuplicate = errors.New("storage: duplicate")

// ErrInsufficientBalance is returned when a wallet debit would push the
// balance negative. Balances never go below zero.
var ErrInsufficientBalance = errors.New("storage: insufficient balance")

// ErrStatusConflict is returned by the guarded Apply* operations when the
// order is no longer in the status the caller observed. Nothing was
// written; the caller must re-read before retrying.
var ErrStatusConflict = errors.New("storage: order status changed")

// Store captures the persistence requirements of the order and payment
// core.
//
// # Composite operations
//
// The Apply* methods bundle every write a single business event performs
// into one atomic unit: a cancellation's status flip, wallet movement,
// item release, and strike/ban all commit or roll back together. Services
// compute the update; the store applies it. The Postgres implementation
// runs each inside one transaction; the memory implementation holds its
// mutex for the whole update.
//
// ApplyCancellation and ApplyCompletion are compare-and-set on the order
// status: the caller states the status it observed, and the whole update
// fails with ErrStatusConflict when a concurrent event already moved the
// order. Two racing cancellations of the same order can therefore never
// both credit the refund.
type Store interface {
	// Users and wallets
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)
	CreateUser(ctx context.Context, user User) error
	UpdateUserApproval(ctx context.Context, userID string, status ApprovalStatus) error
	CreditWallet(ctx context.Context, userID string, amountCents int64) error
	// DebitWallet fails with ErrInsufficientBalance rather than going negative.
	DebitWallet(ctx context.Context, userID string, amountCents int64) error

	// Catalog
	ListCategories(ctx context.Context) ([]Category, error)
	ListSubcategories(ctx context.Context, categoryID string) ([]Subcategory, error)
	GetSubcategory(ctx context.Context, id string) (Subcategory, error)
	CreateCategory(ctx context.Context, c Category) error
	CreateSubcategory(ctx context.Context, s Subcategory) error
	CreateItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id string) (Item, error)
	// CountAvailableItems counts unsold, unreserved rows in a subcategory.
	CountAvailableItems(ctx context.Context, subcategoryID string) (int, error)

	// Carts
	GetOrCreateCart(ctx context.Context, userID string) (Cart, error)
	AddCartItem(ctx context.Context, item CartItem) error
	ListCartItems(ctx context.Context, cartID string) ([]CartItem, error)
	RemoveCartItem(ctx context.Context, cartID, cartItemID string) error
	ClearCart(ctx context.Context, cartID string) error

	// Reservation protocol. ReserveItems selects up to qty rows that are
	// unsold and unreserved under an exclusive row lock, stamps them with
	// the order id, and returns the rows actually taken (partial fill is
	// legal). Two concurrent callers never take the same row.
	ReserveItems(ctx context.Context, subcategoryID string, qty int, orderID string) ([]Item, error)
	ReleaseItems(ctx context.Context, orderID string) (int, error)
	// RestockSoldItems flips is_sold back on up to qty consumed rows
	// matching the key; returns how many it restored (it never
	// manufactures synthetic rows).
	RestockSoldItems(ctx context.Context, subcategoryID, categoryID string, priceCents int64, qty int) (int, error)
	MarkItemsSold(ctx context.Context, orderID string) error
	ItemsByOrder(ctx context.Context, orderID string) ([]Item, error)

	// Orders
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	UpdateOrder(ctx context.Context, order Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, from []OrderStatus, to OrderStatus) error
	ListExpiredOrders(ctx context.Context, now time.Time) ([]Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error)

	// Invoices
	CreateInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	GetInvoiceByProcessingID(ctx context.Context, processingID string) (Invoice, error)
	// GetInvoiceByAddress resolves the invoice a processor webhook refers
	// to; the processor issues one address per invoice.
	GetInvoiceByAddress(ctx context.Context, address string) (Invoice, error)
	GetActiveInvoice(ctx context.Context, orderID string) (Invoice, error)
	InvoiceNumberExists(ctx context.Context, number string) (bool, error)

	// Payment ledger
	GetPaymentByProcessorTxID(ctx context.Context, processorTxID int64) (PaymentTransaction, error)
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]PaymentTransaction, error)
	// ApplyStrayPayment records a payment that completes no order (double
	// payment, currency mismatch) and credits tx.WalletCreditCents to the
	// user in the same atomic unit. Duplicate processor ids return
	// ErrDuplicate without crediting.
	ApplyStrayPayment(ctx context.Context, userID string, tx PaymentTransaction) error

	// Deposit addresses map processor top-up addresses to users.
	RegisterDepositAddress(ctx context.Context, address, userID string) error
	LookupDepositAddress(ctx context.Context, address string) (string, error)

	// Strikes
	CountStrikes(ctx context.Context, userID string) (int, error)
	ListStrikes(ctx context.Context, userID string) ([]Strike, error)

	// Shipping addresses (ciphertext only)
	SaveShippingAddress(ctx context.Context, addr ShippingAddress) error
	GetShippingAddress(ctx context.Context, orderID string) (ShippingAddress, error)

	// Purchases
	GetPurchaseByOrder(ctx context.Context, orderID string) (Purchase, error)
	ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]Purchase, error)

	// Deposits
	ListDepositsByUser(ctx context.Context, userID string, limit int) ([]Deposit, error)

	// Composite atomic operations
	ApplyCancellation(ctx context.Context, upd CancellationUpdate) (CancellationResult, error)
	ApplyCompletion(ctx context.Context, upd CompletionUpdate) error
	ApplyDeposit(ctx context.Context, upd DepositUpdate) (DepositResult, error)
	ApplyRetryInvoice(ctx context.Context, upd RetryInvoiceUpdate) error

	// Dump produces a logical SQL dump of all persistent state for the
	// backup worker. The dump exists only in memory; callers encrypt it
	// before anything touches disk.
	Dump(ctx context.Context) ([]byte, error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend      string // "memory" or "postgres"
	PostgresURL  string
	PostgresPool config.PostgresPoolConfig
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database
// pool. If sharedDB is non-nil for the postgres backend it is used instead
// of opening a new connection.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		// Memory backend loses all state on restart. Development and
		// tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB)
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
