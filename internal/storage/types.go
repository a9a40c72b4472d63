package storage

import (
	"time"
)

// OrderStatus enumerates the order state machine.
type OrderStatus string

const (
	StatusPendingPayment           OrderStatus = "PENDING_PAYMENT"
	StatusPendingPaymentAndAddress OrderStatus = "PENDING_PAYMENT_AND_ADDRESS"
	StatusPendingPaymentPartial    OrderStatus = "PENDING_PAYMENT_PARTIAL"
	StatusPaid                     OrderStatus = "PAID"
	StatusPaidAwaitingShipment     OrderStatus = "PAID_AWAITING_SHIPMENT"
	StatusShipped                  OrderStatus = "SHIPPED"
	StatusCancelledByUser          OrderStatus = "CANCELLED_BY_USER"
	StatusCancelledByAdmin         OrderStatus = "CANCELLED_BY_ADMIN"
	StatusCancelledBySystem        OrderStatus = "CANCELLED_BY_SYSTEM"
	StatusTimeout                  OrderStatus = "TIMEOUT"
)

// PendingStatuses are the states swept by the payment-timeout job.
var PendingStatuses = []OrderStatus{
	StatusPendingPayment,
	StatusPendingPaymentAndAddress,
	StatusPendingPaymentPartial,
}

// IsTerminal reports whether the status permits no further transitions.
// PAID is terminal for digital-only orders; physical orders pass through
// PAID_AWAITING_SHIPMENT instead, which only SHIPPED or an admin
// cancellation leaves.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusShipped, StatusCancelledByUser, StatusCancelledByAdmin,
		StatusCancelledBySystem, StatusTimeout, StatusPaid:
		return true
	default:
		return false
	}
}

// IsPending reports whether the order is still awaiting payment.
func (s OrderStatus) IsPending() bool {
	switch s {
	case StatusPendingPayment, StatusPendingPaymentAndAddress, StatusPendingPaymentPartial:
		return true
	default:
		return false
	}
}

// StrikeType enumerates the reasons a strike is recorded.
type StrikeType string

const (
	StrikeTimeout    StrikeType = "TIMEOUT"
	StrikeLateCancel StrikeType = "LATE_CANCEL"
)

// ApprovalStatus enumerates user onboarding states.
type ApprovalStatus string

const (
	ApprovalApproved           ApprovalStatus = "APPROVED"
	ApprovalPending            ApprovalStatus = "PENDING"
	ApprovalClosedRegistration ApprovalStatus = "CLOSED_REGISTRATION"
	ApprovalRejected           ApprovalStatus = "REJECTED"
)

// EncryptionMode enumerates shipping-address ciphertext formats.
type EncryptionMode string

const (
	EncryptionAES EncryptionMode = "aes"
	EncryptionPGP EncryptionMode = "pgp"
)

// User is a chat-platform account. Created on first contact, never
// destroyed. BalanceCents is the internal fiat wallet in cents and is
// never allowed to go negative. StrikeCount is a cache; the Strike table
// is the source of truth.
type User struct {
	ID             string
	ExternalID     string // chat-platform id, unique
	DisplayHandle  string
	BalanceCents   int64
	StrikeCount    int
	IsBlocked      bool
	BlockedAt      *time.Time
	BlockedReason  string
	IsAdmin        bool
	ApprovalStatus ApprovalStatus
	ReferralCode   string // carried opaquely, not interpreted
	ReferredBy     string
	CreatedAt      time.Time
}

// Category groups subcategories for catalog browsing.
type Category struct {
	ID   string
	Name string
}

// Subcategory is the unit buyers put in carts; its items share a price.
type Subcategory struct {
	ID         string
	CategoryID string
	Name       string
}

// Item is a single sellable inventory row.
//
// OrderID non-empty means the row is reserved for that order. IsSold with
// an empty OrderID represents consumed stock retained for
// refund-restoration accounting. Invariant: OrderID != "" implies
// IsSold == false.
type Item struct {
	ID                string
	CategoryID        string
	SubcategoryID     string
	Description       string
	PriceCents        int64
	IsPhysical        bool
	ShippingCostCents int64
	IsSold            bool
	IsNew             bool
	PrivateData       string // digital payload delivered on payment
	OrderID           string // "" = not reserved
	ReservedAt        *time.Time
	CreatedAt         time.Time
}

// Cart is one per user, created lazily on first interaction.
type Cart struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// CartItem is a requested quantity of a subcategory. Short-lived:
// destroyed on successful checkout or explicit deletion.
type CartItem struct {
	ID            string
	CartID        string
	CategoryID    string
	SubcategoryID string
	Quantity      int
}

// Order is the central state-machine row.
//
// TotalPriceCents = sum of item prices + ShippingCostCents, where
// ShippingCostCents is the MAXIMUM shipping cost across physical items
// (not the sum). Digital-only orders carry zero shipping.
type Order struct {
	ID                 string
	UserID             string
	Status             OrderStatus
	TotalPriceCents    int64
	ShippingCostCents  int64
	Currency           string
	CreatedAt          time.Time
	ExpiresAt          time.Time
	PaidAt             *time.Time
	ShippedAt          *time.Time
	CancelledAt        *time.Time
	WalletUsedCents    int64
	RetryCount         int
	CancellationReason string
	ItemsSnapshot      []byte // JSON; kept readable after restock
	RefundBreakdown    []byte // JSON refund calculation record
}

// Invoice is a payment request against an order. An order accumulates
// invoices across underpayment retries; exactly one is active at a time
// for a live order.
type Invoice struct {
	ID                  string
	OrderID             string
	InvoiceNumber       string // INV-YYYY-XXXXXX, unique
	FiatAmountCents     int64
	FiatCurrency        string
	CryptoCurrency      string
	PaymentAmountCrypto int64 // atomic units of CryptoCurrency
	PaymentAddress      string
	PaymentProcessingID string // external processor id; "" for wallet-only invoices
	CreatedAt           time.Time
	ExpiresAt           time.Time
	IsActive            bool
}

// PaymentTransaction is one confirmed processor payment. Append-only.
// ProcessorTxID is the processor's transaction id and deduplicates
// webhook replays.
type PaymentTransaction struct {
	ID                string
	ProcessorTxID     int64
	InvoiceID         string
	OrderID           string
	CryptoCurrency    string
	CryptoAmount      int64 // atomic units
	FiatAmountCents   int64
	PaymentAddress    string
	TransactionHash   string
	ReceivedAt        time.Time
	IsOverpayment     bool
	IsUnderpayment    bool
	IsLatePayment     bool
	PenaltyApplied    bool
	PenaltyPercent    int
	WalletCreditCents int64
}

// Deposit is a standalone wallet top-up ledger entry. Disjoint from
// PaymentTransaction by construction: deposits never reference invoices.
type Deposit struct {
	ID              string
	ProcessorTxID   int64
	UserID          string
	CryptoCurrency  string
	CryptoAmount    int64
	FiatAmountCents int64
	Address         string
	ReceivedAt      time.Time
	TriggeredUnban  bool
}

// Strike records a policy violation. Rows per user are the authoritative
// strike count. At most one strike exists per (order, type).
type Strike struct {
	ID        string
	UserID    string
	OrderID   string
	Type      StrikeType
	Reason    string
	CreatedAt time.Time
}

// ShippingAddress holds the encrypted delivery address, 1:1 with an
// order. Plaintext is never persisted.
type ShippingAddress struct {
	OrderID        string
	Ciphertext     []byte
	EncryptionMode EncryptionMode
	CreatedAt      time.Time
}

// Purchase is the buy-history record built at order completion. One per
// order; the unique order reference guards against double delivery.
type Purchase struct {
	ID         string
	OrderID    string
	UserID     string
	ItemsJSON  []byte
	TotalCents int64
	CreatedAt  time.Time
}

// CancellationUpdate describes everything a cancellation changes, applied
// in one transaction: the terminal status write, wallet movement, item
// release/restock, and the optional strike with its ban consequence.
type CancellationUpdate struct {
	OrderID string
	UserID  string
	// FromStatus is the status the caller observed when it computed the
	// refund. The transition applies only while it still holds; otherwise
	// the store returns ErrStatusConflict and writes nothing.
	FromStatus         OrderStatus
	NewStatus          OrderStatus
	CancelledAt        time.Time
	CancellationReason string
	ItemsSnapshot      []byte
	RefundBreakdown    []byte

	WalletCreditCents int64 // refund credited to the wallet
	WalletDebitCents  int64 // reservation fee deducted when nothing was paid

	ReleaseReserved bool             // clear order_id/reserved_at on reserved rows
	Restocks        []RestockRequest // flip is_sold back on consumed rows (PAID cancellations)

	Transaction *PaymentTransaction // late/underpayment ledger entry, if any

	Strike              *Strike // nil when the cancellation is penalty-free
	MaxStrikesBeforeBan int
	BanExempt           bool
}

// RestockRequest restores consumed stock by key. The pool may be smaller
// than Qty; the store restores what it finds and reports the shortfall.
type RestockRequest struct {
	SubcategoryID string
	CategoryID    string
	PriceCents    int64
	Qty           int
}

// CancellationResult reports the strike/ban outcome of ApplyCancellation.
type CancellationResult struct {
	StrikeAdded      bool
	StrikeCount      int
	Banned           bool
	RestockShortfall int // requested minus restored rows across all restocks
}

// CompletionUpdate describes a successful payment finalization, applied
// in one transaction: status first, then items sold, then the purchase
// record, plus the payment ledger entry and any overpayment credit.
type CompletionUpdate struct {
	OrderID string
	UserID  string
	// FromStatus guards the transition the same way as in
	// CancellationUpdate: a mismatch yields ErrStatusConflict.
	FromStatus OrderStatus
	NewStatus  OrderStatus
	PaidAt     time.Time

	Transaction       *PaymentTransaction // nil for wallet-only completion
	WalletCreditCents int64               // significant-overpayment excess

	DeactivateInvoices bool
	Purchase           *Purchase
}

// DepositUpdate describes a confirmed wallet top-up, applied in one
// transaction: the deposit row, the wallet credit, and the unban when the
// fiat value reaches the configured threshold.
type DepositUpdate struct {
	Deposit             Deposit
	UnbanThresholdCents int64
	UnbanReason         string
}

// DepositResult reports what ApplyDeposit actually did.
type DepositResult struct {
	Duplicate bool
	Unbanned  bool
}

// RetryInvoiceUpdate describes the first-underpayment path, applied in
// one transaction: ledger entry, old invoice deactivated, new invoice
// inserted, order moved to PENDING_PAYMENT_PARTIAL with retry_count
// incremented and a fresh deadline.
type RetryInvoiceUpdate struct {
	OrderID     string
	Transaction PaymentTransaction
	NewInvoice  Invoice
	NewExpiry   time.Time
}
