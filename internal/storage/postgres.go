package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/shopbot/server/internal/config"
	"github.com/shopbot/server/internal/dbpool"
)

// PostgresStore implements Store using PostgreSQL. Row locks taken by
// SELECT ... FOR UPDATE serialize the reservation protocol; the composite
// Apply* operations run inside single transactions.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool // Track if we created the DB connection (for Close())
}

// NewPostgresStore creates a new PostgreSQL-backed store with its own
// connection pool.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	pool, err := dbpool.NewSharedPool(connectionString, poolConfig)
	if err != nil {
		return nil, err
	}

	store := &PostgresStore{db: pool.DB(), ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an
// existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the database connection if this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// createTables creates the schema if it doesn't exist.
func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			display_handle TEXT NOT NULL DEFAULT '',
			balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
			strike_count INTEGER NOT NULL DEFAULT 0,
			is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			blocked_at TIMESTAMPTZ,
			blocked_reason TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			approval_status TEXT NOT NULL DEFAULT 'PENDING',
			referral_code TEXT NOT NULL DEFAULT '',
			referred_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS subcategories (
			id TEXT PRIMARY KEY,
			category_id TEXT NOT NULL REFERENCES categories(id),
			name TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			category_id TEXT NOT NULL,
			subcategory_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price_cents BIGINT NOT NULL,
			is_physical BOOLEAN NOT NULL DEFAULT FALSE,
			shipping_cost_cents BIGINT NOT NULL DEFAULT 0,
			is_sold BOOLEAN NOT NULL DEFAULT FALSE,
			is_new BOOLEAN NOT NULL DEFAULT TRUE,
			private_data TEXT NOT NULL DEFAULT '',
			order_id TEXT,
			reserved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (order_id IS NULL OR is_sold = FALSE)
		);
		CREATE INDEX IF NOT EXISTS idx_items_available
			ON items (subcategory_id) WHERE is_sold = FALSE AND order_id IS NULL;
		CREATE INDEX IF NOT EXISTS idx_items_order ON items (order_id) WHERE order_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS carts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS cart_items (
			id TEXT PRIMARY KEY,
			cart_id TEXT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
			category_id TEXT NOT NULL,
			subcategory_id TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			UNIQUE (cart_id, subcategory_id)
		);

		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			status TEXT NOT NULL,
			total_price_cents BIGINT NOT NULL,
			shipping_cost_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			paid_at TIMESTAMPTZ,
			shipped_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			wallet_used_cents BIGINT NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			cancellation_reason TEXT NOT NULL DEFAULT '',
			items_snapshot JSONB,
			refund_breakdown JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_expiry
			ON orders (expires_at)
			WHERE status IN ('PENDING_PAYMENT', 'PENDING_PAYMENT_AND_ADDRESS', 'PENDING_PAYMENT_PARTIAL');

		CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			invoice_number TEXT NOT NULL UNIQUE,
			fiat_amount_cents BIGINT NOT NULL,
			fiat_currency TEXT NOT NULL,
			crypto_currency TEXT NOT NULL DEFAULT '',
			payment_amount_crypto BIGINT NOT NULL DEFAULT 0,
			payment_address TEXT NOT NULL DEFAULT '',
			payment_processing_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_order ON invoices (order_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_processing
			ON invoices (payment_processing_id) WHERE payment_processing_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS payment_transactions (
			id TEXT PRIMARY KEY,
			processor_tx_id BIGINT UNIQUE,
			invoice_id TEXT NOT NULL DEFAULT '',
			order_id TEXT NOT NULL,
			crypto_currency TEXT NOT NULL DEFAULT '',
			crypto_amount BIGINT NOT NULL DEFAULT 0,
			fiat_amount_cents BIGINT NOT NULL,
			payment_address TEXT NOT NULL DEFAULT '',
			transaction_hash TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_overpayment BOOLEAN NOT NULL DEFAULT FALSE,
			is_underpayment BOOLEAN NOT NULL DEFAULT FALSE,
			is_late_payment BOOLEAN NOT NULL DEFAULT FALSE,
			penalty_applied BOOLEAN NOT NULL DEFAULT FALSE,
			penalty_percent INTEGER NOT NULL DEFAULT 0,
			wallet_credit_cents BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_payments_order ON payment_transactions (order_id);

		CREATE TABLE IF NOT EXISTS deposits (
			id TEXT PRIMARY KEY,
			processor_tx_id BIGINT NOT NULL UNIQUE,
			user_id TEXT NOT NULL REFERENCES users(id),
			crypto_currency TEXT NOT NULL DEFAULT '',
			crypto_amount BIGINT NOT NULL DEFAULT 0,
			fiat_amount_cents BIGINT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			triggered_unban BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE TABLE IF NOT EXISTS deposit_addresses (
			address TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS strikes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			order_id TEXT NOT NULL,
			strike_type TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (order_id, strike_type)
		);
		CREATE INDEX IF NOT EXISTS idx_strikes_user ON strikes (user_id);

		CREATE TABLE IF NOT EXISTS shipping_addresses (
			order_id TEXT PRIMARY KEY REFERENCES orders(id),
			ciphertext BYTEA NOT NULL,
			encryption_mode TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			items_json JSONB,
			total_cents BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases (user_id, created_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether the error is a Postgres unique
// constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// inTx runs fn in a transaction, rolling back on error.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Users and wallets ---

const userColumns = `id, external_id, display_handle, balance_cents, strike_count,
	is_blocked, blocked_at, blocked_reason, is_admin, approval_status,
	referral_code, referred_by, created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (User, error) {
	var u User
	var blockedAt sql.NullTime
	err := row.Scan(&u.ID, &u.ExternalID, &u.DisplayHandle, &u.BalanceCents, &u.StrikeCount,
		&u.IsBlocked, &blockedAt, &u.BlockedReason, &u.IsAdmin, &u.ApprovalStatus,
		&u.ReferralCode, &u.ReferredBy, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	if blockedAt.Valid {
		u.BlockedAt = &blockedAt.Time
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	return scanUser(row)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, display_handle, balance_cents, strike_count,
			is_blocked, blocked_at, blocked_reason, is_admin, approval_status,
			referral_code, referred_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		user.ID, user.ExternalID, user.DisplayHandle, user.BalanceCents, user.StrikeCount,
		user.IsBlocked, user.BlockedAt, user.BlockedReason, user.IsAdmin, user.ApprovalStatus,
		user.ReferralCode, user.ReferredBy, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) UpdateUserApproval(ctx context.Context, userID string, status ApprovalStatus) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET approval_status = $2 WHERE id = $1`, userID, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) CreditWallet(ctx context.Context, userID string, amountCents int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET balance_cents = balance_cents + $2 WHERE id = $1`, userID, amountCents)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) DebitWallet(ctx context.Context, userID string, amountCents int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return debitWalletExec(ctx, s.db, userID, amountCents)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// debitWalletExec debits atomically: the balance guard in the WHERE
// clause is what keeps balances non-negative under concurrency.
func debitWalletExec(ctx context.Context, ex execer, userID string, amountCents int64) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE users SET balance_cents = balance_cents - $2
		 WHERE id = $1 AND balance_cents >= $2`, userID, amountCents)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// requireStatusMatch interprets a zero-row status-guarded update: a missing
// order is ErrNotFound, an existing one is ErrStatusConflict.
func requireStatusMatch(ctx context.Context, tx *sql.Tx, res sql.Result, orderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT TRUE FROM orders WHERE id = $1`, orderID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

// --- Catalog ---

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSubcategories(ctx context.Context, categoryID string) ([]Subcategory, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category_id, name FROM subcategories WHERE category_id = $1 ORDER BY name`, categoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subcategory
	for rows.Next() {
		var sc Subcategory
		if err := rows.Scan(&sc.ID, &sc.CategoryID, &sc.Name); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSubcategory(ctx context.Context, id string) (Subcategory, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var sc Subcategory
	err := s.db.QueryRowContext(ctx,
		`SELECT id, category_id, name FROM subcategories WHERE id = $1`, id).
		Scan(&sc.ID, &sc.CategoryID, &sc.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Subcategory{}, ErrNotFound
	}
	return sc, err
}

func (s *PostgresStore) CreateCategory(ctx context.Context, c Category) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `INSERT INTO categories (id, name) VALUES ($1, $2)`, c.ID, c.Name)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) CreateSubcategory(ctx context.Context, sc Subcategory) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subcategories (id, category_id, name) VALUES ($1, $2, $3)`, sc.ID, sc.CategoryID, sc.Name)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const itemColumns = `id, category_id, subcategory_id, description, price_cents, is_physical,
	shipping_cost_cents, is_sold, is_new, private_data, order_id, reserved_at, created_at`

func scanItem(row interface{ Scan(...interface{}) error }) (Item, error) {
	var it Item
	var orderID sql.NullString
	var reservedAt sql.NullTime
	err := row.Scan(&it.ID, &it.CategoryID, &it.SubcategoryID, &it.Description, &it.PriceCents,
		&it.IsPhysical, &it.ShippingCostCents, &it.IsSold, &it.IsNew, &it.PrivateData,
		&orderID, &reservedAt, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	if orderID.Valid {
		it.OrderID = orderID.String
	}
	if reservedAt.Valid {
		it.ReservedAt = &reservedAt.Time
	}
	return it, nil
}

func (s *PostgresStore) CreateItem(ctx context.Context, item Item) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, category_id, subcategory_id, description, price_cents, is_physical,
			shipping_cost_cents, is_sold, is_new, private_data, order_id, reserved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)`,
		item.ID, item.CategoryID, item.SubcategoryID, item.Description, item.PriceCents, item.IsPhysical,
		item.ShippingCostCents, item.IsSold, item.IsNew, item.PrivateData, item.OrderID, item.ReservedAt, item.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (Item, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	return scanItem(row)
}

func (s *PostgresStore) CountAvailableItems(ctx context.Context, subcategoryID string) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE subcategory_id = $1 AND is_sold = FALSE AND order_id IS NULL`,
		subcategoryID).Scan(&count)
	return count, err
}

// --- Carts ---

func (s *PostgresStore) GetOrCreateCart(ctx context.Context, userID string) (Cart, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var cart Cart
	// Upsert keyed on the per-user uniqueness; the RETURNING clause
	// covers both the insert and conflict paths.
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO carts (id, user_id, created_at)
		VALUES (gen_random_uuid()::text, $1, NOW())
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, created_at`, userID).
		Scan(&cart.ID, &cart.UserID, &cart.CreatedAt)
	return cart, err
}

func (s *PostgresStore) AddCartItem(ctx context.Context, item CartItem) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (id, cart_id, category_id, subcategory_id, quantity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cart_id, subcategory_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		item.ID, item.CartID, item.CategoryID, item.SubcategoryID, item.Quantity)
	return err
}

func (s *PostgresStore) ListCartItems(ctx context.Context, cartID string) ([]CartItem, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cart_id, category_id, subcategory_id, quantity FROM cart_items WHERE cart_id = $1 ORDER BY id`,
		cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CartItem
	for rows.Next() {
		var ci CartItem
		if err := rows.Scan(&ci.ID, &ci.CartID, &ci.CategoryID, &ci.SubcategoryID, &ci.Quantity); err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RemoveCartItem(ctx context.Context, cartID, cartItemID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`, cartItemID, cartID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ClearCart(ctx context.Context, cartID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	return err
}

// --- Reservation protocol ---

// ReserveItems takes up to qty unsold, unreserved rows under FOR UPDATE
// and stamps them with the order id. The row lock is the central
// concurrency contract: two orders competing for the same last unit are
// ordered by the database, and partial fill is legal.
func (s *PostgresStore) ReserveItems(ctx context.Context, subcategoryID string, qty int, orderID string) ([]Item, error) {
	var reserved []Item
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		reserved, err = reserveItemsTx(ctx, tx, subcategoryID, qty, orderID)
		return err
	})
	return reserved, err
}

func reserveItemsTx(ctx context.Context, tx *sql.Tx, subcategoryID string, qty int, orderID string) ([]Item, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE subcategory_id = $1 AND is_sold = FALSE AND order_id IS NULL
		ORDER BY id
		LIMIT $2
		FOR UPDATE`, subcategoryID, qty)
	if err != nil {
		return nil, err
	}

	var reserved []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reserved = append(reserved, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(reserved) == 0 {
		return nil, nil
	}

	ids := make([]string, len(reserved))
	now := time.Now().UTC()
	for i := range reserved {
		ids[i] = reserved[i].ID
		reserved[i].OrderID = orderID
		reserved[i].ReservedAt = &now
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE items SET order_id = $1, reserved_at = $2 WHERE id = ANY($3)`,
		orderID, now, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

func (s *PostgresStore) ReleaseItems(ctx context.Context, orderID string) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET order_id = NULL, reserved_at = NULL WHERE order_id = $1`, orderID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) RestockSoldItems(ctx context.Context, subcategoryID, categoryID string, priceCents int64, qty int) (int, error) {
	var restored int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		restored, err = restockSoldTx(ctx, tx, RestockRequest{
			SubcategoryID: subcategoryID,
			CategoryID:    categoryID,
			PriceCents:    priceCents,
			Qty:           qty,
		})
		return err
	})
	return restored, err
}

func restockSoldTx(ctx context.Context, tx *sql.Tx, req RestockRequest) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE items SET is_sold = FALSE
		WHERE id IN (
			SELECT id FROM items
			WHERE subcategory_id = $1 AND category_id = $2 AND price_cents = $3
				AND is_sold = TRUE AND order_id IS NULL
			LIMIT $4
			FOR UPDATE
		)`, req.SubcategoryID, req.CategoryID, req.PriceCents, req.Qty)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) MarkItemsSold(ctx context.Context, orderID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET is_sold = TRUE, order_id = NULL, reserved_at = NULL WHERE order_id = $1`, orderID)
	return err
}

func (s *PostgresStore) ItemsByOrder(ctx context.Context, orderID string) ([]Item, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// --- Orders ---

const orderColumns = `id, user_id, status, total_price_cents, shipping_cost_cents, currency,
	created_at, expires_at, paid_at, shipped_at, cancelled_at, wallet_used_cents,
	retry_count, cancellation_reason, items_snapshot, refund_breakdown`

func scanOrder(row interface{ Scan(...interface{}) error }) (Order, error) {
	var o Order
	var paidAt, shippedAt, cancelledAt sql.NullTime
	var snapshot, breakdown []byte
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalPriceCents, &o.ShippingCostCents, &o.Currency,
		&o.CreatedAt, &o.ExpiresAt, &paidAt, &shippedAt, &cancelledAt, &o.WalletUsedCents,
		&o.RetryCount, &o.CancellationReason, &snapshot, &breakdown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if shippedAt.Valid {
		o.ShippedAt = &shippedAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	o.ItemsSnapshot = snapshot
	o.RefundBreakdown = breakdown
	return o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, order Order) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_price_cents, shipping_cost_cents, currency,
			created_at, expires_at, paid_at, shipped_at, cancelled_at, wallet_used_cents,
			retry_count, cancellation_reason, items_snapshot, refund_breakdown)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		order.ID, order.UserID, order.Status, order.TotalPriceCents, order.ShippingCostCents, order.Currency,
		order.CreatedAt, order.ExpiresAt, order.PaidAt, order.ShippedAt, order.CancelledAt, order.WalletUsedCents,
		order.RetryCount, order.CancellationReason, nullBytes(order.ItemsSnapshot), nullBytes(order.RefundBreakdown))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, order Order) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, total_price_cents = $3, shipping_cost_cents = $4,
			expires_at = $5, paid_at = $6, shipped_at = $7, cancelled_at = $8,
			wallet_used_cents = $9, retry_count = $10, cancellation_reason = $11,
			items_snapshot = $12, refund_breakdown = $13
		WHERE id = $1`,
		order.ID, order.Status, order.TotalPriceCents, order.ShippingCostCents,
		order.ExpiresAt, order.PaidAt, order.ShippedAt, order.CancelledAt,
		order.WalletUsedCents, order.RetryCount, order.CancellationReason,
		nullBytes(order.ItemsSnapshot), nullBytes(order.RefundBreakdown))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, orderID string, from []OrderStatus, to OrderStatus) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if len(from) == 0 {
		res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = $2 WHERE id = $1`, orderID, to)
		if err != nil {
			return err
		}
		return requireRow(res)
	}

	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		orderID, to, pq.Array(fromStrs))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storage: order %s not in %v", orderID, from)
	}
	return nil
}

func (s *PostgresStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('PENDING_PAYMENT', 'PENDING_PAYMENT_AND_ADDRESS', 'PENDING_PAYMENT_PARTIAL')
			AND expires_at <= $1
		ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Invoices ---

const invoiceColumns = `id, order_id, invoice_number, fiat_amount_cents, fiat_currency,
	crypto_currency, payment_amount_crypto, payment_address, payment_processing_id,
	created_at, expires_at, is_active`

func scanInvoice(row interface{ Scan(...interface{}) error }) (Invoice, error) {
	var inv Invoice
	var processingID sql.NullString
	err := row.Scan(&inv.ID, &inv.OrderID, &inv.InvoiceNumber, &inv.FiatAmountCents, &inv.FiatCurrency,
		&inv.CryptoCurrency, &inv.PaymentAmountCrypto, &inv.PaymentAddress, &processingID,
		&inv.CreatedAt, &inv.ExpiresAt, &inv.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, err
	}
	if processingID.Valid {
		inv.PaymentProcessingID = processingID.String
	}
	return inv, nil
}

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv Invoice) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	err := createInvoiceExec(ctx, s.db, inv)
	return err
}

func createInvoiceExec(ctx context.Context, ex execer, inv Invoice) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO invoices (id, order_id, invoice_number, fiat_amount_cents, fiat_currency,
			crypto_currency, payment_amount_crypto, payment_address, payment_processing_id,
			created_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)`,
		inv.ID, inv.OrderID, inv.InvoiceNumber, inv.FiatAmountCents, inv.FiatCurrency,
		inv.CryptoCurrency, inv.PaymentAmountCrypto, inv.PaymentAddress, inv.PaymentProcessingID,
		inv.CreatedAt, inv.ExpiresAt, inv.IsActive)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

func (s *PostgresStore) GetInvoiceByProcessingID(ctx context.Context, processingID string) (Invoice, error) {
	if processingID == "" {
		return Invoice{}, ErrNotFound
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE payment_processing_id = $1`, processingID)
	return scanInvoice(row)
}

func (s *PostgresStore) GetInvoiceByAddress(ctx context.Context, address string) (Invoice, error) {
	if address == "" {
		return Invoice{}, ErrNotFound
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE payment_address = $1
		 ORDER BY created_at DESC LIMIT 1`, address)
	return scanInvoice(row)
}

func (s *PostgresStore) GetActiveInvoice(ctx context.Context, orderID string) (Invoice, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE order_id = $1 AND is_active = TRUE
		 ORDER BY created_at DESC LIMIT 1`, orderID)
	return scanInvoice(row)
}

func (s *PostgresStore) InvoiceNumberExists(ctx context.Context, number string) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE invoice_number = $1)`, number).Scan(&exists)
	return exists, err
}

// --- Payment ledger ---

const paymentColumns = `id, processor_tx_id, invoice_id, order_id, crypto_currency, crypto_amount,
	fiat_amount_cents, payment_address, transaction_hash, received_at, is_overpayment,
	is_underpayment, is_late_payment, penalty_applied, penalty_percent, wallet_credit_cents`

func scanPayment(row interface{ Scan(...interface{}) error }) (PaymentTransaction, error) {
	var tx PaymentTransaction
	var processorTxID sql.NullInt64
	err := row.Scan(&tx.ID, &processorTxID, &tx.InvoiceID, &tx.OrderID, &tx.CryptoCurrency, &tx.CryptoAmount,
		&tx.FiatAmountCents, &tx.PaymentAddress, &tx.TransactionHash, &tx.ReceivedAt, &tx.IsOverpayment,
		&tx.IsUnderpayment, &tx.IsLatePayment, &tx.PenaltyApplied, &tx.PenaltyPercent, &tx.WalletCreditCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PaymentTransaction{}, ErrNotFound
		}
		return PaymentTransaction{}, err
	}
	if processorTxID.Valid {
		tx.ProcessorTxID = processorTxID.Int64
	}
	return tx, nil
}

func recordPaymentExec(ctx context.Context, ex execer, tx PaymentTransaction) error {
	var processorTxID interface{}
	if tx.ProcessorTxID != 0 {
		processorTxID = tx.ProcessorTxID
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, processor_tx_id, invoice_id, order_id, crypto_currency,
			crypto_amount, fiat_amount_cents, payment_address, transaction_hash, received_at,
			is_overpayment, is_underpayment, is_late_payment, penalty_applied, penalty_percent,
			wallet_credit_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		tx.ID, processorTxID, tx.InvoiceID, tx.OrderID, tx.CryptoCurrency,
		tx.CryptoAmount, tx.FiatAmountCents, tx.PaymentAddress, tx.TransactionHash, tx.ReceivedAt,
		tx.IsOverpayment, tx.IsUnderpayment, tx.IsLatePayment, tx.PenaltyApplied, tx.PenaltyPercent,
		tx.WalletCreditCents)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetPaymentByProcessorTxID(ctx context.Context, processorTxID int64) (PaymentTransaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE processor_tx_id = $1`, processorTxID)
	return scanPayment(row)
}

func (s *PostgresStore) ListPaymentsByOrder(ctx context.Context, orderID string) ([]PaymentTransaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE order_id = $1 ORDER BY received_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentTransaction
	for rows.Next() {
		tx, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ApplyStrayPayment records a payment that completes no order and credits
// its wallet portion in the same transaction.
func (s *PostgresStore) ApplyStrayPayment(ctx context.Context, userID string, tx PaymentTransaction) error {
	return s.inTx(ctx, func(sqlTx *sql.Tx) error {
		if err := recordPaymentExec(ctx, sqlTx, tx); err != nil {
			return err
		}
		if tx.WalletCreditCents > 0 {
			if _, err := sqlTx.ExecContext(ctx,
				`UPDATE users SET balance_cents = balance_cents + $2 WHERE id = $1`,
				userID, tx.WalletCreditCents); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Deposit addresses ---

func (s *PostgresStore) RegisterDepositAddress(ctx context.Context, address, userID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (address, user_id)
		VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING`, address, userID)
	return err
}

func (s *PostgresStore) LookupDepositAddress(ctx context.Context, address string) (string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM deposit_addresses WHERE address = $1`, address).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return userID, err
}

// --- Strikes ---

func (s *PostgresStore) CountStrikes(ctx context.Context, userID string) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM strikes WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListStrikes(ctx context.Context, userID string) ([]Strike, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, order_id, strike_type, reason, created_at
		 FROM strikes WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Strike
	for rows.Next() {
		var st Strike
		if err := rows.Scan(&st.ID, &st.UserID, &st.OrderID, &st.Type, &st.Reason, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Shipping addresses ---

func (s *PostgresStore) SaveShippingAddress(ctx context.Context, addr ShippingAddress) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shipping_addresses (order_id, ciphertext, encryption_mode, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO UPDATE SET ciphertext = EXCLUDED.ciphertext,
			encryption_mode = EXCLUDED.encryption_mode`,
		addr.OrderID, addr.Ciphertext, addr.EncryptionMode, addr.CreatedAt)
	return err
}

func (s *PostgresStore) GetShippingAddress(ctx context.Context, orderID string) (ShippingAddress, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var addr ShippingAddress
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, ciphertext, encryption_mode, created_at FROM shipping_addresses WHERE order_id = $1`,
		orderID).Scan(&addr.OrderID, &addr.Ciphertext, &addr.EncryptionMode, &addr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ShippingAddress{}, ErrNotFound
	}
	return addr, err
}

// --- Purchases ---

func (s *PostgresStore) GetPurchaseByOrder(ctx context.Context, orderID string) (Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var p Purchase
	err := s.db.QueryRowContext(ctx,
		`SELECT id, order_id, user_id, items_json, total_cents, created_at FROM purchases WHERE order_id = $1`,
		orderID).Scan(&p.ID, &p.OrderID, &p.UserID, &p.ItemsJSON, &p.TotalCents, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, user_id, items_json, total_cents, created_at
		 FROM purchases WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		var p Purchase
		if err := rows.Scan(&p.ID, &p.OrderID, &p.UserID, &p.ItemsJSON, &p.TotalCents, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Deposits ---

func (s *PostgresStore) ListDepositsByUser(ctx context.Context, userID string, limit int) ([]Deposit, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, processor_tx_id, user_id, crypto_currency, crypto_amount, fiat_amount_cents,
			address, received_at, triggered_unban
		 FROM deposits WHERE user_id = $1 ORDER BY received_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		var d Deposit
		if err := rows.Scan(&d.ID, &d.ProcessorTxID, &d.UserID, &d.CryptoCurrency, &d.CryptoAmount,
			&d.FiatAmountCents, &d.Address, &d.ReceivedAt, &d.TriggeredUnban); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Composite atomic operations ---

// ApplyCancellation commits a cancellation as one transaction. A crash
// cannot leave a strike without a cancelled order or a refund without a
// terminal status.
func (s *PostgresStore) ApplyCancellation(ctx context.Context, upd CancellationUpdate) (CancellationResult, error) {
	var result CancellationResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Lock the user row for the wallet and ban writes.
		var isBlocked bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_blocked FROM users WHERE id = $1 FOR UPDATE`, upd.UserID).Scan(&isBlocked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		// Status first, then data rewrites. The status predicate makes the
		// transition a compare-and-set: a concurrent cancellation or
		// completion that already moved the order wins, and this one rolls
		// back before any wallet movement.
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $2, cancelled_at = $3, cancellation_reason = $4,
				items_snapshot = $5, refund_breakdown = $6
			WHERE id = $1 AND status = $7`,
			upd.OrderID, upd.NewStatus, upd.CancelledAt, upd.CancellationReason,
			nullBytes(upd.ItemsSnapshot), nullBytes(upd.RefundBreakdown), upd.FromStatus)
		if err != nil {
			return err
		}
		if err := requireStatusMatch(ctx, tx, res, upd.OrderID); err != nil {
			return err
		}

		if upd.Transaction != nil {
			if err := recordPaymentExec(ctx, tx, *upd.Transaction); err != nil {
				return err
			}
		}

		if upd.WalletCreditCents > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET balance_cents = balance_cents + $2 WHERE id = $1`,
				upd.UserID, upd.WalletCreditCents); err != nil {
				return err
			}
		}
		if upd.WalletDebitCents > 0 {
			if err := debitWalletExec(ctx, tx, upd.UserID, upd.WalletDebitCents); err != nil {
				return err
			}
		}

		for _, req := range upd.Restocks {
			restored, err := restockSoldTx(ctx, tx, req)
			if err != nil {
				return err
			}
			result.RestockShortfall += req.Qty - restored
		}
		if upd.ReleaseReserved {
			if _, err := tx.ExecContext(ctx,
				`UPDATE items SET order_id = NULL, reserved_at = NULL WHERE order_id = $1`, upd.OrderID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE invoices SET is_active = FALSE WHERE order_id = $1 AND is_active = TRUE`, upd.OrderID); err != nil {
			return err
		}

		if upd.Strike != nil {
			// Idempotent per (order, type): the unique constraint absorbs
			// the replay.
			res, err := tx.ExecContext(ctx, `
				INSERT INTO strikes (id, user_id, order_id, strike_type, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (order_id, strike_type) DO NOTHING`,
				upd.Strike.ID, upd.Strike.UserID, upd.Strike.OrderID, upd.Strike.Type,
				upd.Strike.Reason, upd.Strike.CreatedAt)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			result.StrikeAdded = n > 0

			// Recount from the ledger; the user row carries a cache.
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM strikes WHERE user_id = $1`, upd.UserID).Scan(&result.StrikeCount); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET strike_count = $2 WHERE id = $1`, upd.UserID, result.StrikeCount); err != nil {
				return err
			}

			if result.StrikeCount >= upd.MaxStrikesBeforeBan && !upd.BanExempt && !isBlocked {
				if _, err := tx.ExecContext(ctx, `
					UPDATE users SET is_blocked = TRUE, blocked_at = NOW(),
						blocked_reason = $2
					WHERE id = $1`,
					upd.UserID, fmt.Sprintf("reached %d strikes", result.StrikeCount)); err != nil {
					return err
				}
				result.Banned = true
			}
		} else {
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM strikes WHERE user_id = $1`, upd.UserID).Scan(&result.StrikeCount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return CancellationResult{}, err
	}
	return result, nil
}

// ApplyCompletion commits a payment finalization as one transaction,
// status first so recovery can detect partial finalizations.
func (s *PostgresStore) ApplyCompletion(ctx context.Context, upd CompletionUpdate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $2, paid_at = $3 WHERE id = $1 AND status = $4`,
			upd.OrderID, upd.NewStatus, upd.PaidAt, upd.FromStatus)
		if err != nil {
			return err
		}
		if err := requireStatusMatch(ctx, tx, res, upd.OrderID); err != nil {
			return err
		}

		if upd.Transaction != nil {
			if err := recordPaymentExec(ctx, tx, *upd.Transaction); err != nil {
				return err
			}
		}
		if upd.WalletCreditCents > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET balance_cents = balance_cents + $2 WHERE id = $1`,
				upd.UserID, upd.WalletCreditCents); err != nil {
				return err
			}
		}
		if upd.DeactivateInvoices {
			if _, err := tx.ExecContext(ctx,
				`UPDATE invoices SET is_active = FALSE WHERE order_id = $1 AND is_active = TRUE`, upd.OrderID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET is_sold = TRUE, order_id = NULL, reserved_at = NULL WHERE order_id = $1`,
			upd.OrderID); err != nil {
			return err
		}

		if upd.Purchase != nil {
			// ON CONFLICT guards double delivery of the same item set.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO purchases (id, order_id, user_id, items_json, total_cents, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (order_id) DO NOTHING`,
				upd.Purchase.ID, upd.Purchase.OrderID, upd.Purchase.UserID,
				nullBytes(upd.Purchase.ItemsJSON), upd.Purchase.TotalCents, upd.Purchase.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyDeposit commits a confirmed top-up as one transaction. Replayed
// processor ids are detected by the unique constraint and reported as
// duplicates without error.
func (s *PostgresStore) ApplyDeposit(ctx context.Context, upd DepositUpdate) (DepositResult, error) {
	var result DepositResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		dep := upd.Deposit

		var isBlocked bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_blocked FROM users WHERE id = $1 FOR UPDATE`, dep.UserID).Scan(&isBlocked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		unban := isBlocked && dep.FiatAmountCents >= upd.UnbanThresholdCents
		res, err := tx.ExecContext(ctx, `
			INSERT INTO deposits (id, processor_tx_id, user_id, crypto_currency, crypto_amount,
				fiat_amount_cents, address, received_at, triggered_unban)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (processor_tx_id) DO NOTHING`,
			dep.ID, dep.ProcessorTxID, dep.UserID, dep.CryptoCurrency, dep.CryptoAmount,
			dep.FiatAmountCents, dep.Address, dep.ReceivedAt, unban)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result.Duplicate = true
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET balance_cents = balance_cents + $2 WHERE id = $1`,
			dep.UserID, dep.FiatAmountCents); err != nil {
			return err
		}

		if unban {
			// Strike count is preserved across an unban.
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET is_blocked = FALSE, blocked_at = NULL, blocked_reason = $2 WHERE id = $1`,
				dep.UserID, upd.UnbanReason); err != nil {
				return err
			}
			result.Unbanned = true
		}
		return nil
	})
	if err != nil {
		return DepositResult{}, err
	}
	return result, nil
}

// ApplyRetryInvoice commits the first-underpayment path as one
// transaction.
func (s *PostgresStore) ApplyRetryInvoice(ctx context.Context, upd RetryInvoiceUpdate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := recordPaymentExec(ctx, tx, upd.Transaction); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE invoices SET is_active = FALSE WHERE order_id = $1 AND is_active = TRUE`, upd.OrderID); err != nil {
			return err
		}
		if err := createInvoiceExec(ctx, tx, upd.NewInvoice); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $2, retry_count = retry_count + 1, expires_at = $3
			WHERE id = $1`,
			upd.OrderID, StatusPendingPaymentPartial, upd.NewExpiry)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// --- Backup dump ---

// dumpTables lists the tables included in logical dumps, in dependency
// order so a restore replays cleanly.
var dumpTables = []string{
	"users", "categories", "subcategories", "items", "carts", "cart_items",
	"orders", "invoices", "payment_transactions", "deposits",
	"deposit_addresses", "strikes", "shipping_addresses", "purchases",
}

// Dump produces a logical SQL dump of all persistent state. The dump is
// assembled entirely in memory; the backup worker encrypts it before
// anything is written out.
func (s *PostgresStore) Dump(ctx context.Context) ([]byte, error) {
	var b strings.Builder
	b.WriteString("-- logical dump generated ")
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteString("\n")

	for _, table := range dumpTables {
		if err := s.dumpTable(ctx, &b, table); err != nil {
			return nil, fmt.Errorf("dump %s: %w", table, err)
		}
	}
	return []byte(b.String()), nil
}

func (s *PostgresStore) dumpTable(ctx context.Context, b *strings.Builder, table string) error {
	// Table names come from the fixed dumpTables list, never from input.
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM `+table)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		rendered := make([]string, len(cols))
		for i, v := range values {
			rendered[i] = renderSQLValue(v)
		}
		fmt.Fprintf(b, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ", "), strings.Join(rendered, ", "))
	}
	return rows.Err()
}

// renderSQLValue renders a scanned value as a SQL literal.
func renderSQLValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%g", val)
	case time.Time:
		return "'" + val.UTC().Format(time.RFC3339Nano) + "'"
	case []byte:
		return "decode('" + fmt.Sprintf("%x", val) + "', 'hex')"
	case string:
		return quoteSQL(val)
	default:
		return quoteSQL(fmt.Sprintf("%v", val))
	}
}
