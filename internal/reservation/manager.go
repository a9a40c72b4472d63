// Package reservation is the inventory reservation protocol: atomically
// claim rows for a new order, release them on cancellation, restore
// consumed rows for refunds, and consume them at completion.
package reservation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/storage"
)

// Manager mediates every mutation of the items table. Nothing else in the
// system touches inventory directly.
type Manager struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewManager constructs a reservation Manager.
func NewManager(store storage.Store, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "reservation").Logger(),
	}
}

// Result reports one reservation attempt.
type Result struct {
	Reserved  []storage.Item
	Requested int
}

// Complete reports whether the request was fully satisfied.
func (r Result) Complete() bool {
	return len(r.Reserved) == r.Requested
}

// Reserve claims up to qty rows of a subcategory for an order. Partial
// fill is legal; the caller decides whether a short reservation proceeds
// at an adjusted price or aborts the order. Row locks in the store
// guarantee two concurrent orders never claim the same row.
func (m *Manager) Reserve(ctx context.Context, subcategoryID string, qty int, orderID string) (Result, error) {
	reserved, err := m.store.ReserveItems(ctx, subcategoryID, qty, orderID)
	if err != nil {
		m.metrics.ObserveReservation("error", 0, "")
		return Result{}, err
	}

	outcome := "full"
	kind := "digital"
	switch {
	case len(reserved) == 0:
		outcome = "empty"
	case len(reserved) < qty:
		outcome = "partial"
	}
	for _, item := range reserved {
		if item.IsPhysical {
			kind = "physical"
			break
		}
	}
	m.metrics.ObserveReservation(outcome, len(reserved), kind)

	m.logger.Debug().
		Str("order_id", orderID).
		Str("subcategory_id", subcategoryID).
		Int("requested", qty).
		Int("reserved", len(reserved)).
		Msg("reservation attempt")

	return Result{Reserved: reserved, Requested: qty}, nil
}

// Release clears the reservation on every row held by the order and
// returns how many rows were freed.
func (m *Manager) Release(ctx context.Context, orderID string) (int, error) {
	released, err := m.store.ReleaseItems(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		m.logger.Debug().Str("order_id", orderID).Int("released", released).Msg("reservation released")
	}
	return released, nil
}

// RestockForRefund restores up to qty consumed rows matching the
// (subcategory, category, price) key. When the pool is smaller than the
// request the shortage is logged; rows are never manufactured.
func (m *Manager) RestockForRefund(ctx context.Context, subcategoryID, categoryID string, priceCents int64, qty int) (int, error) {
	restored, err := m.store.RestockSoldItems(ctx, subcategoryID, categoryID, priceCents, qty)
	if err != nil {
		return 0, err
	}
	if restored < qty {
		m.logger.Warn().
			Str("subcategory_id", subcategoryID).
			Int64("price_cents", priceCents).
			Int("requested", qty).
			Int("restored", restored).
			Msg("restock pool smaller than refund request")
	}
	return restored, nil
}

// MarkSold consumes the order's reserved rows at completion.
func (m *Manager) MarkSold(ctx context.Context, orderID string) error {
	return m.store.MarkItemsSold(ctx, orderID)
}

// ItemsFor returns the rows currently reserved for an order.
func (m *Manager) ItemsFor(ctx context.Context, orderID string) ([]storage.Item, error) {
	return m.store.ItemsByOrder(ctx, orderID)
}
