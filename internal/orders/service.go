// Package orders drives the order state machine: checkout with stock
// reservation, address confirmation, cancellation with refund and strike
// accounting, completion, and shipment.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/config"
	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/notify"
	"github.com/shopbot/server/internal/reservation"
	"github.com/shopbot/server/internal/storage"
)

// Service owns order lifecycle transitions. Wallet balance and order
// status are mutated only through this service and the payment service,
// never from notification code.
type Service struct {
	store       storage.Store
	reservation *reservation.Manager
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	clock       clockwork.Clock
	logger      zerolog.Logger

	orders  config.OrdersConfig
	payment config.PaymentsConfig
	strikes config.StrikesConfig
}

// NewService constructs the order service.
func NewService(
	store storage.Store,
	res *reservation.Manager,
	notifier notify.Notifier,
	m *metrics.Metrics,
	clock clockwork.Clock,
	cfg *config.Config,
	logger zerolog.Logger,
) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:       store,
		reservation: res,
		notifier:    notifier,
		metrics:     m,
		clock:       clock,
		logger:      logger.With().Str("component", "orders").Logger(),
		orders:      cfg.Orders,
		payment:     cfg.Payments,
		strikes:     cfg.Strikes,
	}
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, orderID string) (storage.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return storage.Order{}, apperrors.New(apperrors.ErrCodeOrderNotFound, "order not found")
		}
		return storage.Order{}, err
	}
	return order, nil
}

// ListForUser returns a user's most recent orders.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]storage.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID, limit)
}

// Create runs checkout: writes the order row, reserves stock line by
// line, recomputes the price from what was actually reserved, and sets
// the initial status. A checkout that reserves nothing at all terminates
// as CANCELLED_BY_SYSTEM.
func (s *Service) Create(ctx context.Context, userID string, lines []storage.CartItem) (CreateResult, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return CreateResult{}, apperrors.New(apperrors.ErrCodeUserNotFound, "user not found")
		}
		return CreateResult{}, err
	}
	if user.IsBlocked {
		return CreateResult{}, apperrors.Banned(user.BlockedReason)
	}
	if len(lines) == 0 {
		return CreateResult{}, apperrors.New(apperrors.ErrCodeCartEmpty, "cart is empty")
	}

	now := s.clock.Now().UTC()
	order := storage.Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    storage.StatusPendingPayment,
		Currency:  s.payment.Currency,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.orders.TimeoutMinutes) * time.Minute),
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return CreateResult{}, fmt.Errorf("create order row: %w", err)
	}

	var (
		reserved    []storage.Item
		adjustments []StockAdjustment
	)
	for _, line := range lines {
		result, err := s.reservation.Reserve(ctx, line.SubcategoryID, line.Quantity, order.ID)
		if err != nil {
			// Free whatever earlier lines claimed before surfacing.
			_, _ = s.reservation.Release(ctx, order.ID)
			_ = s.store.UpdateOrderStatus(ctx, order.ID, nil, storage.StatusCancelledBySystem)
			return CreateResult{}, fmt.Errorf("reserve %s: %w", line.SubcategoryID, err)
		}
		reserved = append(reserved, result.Reserved...)
		if !result.Complete() {
			adjustments = append(adjustments, StockAdjustment{
				SubcategoryID: line.SubcategoryID,
				Requested:     line.Quantity,
				Reserved:      len(result.Reserved),
			})
		}
	}

	if len(reserved) == 0 {
		if err := s.store.UpdateOrderStatus(ctx, order.ID, nil, storage.StatusCancelledBySystem); err != nil {
			s.logger.Error().Err(err).Str("order_id", order.ID).Msg("mark empty checkout cancelled")
		}
		s.metrics.ObserveTransition(string(storage.StatusPendingPayment), string(storage.StatusCancelledBySystem))
		return CreateResult{}, apperrors.New(apperrors.ErrCodeInsufficientStock, "no items could be reserved")
	}

	// Price from the rows actually reserved; shipping is the MAXIMUM
	// shipping cost across physical rows, not the sum.
	var totalCents, shippingCents int64
	hasPhysical := false
	for _, item := range reserved {
		totalCents += item.PriceCents
		if item.IsPhysical {
			hasPhysical = true
			if item.ShippingCostCents > shippingCents {
				shippingCents = item.ShippingCostCents
			}
		}
	}
	totalCents += shippingCents

	order.TotalPriceCents = totalCents
	order.ShippingCostCents = shippingCents
	if hasPhysical {
		order.Status = storage.StatusPendingPaymentAndAddress
	}
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		_, _ = s.reservation.Release(ctx, order.ID)
		return CreateResult{}, fmt.Errorf("finalize order pricing: %w", err)
	}

	kind := "digital"
	if hasPhysical {
		kind = "physical"
		for _, item := range reserved {
			if !item.IsPhysical {
				kind = "mixed"
				break
			}
		}
	}
	s.metrics.ObserveOrderCreated(kind, order.Currency, totalCents)
	s.logger.Info().
		Str("order_id", order.ID).
		Str("user_id", userID).
		Int64("total_cents", totalCents).
		Int("items", len(reserved)).
		Bool("has_physical", hasPhysical).
		Msg("order created")

	return CreateResult{Order: order, Adjustments: adjustments, HasPhysical: hasPhysical}, nil
}

// ConfirmAddress stores the encrypted shipping address and moves the
// order into the plain payment-pending state. The service only ever sees
// ciphertext.
func (s *Service) ConfirmAddress(ctx context.Context, orderID string, ciphertext []byte, mode storage.EncryptionMode) error {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != storage.StatusPendingPaymentAndAddress {
		return apperrors.InvalidState(string(order.Status), string(storage.StatusPendingPaymentAndAddress))
	}
	if len(ciphertext) == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidAddress, "empty address ciphertext")
	}
	if mode != storage.EncryptionAES && mode != storage.EncryptionPGP {
		return apperrors.Newf(apperrors.ErrCodeInvalidAddress, "unknown encryption mode %q", mode)
	}

	if err := s.store.SaveShippingAddress(ctx, storage.ShippingAddress{
		OrderID:        orderID,
		Ciphertext:     ciphertext,
		EncryptionMode: mode,
		CreatedAt:      s.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save shipping address: %w", err)
	}

	if err := s.store.UpdateOrderStatus(ctx, orderID,
		[]storage.OrderStatus{storage.StatusPendingPaymentAndAddress},
		storage.StatusPendingPayment); err != nil {
		return fmt.Errorf("confirm address transition: %w", err)
	}
	s.metrics.ObserveTransition(string(storage.StatusPendingPaymentAndAddress), string(storage.StatusPendingPayment))
	return nil
}

// MarkShipped records shipment of a paid physical order.
func (s *Service) MarkShipped(ctx context.Context, orderID string) error {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != storage.StatusPaidAwaitingShipment {
		return apperrors.InvalidState(string(order.Status), string(storage.StatusPaidAwaitingShipment))
	}

	now := s.clock.Now().UTC()
	order.Status = storage.StatusShipped
	order.ShippedAt = &now
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("mark shipped: %w", err)
	}
	s.metrics.ObserveTransition(string(storage.StatusPaidAwaitingShipment), string(storage.StatusShipped))

	s.notifyUser(ctx, order.UserID, fmt.Sprintf("Your order %s has shipped.", order.ID))
	return nil
}

// notifyUser resolves the chat-platform id and sends. Delivery failures
// are logged, never propagated: notifications run after the state
// transition already committed.
func (s *Service) notifyUser(ctx context.Context, userID, message string) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("resolve user for notification")
		return
	}
	if err := s.notifier.NotifyUser(ctx, user.ExternalID, message); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("user notification failed")
	}
}
