package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/storage"
)

// Complete finalizes a fully paid order: status first (so recovery can
// detect a partial finalization by status alone), then items sold, then
// the buy-history record, then digital delivery through the notification
// port. The payment ledger entry and any overpayment credit ride in the
// same transaction.
func (s *Service) Complete(ctx context.Context, orderID string, tx *storage.PaymentTransaction, overpayCreditCents int64) (storage.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return storage.Order{}, err
	}
	if order.Status.IsTerminal() {
		// Duplicate completion guard.
		return storage.Order{}, apperrors.InvalidState(string(order.Status), "a pending status")
	}

	// Read the reserved rows before the store clears their order
	// reference: the snapshot and the digital payloads both come from
	// this read.
	items, err := s.reservation.ItemsFor(ctx, orderID)
	if err != nil {
		return storage.Order{}, fmt.Errorf("load reserved items: %w", err)
	}

	hasPhysical := false
	var digitalPayloads []string
	for _, item := range items {
		if item.IsPhysical {
			hasPhysical = true
		} else if item.PrivateData != "" {
			digitalPayloads = append(digitalPayloads, item.PrivateData)
		}
	}

	newStatus := storage.StatusPaid
	if hasPhysical {
		newStatus = storage.StatusPaidAwaitingShipment
	}

	now := s.clock.Now().UTC()
	upd := storage.CompletionUpdate{
		OrderID:            orderID,
		UserID:             order.UserID,
		FromStatus:         order.Status,
		NewStatus:          newStatus,
		PaidAt:             now,
		Transaction:        tx,
		WalletCreditCents:  overpayCreditCents,
		DeactivateInvoices: true,
		Purchase: &storage.Purchase{
			ID:         uuid.NewString(),
			OrderID:    orderID,
			UserID:     order.UserID,
			ItemsJSON:  marshalSnapshots(snapshotItems(items)),
			TotalCents: order.TotalPriceCents,
			CreatedAt:  now,
		},
	}
	if err := s.store.ApplyCompletion(ctx, upd); err != nil {
		if apperrors.Is(err, storage.ErrStatusConflict) {
			// Lost the race to another finalization or a cancellation.
			return storage.Order{}, apperrors.InvalidState(string(order.Status), "a pending status")
		}
		return storage.Order{}, fmt.Errorf("apply completion: %w", err)
	}

	s.metrics.ObserveTransition(string(order.Status), string(newStatus))
	s.logger.Info().
		Str("order_id", orderID).
		Str("status", string(newStatus)).
		Int("items", len(items)).
		Int64("overpay_credit_cents", overpayCreditCents).
		Msg("order completed")

	message := fmt.Sprintf("Payment received. Order %s is complete.", orderID)
	if hasPhysical {
		message = fmt.Sprintf("Payment received. Order %s will ship to your confirmed address.", orderID)
	}
	if len(digitalPayloads) > 0 {
		message += "\n\nYour items:\n" + strings.Join(digitalPayloads, "\n")
	}
	s.notifyUser(ctx, order.UserID, message)

	order.Status = newStatus
	order.PaidAt = &now
	return order, nil
}
