package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/money"
	"github.com/shopbot/server/internal/storage"
)

// cancellableBy reports whether the order can be cancelled for the given
// reason. Admins may additionally pull back paid physical orders that
// have not shipped.
func cancellableBy(status storage.OrderStatus, reason CancelReason) bool {
	if status.IsPending() || status == storage.StatusPaid {
		return true
	}
	return reason == CancelByAdmin && status == storage.StatusPaidAwaitingShipment
}

// Cancel terminates an order: computes the refund (partial for mixed
// orders), applies penalties and strikes for penalty-bearing
// cancellations, releases or restocks inventory, and notifies the buyer.
//
// Notification payloads are built before inventory is touched so the
// message reflects the items as the user saw them; the terminal status is
// written before any data rewrite so recovery can always trust status.
func (s *Service) Cancel(ctx context.Context, orderID string, reason CancelReason, refundWallet bool, customReason string) (CancelOutcome, error) {
	return s.cancel(ctx, orderID, reason, refundWallet, customReason, nil, 0)
}

// UseConfiguredPenalty tells CancelWithPayment to apply the configured
// late penalty. An explicit 0 is a genuine zero-percent override.
const UseConfiguredPenalty = -1

// CancelWithPayment cancels while recording the payment that triggered the
// cancellation (a second underpayment or a late payment) in the same
// atomic unit. The transaction's fiat amount counts toward the refund.
// penaltyPercent overrides the configured late penalty; pass
// UseConfiguredPenalty to keep the configured rate.
func (s *Service) CancelWithPayment(ctx context.Context, orderID string, reason CancelReason, tx *storage.PaymentTransaction, penaltyPercent int) (CancelOutcome, error) {
	return s.cancel(ctx, orderID, reason, true, "", tx, penaltyPercent)
}

func (s *Service) cancel(ctx context.Context, orderID string, reason CancelReason, refundWallet bool, customReason string, tx *storage.PaymentTransaction, penaltyPercent int) (CancelOutcome, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return CancelOutcome{}, err
	}
	if order.Status.IsTerminal() && order.Status != storage.StatusPaid {
		return CancelOutcome{}, apperrors.New(apperrors.ErrCodeOrderCancelled, "order already terminal").
			WithDetail("status", string(order.Status))
	}
	if !cancellableBy(order.Status, reason) {
		return CancelOutcome{}, apperrors.InvalidState(string(order.Status), "a cancellable status")
	}

	user, err := s.store.GetUser(ctx, order.UserID)
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("load order owner: %w", err)
	}

	now := s.clock.Now().UTC()
	grace := time.Duration(s.orders.CancelGracePeriodMinutes) * time.Minute
	withinGrace := now.Sub(order.CreatedAt) <= grace

	// Only user cancellations inside the grace window and admin
	// cancellations are penalty-free. Timeouts always carry the penalty.
	penaltyFree := (reason == CancelByUser && withinGrace) || reason == CancelByAdmin

	var extraPaidCents int64
	if tx != nil {
		extraPaidCents = tx.FiatAmountCents
	}

	if penaltyPercent < 0 {
		penaltyPercent = s.payment.LatePenaltyPercent
	}

	snaps, wasSold := s.itemSnapshots(ctx, order)
	breakdown, walletCredit, walletDebit := s.computeRefund(ctx, order, user, snaps, extraPaidCents, penaltyPercent, penaltyFree, refundWallet)

	// Message built from the snapshot, before anything is released.
	userMessage := cancellationMessage(order, reason, breakdown)

	upd := storage.CancellationUpdate{
		OrderID:             order.ID,
		UserID:              order.UserID,
		FromStatus:          order.Status,
		NewStatus:           reason.terminalStatus(),
		CancelledAt:         now,
		CancellationReason:  cancellationReasonText(reason, customReason),
		ItemsSnapshot:       marshalSnapshots(snaps),
		RefundBreakdown:     marshalBreakdown(breakdown),
		WalletCreditCents:   walletCredit,
		WalletDebitCents:    walletDebit,
		Transaction:         tx,
		MaxStrikesBeforeBan: s.strikes.MaxStrikesBeforeBan,
		BanExempt:           user.IsAdmin && s.strikes.ExemptAdminsFromBan,
	}
	if wasSold {
		upd.Restocks = restocksFromSnapshots(snaps)
	} else {
		upd.ReleaseReserved = true
	}

	strikeType := strikeTypeFor(reason, withinGrace)
	if !penaltyFree && strikeType != "" && !(user.IsAdmin && s.strikes.ExemptAdminsFromBan) {
		upd.Strike = &storage.Strike{
			ID:        uuid.NewString(),
			UserID:    order.UserID,
			OrderID:   order.ID,
			Type:      strikeType,
			Reason:    fmt.Sprintf("order %s cancelled: %s", order.ID, reason),
			CreatedAt: now,
		}
	}

	result, err := s.store.ApplyCancellation(ctx, upd)
	if apperrors.Is(err, storage.ErrStatusConflict) {
		// A concurrent cancellation or completion moved the order after
		// the refund was computed. Nothing was written on this side.
		return CancelOutcome{}, apperrors.New(apperrors.ErrCodeOrderCancelled, "order already terminal")
	}
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("apply cancellation: %w", err)
	}

	s.metrics.ObserveTransition(string(order.Status), string(upd.NewStatus))
	if walletCredit > 0 || breakdown.PenaltyCents > 0 {
		s.metrics.ObserveRefund(string(reason), walletCredit, breakdown.PenaltyCents)
	}
	if result.StrikeAdded {
		s.metrics.ObserveStrike(string(strikeType), result.Banned)
	}

	s.logger.Info().
		Str("order_id", order.ID).
		Str("reason", string(reason)).
		Int64("refund_cents", walletCredit).
		Int64("penalty_cents", breakdown.PenaltyCents).
		Bool("strike_added", result.StrikeAdded).
		Bool("banned", result.Banned).
		Msg("order cancelled")

	s.notifyUser(ctx, order.UserID, userMessage)
	if result.Banned {
		s.notifyUser(ctx, order.UserID, fmt.Sprintf(
			"Your account has been blocked after %d strikes. Top up your wallet to restore access.",
			result.StrikeCount))
		if err := s.notifier.NotifyAdmins(ctx, fmt.Sprintf(
			"User %s blocked after %d strikes (order %s).", user.ExternalID, result.StrikeCount, order.ID)); err != nil {
			s.logger.Warn().Err(err).Msg("admin ban notification failed")
		}
	}

	order.Status = upd.NewStatus
	order.CancelledAt = &now
	return CancelOutcome{
		Order:             order,
		RefundCents:       walletCredit,
		PenaltyCents:      breakdown.PenaltyCents,
		ReservationFee:    walletDebit,
		StrikeAdded:       result.StrikeAdded,
		StrikeCount:       result.StrikeCount,
		Banned:            result.Banned,
		WithinGracePeriod: withinGrace,
	}, nil
}

// itemSnapshots resolves the items belonging to an order. Pending orders
// still hold reserved rows; paid orders lost the back-reference at
// completion, so the purchase record is the source.
func (s *Service) itemSnapshots(ctx context.Context, order storage.Order) ([]ItemSnapshot, bool) {
	switch order.Status {
	case storage.StatusPaid, storage.StatusPaidAwaitingShipment:
		if purchase, err := s.store.GetPurchaseByOrder(ctx, order.ID); err == nil {
			return unmarshalSnapshots(purchase.ItemsJSON), true
		}
		return unmarshalSnapshots(order.ItemsSnapshot), true
	default:
		items, err := s.reservation.ItemsFor(ctx, order.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("order_id", order.ID).Msg("load reserved items for snapshot")
			return nil, false
		}
		return snapshotItems(items), false
	}
}

// computeRefund applies the refund policy:
//   - total paid = wallet_used + every recorded processor payment
//   - mixed orders refund only the physical share plus shipping (digital
//     goods were already delivered)
//   - penalty-bearing cancellations withhold penaltyPercent of the
//     refundable base, rounded half-to-even at cents
//   - with nothing paid, a penalty-bearing cancellation charges a
//     reservation fee against whatever wallet balance exists
func (s *Service) computeRefund(
	ctx context.Context,
	order storage.Order,
	user storage.User,
	snaps []ItemSnapshot,
	extraPaidCents int64,
	penaltyPercent int,
	penaltyFree, refundWallet bool,
) (RefundBreakdown, int64, int64) {
	fiat := money.MustGetAsset(order.Currency)

	totalPaid := order.WalletUsedCents + extraPaidCents
	payments, err := s.store.ListPaymentsByOrder(ctx, order.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", order.ID).Msg("load payments for refund")
	}
	for _, tx := range payments {
		totalPaid += tx.FiatAmountCents
	}

	hasDigital, hasPhysical := false, false
	var physicalCents int64
	for _, snap := range snaps {
		if snap.IsPhysical {
			hasPhysical = true
			physicalCents += snap.PriceCents
		} else {
			hasDigital = true
		}
	}
	mixed := hasDigital && hasPhysical

	refundableBase := totalPaid
	if mixed {
		refundableBase = physicalCents + order.ShippingCostCents
		if refundableBase > totalPaid {
			refundableBase = totalPaid
		}
	}

	breakdown := RefundBreakdown{
		TotalPaidCents:      totalPaid,
		RefundableBaseCents: refundableBase,
		MixedOrder:          mixed,
	}

	if totalPaid > 0 {
		finalRefund := refundableBase
		if !penaltyFree {
			penalty, err := money.New(fiat, refundableBase).MulPercent(int64(penaltyPercent))
			if err == nil {
				breakdown.PenaltyPercent = penaltyPercent
				breakdown.PenaltyCents = penalty.Atomic
				finalRefund = refundableBase - penalty.Atomic
			}
		}
		breakdown.FinalRefundCents = finalRefund
		if !refundWallet {
			return breakdown, 0, 0
		}
		return breakdown, finalRefund, 0
	}

	// Nothing was paid. A penalty-bearing cancellation still charges a
	// reservation fee when the user holds wallet balance.
	if !penaltyFree && user.BalanceCents > 0 {
		feeBase := order.TotalPriceCents
		if user.BalanceCents < feeBase {
			feeBase = user.BalanceCents
		}
		fee, err := money.New(fiat, feeBase).MulPercent(int64(penaltyPercent))
		if err == nil && fee.Atomic > 0 {
			breakdown.PenaltyPercent = penaltyPercent
			breakdown.ReservationFeeCents = fee.Atomic
			return breakdown, 0, fee.Atomic
		}
	}
	return breakdown, 0, 0
}

func strikeTypeFor(reason CancelReason, withinGrace bool) storage.StrikeType {
	switch reason {
	case CancelByTimeout:
		return storage.StrikeTimeout
	case CancelByUser:
		if !withinGrace {
			return storage.StrikeLateCancel
		}
	}
	return ""
}

func cancellationReasonText(reason CancelReason, custom string) string {
	if custom != "" {
		return custom
	}
	switch reason {
	case CancelByUser:
		return "cancelled by user"
	case CancelByAdmin:
		return "cancelled by administrator"
	case CancelByTimeout:
		return "payment window elapsed"
	default:
		return "cancelled"
	}
}

func cancellationMessage(order storage.Order, reason CancelReason, b RefundBreakdown) string {
	fiat := money.MustGetAsset(order.Currency)
	switch {
	case b.FinalRefundCents > 0:
		return fmt.Sprintf("Order %s was cancelled (%s). %s %s refunded to your wallet.",
			order.ID, reason, money.New(fiat, b.FinalRefundCents).ToMajor(), order.Currency)
	case b.ReservationFeeCents > 0:
		return fmt.Sprintf("Order %s was cancelled (%s). A reservation fee of %s %s was charged.",
			order.ID, reason, money.New(fiat, b.ReservationFeeCents).ToMajor(), order.Currency)
	default:
		return fmt.Sprintf("Order %s was cancelled (%s).", order.ID, reason)
	}
}

func marshalBreakdown(b RefundBreakdown) []byte {
	data, err := json.Marshal(b)
	if err != nil {
		return nil
	}
	return data
}
