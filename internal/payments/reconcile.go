package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/money"
	"github.com/shopbot/server/internal/orders"
	"github.com/shopbot/server/internal/processor"
	"github.com/shopbot/server/internal/storage"
)

// ProcessorEvent is the processor's webhook payload. Amounts arrive as
// decimal strings and are normalized to atomic units before anything
// touches them.
type ProcessorEvent struct {
	ID             int64  `json:"id"`
	PaymentType    string `json:"paymentType"` // DEPOSIT or PAYMENT
	IsPaid         bool   `json:"isPaid"`
	CryptoCurrency string `json:"cryptoCurrency"`
	CryptoAmount   string `json:"cryptoAmount"`
	FiatCurrency   string `json:"fiatCurrency"`
	FiatAmount     string `json:"fiatAmount"`
	Address        string `json:"address"`
}

// HandleProcessorEvent reconciles one processor webhook. Replays are
// detected through the processor transaction id and acknowledged without
// effect. An error means the event was not applied; the webhook layer
// still acknowledges it and escalates to admins, so recovery is manual
// rather than through processor redelivery.
func (s *Service) HandleProcessorEvent(ctx context.Context, ev ProcessorEvent) error {
	if _, err := s.store.GetPaymentByProcessorTxID(ctx, ev.ID); err == nil {
		s.logger.Debug().Int64("processor_tx_id", ev.ID).Msg("replayed payment event ignored")
		return nil
	}

	// An address the invoicing side issued means an order payment;
	// everything else is a wallet deposit.
	inv, err := s.store.GetInvoiceByAddress(ctx, ev.Address)
	if err != nil {
		return s.handleDeposit(ctx, ev)
	}
	return s.handlePayment(ctx, inv, ev)
}

func (s *Service) handleDeposit(ctx context.Context, ev ProcessorEvent) error {
	userID, err := s.store.LookupDepositAddress(ctx, ev.Address)
	if err != nil {
		s.logger.Warn().
			Int64("processor_tx_id", ev.ID).
			Str("address", ev.Address).
			Msg("payment event matches no invoice or deposit address")
		s.metrics.ObservePayment("deposit", "unmatched", ev.CryptoCurrency, 0)
		s.notifyAdmins(ctx, fmt.Sprintf(
			"Unmatched processor event %d on address %s; manual review needed.", ev.ID, ev.Address))
		return nil
	}

	if !ev.IsPaid {
		s.metrics.ObservePayment("deposit", "expired", ev.CryptoCurrency, 0)
		s.notifyUser(ctx, userID, "Your top-up payment window expired before the funds arrived. Request a new deposit address to try again.")
		return nil
	}

	fiatCents, cryptoAtomic, err := s.parseAmounts(ev)
	if err != nil {
		return err
	}

	result, err := s.store.ApplyDeposit(ctx, storage.DepositUpdate{
		Deposit: storage.Deposit{
			ID:              uuid.NewString(),
			ProcessorTxID:   ev.ID,
			UserID:          userID,
			CryptoCurrency:  ev.CryptoCurrency,
			CryptoAmount:    cryptoAtomic,
			FiatAmountCents: fiatCents,
			Address:         ev.Address,
			ReceivedAt:      s.clock.Now().UTC(),
		},
		UnbanThresholdCents: s.unbanThresholdCents(),
		UnbanReason:         "restored by wallet top-up",
	})
	if err != nil {
		return fmt.Errorf("apply deposit: %w", err)
	}
	if result.Duplicate {
		return nil
	}

	s.metrics.ObservePayment("deposit", "accepted", ev.CryptoCurrency, fiatCents)
	s.logger.Info().
		Str("user_id", userID).
		Int64("fiat_cents", fiatCents).
		Bool("unbanned", result.Unbanned).
		Msg("deposit credited")

	fiatAsset, _ := money.GetAsset(s.payment.Currency)
	s.notifyUser(ctx, userID, fmt.Sprintf("Your wallet was credited %s %s.",
		money.New(fiatAsset, fiatCents).ToMajor(), s.payment.Currency))
	if result.Unbanned {
		s.notifyUser(ctx, userID, "Your account has been restored. Existing strikes remain on record.")
		s.notifyAdmins(ctx, fmt.Sprintf("User %s restored by a qualifying wallet top-up.", userID))
	}
	return nil
}

func (s *Service) handlePayment(ctx context.Context, inv storage.Invoice, ev ProcessorEvent) error {
	if !ev.IsPaid {
		// The order sweep owns expiry; an unpaid invoice event carries no
		// money to account for.
		s.logger.Debug().
			Str("order_id", inv.OrderID).
			Int64("processor_tx_id", ev.ID).
			Msg("unpaid invoice event ignored")
		return nil
	}

	order, err := s.store.GetOrder(ctx, inv.OrderID)
	if err != nil {
		return fmt.Errorf("load order for payment: %w", err)
	}
	fiatCents, cryptoAtomic, err := s.parseAmounts(ev)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	tx := storage.PaymentTransaction{
		ID:              uuid.NewString(),
		ProcessorTxID:   ev.ID,
		InvoiceID:       inv.ID,
		OrderID:         order.ID,
		CryptoCurrency:  ev.CryptoCurrency,
		CryptoAmount:    cryptoAtomic,
		FiatAmountCents: fiatCents,
		PaymentAddress:  ev.Address,
		ReceivedAt:      now,
	}

	if order.Status.IsTerminal() {
		return s.handleDoublePayment(ctx, order, tx)
	}

	verdict := Classify(cryptoAtomic, inv.PaymentAmountCrypto,
		ev.CryptoCurrency, inv.CryptoCurrency, now, inv.ExpiresAt, s.payment.ToleranceOverpaymentPercent)
	s.metrics.ObserveVerdict(string(verdict))

	switch verdict {
	case VerdictExactMatch:
		return s.finalize(ctx, order, tx, 0)
	case VerdictMinorOverpayment:
		// Excess inside the tolerance band is forfeited.
		tx.IsOverpayment = true
		return s.finalize(ctx, order, tx, 0)
	case VerdictOverpayment:
		return s.handleOverpayment(ctx, order, inv, tx)
	case VerdictUnderpayment:
		return s.handleUnderpayment(ctx, order, inv, tx)
	case VerdictLatePayment:
		return s.handleLatePayment(ctx, order, tx)
	case VerdictCurrencyMismatch:
		return s.handleCurrencyMismatch(ctx, order, inv, tx)
	default:
		return fmt.Errorf("unhandled verdict %s", verdict)
	}
}

func (s *Service) finalize(ctx context.Context, order storage.Order, tx storage.PaymentTransaction, overpayCreditCents int64) error {
	if _, err := s.orders.Complete(ctx, order.ID, &tx, overpayCreditCents); err != nil {
		return err
	}
	s.metrics.ObservePayment("order", "accepted", tx.CryptoCurrency, tx.FiatAmountCents)
	return nil
}

// handleOverpayment completes the order and credits the fiat value of the
// excess to the wallet.
func (s *Service) handleOverpayment(ctx context.Context, order storage.Order, inv storage.Invoice, tx storage.PaymentTransaction) error {
	excess := tx.FiatAmountCents - inv.FiatAmountCents
	if excess < 0 {
		excess = 0
	}
	tx.IsOverpayment = true
	tx.WalletCreditCents = excess
	if err := s.finalize(ctx, order, tx, excess); err != nil {
		return err
	}
	if excess > 0 {
		fiatAsset, _ := money.GetAsset(order.Currency)
		s.notifyUser(ctx, order.UserID, fmt.Sprintf(
			"You paid more than invoiced; %s %s was credited to your wallet.",
			money.New(fiatAsset, excess).ToMajor(), order.Currency))
	}
	return nil
}

// handleUnderpayment takes the one-retry path on a first shortfall and
// cancels with penalty on a second.
func (s *Service) handleUnderpayment(ctx context.Context, order storage.Order, inv storage.Invoice, tx storage.PaymentTransaction) error {
	tx.IsUnderpayment = true

	if s.payment.UnderpaymentRetryEnabled && order.RetryCount == 0 {
		return s.issueRetryInvoice(ctx, order, inv, tx)
	}

	// Second shortfall (or retries disabled): the order dies as TIMEOUT
	// with the penalty applied to everything paid so far.
	tx.PenaltyApplied = true
	tx.PenaltyPercent = s.payment.UnderpaymentPenaltyPercent
	outcome, err := s.orders.CancelWithPayment(ctx, order.ID, orders.CancelByTimeout, &tx,
		s.payment.UnderpaymentPenaltyPercent)
	if err != nil {
		return err
	}
	s.metrics.ObservePayment("order", "underpaid", tx.CryptoCurrency, 0)
	s.logger.Info().
		Str("order_id", order.ID).
		Int64("refund_cents", outcome.RefundCents).
		Int64("penalty_cents", outcome.PenaltyCents).
		Msg("repeat underpayment cancelled order")
	return nil
}

func (s *Service) issueRetryInvoice(ctx context.Context, order storage.Order, inv storage.Invoice, tx storage.PaymentTransaction) error {
	remainingFiat := inv.FiatAmountCents - tx.FiatAmountCents
	if remainingFiat <= 0 {
		// Rounding in the processor's fiat valuation can report a crypto
		// shortfall with no fiat remainder; treat it as settled.
		return s.finalize(ctx, order, tx, 0)
	}

	quote, err := s.processor.CreateInvoice(ctx, processor.InvoiceRequest{
		OrderID:         order.ID,
		FiatAmountCents: remainingFiat,
		FiatCurrency:    order.Currency,
		CryptoCurrency:  inv.CryptoCurrency,
	})
	if err != nil {
		return err
	}
	number, err := s.numbers.Next(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInvoiceNumberExhaust, "allocate retry invoice number", err)
	}

	newExpiry := s.clock.Now().UTC().Add(time.Duration(s.payment.UnderpaymentRetryTimeoutMinutes) * time.Minute)
	retryInv := storage.Invoice{
		ID:                  uuid.NewString(),
		OrderID:             order.ID,
		InvoiceNumber:       number,
		FiatAmountCents:     remainingFiat,
		FiatCurrency:        order.Currency,
		CryptoCurrency:      inv.CryptoCurrency,
		PaymentAmountCrypto: quote.CryptoAmount,
		PaymentAddress:      quote.PaymentAddress,
		PaymentProcessingID: quote.ProcessingID,
		CreatedAt:           s.clock.Now().UTC(),
		ExpiresAt:           newExpiry,
		IsActive:            true,
	}
	if err := s.store.ApplyRetryInvoice(ctx, storage.RetryInvoiceUpdate{
		OrderID:     order.ID,
		Transaction: tx,
		NewInvoice:  retryInv,
		NewExpiry:   newExpiry,
	}); err != nil {
		return fmt.Errorf("apply retry invoice: %w", err)
	}

	s.metrics.ObserveTransition(string(order.Status), string(storage.StatusPendingPaymentPartial))
	s.metrics.ObservePayment("order", "underpaid", tx.CryptoCurrency, 0)
	s.logger.Info().
		Str("order_id", order.ID).
		Str("invoice_number", number).
		Int64("remaining_cents", remainingFiat).
		Msg("retry invoice issued for underpayment")

	fiatAsset, _ := money.GetAsset(order.Currency)
	s.notifyUser(ctx, order.UserID, fmt.Sprintf(
		"Your payment did not cover the full amount. Pay the remaining %s %s to address %s within %d minutes to keep the order.",
		money.New(fiatAsset, remainingFiat).ToMajor(), order.Currency,
		quote.PaymentAddress, s.payment.UnderpaymentRetryTimeoutMinutes))
	return nil
}

// handleLatePayment cancels the order and refunds the late funds minus the
// penalty. The cancel path owns the penalty math and the strike.
func (s *Service) handleLatePayment(ctx context.Context, order storage.Order, tx storage.PaymentTransaction) error {
	tx.IsLatePayment = true
	tx.PenaltyApplied = true
	tx.PenaltyPercent = s.payment.LatePenaltyPercent
	outcome, err := s.orders.CancelWithPayment(ctx, order.ID, orders.CancelByTimeout, &tx, orders.UseConfiguredPenalty)
	if err != nil {
		return err
	}
	s.metrics.ObservePayment("order", "late", tx.CryptoCurrency, 0)
	s.logger.Info().
		Str("order_id", order.ID).
		Int64("refund_cents", outcome.RefundCents).
		Int64("penalty_cents", outcome.PenaltyCents).
		Msg("late payment cancelled order")
	return nil
}

// handleDoublePayment credits the full fiat value of a payment that
// arrived after the order reached a terminal state.
func (s *Service) handleDoublePayment(ctx context.Context, order storage.Order, tx storage.PaymentTransaction) error {
	tx.WalletCreditCents = tx.FiatAmountCents
	if err := s.store.ApplyStrayPayment(ctx, order.UserID, tx); err != nil {
		if apperrors.Is(err, storage.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("apply double payment: %w", err)
	}
	s.metrics.ObservePayment("order", "double", tx.CryptoCurrency, 0)
	s.logger.Info().
		Str("order_id", order.ID).
		Int64("fiat_cents", tx.FiatAmountCents).
		Msg("double payment credited to wallet")

	fiatAsset, _ := money.GetAsset(order.Currency)
	s.notifyUser(ctx, order.UserID, fmt.Sprintf(
		"Order %s was already settled; your extra payment of %s %s was credited to your wallet.",
		order.ID, money.New(fiatAsset, tx.FiatAmountCents).ToMajor(), order.Currency))
	return nil
}

// handleCurrencyMismatch records the payment for audit without crediting
// anything and escalates to the administrators.
func (s *Service) handleCurrencyMismatch(ctx context.Context, order storage.Order, inv storage.Invoice, tx storage.PaymentTransaction) error {
	if err := s.store.ApplyStrayPayment(ctx, order.UserID, tx); err != nil {
		if apperrors.Is(err, storage.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("record mismatched payment: %w", err)
	}
	s.metrics.ObservePayment("order", "currency_mismatch", tx.CryptoCurrency, 0)
	s.logger.Warn().
		Str("order_id", order.ID).
		Str("received_currency", tx.CryptoCurrency).
		Str("invoiced_currency", inv.CryptoCurrency).
		Int64("processor_tx_id", tx.ProcessorTxID).
		Msg("payment in wrong currency held for manual resolution")

	s.notifyAdmins(ctx, fmt.Sprintf(
		"Order %s received %s but was invoiced in %s (processor tx %d). No credit applied; manual resolution needed.",
		order.ID, tx.CryptoCurrency, inv.CryptoCurrency, tx.ProcessorTxID))
	return nil
}

// parseAmounts normalizes the event's decimal strings to atomic units.
func (s *Service) parseAmounts(ev ProcessorEvent) (fiatCents, cryptoAtomic int64, err error) {
	fiatAsset, err := money.GetAsset(ev.FiatCurrency)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrCodeCurrencyMismatch, "unknown fiat currency in event", err)
	}
	fiat, err := money.FromMajor(fiatAsset, ev.FiatAmount)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrCodeInvalidAmount, "malformed fiat amount", err)
	}
	cryptoAsset, err := money.GetAsset(ev.CryptoCurrency)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrCodeCurrencyMismatch, "unknown crypto currency in event", err)
	}
	crypto, err := money.FromMajor(cryptoAsset, ev.CryptoAmount)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrCodeInvalidAmount, "malformed crypto amount", err)
	}
	return fiat.Atomic, crypto.Atomic, nil
}

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

func (s *Service) notifyAdmins(ctx context.Context, message string) {
	if err := s.notifier.NotifyAdmins(ctx, message); err != nil {
		s.logger.Warn().Err(err).Msg("admin notification failed")
	}
}
