package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/config"
	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/invoice"
	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/money"
	"github.com/shopbot/server/internal/notify"
	"github.com/shopbot/server/internal/orders"
	"github.com/shopbot/server/internal/processor"
	"github.com/shopbot/server/internal/storage"
)

// Service owns the payment side of the order lifecycle: checkout invoicing
// with wallet application, processor webhook reconciliation, and wallet
// top-ups.
type Service struct {
	store     storage.Store
	orders    *orders.Service
	processor processor.Client
	numbers   *invoice.Generator
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	logger    zerolog.Logger

	payment config.PaymentsConfig
	strikes config.StrikesConfig
}

// NewService constructs the payment service.
func NewService(
	store storage.Store,
	ordersSvc *orders.Service,
	proc processor.Client,
	numbers *invoice.Generator,
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
		store:     store,
		orders:    ordersSvc,
		processor: proc,
		numbers:   numbers,
		notifier:  notifier,
		metrics:   m,
		clock:     clock,
		logger:    logger.With().Str("component", "payments").Logger(),
		payment:   cfg.Payments,
		strikes:   cfg.Strikes,
	}
}

// CheckoutResult reports what checkout produced: either a crypto invoice
// awaiting payment or, when the wallet covered everything, a completed
// order.
type CheckoutResult struct {
	Order           storage.Order
	Invoice         storage.Invoice
	WalletUsedCents int64
	RemainingCents  int64
	Completed       bool
}

// Checkout applies the wallet to an order and issues a crypto invoice for
// whatever remains. The wallet is debited up front; a wallet that covers
// the full price completes the order with no processor round-trip at all.
// Calling Checkout again while an invoice is live returns that invoice.
func (s *Service) Checkout(ctx context.Context, orderID, cryptoCurrency string) (CheckoutResult, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if order.Status == storage.StatusPendingPaymentAndAddress {
		return CheckoutResult{}, apperrors.New(apperrors.ErrCodeMissingAddress,
			"shipping address must be confirmed before payment")
	}
	if order.Status != storage.StatusPendingPayment {
		return CheckoutResult{}, apperrors.InvalidState(string(order.Status), string(storage.StatusPendingPayment))
	}

	if existing, err := s.store.GetActiveInvoice(ctx, orderID); err == nil {
		return CheckoutResult{
			Order:           order,
			Invoice:         existing,
			WalletUsedCents: order.WalletUsedCents,
			RemainingCents:  existing.FiatAmountCents,
		}, nil
	}

	user, err := s.store.GetUser(ctx, order.UserID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("load order owner: %w", err)
	}

	walletUsed := user.BalanceCents
	if walletUsed > order.TotalPriceCents {
		walletUsed = order.TotalPriceCents
	}
	if walletUsed > 0 {
		if err := s.store.DebitWallet(ctx, order.UserID, walletUsed); err != nil {
			return CheckoutResult{}, fmt.Errorf("apply wallet: %w", err)
		}
		order.WalletUsedCents = walletUsed
		if err := s.store.UpdateOrder(ctx, order); err != nil {
			s.refundWalletDebit(ctx, order.UserID, walletUsed)
			return CheckoutResult{}, fmt.Errorf("record wallet usage: %w", err)
		}
	}
	remaining := order.TotalPriceCents - walletUsed

	if remaining == 0 {
		return s.completeWalletOnly(ctx, order, walletUsed)
	}

	inv, err := s.issueCryptoInvoice(ctx, order, remaining, cryptoCurrency)
	if err != nil {
		if walletUsed > 0 {
			s.refundWalletDebit(ctx, order.UserID, walletUsed)
			order.WalletUsedCents = 0
			if uerr := s.store.UpdateOrder(ctx, order); uerr != nil {
				s.logger.Error().Err(uerr).Str("order_id", order.ID).Msg("reset wallet usage after invoice failure")
			}
		}
		return CheckoutResult{}, err
	}

	s.logger.Info().
		Str("order_id", order.ID).
		Str("invoice_number", inv.InvoiceNumber).
		Int64("wallet_used_cents", walletUsed).
		Int64("remaining_cents", remaining).
		Str("crypto_currency", inv.CryptoCurrency).
		Msg("crypto invoice issued")

	return CheckoutResult{
		Order:           order,
		Invoice:         inv,
		WalletUsedCents: walletUsed,
		RemainingCents:  remaining,
	}, nil
}

// completeWalletOnly records a settled wallet-only invoice for the audit
// trail and finalizes the order without touching the processor.
func (s *Service) completeWalletOnly(ctx context.Context, order storage.Order, walletUsed int64) (CheckoutResult, error) {
	number, err := s.numbers.Next(ctx)
	if err != nil {
		s.refundWalletDebit(ctx, order.UserID, walletUsed)
		return CheckoutResult{}, apperrors.Wrap(apperrors.ErrCodeInvoiceNumberExhaust, "allocate invoice number", err)
	}
	now := s.clock.Now().UTC()
	inv := storage.Invoice{
		ID:              uuid.NewString(),
		OrderID:         order.ID,
		InvoiceNumber:   number,
		FiatAmountCents: order.TotalPriceCents,
		FiatCurrency:    order.Currency,
		CreatedAt:       now,
		ExpiresAt:       order.ExpiresAt,
		IsActive:        true,
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		s.refundWalletDebit(ctx, order.UserID, walletUsed)
		return CheckoutResult{}, fmt.Errorf("record wallet invoice: %w", err)
	}

	completed, err := s.orders.Complete(ctx, order.ID, nil, 0)
	if err != nil {
		return CheckoutResult{}, err
	}
	s.metrics.ObservePayment("wallet", "accepted", "", order.TotalPriceCents)

	return CheckoutResult{
		Order:           completed,
		Invoice:         inv,
		WalletUsedCents: walletUsed,
		Completed:       true,
	}, nil
}

func (s *Service) issueCryptoInvoice(ctx context.Context, order storage.Order, fiatCents int64, cryptoCurrency string) (storage.Invoice, error) {
	quote, err := s.processor.CreateInvoice(ctx, processor.InvoiceRequest{
		OrderID:         order.ID,
		FiatAmountCents: fiatCents,
		FiatCurrency:    order.Currency,
		CryptoCurrency:  cryptoCurrency,
	})
	if err != nil {
		return storage.Invoice{}, err
	}
	number, err := s.numbers.Next(ctx)
	if err != nil {
		return storage.Invoice{}, apperrors.Wrap(apperrors.ErrCodeInvoiceNumberExhaust, "allocate invoice number", err)
	}

	// The tighter of the order deadline and the processor quote lifetime
	// wins: a paid-but-expired quote would bounce at the processor anyway.
	deadline := order.ExpiresAt
	if !quote.ExpiresAt.IsZero() && quote.ExpiresAt.Before(deadline) {
		deadline = quote.ExpiresAt
	}

	inv := storage.Invoice{
		ID:                  uuid.NewString(),
		OrderID:             order.ID,
		InvoiceNumber:       number,
		FiatAmountCents:     fiatCents,
		FiatCurrency:        order.Currency,
		CryptoCurrency:      cryptoCurrency,
		PaymentAmountCrypto: quote.CryptoAmount,
		PaymentAddress:      quote.PaymentAddress,
		PaymentProcessingID: quote.ProcessingID,
		CreatedAt:           s.clock.Now().UTC(),
		ExpiresAt:           deadline,
		IsActive:            true,
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return storage.Invoice{}, fmt.Errorf("record invoice: %w", err)
	}
	return inv, nil
}

// refundWalletDebit undoes a checkout wallet debit after a later step
// failed. Failure here is logged loudly: it means stranded funds.
func (s *Service) refundWalletDebit(ctx context.Context, userID string, amountCents int64) {
	if amountCents <= 0 {
		return
	}
	if err := s.store.CreditWallet(ctx, userID, amountCents); err != nil {
		s.logger.Error().Err(err).
			Str("user_id", userID).
			Int64("amount_cents", amountCents).
			Msg("wallet refund after failed checkout did not apply")
	}
}

// DepositIntent is an issued top-up address: pay this much of this
// currency to this address and the wallet is credited on confirmation.
type DepositIntent struct {
	Address         string
	CryptoCurrency  string
	CryptoAmount    int64
	FiatAmountCents int64
	ExpiresAt       time.Time
}

// RequestDeposit issues a processor invoice for a wallet top-up and maps
// its payment address to the user so the confirmation webhook can find
// them. Blocked users may deposit; a large enough top-up lifts the ban.
func (s *Service) RequestDeposit(ctx context.Context, userID, cryptoCurrency string, fiatAmountCents int64) (DepositIntent, error) {
	if fiatAmountCents <= 0 {
		return DepositIntent{}, apperrors.New(apperrors.ErrCodeInvalidAmount, "deposit amount must be positive")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return DepositIntent{}, apperrors.New(apperrors.ErrCodeUserNotFound, "user not found")
		}
		return DepositIntent{}, err
	}

	quote, err := s.processor.CreateInvoice(ctx, processor.InvoiceRequest{
		OrderID:         "deposit:" + user.ID,
		FiatAmountCents: fiatAmountCents,
		FiatCurrency:    s.payment.Currency,
		CryptoCurrency:  cryptoCurrency,
	})
	if err != nil {
		return DepositIntent{}, err
	}
	if err := s.store.RegisterDepositAddress(ctx, quote.PaymentAddress, user.ID); err != nil {
		return DepositIntent{}, fmt.Errorf("register deposit address: %w", err)
	}

	s.logger.Info().
		Str("user_id", user.ID).
		Str("crypto_currency", cryptoCurrency).
		Int64("fiat_cents", fiatAmountCents).
		Msg("deposit address issued")

	return DepositIntent{
		Address:         quote.PaymentAddress,
		CryptoCurrency:  cryptoCurrency,
		CryptoAmount:    quote.CryptoAmount,
		FiatAmountCents: fiatAmountCents,
		ExpiresAt:       quote.ExpiresAt,
	}, nil
}

// unbanThresholdCents parses the configured minimum top-up that lifts a
// ban. Zero (unset or malformed) disables deposit-driven unbans.
func (s *Service) unbanThresholdCents() int64 {
	if s.strikes.UnbanTopUpAmount == "" {
		return 0
	}
	asset, err := money.GetAsset(s.payment.Currency)
	if err != nil {
		return 0
	}
	amount, err := money.FromMajor(asset, s.strikes.UnbanTopUpAmount)
	if err != nil {
		s.logger.Warn().Err(err).Str("value", s.strikes.UnbanTopUpAmount).Msg("malformed unban top-up amount")
		return 0
	}
	return amount.Atomic
}
