// Package payments orchestrates checkout invoicing and reconciles
// confirmed processor payments against what each invoice asked for.
package payments

import (
	"strings"
	"time"

	"github.com/shopbot/server/internal/money"
)

// Verdict classifies a confirmed payment against its invoice.
type Verdict string

const (
	VerdictExactMatch       Verdict = "EXACT_MATCH"
	VerdictMinorOverpayment Verdict = "MINOR_OVERPAYMENT"
	VerdictOverpayment      Verdict = "OVERPAYMENT"
	VerdictUnderpayment     Verdict = "UNDERPAYMENT"
	VerdictLatePayment      Verdict = "LATE_PAYMENT"
	VerdictCurrencyMismatch Verdict = "CURRENCY_MISMATCH"
)

// Classify compares a confirmed payment with the invoice it answers.
// Checks run in precedence order: a wrong currency makes the amount
// meaningless, and a payment past the deadline is late no matter how much
// arrived. Amounts are atomic units of the invoice currency;
// tolerancePercent bounds the band forgiven as a minor overpayment.
func Classify(paid, required int64, paidCurrency, requiredCurrency string, now, deadline time.Time, tolerancePercent int) Verdict {
	if !strings.EqualFold(paidCurrency, requiredCurrency) {
		return VerdictCurrencyMismatch
	}
	if now.After(deadline) {
		return VerdictLatePayment
	}
	switch {
	case paid == required:
		return VerdictExactMatch
	case paid < required:
		return VerdictUnderpayment
	}
	return classifyOverpayment(paid, required, requiredCurrency, tolerancePercent)
}

func classifyOverpayment(paid, required int64, currency string, tolerancePercent int) Verdict {
	asset, err := money.GetAsset(currency)
	if err != nil {
		// Unknown asset cannot carry a tolerance band.
		return VerdictOverpayment
	}
	tolerance, err := money.New(asset, required).MulPercent(int64(tolerancePercent))
	if err != nil {
		return VerdictOverpayment
	}
	if paid <= required+tolerance.Atomic {
		return VerdictMinorOverpayment
	}
	return VerdictOverpayment
}
