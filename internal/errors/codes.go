package errors

// ErrorCode represents a machine-readable error identifier. Handlers and
// notification code switch on these to produce deterministic user-visible
// messages without parsing free-form text.
type ErrorCode string

// Order errors
const (
	ErrCodeOrderNotFound     ErrorCode = "order_not_found"
	ErrCodeOrderExpired      ErrorCode = "order_expired"
	ErrCodeOrderCancelled    ErrorCode = "order_already_cancelled"
	ErrCodeOrderInvalidState ErrorCode = "order_invalid_state"
	ErrCodeInsufficientStock ErrorCode = "insufficient_stock"
	ErrCodeOrderNotOwned     ErrorCode = "order_ownership_violation"
)

// Payment errors
const (
	ErrCodePaymentNotFound      ErrorCode = "payment_not_found"
	ErrCodeInvalidAmount        ErrorCode = "payment_invalid_amount"
	ErrCodePaymentProcessed     ErrorCode = "payment_already_processed"
	ErrCodeCryptoNotSelected    ErrorCode = "cryptocurrency_not_selected"
	ErrCodeCurrencyMismatch     ErrorCode = "payment_currency_mismatch"
	ErrCodeInvoiceNumberExhaust ErrorCode = "invoice_number_exhausted"
)

// Item errors
const (
	ErrCodeItemNotFound    ErrorCode = "item_not_found"
	ErrCodeItemSold        ErrorCode = "item_already_sold"
	ErrCodeItemInvalidData ErrorCode = "item_invalid_data"
	ErrCodeTierPricing     ErrorCode = "tier_pricing_failure"
)

// Cart errors
const (
	ErrCodeCartEmpty        ErrorCode = "cart_empty"
	ErrCodeCartItemNotFound ErrorCode = "cart_item_not_found"
	ErrCodeCartInvalidState ErrorCode = "cart_invalid_state"
)

// User errors
const (
	ErrCodeUserNotFound        ErrorCode = "user_not_found"
	ErrCodeUserBanned          ErrorCode = "user_banned"
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
)

// Shipping errors
const (
	ErrCodeMissingAddress      ErrorCode = "shipping_missing_address"
	ErrCodeInvalidAddress      ErrorCode = "shipping_invalid_address"
	ErrCodePGPKeyNotConfigured ErrorCode = "shipping_pgp_key_not_configured"
	ErrCodeDomainNotConfigured ErrorCode = "shipping_domain_not_configured"
)

// Backup errors
const (
	ErrCodeBackupEncryptionDisabled    ErrorCode = "backup_encryption_disabled"
	ErrCodeBackupEncryptionUnavailable ErrorCode = "backup_encryption_unavailable"
	ErrCodeBackupEncryptionFailed      ErrorCode = "backup_encryption_failed"
	ErrCodeBackupCreationFailed        ErrorCode = "backup_creation_failed"
)

// External / internal errors
const (
	ErrCodeProcessorError ErrorCode = "payment_processor_error"
	ErrCodeNetworkError   ErrorCode = "network_error"
	ErrCodeInternalError  ErrorCode = "internal_error"
	ErrCodeDatabaseError  ErrorCode = "database_error"
	ErrCodeConfigError    ErrorCode = "config_error"
	ErrCodeBadRequest     ErrorCode = "bad_request"
	ErrCodeRateLimited    ErrorCode = "rate_limited"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not business
// rule violations.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeProcessorError,
		ErrCodeNetworkError,
		ErrCodeDatabaseError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
// Webhook handlers deliberately do NOT use this for the payment-processor
// endpoint (which always answers 200 for a validly signed payload).
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeOrderNotFound,
		ErrCodePaymentNotFound,
		ErrCodeItemNotFound,
		ErrCodeCartItemNotFound,
		ErrCodeUserNotFound:
		return 404

	case ErrCodeOrderInvalidState,
		ErrCodeOrderCancelled,
		ErrCodePaymentProcessed,
		ErrCodeItemSold,
		ErrCodeCartInvalidState:
		return 409

	case ErrCodeOrderExpired,
		ErrCodeInvalidAmount,
		ErrCodeCurrencyMismatch,
		ErrCodeCryptoNotSelected,
		ErrCodeItemInvalidData,
		ErrCodeCartEmpty,
		ErrCodeMissingAddress,
		ErrCodeInvalidAddress,
		ErrCodeBadRequest:
		return 400

	case ErrCodeRateLimited:
		return 429

	case ErrCodeOrderNotOwned,
		ErrCodeUserBanned:
		return 403

	case ErrCodeInsufficientStock,
		ErrCodeInsufficientBalance:
		return 422

	case ErrCodeProcessorError,
		ErrCodeNetworkError:
		return 502

	default:
		return 500
	}
}
