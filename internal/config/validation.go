package config

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopbot/server/internal/money"
)

// minSecretLength is the minimum byte length for webhook and encryption
// secrets. Anything shorter is refused at startup.
const minSecretLength = 32

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Webhooks.ChatPath == "" {
		c.Webhooks.ChatPath = "/webhook/chat"
	}
	if c.Webhooks.ProcessorPath == "" {
		c.Webhooks.ProcessorPath = "/webhook/payments"
	}
	if c.Scheduler.SweepInterval.Duration <= 0 {
		c.Scheduler.SweepInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Processor.Timeout.Duration <= 0 {
		c.Processor.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Notify.Timeout.Duration <= 0 {
		c.Notify.Timeout = Duration{Duration: 5 * time.Second}
	}
	if c.Backup.Directory == "" {
		c.Backup.Directory = "./data/backups"
	}
	if c.RateLimit.DefaultMaxCount <= 0 {
		c.RateLimit.DefaultMaxCount = 30
	}
	if c.RateLimit.DefaultWindow.Duration <= 0 {
		c.RateLimit.DefaultWindow = Duration{Duration: 1 * time.Minute}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
// Secrets that authenticate webhooks or encrypt addresses are checked for
// minimum length here so a weak deployment never comes up.
func (c *Config) validate() error {
	var errs []string

	// Storage validation
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url (DATABASE_URL) is required when backend is 'postgres'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be 'memory' or 'postgres', got %q", c.Storage.Backend))
	}

	// Order lifecycle validation
	if c.Orders.TimeoutMinutes <= 0 {
		errs = append(errs, "orders.timeout_minutes (ORDER_TIMEOUT_MINUTES) must be positive")
	}
	if c.Orders.CancelGracePeriodMinutes < 0 {
		errs = append(errs, "orders.cancel_grace_period_minutes (ORDER_CANCEL_GRACE_PERIOD_MINUTES) must not be negative")
	}

	// Payment validation
	if c.Payments.ToleranceOverpaymentPercent < 0 || c.Payments.ToleranceOverpaymentPercent > 100 {
		errs = append(errs, "payments.tolerance_overpayment_percent must be within 0-100")
	}
	if c.Payments.UnderpaymentPenaltyPercent < 0 || c.Payments.UnderpaymentPenaltyPercent > 100 {
		errs = append(errs, "payments.underpayment_penalty_percent must be within 0-100")
	}
	if c.Payments.LatePenaltyPercent < 0 || c.Payments.LatePenaltyPercent > 100 {
		errs = append(errs, "payments.late_penalty_percent must be within 0-100")
	}
	if c.Payments.UnderpaymentRetryEnabled && c.Payments.UnderpaymentRetryTimeoutMinutes <= 0 {
		errs = append(errs, "payments.underpayment_retry_timeout_minutes must be positive when retry is enabled")
	}
	fiatAsset, err := money.GetAsset(c.Payments.Currency)
	if err != nil {
		errs = append(errs, fmt.Sprintf("payments.currency: %v", err))
	} else if !fiatAsset.IsFiat() {
		errs = append(errs, fmt.Sprintf("payments.currency %q is not a fiat currency", c.Payments.Currency))
	}

	// Strike validation
	if c.Strikes.MaxStrikesBeforeBan <= 0 {
		errs = append(errs, "strikes.max_strikes_before_ban (MAX_STRIKES_BEFORE_BAN) must be positive")
	}
	if c.Strikes.UnbanTopUpAmount != "" && err == nil {
		if amt, parseErr := money.FromMajor(fiatAsset, c.Strikes.UnbanTopUpAmount); parseErr != nil {
			errs = append(errs, fmt.Sprintf("strikes.unban_top_up_amount (UNBAN_TOP_UP_AMOUNT): %v", parseErr))
		} else if amt.IsNegative() {
			errs = append(errs, "strikes.unban_top_up_amount (UNBAN_TOP_UP_AMOUNT) must not be negative")
		}
	}

	// Secret validation (fail-fast on weak or missing secrets)
	if err := validateSecret("webhooks.chat_secret (CHAT_WEBHOOK_SECRET)", c.Webhooks.ChatSecret); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSecret("webhooks.processor_secret (PAYMENT_WEBHOOK_SECRET)", c.Webhooks.ProcessorSecret); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSecret("shipping.address_encryption_secret (SHIPPING_ADDRESS_ENCRYPTION_SECRET)", c.Shipping.AddressEncryptionSecret); err != nil {
		errs = append(errs, err.Error())
	}

	// Backup validation
	if c.Backup.IntervalHours <= 0 {
		errs = append(errs, "backup.interval_hours (DB_BACKUP_INTERVAL_HOURS) must be positive")
	}
	if c.Backup.RetentionDays <= 0 {
		errs = append(errs, "backup.retention_days (DB_BACKUP_RETENTION_DAYS) must be positive")
	}
	if c.Backup.PublicKey != "" {
		key, decodeErr := hex.DecodeString(c.Backup.PublicKey)
		if decodeErr != nil {
			errs = append(errs, fmt.Sprintf("backup.public_key (DB_BACKUP_PUBLIC_KEY) is not valid hex: %v", decodeErr))
		} else if len(key) != 32 {
			errs = append(errs, fmt.Sprintf("backup.public_key (DB_BACKUP_PUBLIC_KEY) must decode to 32 bytes, got %d", len(key)))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateSecret checks that a required secret is present and long enough.
func validateSecret(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(value) < minSecretLength {
		return fmt.Errorf("%s must be at least %d characters, got %d", name, minSecretLength, len(value))
	}
	return nil
}

// UnbanThreshold parses the configured unban top-up amount into Money.
// Validation guarantees it parses; a zero threshold disables auto-unban
// checks only in the sense that any confirmed deposit clears the ban.
func (c *Config) UnbanThreshold() money.Money {
	asset := money.MustGetAsset(c.Payments.Currency)
	if c.Strikes.UnbanTopUpAmount == "" {
		return money.Zero(asset)
	}
	amt, err := money.FromMajor(asset, c.Strikes.UnbanTopUpAmount)
	if err != nil {
		return money.Zero(asset)
	}
	return amt
}

// FiatAsset returns the configured fiat asset for prices and wallets.
func (c *Config) FiatAsset() money.Asset {
	return money.MustGetAsset(c.Payments.Currency)
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
