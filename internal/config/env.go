package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
//
// Domain keys keep their canonical unprefixed names (ORDER_TIMEOUT_MINUTES,
// MAX_STRIKES_BEFORE_BAN, ...) so deployments carry the same variable names
// across components. Server-level keys use the SHOPBOT_ prefix.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "SHOPBOT_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "SHOPBOT_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "SHOPBOT_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "SHOPBOT_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "SHOPBOT_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "SHOPBOT_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "SHOPBOT_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "DATABASE_URL")

	// Order lifecycle
	setIntIfEnv(&c.Orders.TimeoutMinutes, "ORDER_TIMEOUT_MINUTES")
	setIntIfEnv(&c.Orders.CancelGracePeriodMinutes, "ORDER_CANCEL_GRACE_PERIOD_MINUTES")

	// Payment classification and penalties
	setIntIfEnv(&c.Payments.ToleranceOverpaymentPercent, "PAYMENT_TOLERANCE_OVERPAYMENT_PERCENT")
	setBoolIfEnv(&c.Payments.UnderpaymentRetryEnabled, "PAYMENT_UNDERPAYMENT_RETRY_ENABLED")
	setIntIfEnv(&c.Payments.UnderpaymentRetryTimeoutMinutes, "PAYMENT_UNDERPAYMENT_RETRY_TIMEOUT_MINUTES")
	setIntIfEnv(&c.Payments.UnderpaymentPenaltyPercent, "PAYMENT_UNDERPAYMENT_PENALTY_PERCENT")
	setIntIfEnv(&c.Payments.LatePenaltyPercent, "PAYMENT_LATE_PENALTY_PERCENT")
	setIfEnv(&c.Payments.Currency, "PAYMENT_FIAT_CURRENCY")

	// Strikes and bans
	setIntIfEnv(&c.Strikes.MaxStrikesBeforeBan, "MAX_STRIKES_BEFORE_BAN")
	setBoolIfEnv(&c.Strikes.ExemptAdminsFromBan, "EXEMPT_ADMINS_FROM_BAN")
	setIfEnv(&c.Strikes.UnbanTopUpAmount, "UNBAN_TOP_UP_AMOUNT")

	// Webhook endpoints and secrets
	setIfEnv(&c.Webhooks.ChatPath, "CHAT_WEBHOOK_PATH")
	setIfEnv(&c.Webhooks.ChatSecret, "CHAT_WEBHOOK_SECRET")
	setIfEnv(&c.Webhooks.ProcessorPath, "PAYMENT_WEBHOOK_PATH")
	setIfEnv(&c.Webhooks.ProcessorSecret, "PAYMENT_WEBHOOK_SECRET")

	// Shipping address encryption
	setIfEnv(&c.Shipping.AddressEncryptionSecret, "SHIPPING_ADDRESS_ENCRYPTION_SECRET")

	// Backup worker
	setBoolIfEnv(&c.Backup.Enabled, "DB_BACKUP_ENABLED")
	setIntIfEnv(&c.Backup.IntervalHours, "DB_BACKUP_INTERVAL_HOURS")
	setIntIfEnv(&c.Backup.RetentionDays, "DB_BACKUP_RETENTION_DAYS")
	setIfEnv(&c.Backup.PublicKey, "DB_BACKUP_PUBLIC_KEY")
	setIfEnv(&c.Backup.Directory, "DB_BACKUP_DIR")

	// Payment processor client
	setIfEnv(&c.Processor.BaseURL, "PAYMENT_PROCESSOR_URL")
	setIfEnv(&c.Processor.APIKey, "PAYMENT_PROCESSOR_API_KEY")
	setDurationIfEnv(&c.Processor.Timeout, "PAYMENT_PROCESSOR_TIMEOUT")

	// Scheduler
	setDurationIfEnv(&c.Scheduler.SweepInterval, "SHOPBOT_SCHEDULER_SWEEP_INTERVAL")

	// Rate limiting
	setBoolIfEnv(&c.RateLimit.EdgeEnabled, "SHOPBOT_RATE_LIMIT_EDGE_ENABLED")
	setIntIfEnv(&c.RateLimit.EdgeLimit, "SHOPBOT_RATE_LIMIT_EDGE_LIMIT")
	setDurationIfEnv(&c.RateLimit.EdgeWindow, "SHOPBOT_RATE_LIMIT_EDGE_WINDOW")

	// Notifications
	setIfEnv(&c.Notify.ChatAPIBaseURL, "CHAT_API_BASE_URL")
	setIfEnv(&c.Notify.BotToken, "CHAT_BOT_TOKEN")
	setDurationIfEnv(&c.Notify.Timeout, "CHAT_NOTIFY_TIMEOUT")
	if v := os.Getenv("CHAT_ADMIN_IDS"); v != "" {
		var ids []string
		for _, part := range strings.Split(v, ",") {
			if id := strings.TrimSpace(part); id != "" {
				ids = append(ids, id)
			}
		}
		c.Notify.AdminChatIDs = ids
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
// Non-numeric values are ignored; validation catches out-of-range results.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "bot" -> "/bot"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	// Ensure it starts with /
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	// Ensure it doesn't end with /
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
