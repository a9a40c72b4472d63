package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Orders         OrdersConfig         `yaml:"orders"`
	Payments       PaymentsConfig       `yaml:"payments"`
	Strikes        StrikesConfig        `yaml:"strikes"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	Shipping       ShippingConfig       `yaml:"shipping"`
	Backup         BackupConfig         `yaml:"backup"`
	Processor      ProcessorConfig      `yaml:"processor"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Notify         NotifyConfig         `yaml:"notify"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api", "/bot")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend      string             `yaml:"backend"`       // "memory" or "postgres"
	PostgresURL  string             `yaml:"postgres_url"`  // PostgreSQL connection string
	PostgresPool PostgresPoolConfig `yaml:"postgres_pool"` // PostgreSQL connection pool settings
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// OrdersConfig holds order lifecycle timing configuration.
type OrdersConfig struct {
	TimeoutMinutes           int `yaml:"timeout_minutes"`             // Life of a fresh order's payment window (default: 30)
	CancelGracePeriodMinutes int `yaml:"cancel_grace_period_minutes"` // Free-cancel window for users (default: 5)
}

// PaymentsConfig holds payment classification and penalty configuration.
// All percentages are whole percents (e.g., 10 means 10%).
type PaymentsConfig struct {
	ToleranceOverpaymentPercent     int    `yaml:"tolerance_overpayment_percent"`      // Minor vs significant overpayment threshold
	UnderpaymentRetryEnabled        bool   `yaml:"underpayment_retry_enabled"`         // Whether the first-underpayment retry path is taken
	UnderpaymentRetryTimeoutMinutes int    `yaml:"underpayment_retry_timeout_minutes"` // Deadline of the retry invoice
	UnderpaymentPenaltyPercent      int    `yaml:"underpayment_penalty_percent"`       // Penalty on second underpayment
	LatePenaltyPercent              int    `yaml:"late_penalty_percent"`               // Penalty on late payment / penalty-bearing cancellation
	Currency                        string `yaml:"currency"`                           // Fiat currency for prices and wallets (default: EUR)
}

// StrikesConfig holds strike accrual and ban configuration.
type StrikesConfig struct {
	MaxStrikesBeforeBan int    `yaml:"max_strikes_before_ban"` // Strike threshold for auto-ban (default: 3)
	ExemptAdminsFromBan bool   `yaml:"exempt_admins_from_ban"` // Admins accumulate strikes but are never auto-banned
	UnbanTopUpAmount    string `yaml:"unban_top_up_amount"`    // Minimum fiat top-up (major units, e.g. "50.00") that auto-unbans
}

// WebhooksConfig holds the two inbound webhook endpoints and their secrets.
type WebhooksConfig struct {
	ChatPath        string `yaml:"chat_path"`        // Chat-platform update intake path (default: /webhook/chat)
	ChatSecret      string `yaml:"chat_secret"`      // X-Chat-Platform-Secret-Token value; >= 32 chars
	ProcessorPath   string `yaml:"processor_path"`   // Base path; events arrive at <path>/cryptoprocessing/event
	ProcessorSecret string `yaml:"processor_secret"` // HMAC-SHA-512 key for X-Signature; >= 32 chars
}

// ShippingConfig holds the shipping-address encryption contract.
// Addresses are encrypted at rest; the core never stores plaintext.
type ShippingConfig struct {
	AddressEncryptionSecret string `yaml:"address_encryption_secret"` // >= 32 chars, validated at startup
}

// BackupConfig holds the encrypted database snapshot worker configuration.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`        // Enable periodic encrypted snapshots (default: true when public key set)
	IntervalHours int    `yaml:"interval_hours"` // Snapshot cadence (default: 6)
	RetentionDays int    `yaml:"retention_days"` // How long archives are kept (default: 30)
	PublicKey     string `yaml:"public_key"`     // Hex-encoded 32-byte NaCl box public key; absence fails closed
	Directory     string `yaml:"directory"`      // Archive directory (default: ./data/backups)
}

// ProcessorConfig holds the external payment-processor client configuration.
type ProcessorConfig struct {
	BaseURL      string   `yaml:"base_url"`       // Processor API base URL
	APIKey       string   `yaml:"api_key"`        // Bearer credential for invoice creation
	Timeout      Duration `yaml:"timeout"`        // Request timeout (default: 10s)
	RetryMax     int      `yaml:"retry_max"`      // Max HTTP retries (default: 3)
	RetryWaitMin Duration `yaml:"retry_wait_min"` // Initial retry backoff (default: 500ms)
	RetryWaitMax Duration `yaml:"retry_wait_max"` // Max retry backoff (default: 10s)
}

// SchedulerConfig holds the payment-timeout sweep configuration.
type SchedulerConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"` // How often expired orders are swept (default: 60s)
}

// RateLimitConfig holds rate limiting configuration.
// The edge limiter throttles raw HTTP; the operation limiter backs the
// per-user counter contract used by the services.
type RateLimitConfig struct {
	EdgeEnabled bool     `yaml:"edge_enabled"` // Enable per-IP HTTP edge throttling
	EdgeLimit   int      `yaml:"edge_limit"`   // Requests allowed per IP per window (default: 120)
	EdgeWindow  Duration `yaml:"edge_window"`  // Edge window (default: 1m)

	DefaultMaxCount int      `yaml:"default_max_count"` // Default per-user operation budget (default: 30)
	DefaultWindow   Duration `yaml:"default_window"`    // Default operation window (default: 1m)
	CounterTTLGrace Duration `yaml:"counter_ttl_grace"` // Extra TTL beyond the window before counters are dropped
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`   // Enable circuit breakers (default: true)
	Processor BreakerServiceConfig `yaml:"processor"` // Payment-processor API circuit breaker
	Notify    BreakerServiceConfig `yaml:"notify"`    // Outbound notification circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}

// NotifyConfig holds outbound chat notification configuration.
type NotifyConfig struct {
	ChatAPIBaseURL string   `yaml:"chat_api_base_url"` // Chat platform bot API base URL
	BotToken       string   `yaml:"bot_token"`         // Bot credential for sending messages
	AdminChatIDs   []string `yaml:"admin_chat_ids"`    // Recipients of admin alerts
	Timeout        Duration `yaml:"timeout"`           // Send timeout (default: 5s)
}
