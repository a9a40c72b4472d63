package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Orders: OrdersConfig{
			TimeoutMinutes:           30,
			CancelGracePeriodMinutes: 5,
		},
		Payments: PaymentsConfig{
			ToleranceOverpaymentPercent:     2,
			UnderpaymentRetryEnabled:        true,
			UnderpaymentRetryTimeoutMinutes: 30,
			UnderpaymentPenaltyPercent:      10,
			LatePenaltyPercent:              10,
			Currency:                        "EUR",
		},
		Strikes: StrikesConfig{
			MaxStrikesBeforeBan: 3,
			ExemptAdminsFromBan: true,
			UnbanTopUpAmount:    "50.00",
		},
		Webhooks: WebhooksConfig{
			ChatPath:      "/webhook/chat",
			ProcessorPath: "/webhook/payments",
		},
		Backup: BackupConfig{
			Enabled:       true,
			IntervalHours: 6,
			RetentionDays: 30,
			Directory:     "./data/backups",
		},
		Processor: ProcessorConfig{
			Timeout:      Duration{Duration: 10 * time.Second},
			RetryMax:     3,
			RetryWaitMin: Duration{Duration: 500 * time.Millisecond},
			RetryWaitMax: Duration{Duration: 10 * time.Second},
		},
		Scheduler: SchedulerConfig{
			SweepInterval: Duration{Duration: 60 * time.Second},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			EdgeEnabled:     true,
			EdgeLimit:       120,
			EdgeWindow:      Duration{Duration: 1 * time.Minute},
			DefaultMaxCount: 30,
			DefaultWindow:   Duration{Duration: 1 * time.Minute},
			CounterTTLGrace: Duration{Duration: 10 * time.Second},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Processor: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Notify: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Longer timeout for notifications
				ConsecutiveFailures: 10,                                   // More tolerant for notifications
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
		Notify: NotifyConfig{
			Timeout: Duration{Duration: 5 * time.Second},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
