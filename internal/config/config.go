// Package config defines the top-level configuration for the position engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POSENGINE_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Kafka    KafkaConfig    `toml:"kafka"`
	S3       S3Config       `toml:"s3"`
	Risk     RiskConfig     `toml:"risk"`
	Events   EventsConfig   `toml:"events"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis backs the monitor
// leader lock, the API rate limiter and the websocket event stream.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// KafkaConfig holds the event egress producer settings.
type KafkaConfig struct {
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	// Topics maps an event topic ("positions", "alerts") to a Kafka topic.
	Topics       map[string]string `toml:"topics"`
	MaxAttempts  int               `toml:"max_attempts"`
	RetryBackoff duration          `toml:"retry_backoff"`
	BatchTimeout duration          `toml:"batch_timeout"`
	Compression  bool              `toml:"compression"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RiskConfig holds the lifecycle fee and margin parameters. Decimal values are
// TOML strings, e.g. exit_fee_rate = "0.001".
type RiskConfig struct {
	ExitFeeRate          decimal.Decimal `toml:"exit_fee_rate"`
	MaxLeverage          decimal.Decimal `toml:"max_leverage"`
	MarginCallLevel      decimal.Decimal `toml:"margin_call_level"`
	LiquidationWarnLevel decimal.Decimal `toml:"liquidation_warning_level"`
}

// EventsConfig selects the egress sinks. Both may be on.
type EventsConfig struct {
	Redis bool `toml:"redis"`
	Kafka bool `toml:"kafka"`
}

// MonitorConfig schedules the margin monitor.
type MonitorConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	LockTTL  duration `toml:"lock_ttl"`
}

// ArchiveConfig schedules the cold archive of terminal positions.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	BatchSize     int      `toml:"batch_size"`
	MaxBatches    int      `toml:"max_batches"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	APIKey         string   `toml:"api_key"`
	RequestTimeout duration `toml:"request_timeout"`
	// RateLimit is requests per RateWindow per caller; 0 disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
	// BreakerFailures consecutive failures open a sender's breaker for
	// BreakerTimeout.
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerTimeout  duration `toml:"breaker_timeout"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "positions",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "posengine:",
		},
		Kafka: KafkaConfig{
			TopicPrefix:  "posengine.",
			MaxAttempts:  5,
			RetryBackoff: duration{250 * time.Millisecond},
			BatchTimeout: duration{50 * time.Millisecond},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "posengine-archive",
			ForcePathStyle: true,
		},
		Risk: RiskConfig{
			ExitFeeRate:          decimal.RequireFromString("0.001"),
			MaxLeverage:          decimal.NewFromInt(125),
			MarginCallLevel:      decimal.NewFromInt(120),
			LiquidationWarnLevel: decimal.NewFromInt(105),
		},
		Events: EventsConfig{
			Redis: true,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: duration{30 * time.Second},
			LockTTL:  duration{25 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{time.Hour},
			RetentionDays: 90,
			BatchSize:     500,
			MaxBatches:    20,
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RequestTimeout: duration{15 * time.Second},
			RateLimit:      600,
			RateWindow:     duration{time.Minute},
		},
		Notify: NotifyConfig{
			DiscordUsername: "posengine",
			Events:          []string{"margin_call", "liquidation_warning", "stop_loss_hit", "take_profit_hit"},
			BreakerFailures: 3,
			BreakerTimeout:  duration{30 * time.Second},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"monitor": true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, monitor, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Risk
	if c.Risk.ExitFeeRate.IsNegative() || c.Risk.ExitFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("risk: exit_fee_rate must be in [0, 1), got %s", c.Risk.ExitFeeRate))
	}
	if c.Risk.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
		errs = append(errs, "risk: max_leverage must be >= 1")
	}
	if !c.Risk.LiquidationWarnLevel.IsPositive() || !c.Risk.MarginCallLevel.GreaterThan(c.Risk.LiquidationWarnLevel) {
		errs = append(errs, "risk: margin_call_level must exceed liquidation_warning_level, both positive")
	}

	// Events
	if c.Events.Redis && !c.Redis.Enabled {
		errs = append(errs, "events: redis sink requires redis.enabled")
	}
	if c.Events.Kafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "events: kafka sink requires kafka.brokers")
	}

	// Monitor
	if c.RunsMonitor() {
		if c.Monitor.Interval.Duration <= 0 {
			errs = append(errs, "monitor: interval must be > 0")
		}
		if c.Redis.Enabled && c.Monitor.LockTTL.Duration <= 0 {
			errs = append(errs, "monitor: lock_ttl must be > 0")
		}
	}

	// Archive
	if c.RunsArchive() {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RunsServer reports whether the HTTP host runs in the configured mode.
func (c *Config) RunsServer() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || (m == "full" && c.Server.Enabled)
}

// RunsMonitor reports whether the margin monitor loop runs.
func (c *Config) RunsMonitor() bool {
	m := strings.ToLower(c.Mode)
	return m == "monitor" || (m == "full" && c.Monitor.Enabled)
}

// RunsArchive reports whether the archive loop runs.
func (c *Config) RunsArchive() bool {
	m := strings.ToLower(c.Mode)
	return m == "archive" || (m == "full" && c.Archive.Enabled)
}
