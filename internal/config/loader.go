package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POSENGINE_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POSENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "POSENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POSENGINE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POSENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POSENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POSENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POSENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POSENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POSENGINE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POSENGINE_REDIS_KEY_PREFIX")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "POSENGINE_KAFKA_BROKERS")
	setStr(&cfg.Kafka.TopicPrefix, "POSENGINE_KAFKA_TOPIC_PREFIX")
	setInt(&cfg.Kafka.MaxAttempts, "POSENGINE_KAFKA_MAX_ATTEMPTS")
	setBool(&cfg.Kafka.Compression, "POSENGINE_KAFKA_COMPRESSION")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POSENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POSENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POSENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POSENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POSENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POSENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POSENGINE_S3_FORCE_PATH_STYLE")

	// ── Risk ──
	setDecimal(&cfg.Risk.ExitFeeRate, "POSENGINE_RISK_EXIT_FEE_RATE")
	setDecimal(&cfg.Risk.MaxLeverage, "POSENGINE_RISK_MAX_LEVERAGE")
	setDecimal(&cfg.Risk.MarginCallLevel, "POSENGINE_RISK_MARGIN_CALL_LEVEL")
	setDecimal(&cfg.Risk.LiquidationWarnLevel, "POSENGINE_RISK_LIQUIDATION_WARNING_LEVEL")

	// ── Events ──
	setBool(&cfg.Events.Redis, "POSENGINE_EVENTS_REDIS")
	setBool(&cfg.Events.Kafka, "POSENGINE_EVENTS_KAFKA")

	// ── Monitor ──
	setBool(&cfg.Monitor.Enabled, "POSENGINE_MONITOR_ENABLED")
	setDuration(&cfg.Monitor.Interval, "POSENGINE_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.LockTTL, "POSENGINE_MONITOR_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POSENGINE_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "POSENGINE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "POSENGINE_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "POSENGINE_ARCHIVE_BATCH_SIZE")
	setInt(&cfg.Archive.MaxBatches, "POSENGINE_ARCHIVE_MAX_BATCHES")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POSENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POSENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POSENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POSENGINE_SERVER_API_KEY")
	setDuration(&cfg.Server.RequestTimeout, "POSENGINE_SERVER_REQUEST_TIMEOUT")
	setInt(&cfg.Server.RateLimit, "POSENGINE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POSENGINE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POSENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POSENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POSENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POSENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POSENGINE_MODE")
	setStr(&cfg.LogLevel, "POSENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
