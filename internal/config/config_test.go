package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "server"

[risk]
exit_fee_rate = "0.0005"

[monitor]
interval = "45s"

[kafka]
brokers = ["k1:9092"]

[kafka.topics]
alerts = "risk-alerts"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSENGINE_SERVER_PORT", "9100")
	t.Setenv("POSENGINE_RISK_MAX_LEVERAGE", "50")
	t.Setenv("POSENGINE_SERVER_CORS_ORIGINS", " https://a.example.com , ,https://b.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "server" {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if !cfg.Risk.ExitFeeRate.Equal(decimal.RequireFromString("0.0005")) {
		t.Errorf("exit fee = %s", cfg.Risk.ExitFeeRate)
	}
	if !cfg.Risk.MaxLeverage.Equal(decimal.NewFromInt(50)) {
		t.Errorf("max leverage = %s, want env override", cfg.Risk.MaxLeverage)
	}
	if cfg.Monitor.Interval.Duration != 45*time.Second {
		t.Errorf("interval = %s", cfg.Monitor.Interval)
	}
	if cfg.Kafka.Topics["alerts"] != "risk-alerts" || cfg.Kafka.Brokers[0] != "k1:9092" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Server.CORSOrigins, "|"); got != "https://a.example.com|https://b.example.com" {
		t.Errorf("cors = %q", got)
	}
	// Untouched sections keep their defaults.
	if cfg.Postgres.Port != 5432 || cfg.Archive.BatchSize != 500 {
		t.Errorf("defaults lost: %+v %+v", cfg.Postgres, cfg.Archive)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "full" {
		t.Errorf("mode = %q", cfg.Mode)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[monitor]\ninterval = \"soon\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"pool", func(c *Config) { c.Postgres.PoolMinConns = 20 }, "pool_min_conns must not exceed"},
		{"fee", func(c *Config) { c.Risk.ExitFeeRate = decimal.NewFromInt(1) }, "exit_fee_rate"},
		{"leverage", func(c *Config) { c.Risk.MaxLeverage = decimal.Zero }, "max_leverage"},
		{"thresholds", func(c *Config) { c.Risk.MarginCallLevel = decimal.NewFromInt(100) }, "margin_call_level"},
		{"kafka sink", func(c *Config) { c.Events.Kafka = true }, "kafka.brokers"},
		{"redis sink", func(c *Config) { c.Redis.Enabled = false }, "requires redis.enabled"},
		{"archive bucket", func(c *Config) { c.Archive.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server: port"},
		{"telegram", func(c *Config) { c.Notify.TelegramToken = "tok" }, "telegram_chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateSkipsIdleComponents(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Server.Port = 0
	cfg.S3.Bucket = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("monitor mode must not validate server or s3: %v", err)
	}
}

func TestRunsFlags(t *testing.T) {
	cfg := Defaults()
	if !cfg.RunsServer() || !cfg.RunsMonitor() || cfg.RunsArchive() {
		t.Errorf("full defaults: server=%v monitor=%v archive=%v", cfg.RunsServer(), cfg.RunsMonitor(), cfg.RunsArchive())
	}
	cfg.Mode = "archive"
	if cfg.RunsServer() || cfg.RunsMonitor() || !cfg.RunsArchive() {
		t.Error("archive mode runs only the archiver")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.S3.SecretKey = "sk"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tok"
	cfg.Kafka.Topics = map[string]string{"alerts": "a"}

	out := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"postgres": out.Postgres.Password, "s3": out.S3.SecretKey,
		"api key": out.Server.APIKey, "telegram": out.Notify.TelegramToken,
	} {
		if got != redacted {
			t.Errorf("%s = %q, want redacted", name, got)
		}
	}
	if out.Postgres.DSN != "" {
		t.Errorf("empty DSN must stay empty, got %q", out.Postgres.DSN)
	}
	if cfg.Postgres.Password != "pw" {
		t.Error("original mutated")
	}
	out.Kafka.Topics["alerts"] = "changed"
	out.Notify.Events[0] = "changed"
	if cfg.Kafka.Topics["alerts"] != "a" || cfg.Notify.Events[0] == "changed" {
		t.Error("redacted copy shares collections with the original")
	}
}
