package config

import "maps"

// RedactedConfig returns a copy of cfg with credentials replaced by "***",
// safe to log. Slices and maps are copied so the result can be mutated
// without touching cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	out.Kafka.Topics = maps.Clone(cfg.Kafka.Topics)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
