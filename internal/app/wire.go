package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	s3blob "github.com/alanyoungcy/positionengine/internal/blob/s3"
	"github.com/alanyoungcy/positionengine/internal/cache/redis"
	"github.com/alanyoungcy/positionengine/internal/config"
	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/messaging"
	kafkapub "github.com/alanyoungcy/positionengine/internal/messaging/kafka"
	"github.com/alanyoungcy/positionengine/internal/metrics"
	"github.com/alanyoungcy/positionengine/internal/notify"
	"github.com/alanyoungcy/positionengine/internal/risk"
	"github.com/alanyoungcy/positionengine/internal/service"
	"github.com/alanyoungcy/positionengine/internal/store/postgres"
)

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Postgres      *postgres.Client
	PositionStore *postgres.PositionStore
	HistoryStore  *postgres.HistoryStore
	AlertStore    *postgres.AlertStore
	SummaryStore  *postgres.SummaryStore

	// Redis; nil when redis.enabled is false.
	Redis       *redis.Client
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Egress
	Publisher domain.EventPublisher
	Notifier  *notify.Notifier

	// Archive; nil unless the archive loop runs.
	S3       *s3blob.Client
	Archiver domain.Archiver

	// Metrics
	Registry       *prometheus.Registry
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler

	// Services
	Positions  *service.PositionService
	History    *service.HistoryService
	Alerts     *service.AlertService
	Summaries  *service.SummaryService
	Statistics *service.StatisticsService
	Monitor    *service.MarginMonitor
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(deps.Registry)
	deps.MetricsHandler = promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry})

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Postgres = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.HistoryStore = postgres.NewHistoryStore(pool)
	deps.AlertStore = postgres.NewAlertStore(pool)
	deps.SummaryStore = postgres.NewSummaryStore(pool)

	// --- Redis ---
	var sinks []domain.EventPublisher
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		bus := redis.NewSignalBus(redisClient)
		deps.SignalBus = bus
		if cfg.Events.Redis {
			sinks = append(sinks, redis.NewEventBus(redisClient, bus))
		}
	}

	// --- Kafka ---
	if cfg.Events.Kafka {
		pub, err := kafkapub.NewPublisher(kafkapub.Config{
			Brokers:      cfg.Kafka.Brokers,
			TopicPrefix:  cfg.Kafka.TopicPrefix,
			Topics:       cfg.Kafka.Topics,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			RetryBackoff: cfg.Kafka.RetryBackoff.Duration,
			BatchTimeout: cfg.Kafka.BatchTimeout.Duration,
			Compression:  cfg.Kafka.Compression,
		}, logger)
		if err != nil {
			return fail("kafka", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
	}

	if fan := messaging.NewFanout(sinks...); fan.Len() > 0 {
		deps.Publisher = fan
	} else {
		deps.Publisher = messaging.Discard{}
	}

	// --- Notifications ---
	deps.Notifier = newNotifier(cfg.Notify, deps.Metrics, logger)

	// --- Services ---
	thresholds := risk.Thresholds{
		MarginCall:         cfg.Risk.MarginCallLevel,
		LiquidationWarning: cfg.Risk.LiquidationWarnLevel,
	}
	deps.History = service.NewHistoryService(deps.HistoryStore, deps.PositionStore,
		logger.With(slog.String("component", "history_service")))
	deps.Alerts = service.NewAlertService(deps.AlertStore, deps.Publisher, deps.Notifier, deps.Metrics,
		logger.With(slog.String("component", "alert_service")))
	deps.Summaries = service.NewSummaryService(deps.PositionStore, deps.SummaryStore,
		logger.With(slog.String("component", "summary_service")))
	deps.Statistics = service.NewStatisticsService(deps.PositionStore,
		logger.With(slog.String("component", "statistics_service")))
	deps.Positions = service.NewPositionService(
		deps.PositionStore, deps.History, deps.Alerts, deps.Summaries, deps.Publisher, deps.Metrics,
		service.PositionConfig{
			ExitFeeRate: cfg.Risk.ExitFeeRate,
			MaxLeverage: cfg.Risk.MaxLeverage,
			Thresholds:  thresholds,
		},
		logger.With(slog.String("component", "position_service")),
	)
	deps.Monitor = service.NewMarginMonitor(deps.PositionStore, deps.Alerts, deps.LockManager,
		thresholds, cfg.Monitor.LockTTL.Duration, deps.Metrics,
		logger.With(slog.String("component", "margin_monitor")))

	// --- S3 archive ---
	if cfg.RunsArchive() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewArchiver(
			deps.PositionStore, deps.HistoryStore,
			s3blob.NewWriter(s3Client), s3blob.NewChecker(s3Client),
			s3blob.ArchiverConfig{
				BatchSize:  cfg.Archive.BatchSize,
				MaxBatches: cfg.Archive.MaxBatches,
			},
			deps.Metrics,
			logger.With(slog.String("component", "archiver")),
		)
	}

	return deps, cleanup, nil
}

// newNotifier builds the configured senders, each behind its own breaker.
func newNotifier(cfg config.NotifyConfig, m *metrics.Metrics, logger *slog.Logger) *notify.Notifier {
	breaker := notify.DefaultBreakerConfig()
	if cfg.BreakerFailures > 0 {
		breaker.ConsecutiveFailures = uint32(cfg.BreakerFailures)
	}
	if cfg.BreakerTimeout.Duration > 0 {
		breaker.Timeout = cfg.BreakerTimeout.Duration
	}

	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.WithBreaker(
			notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID), breaker, logger))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.WithBreaker(
			notify.NewDiscordSender(cfg.DiscordWebhookURL, cfg.DiscordUsername), breaker, logger))
	}
	return notify.NewNotifier(senders, cfg.Events, m, logger.With(slog.String("component", "notifier")))
}
