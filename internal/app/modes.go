package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/positionengine/internal/cache/redis"
	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/server"
	"github.com/alanyoungcy/positionengine/internal/server/handler"
	"github.com/alanyoungcy/positionengine/internal/server/middleware"
	"github.com/alanyoungcy/positionengine/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API, /metrics and the websocket stream.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// MonitorMode runs the margin monitor on its interval without the HTTP host.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startMonitor(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode runs the cold archive on its interval without the HTTP host.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode starts every enabled subsystem in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting full mode",
		slog.Bool("server", a.cfg.RunsServer()),
		slog.Bool("monitor", a.cfg.RunsMonitor()),
		slog.Bool("archive", a.cfg.RunsArchive()),
	)

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.RunsServer() {
		a.startHTTPServer(ctx, g, deps)
	}
	if a.cfg.RunsMonitor() {
		a.startMonitor(ctx, g, deps)
	}
	if a.cfg.RunsArchive() {
		a.startArchiver(ctx, g, deps)
	}
	return g.Wait()
}

// startHTTPServer adds the HTTP host, and the websocket hub when the redis
// event stream is on, to g. The server drains when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	checks := map[string]handler.HealthCheck{
		"postgres": deps.Postgres.Ping,
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(checks, a.logger),
		Positions: handler.NewPositionHandler(deps.Positions, deps.History, a.logger),
		Alerts:    handler.NewAlertHandler(deps.Alerts, deps.Monitor, a.logger),
		Summary:   handler.NewSummaryHandler(deps.Summaries, deps.Statistics, a.logger),
		Metrics:   deps.MetricsHandler,
	}

	var hub *ws.Hub
	if deps.Redis != nil && a.cfg.Events.Redis {
		prefix := deps.Redis.Key("")
		hub = ws.NewHub(deps.SignalBus, middleware.OwnerFromRequest, ws.Config{
			Channel:        redis.EventPattern(prefix),
			AllowedOrigins: a.cfg.Server.CORSOrigins,
			ReplayStreams: []string{
				redis.EventStream(prefix, domain.TopicPositions),
				redis.EventStream(prefix, domain.TopicAlerts),
			},
			StartedAt: time.Now().UTC(),
		}, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout.Duration,
		RateLimit:      a.cfg.Server.RateLimit,
		RateWindow:     a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, deps.Metrics, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startMonitor scans every owner's live positions once per monitor interval.
func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return a.runEvery(ctx, "margin_monitor", a.cfg.Monitor.Interval.Duration, func(ctx context.Context) error {
			_, err := deps.Monitor.ScanAll(ctx)
			return err
		})
	})
}

// startArchiver moves positions terminal for longer than the retention window
// to S3 once per archive interval.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		a.logger.WarnContext(ctx, "app: archive loop requested without an archiver")
		return
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	g.Go(func() error {
		return a.runEvery(ctx, "archiver", a.cfg.Archive.Interval.Duration, func(ctx context.Context) error {
			_, err := deps.Archiver.ArchivePositions(ctx, time.Now().UTC().Add(-retention))
			return err
		})
	})
}

// runEvery calls fn immediately and then on every tick until ctx ends. A
// failing pass is logged and retried on the next tick.
func (a *App) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	logger := a.logger.With(slog.String("loop", name))
	logger.InfoContext(ctx, "app: loop started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "app: loop pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "app: loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}
