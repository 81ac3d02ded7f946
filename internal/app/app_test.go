package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/positionengine/internal/config"
)

func testApp() *App {
	cfg := config.Defaults()
	return New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunEveryRunsImmediatelyAndSurvivesErrors(t *testing.T) {
	a := testApp()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- a.runEvery(ctx, "test", 5*time.Millisecond, func(context.Context) error {
			if calls.Add(1) >= 3 {
				cancel()
			}
			return errors.New("pass failed")
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runEvery = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runEvery did not stop")
	}
	if calls.Load() < 3 {
		t.Errorf("calls = %d, want the loop to keep going after failures", calls.Load())
	}
}

func TestNewNotifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if n := newNotifier(config.NotifyConfig{}, nil, logger); n.Enabled() {
		t.Error("notifier without credentials must be disabled")
	}

	n := newNotifier(config.NotifyConfig{
		TelegramToken:     "tok",
		TelegramChatID:    "42",
		DiscordWebhookURL: "https://discord.example.com/hook",
	}, nil, logger)
	if !n.Enabled() {
		t.Error("configured senders must enable the notifier")
	}
}

func TestRunFailsWhenPostgresUnreachable(t *testing.T) {
	a := testApp()
	a.cfg.Postgres.DSN = "postgres://invalid:0/none?connect_timeout=1"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil {
		t.Fatal("expected an error")
	}
	a.Close()
}
