package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrSenderUnavailable is returned while a sender's breaker is open.
var ErrSenderUnavailable = errors.New("notify: sender unavailable")

// BreakerConfig configures the per-sender circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 3,
	}
}

// BreakerSender wraps a Sender with a gobreaker circuit breaker.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// WithBreaker wraps next.
func WithBreaker(next Sender, cfg BreakerConfig, logger *slog.Logger) *BreakerSender {
	trip := cfg.ConsecutiveFailures
	if trip == 0 {
		trip = DefaultBreakerConfig().ConsecutiveFailures
	}

	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notify: breaker state change",
				slog.String("sender", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &BreakerSender{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// Send delivers through the breaker. An open breaker fails fast with
// ErrSenderUnavailable.
func (b *BreakerSender) Send(ctx context.Context, title, message string) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, b.next.Send(ctx, title, message)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrSenderUnavailable, b.next.Name(), err)
	}
	return err
}

// Name returns the wrapped sender's name.
func (b *BreakerSender) Name() string { return b.next.Name() }

// State exposes the breaker state for health reporting.
func (b *BreakerSender) State() string { return b.cb.State().String() }
