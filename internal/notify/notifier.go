// Package notify delivers risk alerts to operator channels (Telegram,
// Discord). Every sender sits behind its own circuit breaker so a dead
// channel cannot slow down alert creation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/positionengine/internal/metrics"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs and metrics (e.g. "telegram").
	Name() string
}

// Notifier fans a notification out to every Sender. Events not in the
// configured allow list are dropped; an empty list allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. events holds alert types such as
// "margin_call" or "liquidation_warning".
func NewNotifier(senders []Sender, events []string, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		metrics: m,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify delivers to every sender when event passes the filter. One failing
// sender does not stop delivery to the rest; failures are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		err := s.Send(ctx, title, message)
		n.metrics.RecordNotification(s.Name(), outcome(err))
		if err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, ErrSenderUnavailable):
		return "open"
	default:
		return "failed"
	}
}
