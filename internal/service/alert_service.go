package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/metrics"
)

// AlertNotifier delivers operator notifications. *notify.Notifier satisfies it.
type AlertNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CreateAlertRequest carries the fields of a new alert.
type CreateAlertRequest struct {
	PositionID string
	UserID     string
	TenantID   string
	Type       domain.AlertType
	Severity   domain.AlertSeverity
	Message    string
	Context    map[string]any
}

// AlertService raises, lists and acknowledges risk alerts.
type AlertService struct {
	alerts    domain.AlertStore
	publisher domain.EventPublisher
	notifier  AlertNotifier
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewAlertService creates an AlertService. publisher and notifier may be nil.
func NewAlertService(
	alerts domain.AlertStore,
	publisher domain.EventPublisher,
	notifier AlertNotifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *AlertService {
	return &AlertService{
		alerts:    alerts,
		publisher: publisher,
		notifier:  notifier,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Create persists a new unacknowledged alert, then publishes and notifies it.
// Publish and notify failures are logged and never fail the call.
func (s *AlertService) Create(ctx context.Context, req CreateAlertRequest) (domain.Alert, error) {
	if req.PositionID == "" {
		return domain.Alert{}, domain.Validationf("alert position_id is required")
	}
	if req.Severity == "" {
		req.Severity = domain.AlertSeverityWarning
	}

	alert := domain.Alert{
		ID:         uuid.NewString(),
		PositionID: req.PositionID,
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		Type:       req.Type,
		Severity:   req.Severity,
		Message:    req.Message,
		Context:    req.Context,
		CreatedAt:  s.now(),
	}
	if err := s.alerts.Create(ctx, alert); err != nil {
		return domain.Alert{}, fmt.Errorf("alert_service: create alert: %w", err)
	}
	s.metrics.RecordAlert(string(alert.Type), string(alert.Severity))

	if s.publisher != nil {
		evt := domain.Event{
			Type:       "alert." + string(alert.Type),
			PositionID: alert.PositionID,
			UserID:     alert.UserID,
			TenantID:   alert.TenantID,
			Payload:    alert,
			OccurredAt: alert.CreatedAt,
		}
		if err := s.publisher.Publish(ctx, domain.TopicAlerts, evt); err != nil {
			s.metrics.RecordSideEffectFailure("alert_event")
			s.logger.WarnContext(ctx, "alert_service: publish alert failed",
				slog.String("alert_id", alert.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil {
		title := fmt.Sprintf("[%s] %s", alert.Severity, alert.Type)
		if err := s.notifier.Notify(ctx, string(alert.Type), title, alert.Message); err != nil {
			s.metrics.RecordSideEffectFailure("notify")
			s.logger.WarnContext(ctx, "alert_service: notify failed",
				slog.String("alert_id", alert.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "alert_service: alert raised",
		slog.String("alert_id", alert.ID),
		slog.String("position_id", alert.PositionID),
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)),
	)
	return alert, nil
}

// Get returns one alert.
func (s *AlertService) Get(ctx context.Context, id string) (domain.Alert, error) {
	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("alert_service: get alert %q: %w", id, err)
	}
	return alert, nil
}

// List returns alerts matching filter, newest first.
func (s *AlertService) List(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	alerts, err := s.alerts.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("alert_service: list alerts: %w", err)
	}
	return alerts, nil
}

// Acknowledge marks the alert acknowledged by userID and returns the stored
// row. Acknowledging an already acknowledged alert is a no-op, so the first
// acknowledgement wins even under a concurrent call.
func (s *AlertService) Acknowledge(ctx context.Context, id, userID string) (domain.Alert, error) {
	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("alert_service: get alert %q: %w", id, err)
	}
	if alert.Acknowledged {
		return alert, nil
	}

	if err := s.alerts.Acknowledge(ctx, id, userID, s.now()); err != nil {
		return domain.Alert{}, fmt.Errorf("alert_service: acknowledge %q: %w", id, err)
	}

	stored, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("alert_service: reload alert %q: %w", id, err)
	}
	return stored, nil
}
