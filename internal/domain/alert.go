package domain

import "time"

// AlertType classifies the risk threshold that was crossed.
type AlertType string

const (
	AlertTypeMarginCall         AlertType = "margin_call"
	AlertTypeLiquidationWarning AlertType = "liquidation_warning"
	AlertTypeStopLossHit        AlertType = "stop_loss_hit"
	AlertTypeTakeProfitHit      AlertType = "take_profit_hit"
)

// AlertSeverity ranks alerts for delivery and display.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is a risk alert raised against a position. Only Acknowledge mutates
// it after creation.
type Alert struct {
	ID             string         `json:"id"`
	PositionID     string         `json:"position_id"`
	UserID         string         `json:"user_id"`
	TenantID       string         `json:"tenant_id"`
	Type           AlertType      `json:"type"`
	Severity       AlertSeverity  `json:"severity"`
	Message        string         `json:"message"`
	Context        map[string]any `json:"context,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AlertFilter narrows alert listings. Zero values are ignored.
type AlertFilter struct {
	UserID       string
	TenantID     string
	PositionID   string
	Type         AlertType
	Acknowledged *bool
	Limit        int
	Offset       int
}
