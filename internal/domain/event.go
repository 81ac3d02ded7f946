package domain

import (
	"context"
	"time"
)

// Event topics handed to the egress publisher.
const (
	TopicPositions = "positions"
	TopicAlerts    = "alerts"
)

// Event is the envelope published for every committed position mutation and
// every raised alert.
type Event struct {
	Type       string    `json:"type"`
	PositionID string    `json:"position_id"`
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"tenant_id"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher hands events to an external transport. Delivery is
// best-effort from the engine's point of view.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, evt Event) error
}
