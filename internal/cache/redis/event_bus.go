package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// EventBus implements domain.EventPublisher on top of a SignalBus. Each event
// is published live on events:<topic> and appended to stream:<topic>.
type EventBus struct {
	bus domain.SignalBus
	key func(string) string
}

// NewEventBus creates an EventBus over bus, namespacing channels with c's
// prefix.
func NewEventBus(c *Client, bus domain.SignalBus) *EventBus {
	return &EventBus{bus: bus, key: c.Key}
}

func newEventBus(prefix string, bus domain.SignalBus) *EventBus {
	p := keyPrefix(prefix)
	return &EventBus{bus: bus, key: func(s string) string { return p + s }}
}

// EventChannel is the Pub/Sub channel carrying events of topic.
func EventChannel(prefix, topic string) string {
	return keyPrefix(prefix) + "events:" + topic
}

// EventStream is the capped stream retaining events of topic for replay.
func EventStream(prefix, topic string) string {
	return keyPrefix(prefix) + "stream:" + topic
}

// EventPattern matches every event channel under prefix.
func EventPattern(prefix string) string {
	return keyPrefix(prefix) + "events:*"
}

// Publish encodes evt as JSON and hands it to the bus.
func (eb *EventBus) Publish(ctx context.Context, topic string, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("redis: encode event %s: %w", evt.Type, err)
	}
	if err := eb.bus.Publish(ctx, eb.key("events:"+topic), payload); err != nil {
		return err
	}
	return eb.bus.StreamAppend(ctx, eb.key("stream:"+topic), payload)
}

var _ domain.EventPublisher = (*EventBus)(nil)
