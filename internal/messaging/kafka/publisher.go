// Package kafka publishes engine events to Kafka topics with segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Config holds producer settings. Topics maps an engine topic
// (domain.TopicPositions, domain.TopicAlerts) to the Kafka topic name; an
// unmapped topic is written under TopicPrefix + topic.
type Config struct {
	Brokers      []string
	TopicPrefix  string
	Topics       map[string]string
	MaxAttempts  int
	RetryBackoff time.Duration
	BatchTimeout time.Duration
	Compression  bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements domain.EventPublisher. Messages are keyed by position
// ID so every event of one position lands on the same partition in order.
type Publisher struct {
	w      messageWriter
	cfg    Config
	logger *slog.Logger
}

// NewPublisher builds a Writer that waits for all in-sync replicas.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		BatchTimeout:           cfg.BatchTimeout,
	}
	if cfg.RetryBackoff > 0 {
		w.WriteBackoffMin = cfg.RetryBackoff
		w.WriteBackoffMax = cfg.RetryBackoff * 10
	}
	if cfg.Compression {
		w.Compression = kafka.Gzip
	}

	logger.Info("kafka: producer created", slog.Any("brokers", cfg.Brokers))
	return newPublisher(w, cfg, logger), nil
}

func newPublisher(w messageWriter, cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{w: w, cfg: cfg, logger: logger}
}

// Publish writes evt as a JSON message.
func (p *Publisher) Publish(ctx context.Context, topic string, evt domain.Event) error {
	msg, err := p.message(topic, evt)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s to %s: %w", evt.Type, msg.Topic, err)
	}
	p.logger.Debug("kafka: event written",
		slog.String("topic", msg.Topic),
		slog.String("type", evt.Type),
		slog.String("position_id", evt.PositionID),
	)
	return nil
}

func (p *Publisher) message(topic string, evt domain.Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode %s: %w", evt.Type, err)
	}
	return kafka.Message{
		Topic: p.topicName(topic),
		Key:   []byte(evt.PositionID),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "tenant-id", Value: []byte(evt.TenantID)},
		},
	}, nil
}

func (p *Publisher) topicName(topic string) string {
	if name, ok := p.cfg.Topics[topic]; ok && name != "" {
		return name
	}
	return p.cfg.TopicPrefix + topic
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

var _ domain.EventPublisher = (*Publisher)(nil)
