package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublisherPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, Config{
		TopicPrefix: "posengine.",
		Topics:      map[string]string{domain.TopicAlerts: "risk-alerts"},
	}, discard())

	at := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	evts := []struct {
		topic string
		evt   domain.Event
		want  string
	}{
		{domain.TopicPositions, domain.Event{Type: "position.opened", PositionID: "p1", TenantID: "t", OccurredAt: at}, "posengine.positions"},
		{domain.TopicAlerts, domain.Event{Type: "alert.margin_call", PositionID: "p1", TenantID: "t", OccurredAt: at}, "risk-alerts"},
	}
	for _, e := range evts {
		if err := p.Publish(context.Background(), e.topic, e.evt); err != nil {
			t.Fatalf("Publish(%s): %v", e.topic, err)
		}
	}

	if len(w.msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(w.msgs))
	}
	for i, m := range w.msgs {
		if m.Topic != evts[i].want {
			t.Errorf("msg %d topic = %q, want %q", i, m.Topic, evts[i].want)
		}
		if string(m.Key) != "p1" {
			t.Errorf("msg %d key = %q, want position id", i, m.Key)
		}
		if !m.Time.Equal(at) {
			t.Errorf("msg %d time = %v", i, m.Time)
		}
		var got domain.Event
		if err := json.Unmarshal(m.Value, &got); err != nil || got.Type != evts[i].evt.Type {
			t.Errorf("msg %d value = %s (%v)", i, m.Value, err)
		}
		if len(m.Headers) != 2 || string(m.Headers[0].Value) != evts[i].evt.Type {
			t.Errorf("msg %d headers = %v", i, m.Headers)
		}
	}
}

func TestPublisherWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p := newPublisher(&fakeWriter{err: boom}, Config{}, discard())

	err := p.Publish(context.Background(), domain.TopicPositions, domain.Event{Type: "position.closed"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped writer error", err)
	}
}

func TestPublisherEncodeError(t *testing.T) {
	p := newPublisher(&fakeWriter{}, Config{}, discard())

	err := p.Publish(context.Background(), domain.TopicPositions, domain.Event{Payload: make(chan int)})
	if err == nil {
		t.Fatal("expected encode error")
	}
}

func TestNewPublisherRequiresBrokers(t *testing.T) {
	if _, err := NewPublisher(Config{}, discard()); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestPublisherClose(t *testing.T) {
	w := &fakeWriter{}
	if err := newPublisher(w, Config{}, discard()).Close(); err != nil || !w.closed {
		t.Fatalf("Close = %v, closed = %v", err, w.closed)
	}
}
