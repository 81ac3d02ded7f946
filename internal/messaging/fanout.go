// Package messaging combines event publishers.
package messaging

import (
	"context"
	"errors"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Fanout publishes each event to every configured sink. All sinks are tried;
// their failures are joined.
type Fanout struct {
	sinks []domain.EventPublisher
}

// NewFanout skips nil sinks.
func NewFanout(sinks ...domain.EventPublisher) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, topic string, evt domain.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, topic, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event. It stands in when no egress is configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, domain.Event) error { return nil }

var (
	_ domain.EventPublisher = (*Fanout)(nil)
	_ domain.EventPublisher = Discard{}
)
