// Package messaging holds the generic ports.EventPublisher
// implementations. Transport-specific publishers live in subpackages.
package messaging

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/events"
)

// LoggingPublisher writes every event to the log. It is the publisher of
// local deployments without an event bus.
type LoggingPublisher struct {
	logger *zap.Logger
}

// NewLoggingPublisher creates a logging publisher
func NewLoggingPublisher(logger *zap.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

// Publish logs one event
func (p *LoggingPublisher) Publish(ctx context.Context, event events.DomainEvent) error {
	p.logger.Info("Domain event",
		zap.String("event_type", event.GetEventType()),
		zap.String("document_id", event.GetAggregateID()),
		zap.Time("timestamp", event.GetTimestamp()),
		zap.Any("event", event),
	)
	return nil
}

// PublishBatch logs every event
func (p *LoggingPublisher) PublishBatch(ctx context.Context, evts []events.DomainEvent) error {
	for _, e := range evts {
		_ = p.Publish(ctx, e)
	}
	return nil
}

// FanOutPublisher hands every event to all its publishers. One failing
// publisher does not stop the others; their errors are joined.
type FanOutPublisher struct {
	publishers []ports.EventPublisher
}

var (
	_ ports.EventPublisher = (*LoggingPublisher)(nil)
	_ ports.EventPublisher = (*FanOutPublisher)(nil)
)

// NewFanOutPublisher creates a publisher over the given publishers
func NewFanOutPublisher(publishers ...ports.EventPublisher) *FanOutPublisher {
	return &FanOutPublisher{publishers: publishers}
}

// Publish sends the event to every publisher
func (f *FanOutPublisher) Publish(ctx context.Context, event events.DomainEvent) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishBatch sends the batch to every publisher
func (f *FanOutPublisher) PublishBatch(ctx context.Context, evts []events.DomainEvent) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.PublishBatch(ctx, evts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
