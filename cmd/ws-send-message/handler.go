package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	domainevents "mindmap-history/domain/events"
)

// relayedEvent carries an EventBridge detail through the broadcaster
// unchanged
type relayedEvent struct {
	domainevents.BaseEvent
	detail json.RawMessage
}

// MarshalJSON returns the original detail
func (e relayedEvent) MarshalJSON() ([]byte, error) {
	return e.detail, nil
}

type relayHandler struct {
	publisher ports.EventPublisher
	logger    *zap.Logger
}

// Handle decodes the EventBridge envelope and publishes the detail
func (h *relayHandler) Handle(ctx context.Context, event events.CloudWatchEvent) error {
	var base domainevents.BaseEvent
	if err := json.Unmarshal(event.Detail, &base); err != nil {
		// Retrying cannot fix a malformed detail
		h.logger.Error("Dropping undecodable event",
			zap.String("detail_type", event.DetailType),
			zap.Error(err),
		)
		return nil
	}
	if base.EventType == "" {
		base.EventType = event.DetailType
	}
	if base.AggregateID == "" {
		h.logger.Warn("Dropping event without a document", zap.String("detail_type", event.DetailType))
		return nil
	}

	if err := h.publisher.Publish(ctx, relayedEvent{BaseEvent: base, detail: event.Detail}); err != nil {
		return fmt.Errorf("failed to relay %s for document %s: %w", base.EventType, base.AggregateID, err)
	}
	return nil
}
