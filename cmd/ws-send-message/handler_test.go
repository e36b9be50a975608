package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainevents "mindmap-history/domain/events"
)

type capturingPublisher struct {
	published []domainevents.DomainEvent
	err       error
}

func (p *capturingPublisher) Publish(_ context.Context, event domainevents.DomainEvent) error {
	p.published = append(p.published, event)
	return p.err
}

func (p *capturingPublisher) PublishBatch(ctx context.Context, evts []domainevents.DomainEvent) error {
	for _, e := range evts {
		if err := p.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func TestRelayHandler_PublishesDetailUnchanged(t *testing.T) {
	// Arrange
	detail := json.RawMessage(`{"aggregate_id":"doc-1","event_type":"history.pointer.moved","version":1,"snapshot_id":"s1","reason":"undo"}`)
	publisher := &capturingPublisher{}
	h := &relayHandler{publisher: publisher, logger: zap.NewNop()}

	// Act
	err := h.Handle(context.Background(), events.CloudWatchEvent{DetailType: "history.pointer.moved", Detail: detail})

	// Assert
	require.NoError(t, err)
	require.Len(t, publisher.published, 1)
	relayed := publisher.published[0]
	assert.Equal(t, "doc-1", relayed.GetAggregateID())
	assert.Equal(t, domainevents.TypePointerMoved, relayed.GetEventType())
	encoded, err := json.Marshal(relayed)
	require.NoError(t, err)
	assert.JSONEq(t, string(detail), string(encoded))
}

func TestRelayHandler_DropsUnroutableEvents(t *testing.T) {
	tests := []struct {
		name   string
		detail string
	}{
		{name: "malformed detail", detail: `"not an object"`},
		{name: "no document", detail: `{"event_type":"history.pruned"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			publisher := &capturingPublisher{}
			h := &relayHandler{publisher: publisher, logger: zap.NewNop()}

			// Act
			err := h.Handle(context.Background(), events.CloudWatchEvent{Detail: json.RawMessage(tt.detail)})

			// Assert
			require.NoError(t, err)
			assert.Empty(t, publisher.published)
		})
	}
}

func TestRelayHandler_ReturnsPublishErrors(t *testing.T) {
	// Arrange
	publisher := &capturingPublisher{err: errors.New("all sends failed")}
	h := &relayHandler{publisher: publisher, logger: zap.NewNop()}

	// Act
	err := h.Handle(context.Background(), events.CloudWatchEvent{
		Detail: json.RawMessage(`{"aggregate_id":"doc-1","event_type":"history.pruned"}`),
	})

	// Assert
	assert.Error(t, err)
}
