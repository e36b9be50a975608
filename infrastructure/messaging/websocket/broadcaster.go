// Package websocket pushes history notifications to the collaborators
// connected to a document through API Gateway websockets.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	apigwTypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/events"
	"mindmap-history/infrastructure/persistence/dynamodb"
	pkgerrors "mindmap-history/pkg/errors"
)

// PostClient is the subset of the API Gateway management client used here
type PostClient interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Connections finds and forgets websocket connections
type Connections interface {
	ListForDocument(ctx context.Context, documentID string) ([]dynamodb.Connection, error)
	Remove(ctx context.Context, connectionID string) error
}

// Message is the frame sent to clients
type Message struct {
	Type       string             `json:"type"`
	DocumentID string             `json:"documentId"`
	Timestamp  int64              `json:"timestamp"`
	Data       events.DomainEvent `json:"data"`
}

// broadcastTypes are the events after which clients reload the document
var broadcastTypes = map[string]bool{
	events.TypeEventAppended:     true,
	events.TypeCheckpointCreated: true,
	events.TypePointerMoved:      true,
	events.TypeHistoryPruned:     true,
}

// Broadcaster implements ports.EventPublisher by posting pointer changes
// to every connection open on the document
type Broadcaster struct {
	client      PostClient
	connections Connections
	logger      *zap.Logger
}

var _ ports.EventPublisher = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster
func NewBroadcaster(client PostClient, connections Connections, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{client: client, connections: connections, logger: logger}
}

// NewPostClient creates a management API client for a websocket endpoint
// such as "abc.execute-api.eu-west-1.amazonaws.com/prod"
func NewPostClient(cfg aws.Config, endpoint string) *apigatewaymanagementapi.Client {
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String("https://" + endpoint)
	})
}

// Publish posts the event when collaborators need to hear about it
func (b *Broadcaster) Publish(ctx context.Context, event events.DomainEvent) error {
	if !broadcastTypes[event.GetEventType()] {
		return nil
	}

	documentID := event.GetAggregateID()
	conns, err := b.connections.ListForDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}
	if len(conns) == 0 {
		return nil
	}

	frame, err := json.Marshal(Message{
		Type:       event.GetEventType(),
		DocumentID: documentID,
		Timestamp:  event.GetTimestamp().Unix(),
		Data:       event,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sent, failed := 0, 0
	for _, conn := range conns {
		if err := b.send(ctx, conn.ConnectionID, frame); err != nil {
			b.logger.Warn("Failed to send to connection",
				zap.String("connection_id", conn.ConnectionID),
				zap.Error(err),
			)
			failed++
			continue
		}
		sent++
	}

	b.logger.Debug("Broadcast complete",
		zap.String("document_id", documentID),
		zap.String("event_type", event.GetEventType()),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
	)
	if failed > 0 && sent == 0 {
		return pkgerrors.NewExternalError("apigateway", fmt.Errorf("all %d message sends failed", failed))
	}
	return nil
}

// PublishBatch publishes each event in order
func (b *Broadcaster) PublishBatch(ctx context.Context, evts []events.DomainEvent) error {
	var errs []error
	for _, e := range evts {
		if err := b.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broadcaster) send(ctx context.Context, connectionID string, frame []byte) error {
	_, err := b.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         frame,
	})
	if err == nil {
		return nil
	}

	var gone *apigwTypes.GoneException
	if errors.As(err, &gone) {
		// Stale connection; forget it and do not count it as a failure
		if rmErr := b.connections.Remove(ctx, connectionID); rmErr != nil {
			b.logger.Warn("Failed to remove stale connection",
				zap.String("connection_id", connectionID),
				zap.Error(rmErr),
			)
		}
		return nil
	}
	return err
}
