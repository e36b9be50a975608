package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	apigwTypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/domain/events"
	"mindmap-history/infrastructure/persistence/dynamodb"
)

type mockPostClient struct {
	mock.Mock
}

func (m *mockPostClient) PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*apigatewaymanagementapi.PostToConnectionOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockConnections struct {
	mock.Mock
}

func (m *mockConnections) ListForDocument(ctx context.Context, documentID string) ([]dynamodb.Connection, error) {
	args := m.Called(ctx, documentID)
	conns, _ := args.Get(0).([]dynamodb.Connection)
	return conns, args.Error(1)
}

func (m *mockConnections) Remove(ctx context.Context, connectionID string) error {
	return m.Called(ctx, connectionID).Error(0)
}

func to(id string) interface{} {
	return mock.MatchedBy(func(in *apigatewaymanagementapi.PostToConnectionInput) bool {
		return aws.ToString(in.ConnectionId) == id
	})
}

func TestBroadcaster_Publish(t *testing.T) {
	// Arrange
	ctx := context.Background()
	evt := events.NewPointerMoved("doc-1", "s0", "e2", "undo", "user-1", time.Now())
	conns := new(mockConnections)
	conns.On("ListForDocument", ctx, "doc-1").Return([]dynamodb.Connection{
		{ConnectionID: "c1"}, {ConnectionID: "c2"},
	}, nil)
	conns.On("Remove", ctx, "c2").Return(nil)

	var frame []byte
	client := new(mockPostClient)
	client.On("PostToConnection", ctx, to("c1")).
		Run(func(args mock.Arguments) { frame = args.Get(1).(*apigatewaymanagementapi.PostToConnectionInput).Data }).
		Return(&apigatewaymanagementapi.PostToConnectionOutput{}, nil)
	client.On("PostToConnection", ctx, to("c2")).
		Return(nil, &apigwTypes.GoneException{Message: aws.String("gone")})
	b := NewBroadcaster(client, conns, zap.NewNop())

	// Act
	err := b.Publish(ctx, evt)

	// Assert
	require.NoError(t, err)
	conns.AssertCalled(t, "Remove", ctx, "c2")
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, events.TypePointerMoved, msg["type"])
	assert.Equal(t, "doc-1", msg["documentId"])
}

func TestBroadcaster_IgnoresInternalEvents(t *testing.T) {
	// Arrange
	conns := new(mockConnections)
	client := new(mockPostClient)
	b := NewBroadcaster(client, conns, zap.NewNop())

	// Act
	err := b.Publish(context.Background(), events.NewChainBroken("doc-1", "s0", "e3", 3, "patch failed", time.Now()))

	// Assert
	require.NoError(t, err)
	conns.AssertNotCalled(t, "ListForDocument", mock.Anything, mock.Anything)
}
