package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// DefaultConnectionTTL is how long a connection record lives without
// being refreshed
const DefaultConnectionTTL = 24 * time.Hour

// documentConnectionsIndex lists the connections open on a document
const documentConnectionsIndex = "GSI1"

// Connection is a websocket connection subscribed to one document
type Connection struct {
	ConnectionID string
	UserID       string
	DocumentID   string
	Endpoint     string
	ConnectedAt  time.Time
}

type connectionRecord struct {
	PK           string `dynamodbav:"PK"` // CONNECTION#<id>
	SK           string `dynamodbav:"SK"` // METADATA
	GSI1PK       string `dynamodbav:"GSI1PK"`
	GSI1SK       string `dynamodbav:"GSI1SK"`
	ConnectionID string `dynamodbav:"ConnectionID"`
	UserID       string `dynamodbav:"UserID"`
	DocumentID   string `dynamodbav:"DocumentID"`
	Endpoint     string `dynamodbav:"Endpoint"`
	ConnectedAt  string `dynamodbav:"ConnectedAt"`
	TTL          int64  `dynamodbav:"TTL"`
}

// ConnectionRegistry stores websocket connections in the connections table
type ConnectionRegistry struct {
	client    API
	tableName string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewConnectionRegistry creates a registry over the connections table
func NewConnectionRegistry(client API, tableName string, logger *zap.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{client: client, tableName: tableName, ttl: DefaultConnectionTTL, logger: logger}
}

func connectionKey(connectionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "CONNECTION#" + connectionID},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

// Register saves the connection
func (r *ConnectionRegistry) Register(ctx context.Context, conn Connection) error {
	item, err := attributevalue.MarshalMap(connectionRecord{
		PK:           "CONNECTION#" + conn.ConnectionID,
		SK:           "METADATA",
		GSI1PK:       "DOCUMENT#" + conn.DocumentID,
		GSI1SK:       "CONNECTION#" + conn.ConnectionID,
		ConnectionID: conn.ConnectionID,
		UserID:       conn.UserID,
		DocumentID:   conn.DocumentID,
		Endpoint:     conn.Endpoint,
		ConnectedAt:  conn.ConnectedAt.UTC().Format(time.RFC3339),
		TTL:          conn.ConnectedAt.Add(r.ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode connection: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store connection: %w", err)
	}

	r.logger.Debug("Stored connection",
		zap.String("connection_id", conn.ConnectionID),
		zap.String("user_id", conn.UserID),
		zap.String("document_id", conn.DocumentID),
	)
	return nil
}

// Remove deletes the connection
func (r *ConnectionRegistry) Remove(ctx context.Context, connectionID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       connectionKey(connectionID),
	})
	if err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	return nil
}

// ListForDocument returns the connections open on a document
func (r *ConnectionRegistry) ListForDocument(ctx context.Context, documentID string) ([]Connection, error) {
	keyCond := expression.Key("GSI1PK").Equal(expression.Value("DOCUMENT#" + documentID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(documentConnectionsIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var out []Connection
	for {
		page, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query connections: %w", err)
		}
		for _, item := range page.Items {
			var record connectionRecord
			if err := attributevalue.UnmarshalMap(item, &record); err != nil {
				r.logger.Warn("Skipping undecodable connection", zap.Error(err))
				continue
			}
			connectedAt, _ := time.Parse(time.RFC3339, record.ConnectedAt)
			out = append(out, Connection{
				ConnectionID: record.ConnectionID,
				UserID:       record.UserID,
				DocumentID:   record.DocumentID,
				Endpoint:     record.Endpoint,
				ConnectedAt:  connectedAt,
			})
		}
		if page.LastEvaluatedKey == nil {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}
