package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
)

// DistributedLock provides distributed locking using DynamoDB conditional writes
type DistributedLock struct {
	client    API
	tableName string
	logger    *zap.Logger
	clock     func() time.Time
}

var _ ports.Locker = (*DistributedLock)(nil)

// LockRecord represents a lock record in DynamoDB
type LockRecord struct {
	PK         string `dynamodbav:"PK"`         // LOCK#<resource_name>
	SK         string `dynamodbav:"SK"`         // LOCK
	LockID     string `dynamodbav:"LockID"`     // Unique lock identifier
	Owner      string `dynamodbav:"Owner"`      // Lock owner identifier
	AcquiredAt string `dynamodbav:"AcquiredAt"` // RFC3339 timestamp
	ExpiresAt  int64  `dynamodbav:"ExpiresAt"`  // Unix milliseconds
	TTL        int64  `dynamodbav:"TTL"`        // Unix timestamp for DynamoDB TTL
}

// NewDistributedLock creates a new distributed lock instance
func NewDistributedLock(client API, tableName string, logger *zap.Logger) *DistributedLock {
	return &DistributedLock{
		client:    client,
		tableName: tableName,
		logger:    logger,
		clock:     time.Now,
	}
}

func lockKey(resource string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "LOCK#" + resource},
		"SK": &types.AttributeValueMemberS{Value: "LOCK"},
	}
}

// AcquireLock takes the resource unless an unexpired lock of another owner
// holds it. Contention is reported as ports.ErrLockHeld.
func (dl *DistributedLock) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (ports.Lock, error) {
	now := dl.clock()
	expiresAt := now.Add(ttl)
	lockID := owner + "_" + strconv.FormatInt(now.UnixNano(), 10)

	item, err := attributevalue.MarshalMap(LockRecord{
		PK:         "LOCK#" + resource,
		SK:         "LOCK",
		LockID:     lockID,
		Owner:      owner,
		AcquiredAt: now.UTC().Format(time.RFC3339),
		ExpiresAt:  expiresAt.UnixMilli(),
		TTL:        expiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("PK")).
		Or(expression.Name("ExpiresAt").LessThan(expression.Value(now.UnixMilli()))).
		Or(expression.Name("Owner").Equal(expression.Value(owner)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build lock condition: %w", err)
	}

	_, err = dl.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(dl.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var conditionalCheckFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailed) {
			dl.logger.Debug("Failed to acquire lock - already held",
				zap.String("resource", resource),
				zap.String("owner", owner),
			)
			return nil, ports.ErrLockHeld
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	dl.logger.Debug("Lock acquired successfully",
		zap.String("resource", resource),
		zap.String("lockID", lockID),
		zap.String("owner", owner),
		zap.Duration("duration", ttl),
	)

	return &Lock{
		distributedLock: dl,
		resource:        resource,
		lockID:          lockID,
		owner:           owner,
		expiresAt:       expiresAt,
	}, nil
}

// ReleaseLock deletes the lock if it is still the one identified by lockID
func (dl *DistributedLock) ReleaseLock(ctx context.Context, resource, lockID, owner string) error {
	cond := expression.Name("LockID").Equal(expression.Value(lockID)).
		And(expression.Name("Owner").Equal(expression.Value(owner)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build release condition: %w", err)
	}

	_, err = dl.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(dl.tableName),
		Key:                       lockKey(resource),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var conditionalCheckFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailed) {
			dl.logger.Warn("Lock already released or owned by someone else",
				zap.String("resource", resource),
				zap.String("lockID", lockID),
				zap.String("owner", owner),
			)
			return nil // Lock is already gone, which is what we wanted
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}

	dl.logger.Debug("Lock released successfully",
		zap.String("resource", resource),
		zap.String("lockID", lockID),
	)
	return nil
}

// Lock represents an acquired distributed lock
type Lock struct {
	distributedLock *DistributedLock
	resource        string
	lockID          string
	owner           string
	expiresAt       time.Time
}

// Release releases the lock
func (l *Lock) Release(ctx context.Context) error {
	return l.distributedLock.ReleaseLock(ctx, l.resource, l.lockID, l.owner)
}

// IsExpired checks if the lock has expired
func (l *Lock) IsExpired() bool {
	return l.distributedLock.clock().After(l.expiresAt)
}
