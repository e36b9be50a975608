package ports

import (
	"context"
	"errors"
	"time"

	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/events"
)

// ErrLockHeld is returned by a Locker when the resource is already locked
var ErrLockHeld = errors.New("lock already held")

// EventPublisher defines the interface for publishing domain events
type EventPublisher interface {
	// Publish sends a single event
	Publish(ctx context.Context, event events.DomainEvent) error

	// PublishBatch sends multiple events
	PublishBatch(ctx context.Context, events []events.DomainEvent) error
}

// StateCache keeps resolved graph states. Every timeline position is
// immutable, so entries never go stale while the position exists.
type StateCache interface {
	Get(ctx context.Context, key string) (*aggregates.GraphState, bool)
	Set(ctx context.Context, key string, state *aggregates.GraphState, ttl time.Duration) error
	// InvalidatePrefix drops every entry whose key starts with prefix
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// Metrics records operational measurements
type Metrics interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, d time.Duration, tags map[string]string)
	RecordValue(name string, value float64, tags map[string]string)
}

// DocumentAccessChecker decides whether the caller may read and write a
// document's history
type DocumentAccessChecker interface {
	CanAccess(ctx context.Context, documentID string) (bool, error)
}

// EntitlementChecker decides whether the caller's plan includes a feature
type EntitlementChecker interface {
	CanCreateCheckpoint(ctx context.Context, documentID string) (bool, error)
}
