package events

import (
	"time"
)

// DomainEvent is the base interface for all domain events
// Events represent something that has happened in the past
type DomainEvent interface {
	GetAggregateID() string
	GetEventType() string
	GetTimestamp() time.Time
	GetVersion() int
}

// BaseEvent provides common event fields. The aggregate of every history
// event is the document.
type BaseEvent struct {
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
}

func (e BaseEvent) GetAggregateID() string  { return e.AggregateID }
func (e BaseEvent) GetEventType() string    { return e.EventType }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetVersion() int         { return e.Version }

const (
	TypeEventAppended     = "history.event.appended"
	TypeCheckpointCreated = "history.checkpoint.created"
	TypePointerMoved      = "history.pointer.moved"
	TypePointerConflict   = "history.pointer.conflict"
	TypeChainBroken       = "history.chain.broken"
	TypeHistoryPruned     = "history.pruned"
)

func newBase(documentID, eventType string, timestamp time.Time) BaseEvent {
	return BaseEvent{
		AggregateID: documentID,
		EventType:   eventType,
		Timestamp:   timestamp,
		Version:     1,
	}
}

// EventAppended is raised when an edit is persisted to the event log
type EventAppended struct {
	BaseEvent
	SnapshotID  string `json:"snapshot_id"`
	EventID     string `json:"event_id"`
	EventIndex  int    `json:"event_index"`
	ActionName  string `json:"action_name"`
	EntityCount int    `json:"entity_count"`
	UserID      string `json:"user_id"`
}

// NewEventAppended creates an EventAppended event
func NewEventAppended(documentID, snapshotID, eventID string, eventIndex int, actionName string, entityCount int, userID string, timestamp time.Time) EventAppended {
	return EventAppended{
		BaseEvent:   newBase(documentID, TypeEventAppended, timestamp),
		SnapshotID:  snapshotID,
		EventID:     eventID,
		EventIndex:  eventIndex,
		ActionName:  actionName,
		EntityCount: entityCount,
		UserID:      userID,
	}
}

// CheckpointCreated is raised when a snapshot is written
type CheckpointCreated struct {
	BaseEvent
	SnapshotID    string `json:"snapshot_id"`
	SnapshotIndex int    `json:"snapshot_index"`
	IsMajor       bool   `json:"is_major"`
	NodeCount     int    `json:"node_count"`
	EdgeCount     int    `json:"edge_count"`
	UserID        string `json:"user_id"`
}

// NewCheckpointCreated creates a CheckpointCreated event
func NewCheckpointCreated(documentID, snapshotID string, snapshotIndex int, isMajor bool, nodeCount, edgeCount int, userID string, timestamp time.Time) CheckpointCreated {
	return CheckpointCreated{
		BaseEvent:     newBase(documentID, TypeCheckpointCreated, timestamp),
		SnapshotID:    snapshotID,
		SnapshotIndex: snapshotIndex,
		IsMajor:       isMajor,
		NodeCount:     nodeCount,
		EdgeCount:     edgeCount,
		UserID:        userID,
	}
}

// PointerMoved is raised when undo, redo or a write changes the current
// position. Collaborators use it to reload the authoritative state.
type PointerMoved struct {
	BaseEvent
	SnapshotID string `json:"snapshot_id"`
	EventID    string `json:"event_id,omitempty"`
	Reason     string `json:"reason"`
	UserID     string `json:"user_id"`
}

// NewPointerMoved creates a PointerMoved event
func NewPointerMoved(documentID, snapshotID, eventID, reason, userID string, timestamp time.Time) PointerMoved {
	return PointerMoved{
		BaseEvent:  newBase(documentID, TypePointerMoved, timestamp),
		SnapshotID: snapshotID,
		EventID:    eventID,
		Reason:     reason,
		UserID:     userID,
	}
}

// PointerConflict records that a write replaced a pointer it did not
// compute against. Last writer wins; this is for observability only.
type PointerConflict struct {
	BaseEvent
	ExpectedSnapshotID string `json:"expected_snapshot_id"`
	ExpectedEventID    string `json:"expected_event_id,omitempty"`
	ActualSnapshotID   string `json:"actual_snapshot_id"`
	ActualEventID      string `json:"actual_event_id,omitempty"`
	ActualUpdatedBy    string `json:"actual_updated_by"`
	UserID             string `json:"user_id"`
}

// NewPointerConflict creates a PointerConflict event
func NewPointerConflict(documentID, expectedSnapshotID, expectedEventID, actualSnapshotID, actualEventID, actualUpdatedBy, userID string, timestamp time.Time) PointerConflict {
	return PointerConflict{
		BaseEvent:          newBase(documentID, TypePointerConflict, timestamp),
		ExpectedSnapshotID: expectedSnapshotID,
		ExpectedEventID:    expectedEventID,
		ActualSnapshotID:   actualSnapshotID,
		ActualEventID:      actualEventID,
		ActualUpdatedBy:    actualUpdatedBy,
		UserID:             userID,
	}
}

// ChainBroken is raised when replay stops at an event that cannot be folded
type ChainBroken struct {
	BaseEvent
	SnapshotID string `json:"snapshot_id"`
	EventID    string `json:"event_id"`
	EventIndex int    `json:"event_index"`
	Reason     string `json:"reason"`
}

// NewChainBroken creates a ChainBroken event
func NewChainBroken(documentID, snapshotID, eventID string, eventIndex int, reason string, timestamp time.Time) ChainBroken {
	return ChainBroken{
		BaseEvent:  newBase(documentID, TypeChainBroken, timestamp),
		SnapshotID: snapshotID,
		EventID:    eventID,
		EventIndex: eventIndex,
		Reason:     reason,
	}
}

// HistoryPruned is raised after a retention run removed anything
type HistoryPruned struct {
	BaseEvent
	DeletedSnapshots int `json:"deleted_snapshots"`
	DeletedEvents    int `json:"deleted_events"`
}

// NewHistoryPruned creates a HistoryPruned event
func NewHistoryPruned(documentID string, deletedSnapshots, deletedEvents int, timestamp time.Time) HistoryPruned {
	return HistoryPruned{
		BaseEvent:        newBase(documentID, TypeHistoryPruned, timestamp),
		DeletedSnapshots: deletedSnapshots,
		DeletedEvents:    deletedEvents,
	}
}
