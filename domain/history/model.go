package history

import (
	"time"

	"mindmap-history/domain/core/aggregates"
)

// Cursor is a position in a document's timeline. An empty EventID means
// the snapshot itself.
type Cursor struct {
	SnapshotID string `json:"snapshotId"`
	EventID    string `json:"eventId,omitempty"`
}

// AtSnapshot reports whether the cursor points at a bare snapshot
func (c Cursor) AtSnapshot() bool {
	return c.EventID == ""
}

// IsZero reports whether the cursor points nowhere
func (c Cursor) IsZero() bool {
	return c.SnapshotID == ""
}

func (c Cursor) String() string {
	if c.EventID == "" {
		return c.SnapshotID + "@-"
	}
	return c.SnapshotID + "@" + c.EventID
}

// SnapshotHeader is the listing view of a snapshot
type SnapshotHeader struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Index      int       `json:"snapshotIndex"`
	ActionName string    `json:"actionName"`
	NodeCount  int       `json:"nodeCount"`
	EdgeCount  int       `json:"edgeCount"`
	IsMajor    bool      `json:"isMajor"`
	CreatedAt  time.Time `json:"createdAt"`
	CreatedBy  string    `json:"createdBy"`
	// Origin is the position the snapshot's state was taken from, when
	// it was taken from the timeline at all.
	Origin *Cursor `json:"origin,omitempty"`
}

// Snapshot is a full checkpoint of a document. Immutable once written.
type Snapshot struct {
	SnapshotHeader
	State *aggregates.GraphState `json:"-"`
}

// NewSnapshot builds a snapshot with counts derived from the state. The
// index is allocated by the store.
func NewSnapshot(id, documentID string, state *aggregates.GraphState, actionName string, isMajor bool, createdBy string, createdAt time.Time, origin *Cursor) *Snapshot {
	if state == nil {
		state = aggregates.NewGraphState()
	}
	return &Snapshot{
		SnapshotHeader: SnapshotHeader{
			ID:         id,
			DocumentID: documentID,
			ActionName: actionName,
			NodeCount:  state.NodeCount(),
			EdgeCount:  state.EdgeCount(),
			IsMajor:    isMajor,
			CreatedAt:  createdAt.UTC(),
			CreatedBy:  createdBy,
			Origin:     origin,
		},
		State: state,
	}
}

// EventHeader is the metadata of an event, enough to list and group it
// without loading its Delta.
type EventHeader struct {
	ID            string     `json:"id"`
	DocumentID    string     `json:"documentId"`
	SnapshotID    string     `json:"snapshotId"`
	Index         int        `json:"eventIndex"`
	ActionName    string     `json:"actionName"`
	OperationType OpKind     `json:"operationType"`
	EntityType    EntityType `json:"entityType"`
	EntityCount   int        `json:"entityCount"`
	TargetNodeID  string     `json:"targetNodeId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CreatedBy     string     `json:"createdBy"`
}

// Cursor returns the timeline position of the event
func (h EventHeader) Cursor() Cursor {
	return Cursor{SnapshotID: h.SnapshotID, EventID: h.ID}
}

// Event is a persisted Delta. Immutable once written.
type Event struct {
	EventHeader
	Delta Delta `json:"-"`
}

// NewEvent builds an event whose listing columns are derived from the Delta
func NewEvent(id, documentID, snapshotID string, index int, actionName string, delta Delta, createdBy string, createdAt time.Time) *Event {
	return &Event{
		EventHeader: EventHeader{
			ID:            id,
			DocumentID:    documentID,
			SnapshotID:    snapshotID,
			Index:         index,
			ActionName:    actionName,
			OperationType: delta.OperationType(),
			EntityType:    delta.EntityType(),
			EntityCount:   delta.EntityCount(),
			TargetNodeID:  delta.TargetNodeID(),
			CreatedAt:     createdAt.UTC(),
			CreatedBy:     createdBy,
		},
		Delta: delta,
	}
}

// Pointer is the single current-position record of a document
type Pointer struct {
	DocumentID string    `json:"documentId"`
	SnapshotID string    `json:"snapshotId"`
	EventID    string    `json:"eventId,omitempty"`
	UpdatedBy  string    `json:"updatedBy"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Cursor returns the position the pointer references
func (p Pointer) Cursor() Cursor {
	return Cursor{SnapshotID: p.SnapshotID, EventID: p.EventID}
}

// NewPointer creates a pointer at the cursor
func NewPointer(documentID string, at Cursor, updatedBy string, updatedAt time.Time) Pointer {
	return Pointer{
		DocumentID: documentID,
		SnapshotID: at.SnapshotID,
		EventID:    at.EventID,
		UpdatedBy:  updatedBy,
		UpdatedAt:  updatedAt.UTC(),
	}
}

// ItemKind distinguishes snapshot and event rows in the timeline
type ItemKind string

const (
	ItemSnapshot ItemKind = "snapshot"
	ItemEvent    ItemKind = "event"
)

// TimelineItem is one metadata-only row of the timeline
type TimelineItem struct {
	Kind          ItemKind   `json:"kind"`
	ID            string     `json:"id"`
	SnapshotID    string     `json:"snapshotId"`
	SnapshotIndex int        `json:"snapshotIndex"`
	EventIndex    *int       `json:"eventIndex,omitempty"`
	ActionName    string     `json:"actionName"`
	OperationType OpKind     `json:"operationType,omitempty"`
	EntityType    EntityType `json:"entityType,omitempty"`
	EntityCount   int        `json:"entityCount"`
	TargetNodeID  string     `json:"targetNodeId,omitempty"`
	NodeCount     int        `json:"nodeCount,omitempty"`
	EdgeCount     int        `json:"edgeCount,omitempty"`
	IsMajor       bool       `json:"isMajor,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CreatedBy     string     `json:"createdBy"`
}

// SnapshotItem converts a snapshot header into a timeline row
func SnapshotItem(h SnapshotHeader) TimelineItem {
	return TimelineItem{
		Kind:          ItemSnapshot,
		ID:            h.ID,
		SnapshotID:    h.ID,
		SnapshotIndex: h.Index,
		ActionName:    h.ActionName,
		EntityCount:   h.NodeCount + h.EdgeCount,
		NodeCount:     h.NodeCount,
		EdgeCount:     h.EdgeCount,
		IsMajor:       h.IsMajor,
		CreatedAt:     h.CreatedAt,
		CreatedBy:     h.CreatedBy,
	}
}

// EventItem converts an event header into a timeline row
func EventItem(h EventHeader, snapshotIndex int) TimelineItem {
	idx := h.Index
	return TimelineItem{
		Kind:          ItemEvent,
		ID:            h.ID,
		SnapshotID:    h.SnapshotID,
		SnapshotIndex: snapshotIndex,
		EventIndex:    &idx,
		ActionName:    h.ActionName,
		OperationType: h.OperationType,
		EntityType:    h.EntityType,
		EntityCount:   h.EntityCount,
		TargetNodeID:  h.TargetNodeID,
		CreatedAt:     h.CreatedAt,
		CreatedBy:     h.CreatedBy,
	}
}

// Newer orders timeline rows newest first. Ties fall back to the timeline
// position so that rows written in the same instant keep their log order.
func Newer(a, b TimelineItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.SnapshotIndex != b.SnapshotIndex {
		return a.SnapshotIndex > b.SnapshotIndex
	}
	return position(a) > position(b)
}

func position(item TimelineItem) int {
	if item.EventIndex == nil {
		return -1
	}
	return *item.EventIndex
}

// TimelineFilter selects a page of the timeline
type TimelineFilter struct {
	Limit      int
	Offset     int
	StartDate  *time.Time
	EndDate    *time.Time
	ActionName string
}

// Matches applies the date range and action filters to one row
func (f TimelineFilter) Matches(createdAt time.Time, actionName string) bool {
	if f.StartDate != nil && createdAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && createdAt.After(*f.EndDate) {
		return false
	}
	if f.ActionName != "" && actionName != f.ActionName {
		return false
	}
	return true
}

// TimelinePage is one page of the timeline with the document's current
// position, which is reported independently of the filters.
type TimelinePage struct {
	Items             []TimelineItem  `json:"items"`
	Groups            []TimelineGroup `json:"groups,omitempty"`
	Total             int             `json:"total"`
	HasMore           bool            `json:"hasMore"`
	CurrentSnapshotID string          `json:"currentSnapshotId,omitempty"`
	CurrentEventID    string          `json:"currentEventId,omitempty"`
}

// PruneResult summarises one retention run
type PruneResult struct {
	Documents        int   `json:"documents"`
	DeletedSnapshots int   `json:"deletedSnapshots"`
	DeletedEvents    int   `json:"deletedEvents"`
	ExecutionTimeMs  int64 `json:"executionTimeMs"`
}

// Add folds another result into this one
func (r *PruneResult) Add(other PruneResult) {
	r.Documents += other.Documents
	r.DeletedSnapshots += other.DeletedSnapshots
	r.DeletedEvents += other.DeletedEvents
}
