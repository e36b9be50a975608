package queries

import (
	"time"

	"mindmap-history/application/services"
	"mindmap-history/domain/history"
	"mindmap-history/pkg/utils"
)

// GetTimelineQuery lists a page of a document's history
type GetTimelineQuery struct {
	DocumentID string     `validate:"required,max=128"`
	Limit      int        `validate:"gte=0"`
	Offset     int        `validate:"gte=0"`
	StartDate  *time.Time
	EndDate    *time.Time
	ActionName string `validate:"max=200"`
	Grouped    bool
}

// Validate validates the GetTimelineQuery
func (q *GetTimelineQuery) Validate() error {
	return utils.ValidateStruct(q)
}

// Filter converts the query into a store filter
func (q *GetTimelineQuery) Filter() history.TimelineFilter {
	return history.TimelineFilter{
		Limit:      q.Limit,
		Offset:     q.Offset,
		StartDate:  q.StartDate,
		EndDate:    q.EndDate,
		ActionName: q.ActionName,
	}
}

// GetDeltaQuery fetches one event with its changes
type GetDeltaQuery struct {
	DocumentID string `validate:"required,max=128"`
	EventID    string `validate:"required"`
}

// Validate validates the GetDeltaQuery
func (q *GetDeltaQuery) Validate() error {
	return utils.ValidateStruct(q)
}

// GetDeltaResult is the wire view of an event
type GetDeltaResult struct {
	ID              string               `json:"id"`
	SnapshotID      string               `json:"snapshotId"`
	EventIndex      int                  `json:"eventIndex"`
	ActionName      string               `json:"actionName"`
	Operation       history.OpKind       `json:"operation"`
	EntityType      history.EntityType   `json:"entityType"`
	Changes         []history.WireChange `json:"changes"`
	Timestamp       time.Time            `json:"timestamp"`
	UserAttribution string               `json:"userAttribution"`
}

// GetStateQuery resolves the graph at a position; without ids the current
// position is resolved
type GetStateQuery struct {
	DocumentID string `validate:"required,max=128"`
	SnapshotID string `validate:"max=128"`
	EventID    string `validate:"max=128"`
}

// Validate validates the GetStateQuery
func (q *GetStateQuery) Validate() error {
	return utils.ValidateStruct(q)
}

// Cursor returns the requested position, nil for the pointer
func (q *GetStateQuery) Cursor() *history.Cursor {
	if q.SnapshotID == "" && q.EventID == "" {
		return nil
	}
	return &history.Cursor{SnapshotID: q.SnapshotID, EventID: q.EventID}
}

// GetStateResult is a resolution of the graph
type GetStateResult = services.Resolution

// GetPointerQuery reads a document's current position
type GetPointerQuery struct {
	DocumentID string `validate:"required,max=128"`
}

// Validate validates the GetPointerQuery
func (q *GetPointerQuery) Validate() error {
	return utils.ValidateStruct(q)
}
