package services

import (
	"context"

	"go.uber.org/zap"

	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/events"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
)

// Resolution is the state at a timeline position. A truncated resolution
// stopped at BrokenAt and holds the last state that did resolve.
type Resolution struct {
	State     *aggregates.GraphState `json:"state"`
	Cursor    history.Cursor         `json:"cursor"`
	Truncated bool                   `json:"truncated"`
	BrokenAt  *history.Cursor        `json:"brokenAt,omitempty"`
}

// StateAt reconstructs the graph at a position. A nil cursor means the
// document's current pointer; an event id alone is enough to locate a
// position.
func (s *HistoryService) StateAt(ctx context.Context, documentID string, at *history.Cursor) (*Resolution, error) {
	cursor, err := s.locate(ctx, documentID, at)
	if err != nil {
		return nil, err
	}

	state, err := s.replayer.Resolve(ctx, documentID, cursor)
	if err == nil {
		return &Resolution{State: state, Cursor: cursor}, nil
	}

	bc, ok := history.IsBrokenChain(err)
	if !ok {
		if pkgerrors.IsNotFound(err) {
			return nil, notFoundAt(cursor).WithCause(err)
		}
		return nil, FromHistoryError(err)
	}

	s.logger.Warn("Serving truncated history",
		zap.String("document_id", documentID),
		zap.String("requested", cursor.String()),
		zap.String("last_good", bc.LastGoodCursor.String()),
	)
	s.publish(ctx, events.NewChainBroken(documentID, bc.SnapshotID, bc.EventID, bc.EventIndex, bc.Error(), s.now()))

	brokenAt := history.Cursor{SnapshotID: bc.SnapshotID, EventID: bc.EventID}
	return &Resolution{
		State:     bc.LastGood,
		Cursor:    bc.LastGoodCursor,
		Truncated: true,
		BrokenAt:  &brokenAt,
	}, nil
}

func (s *HistoryService) locate(ctx context.Context, documentID string, at *history.Cursor) (history.Cursor, error) {
	if at == nil || (at.SnapshotID == "" && at.EventID == "") {
		ptr, err := s.GetPointer(ctx, documentID)
		if err != nil {
			return history.Cursor{}, err
		}
		return ptr.Cursor(), nil
	}
	if at.SnapshotID != "" {
		return *at, nil
	}
	evt, err := s.GetEvent(ctx, documentID, at.EventID)
	if err != nil {
		return history.Cursor{}, err
	}
	return evt.Cursor(), nil
}

func notFoundAt(at history.Cursor) *pkgerrors.DomainError {
	if at.AtSnapshot() {
		return pkgerrors.ErrSnapshotNotFound.Clone().WithDetail("snapshotId", at.SnapshotID)
	}
	return pkgerrors.ErrEventNotFound.Clone().WithDetail("eventId", at.EventID)
}

// GetPointer returns the document's current position
func (s *HistoryService) GetPointer(ctx context.Context, documentID string) (*history.Pointer, error) {
	ptr, err := s.store.GetPointer(ctx, documentID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, pkgerrors.ErrDocumentNotFound.Clone().WithDetail("documentId", documentID)
		}
		return nil, FromHistoryError(err)
	}
	return ptr, nil
}

// GetEvent returns one event including its Delta
func (s *HistoryService) GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error) {
	evt, err := s.store.GetEvent(ctx, documentID, eventID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, pkgerrors.ErrEventNotFound.Clone().WithDetail("eventId", eventID).WithCause(err)
		}
		return nil, FromHistoryError(err)
	}
	return evt, nil
}

// Timeline returns a newest-first page of snapshot and event metadata. The
// current position is reported even when the filters exclude it.
func (s *HistoryService) Timeline(ctx context.Context, documentID string, filter history.TimelineFilter, grouped bool) (*history.TimelinePage, error) {
	if filter.StartDate != nil && filter.EndDate != nil && filter.StartDate.After(*filter.EndDate) {
		return nil, pkgerrors.NewValidationError("startDate must not be after endDate")
	}
	filter = s.clampFilter(filter)

	items, total, err := s.store.ListTimeline(ctx, documentID, filter)
	if err != nil {
		return nil, FromHistoryError(err)
	}
	if items == nil {
		items = []history.TimelineItem{}
	}

	page := &history.TimelinePage{
		Items:   items,
		Total:   total,
		HasMore: filter.Offset+len(items) < total,
	}
	if ptr, err := s.store.GetPointer(ctx, documentID); err == nil {
		page.CurrentSnapshotID = ptr.SnapshotID
		page.CurrentEventID = ptr.EventID
	} else if !pkgerrors.IsNotFound(err) {
		return nil, FromHistoryError(err)
	}
	if grouped {
		page.Groups = history.GroupTimeline(items, s.policy.GroupingOptions())
	}
	return page, nil
}

func (s *HistoryService) clampFilter(f history.TimelineFilter) history.TimelineFilter {
	if f.Limit <= 0 {
		f.Limit = s.domainConfig.DefaultTimelineLimit
	}
	if f.Limit > s.domainConfig.MaxTimelineLimit {
		f.Limit = s.domainConfig.MaxTimelineLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
