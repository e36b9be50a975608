package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mindmap-history/application/queries"
	"mindmap-history/application/queries/bus"
	"mindmap-history/application/services"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
)

// HistoryReader is the read side of the history service
type HistoryReader interface {
	Timeline(ctx context.Context, documentID string, filter history.TimelineFilter, grouped bool) (*history.TimelinePage, error)
	GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error)
	StateAt(ctx context.Context, documentID string, at *history.Cursor) (*services.Resolution, error)
	GetPointer(ctx context.Context, documentID string) (*history.Pointer, error)
}

// RegisterHistoryQueries wires every history query into the bus
func RegisterHistoryQueries(b *bus.QueryBus, reader HistoryReader, logger *zap.Logger) error {
	h := NewHistoryQueryHandler(reader, logger)
	registrations := []struct {
		query   bus.Query
		handler bus.QueryHandlerFunc
	}{
		{&queries.GetTimelineQuery{}, h.timeline},
		{&queries.GetDeltaQuery{}, h.delta},
		{&queries.GetStateQuery{}, h.state},
		{&queries.GetPointerQuery{}, h.pointer},
	}
	for _, r := range registrations {
		if err := b.Register(r.query, r.handler); err != nil {
			return err
		}
	}
	return nil
}

// HistoryQueryHandler serves the read-only history queries
type HistoryQueryHandler struct {
	reader HistoryReader
	logger *zap.Logger
}

// NewHistoryQueryHandler creates a new history query handler
func NewHistoryQueryHandler(reader HistoryReader, logger *zap.Logger) *HistoryQueryHandler {
	return &HistoryQueryHandler{reader: reader, logger: logger}
}

func (h *HistoryQueryHandler) timeline(ctx context.Context, q bus.Query) (interface{}, error) {
	query, ok := q.(*queries.GetTimelineQuery)
	if !ok {
		return nil, errUnexpectedQuery(q)
	}
	return h.reader.Timeline(ctx, query.DocumentID, query.Filter(), query.Grouped)
}

func (h *HistoryQueryHandler) delta(ctx context.Context, q bus.Query) (interface{}, error) {
	query, ok := q.(*queries.GetDeltaQuery)
	if !ok {
		return nil, errUnexpectedQuery(q)
	}

	evt, err := h.reader.GetEvent(ctx, query.DocumentID, query.EventID)
	if err != nil {
		return nil, err
	}
	wire, err := history.ToWire(evt.Delta)
	if err != nil {
		h.logger.Error("Failed to encode stored delta",
			zap.String("document_id", query.DocumentID),
			zap.String("event_id", query.EventID),
			zap.Error(err),
		)
		return nil, services.FromHistoryError(err)
	}

	return &queries.GetDeltaResult{
		ID:              evt.ID,
		SnapshotID:      evt.SnapshotID,
		EventIndex:      evt.Index,
		ActionName:      evt.ActionName,
		Operation:       wire.Operation,
		EntityType:      wire.EntityType,
		Changes:         wire.Changes,
		Timestamp:       evt.CreatedAt,
		UserAttribution: evt.CreatedBy,
	}, nil
}

func (h *HistoryQueryHandler) state(ctx context.Context, q bus.Query) (interface{}, error) {
	query, ok := q.(*queries.GetStateQuery)
	if !ok {
		return nil, errUnexpectedQuery(q)
	}
	return h.reader.StateAt(ctx, query.DocumentID, query.Cursor())
}

func (h *HistoryQueryHandler) pointer(ctx context.Context, q bus.Query) (interface{}, error) {
	query, ok := q.(*queries.GetPointerQuery)
	if !ok {
		return nil, errUnexpectedQuery(q)
	}
	return h.reader.GetPointer(ctx, query.DocumentID)
}

func errUnexpectedQuery(q bus.Query) error {
	return pkgerrors.NewInternalError("handler received an unexpected query type").
		WithDetails(map[string]interface{}{"type": fmt.Sprintf("%T", q)})
}
