package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/application/queries"
	"mindmap-history/application/queries/bus"
	"mindmap-history/application/services"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/tests/fixtures"
	"mindmap-history/tests/mocks"
)

func newQueryBus(t *testing.T, reader HistoryReader) *bus.QueryBus {
	t.Helper()
	b := bus.NewQueryBus(bus.LoggingMiddleware(zap.NewNop()))
	require.NoError(t, RegisterHistoryQueries(b, reader, zap.NewNop()))
	return b
}

func TestGetTimeline_PassesFilter(t *testing.T) {
	// Arrange
	ctx := context.Background()
	reader := new(mocks.MockHistoryReader)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	page := &history.TimelinePage{Total: 0, Items: []history.TimelineItem{}}
	reader.On("Timeline", ctx, "doc-1", history.TimelineFilter{
		Limit:      20,
		Offset:     40,
		StartDate:  &start,
		ActionName: "Edit",
	}, true).Return(page, nil)
	b := newQueryBus(t, reader)

	// Act
	result, err := b.Ask(ctx, &queries.GetTimelineQuery{
		DocumentID: "doc-1",
		Limit:      20,
		Offset:     40,
		StartDate:  &start,
		ActionName: "Edit",
		Grouped:    true,
	})

	// Assert
	require.NoError(t, err)
	assert.Same(t, page, result)
	reader.AssertExpectations(t)
}

func TestGetTimeline_RejectsNegativeOffset(t *testing.T) {
	// Arrange
	reader := new(mocks.MockHistoryReader)
	b := newQueryBus(t, reader)

	// Act
	_, err := b.Ask(context.Background(), &queries.GetTimelineQuery{DocumentID: "doc-1", Offset: -1})

	// Assert
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
	reader.AssertNotCalled(t, "Timeline", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetDelta_ReturnsWireChanges(t *testing.T) {
	// Arrange
	ctx := context.Background()
	reader := new(mocks.MockHistoryReader)
	node := fixtures.NewNodeBuilder().WithID("n1").WithContent("Goal").MustBuild()
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	evt := fixtures.NewEventBuilder().
		WithID("e7").
		WithDocument("doc-1").
		OnSnapshot("s2", 4).
		WithAction("Add node").
		WithDelta(history.Delta{history.AddNode(node)}).
		CreatedAt(at).
		Build()
	reader.On("GetEvent", ctx, "doc-1", "e7").Return(evt, nil)
	b := newQueryBus(t, reader)

	// Act
	result, err := b.Ask(ctx, &queries.GetDeltaQuery{DocumentID: "doc-1", EventID: "e7"})

	// Assert
	require.NoError(t, err)
	delta, ok := result.(*queries.GetDeltaResult)
	require.True(t, ok)
	assert.Equal(t, "s2", delta.SnapshotID)
	assert.Equal(t, 4, delta.EventIndex)
	assert.Equal(t, history.OpAdd, delta.Operation)
	assert.Equal(t, history.EntityNode, delta.EntityType)
	require.Len(t, delta.Changes, 1)
	assert.Equal(t, "n1", delta.Changes[0].EntityID)
	assert.NotEmpty(t, delta.Changes[0].Value)
	assert.Equal(t, at, delta.Timestamp)
	assert.Equal(t, "test-user-123", delta.UserAttribution)
}

func TestGetDelta_NotFound(t *testing.T) {
	// Arrange
	ctx := context.Background()
	reader := new(mocks.MockHistoryReader)
	reader.On("GetEvent", ctx, "doc-1", "missing").Return(nil, pkgerrors.ErrEventNotFound.Clone())
	b := newQueryBus(t, reader)

	// Act
	_, err := b.Ask(ctx, &queries.GetDeltaQuery{DocumentID: "doc-1", EventID: "missing"})

	// Assert
	assert.ErrorIs(t, err, pkgerrors.ErrEventNotFound)
}

func TestGetState_Cursor(t *testing.T) {
	tests := []struct {
		name   string
		query  queries.GetStateQuery
		cursor *history.Cursor
	}{
		{
			name:   "pointer when no ids",
			query:  queries.GetStateQuery{DocumentID: "doc-1"},
			cursor: nil,
		},
		{
			name:   "snapshot only",
			query:  queries.GetStateQuery{DocumentID: "doc-1", SnapshotID: "s1"},
			cursor: &history.Cursor{SnapshotID: "s1"},
		},
		{
			name:   "event only",
			query:  queries.GetStateQuery{DocumentID: "doc-1", EventID: "e3"},
			cursor: &history.Cursor{EventID: "e3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			reader := new(mocks.MockHistoryReader)
			resolution := &services.Resolution{Cursor: history.Cursor{SnapshotID: "s1"}}
			reader.On("StateAt", ctx, "doc-1", tt.cursor).Return(resolution, nil)
			b := newQueryBus(t, reader)
			query := tt.query

			// Act
			result, err := b.Ask(ctx, &query)

			// Assert
			require.NoError(t, err)
			assert.Same(t, resolution, result)
			reader.AssertExpectations(t)
		})
	}
}

func TestGetPointer(t *testing.T) {
	// Arrange
	ctx := context.Background()
	reader := new(mocks.MockHistoryReader)
	ptr := &history.Pointer{DocumentID: "doc-1", SnapshotID: "s0", EventID: "e1"}
	reader.On("GetPointer", ctx, "doc-1").Return(ptr, nil)
	b := newQueryBus(t, reader)

	// Act
	result, err := b.Ask(ctx, &queries.GetPointerQuery{DocumentID: "doc-1"})

	// Assert
	require.NoError(t, err)
	assert.Same(t, ptr, result)
}
