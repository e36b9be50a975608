package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/application/commands"
	"mindmap-history/application/commands/bus"
	"mindmap-history/application/services"
	"mindmap-history/domain/config"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/tests/fixtures"
	"mindmap-history/tests/mocks"
)

func newTestBus(t *testing.T, writer HistoryWriter, pruner commands.Pruner) *bus.CommandBus {
	t.Helper()
	b := bus.NewCommandBus(bus.LoggingMiddleware(zap.NewNop()))
	require.NoError(t, RegisterHistoryHandlers(b, writer, pruner, config.DefaultDomainConfig(), zap.NewNop()))
	return b
}

func TestRecordEditHandler_Handle_Success(t *testing.T) {
	// Arrange
	ctx := context.Background()
	writer := new(mocks.MockHistoryWriter)
	root := fixtures.NewNodeBuilder().WithID("root").WithContent("Ideas").MustBuild()
	child := fixtures.NewNodeBuilder().WithID("child").WithParent("root").MustBuild()

	expected := &services.WriteResult{Pointer: history.Pointer{DocumentID: "doc-1", SnapshotID: "s0", EventID: "e0"}}
	writer.On("RecordEdit", ctx, mock.MatchedBy(func(req services.EditRequest) bool {
		return req.DocumentID == "doc-1" &&
			req.UserID == "user-1" &&
			req.ActionName == "Add child" &&
			req.After.NodeCount() == 2
	})).Return(expected, nil)

	b := newTestBus(t, writer, new(mocks.MockPruner))

	// Act
	result, err := b.Send(ctx, &commands.RecordEditCommand{
		DocumentID: "doc-1",
		UserID:     "user-1",
		ActionName: "Add child",
		Nodes:      []entities.Node{root, child},
	})

	// Assert
	require.NoError(t, err)
	assert.Same(t, expected, result)
	writer.AssertExpectations(t)
}

func TestRecordEditHandler_Handle_InvalidGraph(t *testing.T) {
	// Arrange
	ctx := context.Background()
	writer := new(mocks.MockHistoryWriter)
	orphan := fixtures.NewNodeBuilder().WithID("orphan").WithParent("missing").MustBuild()
	b := newTestBus(t, writer, new(mocks.MockPruner))

	// Act
	_, err := b.Send(ctx, &commands.RecordEditCommand{
		DocumentID: "doc-1",
		UserID:     "user-1",
		Nodes:      []entities.Node{orphan},
	})

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidGraphState)
	writer.AssertNotCalled(t, "RecordEdit", mock.Anything, mock.Anything)
}

func TestRecordEditHandler_Handle_MissingDocument(t *testing.T) {
	// Arrange
	writer := new(mocks.MockHistoryWriter)
	b := newTestBus(t, writer, new(mocks.MockPruner))

	// Act
	_, err := b.Send(context.Background(), &commands.RecordEditCommand{UserID: "user-1"})

	// Assert
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
	writer.AssertNotCalled(t, "RecordEdit", mock.Anything, mock.Anything)
}

func TestAppendDeltaHandler_Handle(t *testing.T) {
	tests := []struct {
		name      string
		delta     history.WireDelta
		wantErr   *pkgerrors.DomainError
		wantWrite bool
	}{
		{
			name: "decoded delta reaches the writer",
			delta: history.WireDelta{
				Operation:  history.OpPatch,
				EntityType: history.EntityNode,
				Changes: []history.WireChange{{
					Op:           history.OpPatch,
					EntityType:   history.EntityNode,
					EntityID:     "n1",
					Patch:        map[string]interface{}{"data.content": "after"},
					ReversePatch: map[string]interface{}{"data.content": "before"},
				}},
			},
			wantWrite: true,
		},
		{
			name: "unknown field path is malformed",
			delta: history.WireDelta{
				Operation:  history.OpPatch,
				EntityType: history.EntityNode,
				Changes: []history.WireChange{{
					Op:           history.OpPatch,
					EntityType:   history.EntityNode,
					EntityID:     "n1",
					Patch:        map[string]interface{}{"data.colour": "red"},
					ReversePatch: map[string]interface{}{"data.colour": "blue"},
				}},
			},
			wantErr: pkgerrors.ErrMalformedDelta,
		},
		{
			name: "add without a value is malformed",
			delta: history.WireDelta{
				Operation:  history.OpAdd,
				EntityType: history.EntityNode,
				Changes: []history.WireChange{{
					Op:         history.OpAdd,
					EntityType: history.EntityNode,
					EntityID:   "n2",
				}},
			},
			wantErr: pkgerrors.ErrMalformedDelta,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			writer := new(mocks.MockHistoryWriter)
			if tt.wantWrite {
				writer.On("AppendDelta", ctx, mock.MatchedBy(func(req services.DeltaRequest) bool {
					return len(req.Delta) == 1 && req.Delta[0].EntityID == "n1"
				})).Return(&services.WriteResult{}, nil)
			}
			b := newTestBus(t, writer, new(mocks.MockPruner))

			// Act
			_, err := b.Send(ctx, &commands.AppendDeltaCommand{
				DocumentID: "doc-1",
				UserID:     "user-1",
				Delta:      tt.delta,
			})

			// Assert
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				writer.AssertNotCalled(t, "AppendDelta", mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			writer.AssertExpectations(t)
		})
	}
}

func TestCreateCheckpointHandler_Handle(t *testing.T) {
	t.Run("without state checkpoints the pointer", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		writer := new(mocks.MockHistoryWriter)
		snap := &history.SnapshotHeader{ID: "s3", DocumentID: "doc-1", Index: 3, IsMajor: true}
		writer.On("CreateCheckpoint", ctx, mock.MatchedBy(func(req services.CheckpointRequest) bool {
			return req.State == nil && req.IsMajor
		})).Return(snap, nil)
		b := newTestBus(t, writer, new(mocks.MockPruner))

		// Act
		result, err := b.Send(ctx, &commands.CreateCheckpointCommand{
			DocumentID: "doc-1",
			UserID:     "user-1",
			IsMajor:    true,
		})

		// Assert
		require.NoError(t, err)
		checkpoint, ok := result.(*commands.CheckpointResult)
		require.True(t, ok)
		assert.Equal(t, "s3", checkpoint.SnapshotID)
		assert.Equal(t, 3, checkpoint.SnapshotIndex)
		writer.AssertExpectations(t)
	})

	t.Run("client state is built and passed on", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		writer := new(mocks.MockHistoryWriter)
		node := fixtures.NewNodeBuilder().WithID("n1").MustBuild()
		writer.On("CreateCheckpoint", ctx, mock.MatchedBy(func(req services.CheckpointRequest) bool {
			return req.State != nil && req.State.NodeCount() == 1
		})).Return(&history.SnapshotHeader{ID: "s1", Index: 1}, nil)
		b := newTestBus(t, writer, new(mocks.MockPruner))

		// Act
		_, err := b.Send(ctx, &commands.CreateCheckpointCommand{
			DocumentID: "doc-1",
			UserID:     "user-1",
			Nodes:      []entities.Node{node},
		})

		// Assert
		require.NoError(t, err)
		writer.AssertExpectations(t)
	})

	t.Run("writer errors pass through", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		writer := new(mocks.MockHistoryWriter)
		writer.On("CreateCheckpoint", ctx, mock.AnythingOfType("services.CheckpointRequest")).
			Return(nil, pkgerrors.ErrCheckpointNotEntitled.Clone())
		b := newTestBus(t, writer, new(mocks.MockPruner))

		// Act
		_, err := b.Send(ctx, &commands.CreateCheckpointCommand{DocumentID: "doc-1", UserID: "user-1"})

		// Assert
		assert.ErrorIs(t, err, pkgerrors.ErrCheckpointNotEntitled)
	})
}

func TestNavigationHandler_Handle(t *testing.T) {
	// Arrange
	ctx := context.Background()
	writer := new(mocks.MockHistoryWriter)
	undone := &services.Navigation{Pointer: history.Pointer{SnapshotID: "s0"}}
	redone := &services.Navigation{NoOp: true}
	writer.On("Undo", ctx, "doc-1", "user-1").Return(undone, nil).Once()
	writer.On("Redo", ctx, "doc-1", "user-1").Return(redone, nil).Once()
	b := newTestBus(t, writer, new(mocks.MockPruner))

	// Act
	undoResult, undoErr := b.Send(ctx, &commands.UndoCommand{DocumentID: "doc-1", UserID: "user-1"})
	redoResult, redoErr := b.Send(ctx, &commands.RedoCommand{DocumentID: "doc-1", UserID: "user-1"})

	// Assert
	require.NoError(t, undoErr)
	require.NoError(t, redoErr)
	assert.Same(t, undone, undoResult)
	assert.Same(t, redone, redoResult)
	writer.AssertExpectations(t)
}

func TestNavigationHandler_Handle_InvalidCommandType(t *testing.T) {
	// Arrange
	handler := NewNavigationHandler(new(mocks.MockHistoryWriter), zap.NewNop())

	// Act
	_, err := handler.Handle(context.Background(), &commands.RecordEditCommand{})

	// Assert
	assert.ErrorIs(t, err, bus.ErrInvalidCommand)
}

func TestCleanupHistoryHandler_Handle(t *testing.T) {
	// Arrange
	ctx := context.Background()
	pruner := new(mocks.MockPruner)
	pruner.On("Cleanup", ctx, "doc-1").Return(history.PruneResult{Documents: 1, DeletedSnapshots: 2, DeletedEvents: 5}, nil)
	b := newTestBus(t, new(mocks.MockHistoryWriter), pruner)

	// Act
	result, err := b.Send(ctx, &commands.CleanupHistoryCommand{DocumentID: "doc-1", RequestedBy: "admin"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, history.PruneResult{Documents: 1, DeletedSnapshots: 2, DeletedEvents: 5}, result)
	pruner.AssertExpectations(t)
}
