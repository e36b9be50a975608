package handlers

import (
	"context"

	"go.uber.org/zap"

	"mindmap-history/application/commands"
	"mindmap-history/application/commands/bus"
	"mindmap-history/application/services"
	"mindmap-history/domain/config"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
)

// HistoryWriter is the write side of the history service
type HistoryWriter interface {
	RecordEdit(ctx context.Context, req services.EditRequest) (*services.WriteResult, error)
	AppendDelta(ctx context.Context, req services.DeltaRequest) (*services.WriteResult, error)
	CreateCheckpoint(ctx context.Context, req services.CheckpointRequest) (*history.SnapshotHeader, error)
	Undo(ctx context.Context, documentID, userID string) (*services.Navigation, error)
	Redo(ctx context.Context, documentID, userID string) (*services.Navigation, error)
}

// RegisterHistoryHandlers wires every history command into the bus
func RegisterHistoryHandlers(b *bus.CommandBus, writer HistoryWriter, pruner commands.Pruner, domainConfig *config.DomainConfig, logger *zap.Logger) error {
	registrations := []struct {
		cmd     bus.Command
		handler bus.CommandHandler
	}{
		{&commands.RecordEditCommand{}, NewRecordEditHandler(writer, domainConfig, logger)},
		{&commands.AppendDeltaCommand{}, NewAppendDeltaHandler(writer, logger)},
		{&commands.CreateCheckpointCommand{}, NewCreateCheckpointHandler(writer, domainConfig, logger)},
		{&commands.UndoCommand{}, NewNavigationHandler(writer, logger)},
		{&commands.RedoCommand{}, NewNavigationHandler(writer, logger)},
		{&commands.CleanupHistoryCommand{}, commands.NewCleanupHistoryHandler(pruner, logger)},
	}
	for _, r := range registrations {
		if err := b.Register(r.cmd, r.handler); err != nil {
			return err
		}
	}
	return nil
}

// buildState assembles and validates a client supplied graph
func buildState(nodes []entities.Node, edges []entities.Edge, domainConfig *config.DomainConfig) (*aggregates.GraphState, error) {
	state, err := aggregates.BuildGraphState(nodes, edges, domainConfig)
	if err == nil {
		return state, nil
	}
	invalid := pkgerrors.ErrInvalidGraphState.Clone().WithCause(err)
	if appErr := pkgerrors.GetAppError(err); appErr != nil {
		invalid.WithDetails(appErr.Details).WithDetail("reason", appErr.Message)
	}
	return nil, invalid
}
