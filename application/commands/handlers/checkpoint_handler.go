package handlers

import (
	"context"

	"go.uber.org/zap"

	"mindmap-history/application/commands"
	"mindmap-history/application/commands/bus"
	"mindmap-history/application/services"
	"mindmap-history/domain/config"
)

// CreateCheckpointHandler writes explicit snapshots
type CreateCheckpointHandler struct {
	writer       HistoryWriter
	domainConfig *config.DomainConfig
	logger       *zap.Logger
}

// NewCreateCheckpointHandler creates a new checkpoint handler
func NewCreateCheckpointHandler(writer HistoryWriter, domainConfig *config.DomainConfig, logger *zap.Logger) *CreateCheckpointHandler {
	return &CreateCheckpointHandler{
		writer:       writer,
		domainConfig: domainConfig,
		logger:       logger,
	}
}

// Handle executes the create checkpoint command
func (h *CreateCheckpointHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	checkpointCmd, ok := cmd.(*commands.CreateCheckpointCommand)
	if !ok {
		return nil, bus.ErrInvalidCommand
	}

	req := services.CheckpointRequest{
		DocumentID: checkpointCmd.DocumentID,
		UserID:     checkpointCmd.UserID,
		ActionName: checkpointCmd.ActionName,
		IsMajor:    checkpointCmd.IsMajor,
	}
	if checkpointCmd.HasState() {
		state, err := buildState(checkpointCmd.Nodes, checkpointCmd.Edges, h.domainConfig)
		if err != nil {
			return nil, err
		}
		req.State = state
	}

	snap, err := h.writer.CreateCheckpoint(ctx, req)
	if err != nil {
		return nil, err
	}
	return &commands.CheckpointResult{
		SnapshotID:    snap.ID,
		SnapshotIndex: snap.Index,
		Snapshot:      *snap,
	}, nil
}
