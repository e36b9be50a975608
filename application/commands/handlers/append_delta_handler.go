package handlers

import (
	"context"

	"go.uber.org/zap"

	"mindmap-history/application/commands"
	"mindmap-history/application/commands/bus"
	"mindmap-history/application/services"
	"mindmap-history/domain/history"
)

// AppendDeltaHandler decodes a client Delta and appends it
type AppendDeltaHandler struct {
	writer HistoryWriter
	logger *zap.Logger
}

// NewAppendDeltaHandler creates a new append delta handler
func NewAppendDeltaHandler(writer HistoryWriter, logger *zap.Logger) *AppendDeltaHandler {
	return &AppendDeltaHandler{writer: writer, logger: logger}
}

// Handle executes the append delta command
func (h *AppendDeltaHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	deltaCmd, ok := cmd.(*commands.AppendDeltaCommand)
	if !ok {
		return nil, bus.ErrInvalidCommand
	}

	delta, err := history.FromWire(deltaCmd.Delta)
	if err != nil {
		// Malformed patches never reach the log
		h.logger.Warn("Rejected malformed delta",
			zap.String("document_id", deltaCmd.DocumentID),
			zap.String("user_id", deltaCmd.UserID),
			zap.Error(err),
		)
		return nil, services.FromHistoryError(err)
	}

	return h.writer.AppendDelta(ctx, services.DeltaRequest{
		DocumentID: deltaCmd.DocumentID,
		UserID:     deltaCmd.UserID,
		ActionName: deltaCmd.ActionName,
		Delta:      delta,
	})
}
