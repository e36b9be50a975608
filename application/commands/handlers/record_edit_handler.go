package handlers

import (
	"context"

	"go.uber.org/zap"

	"mindmap-history/application/commands"
	"mindmap-history/application/commands/bus"
	"mindmap-history/application/services"
	"mindmap-history/domain/config"
)

// RecordEditHandler records an edit from the graph after the user action
type RecordEditHandler struct {
	writer       HistoryWriter
	domainConfig *config.DomainConfig
	logger       *zap.Logger
}

// NewRecordEditHandler creates a new record edit handler
func NewRecordEditHandler(writer HistoryWriter, domainConfig *config.DomainConfig, logger *zap.Logger) *RecordEditHandler {
	return &RecordEditHandler{
		writer:       writer,
		domainConfig: domainConfig,
		logger:       logger,
	}
}

// Handle executes the record edit command
func (h *RecordEditHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	editCmd, ok := cmd.(*commands.RecordEditCommand)
	if !ok {
		return nil, bus.ErrInvalidCommand
	}

	after, err := buildState(editCmd.Nodes, editCmd.Edges, h.domainConfig)
	if err != nil {
		h.logger.Debug("Rejected submitted graph",
			zap.String("document_id", editCmd.DocumentID),
			zap.Error(err),
		)
		return nil, err
	}

	return h.writer.RecordEdit(ctx, services.EditRequest{
		DocumentID: editCmd.DocumentID,
		UserID:     editCmd.UserID,
		ActionName: editCmd.ActionName,
		After:      after,
	})
}
