package handlers

import (
	"context"

	"go.uber.org/zap"

	"mindmap-history/application/commands"
	"mindmap-history/application/commands/bus"
)

// NavigationHandler serves undo and redo
type NavigationHandler struct {
	writer HistoryWriter
	logger *zap.Logger
}

// NewNavigationHandler creates a new navigation handler
func NewNavigationHandler(writer HistoryWriter, logger *zap.Logger) *NavigationHandler {
	return &NavigationHandler{writer: writer, logger: logger}
}

// Handle executes an undo or redo command
func (h *NavigationHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	switch c := cmd.(type) {
	case *commands.UndoCommand:
		return h.writer.Undo(ctx, c.DocumentID, c.UserID)
	case *commands.RedoCommand:
		return h.writer.Redo(ctx, c.DocumentID, c.UserID)
	default:
		return nil, bus.ErrInvalidCommand
	}
}
