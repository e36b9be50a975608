package commands

import (
	"context"

	"go.uber.org/zap"

	"mindmap-history/application/commands/bus"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
)

// CleanupHistoryCommand prunes expired history. An empty DocumentID sweeps
// every document.
type CleanupHistoryCommand struct {
	DocumentID  string `json:"documentId,omitempty" validate:"max=128"`
	RequestedBy string `json:"requestedBy" validate:"required"`
}

// Validate validates the command
func (c *CleanupHistoryCommand) Validate() error {
	if len(c.DocumentID) > 128 {
		return pkgerrors.NewValidationError("documentId must be at most 128")
	}
	if c.RequestedBy == "" {
		return pkgerrors.NewValidationError("requestedBy is required")
	}
	return nil
}

// Pruner is the retention operation the handler drives
type Pruner interface {
	Cleanup(ctx context.Context, documentID string) (history.PruneResult, error)
}

// CleanupHistoryHandler handles on-demand and scheduled cleanups
type CleanupHistoryHandler struct {
	pruner Pruner
	logger *zap.Logger
}

// NewCleanupHistoryHandler creates a new cleanup handler
func NewCleanupHistoryHandler(pruner Pruner, logger *zap.Logger) *CleanupHistoryHandler {
	return &CleanupHistoryHandler{pruner: pruner, logger: logger}
}

// Handle executes the cleanup command
func (h *CleanupHistoryHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	cleanupCmd, ok := cmd.(*CleanupHistoryCommand)
	if !ok {
		return nil, bus.ErrInvalidCommand
	}

	scope := cleanupCmd.DocumentID
	if scope == "" {
		scope = "all"
	}
	h.logger.Info("Cleaning up history",
		zap.String("scope", scope),
		zap.String("requested_by", cleanupCmd.RequestedBy),
	)

	result, err := h.pruner.Cleanup(ctx, cleanupCmd.DocumentID)
	if err != nil {
		return nil, err
	}
	return result, nil
}
