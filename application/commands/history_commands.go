package commands

import (
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/history"
	"mindmap-history/pkg/utils"
)

// RecordEditCommand records the graph as it is after a user action
type RecordEditCommand struct {
	DocumentID string          `json:"documentId" validate:"required,max=128"`
	UserID     string          `json:"userId" validate:"required"`
	ActionName string          `json:"actionName" validate:"max=200"`
	Nodes      []entities.Node `json:"nodes"`
	Edges      []entities.Edge `json:"edges"`
}

// Validate validates the command
func (c *RecordEditCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// AppendDeltaCommand appends a Delta computed by the client
type AppendDeltaCommand struct {
	DocumentID string            `json:"documentId" validate:"required,max=128"`
	UserID     string            `json:"userId" validate:"required"`
	ActionName string            `json:"actionName" validate:"max=200"`
	Delta      history.WireDelta `json:"delta"`
}

// Validate validates the command
func (c *AppendDeltaCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// CreateCheckpointCommand writes an explicit snapshot. Without nodes and
// edges the state at the pointer is checkpointed.
type CreateCheckpointCommand struct {
	DocumentID string          `json:"documentId" validate:"required,max=128"`
	UserID     string          `json:"userId" validate:"required"`
	ActionName string          `json:"actionName" validate:"max=200"`
	IsMajor    bool            `json:"isMajor"`
	Nodes      []entities.Node `json:"nodes"`
	Edges      []entities.Edge `json:"edges"`
}

// Validate validates the command
func (c *CreateCheckpointCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// HasState reports whether the client supplied the graph to checkpoint
func (c *CreateCheckpointCommand) HasState() bool {
	return c.Nodes != nil || c.Edges != nil
}

// CheckpointResult is the response of a checkpoint
type CheckpointResult struct {
	SnapshotID    string                 `json:"snapshotId"`
	SnapshotIndex int                    `json:"snapshotIndex"`
	Snapshot      history.SnapshotHeader `json:"snapshot"`
}

// UndoCommand moves the pointer one step back
type UndoCommand struct {
	DocumentID string `json:"documentId" validate:"required,max=128"`
	UserID     string `json:"userId" validate:"required"`
}

// Validate validates the command
func (c *UndoCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// RedoCommand moves the pointer one step forward
type RedoCommand struct {
	DocumentID string `json:"documentId" validate:"required,max=128"`
	UserID     string `json:"userId" validate:"required"`
}

// Validate validates the command
func (c *RedoCommand) Validate() error {
	return utils.ValidateStruct(c)
}
