package history

import (
	"errors"
	"fmt"

	"mindmap-history/domain/core/aggregates"
)

var (
	// ErrNoOp is returned by navigation when there is nowhere to move
	ErrNoOp = errors.New("history: nothing to navigate to")

	// ErrIndexConflict is returned by stores when another writer already
	// took the snapshot or event index being allocated.
	ErrIndexConflict = errors.New("history: index already allocated")
)

// MalformedPatchError means an operation addresses a field that does not
// exist on the entity, or carries a value of the wrong type.
type MalformedPatchError struct {
	EntityType EntityType
	EntityID   string
	Path       string
	Reason     string
}

func (e *MalformedPatchError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("malformed patch on %s %s at %q: %s", e.EntityType, e.EntityID, e.Path, e.Reason)
	case e.EntityID != "":
		return fmt.Sprintf("malformed patch on %s %s: %s", e.EntityType, e.EntityID, e.Reason)
	default:
		return "malformed patch: " + e.Reason
	}
}

// PatchApplicationError names the first operation of a Delta that could
// not be applied. The state the Delta was applied to is left unchanged.
type PatchApplicationError struct {
	Index     int
	Operation Operation
	Direction Direction
	Cause     error
}

func (e *PatchApplicationError) Error() string {
	return fmt.Sprintf("failed to apply operation %d (%s) %s: %v", e.Index, e.Operation, e.Direction, e.Cause)
}

func (e *PatchApplicationError) Unwrap() error {
	return e.Cause
}

// BrokenChainError reports a stored event that cannot be folded onto the
// state produced by its predecessors. LastGood holds the state at
// LastGoodCursor, the furthest position that did resolve.
type BrokenChainError struct {
	DocumentID     string
	SnapshotID     string
	EventID        string
	EventIndex     int
	LastGood       *aggregates.GraphState
	LastGoodCursor Cursor
	Cause          error
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("history chain of snapshot %s is broken at event %d (%s): %v",
		e.SnapshotID, e.EventIndex, e.EventID, e.Cause)
}

func (e *BrokenChainError) Unwrap() error {
	return e.Cause
}

// SizeLimitExceededError rejects a snapshot larger than the byte budget
type SizeLimitExceededError struct {
	Size  int64
	Limit int64
}

func (e *SizeLimitExceededError) Error() string {
	return fmt.Sprintf("document too large to checkpoint: %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// IsBrokenChain extracts a BrokenChainError from an error chain
func IsBrokenChain(err error) (*BrokenChainError, bool) {
	var bc *BrokenChainError
	if errors.As(err, &bc) {
		return bc, true
	}
	return nil, false
}
