package history

import (
	"fmt"

	"mindmap-history/domain/core/entities"
)

// EntityType tells which kind of entity an operation touches
type EntityType string

const (
	EntityNode  EntityType = "node"
	EntityEdge  EntityType = "edge"
	EntityMixed EntityType = "mixed"
)

// OpKind is the operation tag
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
	OpPatch  OpKind = "patch"
	OpBatch  OpKind = "batch"
)

// Operation is one entity-level change. Add and remove carry the full
// entity; patch carries the changed paths with both new and prior values.
type Operation struct {
	EntityType   EntityType
	Op           OpKind
	EntityID     string
	Node         *entities.Node
	Edge         *entities.Edge
	Patch        FieldChanges
	ReversePatch FieldChanges
}

// AddNode builds an add operation for a node
func AddNode(n entities.Node) Operation {
	c := n.Clone()
	return Operation{EntityType: EntityNode, Op: OpAdd, EntityID: n.ID.String(), Node: &c}
}

// RemoveNode builds a remove operation carrying the removed node
func RemoveNode(n entities.Node) Operation {
	c := n.Clone()
	return Operation{EntityType: EntityNode, Op: OpRemove, EntityID: n.ID.String(), Node: &c}
}

// PatchNode builds a field-level change on a node
func PatchNode(id string, patch, reverse FieldChanges) Operation {
	return Operation{EntityType: EntityNode, Op: OpPatch, EntityID: id, Patch: patch, ReversePatch: reverse}
}

// AddEdge builds an add operation for an edge
func AddEdge(e entities.Edge) Operation {
	c := e.Clone()
	return Operation{EntityType: EntityEdge, Op: OpAdd, EntityID: e.ID.String(), Edge: &c}
}

// RemoveEdge builds a remove operation carrying the removed edge
func RemoveEdge(e entities.Edge) Operation {
	c := e.Clone()
	return Operation{EntityType: EntityEdge, Op: OpRemove, EntityID: e.ID.String(), Edge: &c}
}

// PatchEdge builds a field-level change on an edge
func PatchEdge(id string, patch, reverse FieldChanges) Operation {
	return Operation{EntityType: EntityEdge, Op: OpPatch, EntityID: id, Patch: patch, ReversePatch: reverse}
}

// Invert returns the operation that undoes this one. Inverting twice
// yields the original operation.
func (op Operation) Invert() Operation {
	out := op
	switch op.Op {
	case OpAdd:
		out.Op = OpRemove
	case OpRemove:
		out.Op = OpAdd
	case OpPatch:
		out.Patch, out.ReversePatch = op.ReversePatch, op.Patch
	}
	return out
}

// Validate checks the operation's shape without looking at any state
func (op Operation) Validate() error {
	malformed := func(path, reason string) error {
		return &MalformedPatchError{EntityType: op.EntityType, EntityID: op.EntityID, Path: path, Reason: reason}
	}
	if op.EntityType != EntityNode && op.EntityType != EntityEdge {
		return malformed("", fmt.Sprintf("unknown entity type %q", op.EntityType))
	}
	if op.EntityID == "" {
		return malformed("", "entity id is required")
	}
	switch op.Op {
	case OpAdd, OpRemove:
		switch op.EntityType {
		case EntityNode:
			if op.Node == nil || op.Node.ID.String() != op.EntityID {
				return malformed("", "operation must carry the node it adds or removes")
			}
		case EntityEdge:
			if op.Edge == nil || op.Edge.ID.String() != op.EntityID {
				return malformed("", "operation must carry the edge it adds or removes")
			}
		}
	case OpPatch:
		if len(op.Patch) == 0 {
			return malformed("", "patch has no fields")
		}
		if !op.Patch.SameKeys(op.ReversePatch) {
			return malformed("", "patch and reversePatch address different fields")
		}
		for _, p := range op.Patch.Paths() {
			if !p.ValidFor(op.EntityType) {
				return malformed(p.String(), "path does not exist on entity")
			}
			if _, err := normalizeValue(p, op.Patch[p]); err != nil {
				return malformed(p.String(), err.Error())
			}
			if _, err := normalizeValue(p, op.ReversePatch[p]); err != nil {
				return malformed(p.String(), err.Error())
			}
		}
	default:
		return malformed("", fmt.Sprintf("unknown operation %q", op.Op))
	}
	return nil
}

// String is used in logs and error messages
func (op Operation) String() string {
	return fmt.Sprintf("%s %s %s", op.Op, op.EntityType, op.EntityID)
}

// Delta is one logical edit: an ordered list of operations touching
// disjoint entities.
type Delta []Operation

// IsEmpty reports whether the delta carries no operations
func (d Delta) IsEmpty() bool {
	return len(d) == 0
}

// Validate checks every operation and the disjoint-entity rule
func (d Delta) Validate() error {
	if len(d) == 0 {
		return &MalformedPatchError{Reason: "delta has no operations"}
	}
	seen := make(map[string]bool, len(d))
	for _, op := range d {
		if err := op.Validate(); err != nil {
			return err
		}
		key := string(op.EntityType) + ":" + op.EntityID
		if seen[key] {
			return &MalformedPatchError{
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Reason:     "entity appears more than once in the delta",
			}
		}
		seen[key] = true
	}
	return nil
}

// Invert returns the delta that undoes this one, in application order
func (d Delta) Invert() Delta {
	out := make(Delta, len(d))
	for i, op := range d {
		out[len(d)-1-i] = op.Invert()
	}
	return out
}

// OperationType summarises the operations: their shared kind, or batch
func (d Delta) OperationType() OpKind {
	if len(d) == 0 {
		return ""
	}
	kind := d[0].Op
	for _, op := range d[1:] {
		if op.Op != kind {
			return OpBatch
		}
	}
	return kind
}

// EntityType summarises the touched entity types: node, edge or mixed
func (d Delta) EntityType() EntityType {
	if len(d) == 0 {
		return ""
	}
	t := d[0].EntityType
	for _, op := range d[1:] {
		if op.EntityType != t {
			return EntityMixed
		}
	}
	return t
}

// EntityCount is the number of distinct entities touched
func (d Delta) EntityCount() int {
	seen := make(map[string]bool, len(d))
	for _, op := range d {
		seen[string(op.EntityType)+":"+op.EntityID] = true
	}
	return len(seen)
}

// TargetNodeID is the id of the first node operation, or "" when the delta
// only touches edges.
func (d Delta) TargetNodeID() string {
	for _, op := range d {
		if op.EntityType == EntityNode {
			return op.EntityID
		}
	}
	return ""
}
