package history

import (
	"errors"
	"fmt"

	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/core/valueobjects"
)

// Direction selects whether a Delta is replayed or undone
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

var (
	errEntityExists   = errors.New("entity already exists")
	errEntityMissing  = errors.New("entity does not exist")
	errStaleBase      = errors.New("entity does not match the state the operation was computed against")
	errHasDependents  = errors.New("node still has children or incident edges")
	errMissingParent  = errors.New("parent node does not exist")
	errMissingEndNode = errors.New("edge endpoint does not exist")
	errParentCycle    = errors.New("parent references form a cycle")
)

// ApplyNode applies an operation to a single node and returns the result:
// the carried value for add, nil for remove, a patched copy for patch. The
// input node is never modified.
func ApplyNode(current *entities.Node, op Operation) (*entities.Node, error) {
	if op.EntityType != EntityNode {
		return nil, &MalformedPatchError{EntityType: op.EntityType, EntityID: op.EntityID, Reason: "operation does not target a node"}
	}
	switch op.Op {
	case OpAdd:
		if op.Node == nil {
			return nil, &MalformedPatchError{EntityType: EntityNode, EntityID: op.EntityID, Reason: "add carries no node"}
		}
		c := op.Node.Clone()
		return &c, nil
	case OpRemove:
		return nil, nil
	case OpPatch:
		if current == nil {
			return nil, errEntityMissing
		}
		next := current.Clone()
		for _, p := range op.Patch.Paths() {
			if !p.ValidFor(EntityNode) {
				return nil, &MalformedPatchError{EntityType: EntityNode, EntityID: op.EntityID, Path: p.String(), Reason: "path does not exist on entity"}
			}
			if err := writeNodeField(&next, p, op.Patch[p]); err != nil {
				return nil, &MalformedPatchError{EntityType: EntityNode, EntityID: op.EntityID, Path: p.String(), Reason: err.Error()}
			}
		}
		return &next, nil
	}
	return nil, &MalformedPatchError{EntityType: EntityNode, EntityID: op.EntityID, Reason: fmt.Sprintf("unknown operation %q", op.Op)}
}

// ApplyEdge is the edge counterpart of ApplyNode
func ApplyEdge(current *entities.Edge, op Operation) (*entities.Edge, error) {
	if op.EntityType != EntityEdge {
		return nil, &MalformedPatchError{EntityType: op.EntityType, EntityID: op.EntityID, Reason: "operation does not target an edge"}
	}
	switch op.Op {
	case OpAdd:
		if op.Edge == nil {
			return nil, &MalformedPatchError{EntityType: EntityEdge, EntityID: op.EntityID, Reason: "add carries no edge"}
		}
		c := op.Edge.Clone()
		return &c, nil
	case OpRemove:
		return nil, nil
	case OpPatch:
		if current == nil {
			return nil, errEntityMissing
		}
		next := current.Clone()
		for _, p := range op.Patch.Paths() {
			if !p.ValidFor(EntityEdge) {
				return nil, &MalformedPatchError{EntityType: EntityEdge, EntityID: op.EntityID, Path: p.String(), Reason: "path does not exist on entity"}
			}
			if err := writeEdgeField(&next, p, op.Patch[p]); err != nil {
				return nil, &MalformedPatchError{EntityType: EntityEdge, EntityID: op.EntityID, Path: p.String(), Reason: err.Error()}
			}
		}
		return &next, nil
	}
	return nil, &MalformedPatchError{EntityType: EntityEdge, EntityID: op.EntityID, Reason: fmt.Sprintf("unknown operation %q", op.Op)}
}

// ApplyOperation applies one operation to the state in place. Besides the
// entity-level change it enforces the structural rules: no duplicate adds,
// no dangling parents or endpoints, no implicit cascade on node removal,
// and the base the operation was computed against must match.
func ApplyOperation(state *aggregates.GraphState, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.EntityType == EntityNode {
		return applyNodeOperation(state, op)
	}
	return applyEdgeOperation(state, op)
}

func applyNodeOperation(state *aggregates.GraphState, op Operation) error {
	id, err := valueobjects.NewNodeIDFromString(op.EntityID)
	if err != nil {
		return &MalformedPatchError{EntityType: EntityNode, EntityID: op.EntityID, Reason: err.Error()}
	}
	current, exists := state.Node(id)

	switch op.Op {
	case OpAdd:
		if exists {
			return errEntityExists
		}
		if op.Node.HasParent() && !state.HasNode(*op.Node.ParentID) {
			return errMissingParent
		}
	case OpRemove:
		if !exists {
			return errEntityMissing
		}
		if !current.Equal(*op.Node) {
			return errStaleBase
		}
		if state.HasDependents(id) {
			return errHasDependents
		}
		state.DeleteNode(id)
		return nil
	case OpPatch:
		if !exists {
			return errEntityMissing
		}
		for _, p := range op.ReversePatch.Paths() {
			if !entities.ValuesEqual(readNodeField(current, p), op.ReversePatch[p]) {
				return errStaleBase
			}
		}
	}

	var base *entities.Node
	if exists {
		base = &current
	}
	next, err := ApplyNode(base, op)
	if err != nil {
		return err
	}
	if op.Op == OpPatch && op.Patch.Has(FieldParentID) && next.HasParent() {
		if next.ParentID.Equals(id) {
			return errParentCycle
		}
		if !state.HasNode(*next.ParentID) {
			return errMissingParent
		}
	}
	state.PutNode(*next)
	return nil
}

func applyEdgeOperation(state *aggregates.GraphState, op Operation) error {
	id, err := valueobjects.NewEdgeIDFromString(op.EntityID)
	if err != nil {
		return &MalformedPatchError{EntityType: EntityEdge, EntityID: op.EntityID, Reason: err.Error()}
	}
	current, exists := state.Edge(id)

	switch op.Op {
	case OpAdd:
		if exists {
			return errEntityExists
		}
	case OpRemove:
		if !exists {
			return errEntityMissing
		}
		if !current.Equal(*op.Edge) {
			return errStaleBase
		}
		state.DeleteEdge(id)
		return nil
	case OpPatch:
		if !exists {
			return errEntityMissing
		}
		for _, p := range op.ReversePatch.Paths() {
			if !entities.ValuesEqual(readEdgeField(current, p), op.ReversePatch[p]) {
				return errStaleBase
			}
		}
	}

	var base *entities.Edge
	if exists {
		base = &current
	}
	next, err := ApplyEdge(base, op)
	if err != nil {
		return err
	}
	if !state.HasNode(next.Source) || !state.HasNode(next.Target) {
		return errMissingEndNode
	}
	state.PutEdge(*next)
	return nil
}

// ApplyDelta applies every operation of the delta to a copy of the state.
// Reverse applies the inverted operations last to first. Either the whole
// delta applies and the new state is returned, or a PatchApplicationError
// names the first operation that failed and the input is left untouched.
func ApplyDelta(state *aggregates.GraphState, delta Delta, dir Direction) (*aggregates.GraphState, error) {
	if state == nil {
		state = aggregates.NewGraphState()
	}
	work := state.Clone()

	applied := make([]Operation, 0, len(delta))
	for step := 0; step < len(delta); step++ {
		i := step
		op := delta[i]
		if dir == Reverse {
			i = len(delta) - 1 - step
			op = delta[i].Invert()
		}
		if err := ApplyOperation(work, op); err != nil {
			return nil, &PatchApplicationError{Index: i, Operation: op, Direction: dir, Cause: err}
		}
		applied = append(applied, op)
	}

	if cycleNode, ok := work.FindCycle(); ok {
		members := cycleMembers(work, cycleNode)
		for step, op := range applied {
			if op.EntityType == EntityNode && members[op.EntityID] {
				i := step
				if dir == Reverse {
					i = len(delta) - 1 - step
				}
				return nil, &PatchApplicationError{Index: i, Operation: op, Direction: dir, Cause: errParentCycle}
			}
		}
		return nil, &PatchApplicationError{Index: len(delta) - 1, Direction: dir, Cause: errParentCycle}
	}
	return work, nil
}

func cycleMembers(g *aggregates.GraphState, start valueobjects.NodeID) map[string]bool {
	members := map[string]bool{start.String(): true}
	n, ok := g.Node(start)
	for ok && n.HasParent() {
		parent := *n.ParentID
		if members[parent.String()] {
			break
		}
		members[parent.String()] = true
		n, ok = g.Node(parent)
	}
	return members
}
