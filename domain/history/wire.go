package history

import (
	"encoding/json"
	"fmt"

	"mindmap-history/domain/core/entities"
)

// WireDelta is the persisted and transported form of a Delta:
// {operation, entityType, changes:[...]}.
type WireDelta struct {
	Operation  OpKind       `json:"operation"`
	EntityType EntityType   `json:"entityType"`
	Changes    []WireChange `json:"changes"`
}

// WireChange is one serialized operation
type WireChange struct {
	Op           OpKind                 `json:"op"`
	EntityType   EntityType             `json:"entityType"`
	EntityID     string                 `json:"entityId"`
	Value        json.RawMessage        `json:"value,omitempty"`
	Patch        map[string]interface{} `json:"patch,omitempty"`
	ReversePatch map[string]interface{} `json:"reversePatch,omitempty"`
}

// ToWire converts a Delta into its wire form
func ToWire(d Delta) (WireDelta, error) {
	out := WireDelta{
		Operation:  d.OperationType(),
		EntityType: d.EntityType(),
		Changes:    make([]WireChange, 0, len(d)),
	}
	for _, op := range d {
		c := WireChange{Op: op.Op, EntityType: op.EntityType, EntityID: op.EntityID}
		switch op.Op {
		case OpAdd, OpRemove:
			var (
				raw []byte
				err error
			)
			if op.EntityType == EntityNode {
				raw, err = json.Marshal(op.Node)
			} else {
				raw, err = json.Marshal(op.Edge)
			}
			if err != nil {
				return WireDelta{}, fmt.Errorf("failed to encode %s: %w", op, err)
			}
			c.Value = raw
		case OpPatch:
			c.Patch = changesToWire(op.Patch)
			c.ReversePatch = changesToWire(op.ReversePatch)
		}
		out.Changes = append(out.Changes, c)
	}
	return out, nil
}

// FromWire converts and validates a wire Delta. Unknown field paths, values
// of the wrong type and inconsistent patches yield a MalformedPatchError.
func FromWire(w WireDelta) (Delta, error) {
	out := make(Delta, 0, len(w.Changes))
	for _, c := range w.Changes {
		op := Operation{EntityType: c.EntityType, Op: c.Op, EntityID: c.EntityID}
		switch c.Op {
		case OpAdd, OpRemove:
			if len(c.Value) == 0 {
				return nil, &MalformedPatchError{EntityType: c.EntityType, EntityID: c.EntityID, Reason: "missing value"}
			}
			switch c.EntityType {
			case EntityNode:
				var n entities.Node
				if err := json.Unmarshal(c.Value, &n); err != nil {
					return nil, &MalformedPatchError{EntityType: c.EntityType, EntityID: c.EntityID, Reason: err.Error()}
				}
				op.Node = &n
			case EntityEdge:
				var e entities.Edge
				if err := json.Unmarshal(c.Value, &e); err != nil {
					return nil, &MalformedPatchError{EntityType: c.EntityType, EntityID: c.EntityID, Reason: err.Error()}
				}
				op.Edge = &e
			}
		case OpPatch:
			patch, err := changesFromWire(c.EntityType, c.EntityID, c.Patch)
			if err != nil {
				return nil, err
			}
			reverse, err := changesFromWire(c.EntityType, c.EntityID, c.ReversePatch)
			if err != nil {
				return nil, err
			}
			op.Patch, op.ReversePatch = patch, reverse
		}
		out = append(out, op)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeDelta serializes a Delta for the events.changes column
func EncodeDelta(d Delta) ([]byte, error) {
	w, err := ToWire(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// DecodeDelta parses a serialized Delta
func DecodeDelta(data []byte) (Delta, error) {
	var w WireDelta
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &MalformedPatchError{Reason: "invalid delta encoding: " + err.Error()}
	}
	return FromWire(w)
}

func changesToWire(c FieldChanges) map[string]interface{} {
	out := make(map[string]interface{}, len(c))
	for p, v := range c {
		out[p.String()] = v
	}
	return out
}

func changesFromWire(entity EntityType, id string, raw map[string]interface{}) (FieldChanges, error) {
	out := make(FieldChanges, len(raw))
	for key, v := range raw {
		p, err := ParseFieldPath(entity, key)
		if err != nil {
			if mp, ok := err.(*MalformedPatchError); ok {
				mp.EntityID = id
			}
			return nil, err
		}
		norm, err := normalizeValue(p, v)
		if err != nil {
			return nil, &MalformedPatchError{EntityType: entity, EntityID: id, Path: key, Reason: err.Error()}
		}
		out[p] = norm
	}
	return out, nil
}
