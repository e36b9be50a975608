package entities

import (
	"bytes"
	"encoding/json"
	"reflect"

	"mindmap-history/domain/config"
	"mindmap-history/domain/core/valueobjects"
	pkgerrors "mindmap-history/pkg/errors"
)

// Node is one box on the mind-map canvas. Nodes form a tree through
// ParentID; a nil ParentID marks a root.
type Node struct {
	ID       valueobjects.NodeID   `json:"id"`
	ParentID *valueobjects.NodeID  `json:"parentId"`
	Data     NodeData              `json:"data"`
	Position valueobjects.Position `json:"position"`
	Size     valueobjects.Size     `json:"size"`
}

// NodeData is the typed payload of a node
type NodeData struct {
	Kind     valueobjects.ContentKind `json:"kind"`
	Content  string                   `json:"content"`
	Metadata Metadata                 `json:"metadata,omitempty"`
}

// Metadata is the free-form part of a payload (priority, colour, icon...)
type Metadata map[string]interface{}

// Validate checks the node's own fields. Referential checks (parent exists,
// no cycles) belong to the graph state.
func (n Node) Validate(cfg *config.DomainConfig) error {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if n.ID.IsZero() {
		return pkgerrors.NewValidationError("node id is required")
	}
	if n.ParentID != nil && n.ParentID.Equals(n.ID) {
		return pkgerrors.NewValidationError("node cannot be its own parent").
			WithDetails(map[string]interface{}{"node_id": n.ID.String()})
	}
	if !n.Data.Kind.IsValid() {
		return pkgerrors.NewValidationError("node has an unknown content kind").
			WithDetails(map[string]interface{}{"node_id": n.ID.String(), "kind": string(n.Data.Kind)})
	}
	if err := valueobjects.ValidateContent(n.Data.Content, cfg); err != nil {
		return pkgerrors.NewValidationError(err.Error())
	}
	if len(n.Data.Metadata) > cfg.MaxMetadataKeys {
		return pkgerrors.NewValidationError("node has too many metadata keys")
	}
	if _, err := valueobjects.NewPosition(n.Position.X, n.Position.Y); err != nil {
		return err
	}
	if _, err := valueobjects.NewSize(n.Size.Width, n.Size.Height); err != nil {
		return err
	}
	return nil
}

// HasParent reports whether the node hangs under another node
func (n Node) HasParent() bool {
	return n.ParentID != nil && !n.ParentID.IsZero()
}

// Clone returns a deep copy, safe to mutate independently
func (n Node) Clone() Node {
	out := n
	if n.ParentID != nil {
		p := *n.ParentID
		out.ParentID = &p
	}
	out.Data.Metadata = n.Data.Metadata.Clone()
	return out
}

// Equal compares every field; metadata values compare by JSON value so a
// decoded float64 equals the int it was written from.
func (n Node) Equal(other Node) bool {
	if !n.ID.Equals(other.ID) || !SameParent(n.ParentID, other.ParentID) {
		return false
	}
	if n.Data.Kind != other.Data.Kind || n.Data.Content != other.Data.Content {
		return false
	}
	if n.Position != other.Position || n.Size != other.Size {
		return false
	}
	return n.Data.Metadata.Equal(other.Data.Metadata)
}

// SameParent compares two nullable parent references
func SameParent(a, b *valueobjects.NodeID) bool {
	aRoot := a == nil || a.IsZero()
	bRoot := b == nil || b.IsZero()
	if aRoot || bRoot {
		return aRoot == bRoot
	}
	return a.Equals(*b)
}

// Clone deep-copies nested maps and slices
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// Equal compares metadata maps key by key; a missing key equals a nil value
func (m Metadata) Equal(other Metadata) bool {
	for k, v := range m {
		if !ValuesEqual(v, other[k]) {
			return false
		}
	}
	for k, v := range other {
		if _, ok := m[k]; !ok && v != nil {
			return false
		}
	}
	return true
}

// CloneValue deep-copies JSON-shaped values
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[k] = CloneValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = CloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// ValuesEqual compares JSON-shaped values by their encoded form
func ValuesEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
