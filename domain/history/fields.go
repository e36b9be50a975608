package history

import (
	"fmt"
	"sort"
	"strings"

	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/core/valueobjects"
)

// Field enumerates every addressable part of a node or edge. Metadata keys
// are the only free-form paths and go through FieldMetadata.
type Field int

const (
	FieldUnknown Field = iota
	FieldParentID
	FieldKind
	FieldContent
	FieldPositionX
	FieldPositionY
	FieldWidth
	FieldHeight
	FieldSource
	FieldTarget
	FieldStyle
	FieldLabel
	FieldMetadata
)

const metadataPrefix = "data.metadata."

var fieldNames = map[Field]string{
	FieldParentID:  "parentId",
	FieldKind:      "data.kind",
	FieldContent:   "data.content",
	FieldPositionX: "position.x",
	FieldPositionY: "position.y",
	FieldWidth:     "size.width",
	FieldHeight:    "size.height",
	FieldSource:    "source",
	FieldTarget:    "target",
	FieldStyle:     "data.style",
	FieldLabel:     "data.label",
}

var fieldsByName = func() map[string]Field {
	out := make(map[string]Field, len(fieldNames))
	for f, name := range fieldNames {
		out[name] = f
	}
	return out
}()

var nodeFields = map[Field]bool{
	FieldParentID: true, FieldKind: true, FieldContent: true,
	FieldPositionX: true, FieldPositionY: true, FieldWidth: true, FieldHeight: true,
	FieldMetadata: true,
}

var edgeFields = map[Field]bool{
	FieldSource: true, FieldTarget: true, FieldStyle: true, FieldLabel: true,
	FieldMetadata: true,
}

// FieldPath addresses one changed field. Key is only set for metadata.
type FieldPath struct {
	Field Field
	Key   string
}

// PathOf returns the path of a fixed field
func PathOf(f Field) FieldPath {
	return FieldPath{Field: f}
}

// MetadataPath returns the path of one free-form metadata key
func MetadataPath(key string) FieldPath {
	return FieldPath{Field: FieldMetadata, Key: key}
}

// String renders the dot-addressed form used on the wire
func (p FieldPath) String() string {
	if p.Field == FieldMetadata {
		return metadataPrefix + p.Key
	}
	if name, ok := fieldNames[p.Field]; ok {
		return name
	}
	return "unknown"
}

// ValidFor reports whether the path exists on the entity's shape
func (p FieldPath) ValidFor(entity EntityType) bool {
	if p.Field == FieldMetadata && p.Key == "" {
		return false
	}
	switch entity {
	case EntityNode:
		return nodeFields[p.Field]
	case EntityEdge:
		return edgeFields[p.Field]
	default:
		return false
	}
}

// ParseFieldPath resolves a dot-addressed path for the entity type
func ParseFieldPath(entity EntityType, raw string) (FieldPath, error) {
	var p FieldPath
	if strings.HasPrefix(raw, metadataPrefix) {
		p = MetadataPath(strings.TrimPrefix(raw, metadataPrefix))
	} else if f, ok := fieldsByName[raw]; ok {
		p = PathOf(f)
	}
	if !p.ValidFor(entity) {
		return FieldPath{}, &MalformedPatchError{
			EntityType: entity,
			Path:       raw,
			Reason:     "path does not exist on entity",
		}
	}
	return p, nil
}

// FieldChanges maps a field path to a value. A nil value on a metadata path
// means the key is absent.
type FieldChanges map[FieldPath]interface{}

// Paths returns the keys in wire order
func (c FieldChanges) Paths() []FieldPath {
	out := make([]FieldPath, 0, len(c))
	for p := range c {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Has reports whether the path is part of the change set
func (c FieldChanges) Has(f Field) bool {
	for p := range c {
		if p.Field == f {
			return true
		}
	}
	return false
}

// SameKeys reports whether both change sets address exactly the same paths
func (c FieldChanges) SameKeys(other FieldChanges) bool {
	if len(c) != len(other) {
		return false
	}
	for p := range c {
		if _, ok := other[p]; !ok {
			return false
		}
	}
	return true
}

// Clone copies the map and its JSON-shaped values
func (c FieldChanges) Clone() FieldChanges {
	if c == nil {
		return nil
	}
	out := make(FieldChanges, len(c))
	for p, v := range c {
		out[p] = entities.CloneValue(v)
	}
	return out
}

// normalizeValue coerces a raw value into the canonical representation for
// the path: strings for ids and text, float64 for geometry, nil for a root
// parent or an absent metadata key.
func normalizeValue(p FieldPath, v interface{}) (interface{}, error) {
	switch p.Field {
	case FieldParentID:
		switch t := v.(type) {
		case nil:
			return nil, nil
		case string:
			if t == "" {
				return nil, nil
			}
			return t, nil
		case valueobjects.NodeID:
			if t.IsZero() {
				return nil, nil
			}
			return t.String(), nil
		case *valueobjects.NodeID:
			if t == nil || t.IsZero() {
				return nil, nil
			}
			return t.String(), nil
		}
	case FieldSource, FieldTarget:
		switch t := v.(type) {
		case string:
			if t != "" {
				return t, nil
			}
		case valueobjects.NodeID:
			if !t.IsZero() {
				return t.String(), nil
			}
		}
	case FieldKind:
		switch t := v.(type) {
		case string:
			if valueobjects.ContentKind(t).IsValid() {
				return t, nil
			}
		case valueobjects.ContentKind:
			if t.IsValid() {
				return string(t), nil
			}
		}
	case FieldStyle:
		switch t := v.(type) {
		case string:
			return t, nil
		case entities.EdgeStyle:
			return string(t), nil
		}
	case FieldContent, FieldLabel:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case FieldPositionX, FieldPositionY, FieldWidth, FieldHeight:
		switch t := v.(type) {
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		}
	case FieldMetadata:
		return entities.CloneValue(v), nil
	}
	return nil, fmt.Errorf("value of type %T is not valid for %s", v, p.String())
}

func readNodeField(n entities.Node, p FieldPath) interface{} {
	switch p.Field {
	case FieldParentID:
		if !n.HasParent() {
			return nil
		}
		return n.ParentID.String()
	case FieldKind:
		return string(n.Data.Kind)
	case FieldContent:
		return n.Data.Content
	case FieldPositionX:
		return n.Position.X
	case FieldPositionY:
		return n.Position.Y
	case FieldWidth:
		return n.Size.Width
	case FieldHeight:
		return n.Size.Height
	case FieldMetadata:
		return n.Data.Metadata[p.Key]
	}
	return nil
}

func writeNodeField(n *entities.Node, p FieldPath, raw interface{}) error {
	v, err := normalizeValue(p, raw)
	if err != nil {
		return err
	}
	switch p.Field {
	case FieldParentID:
		if v == nil {
			n.ParentID = nil
			return nil
		}
		id, err := valueobjects.NewNodeIDFromString(v.(string))
		if err != nil {
			return err
		}
		n.ParentID = &id
	case FieldKind:
		n.Data.Kind = valueobjects.ContentKind(v.(string))
	case FieldContent:
		n.Data.Content = v.(string)
	case FieldPositionX:
		n.Position.X = v.(float64)
	case FieldPositionY:
		n.Position.Y = v.(float64)
	case FieldWidth:
		n.Size.Width = v.(float64)
	case FieldHeight:
		n.Size.Height = v.(float64)
	case FieldMetadata:
		n.Data.Metadata = setMetadata(n.Data.Metadata, p.Key, v)
	default:
		return fmt.Errorf("%s is not a node field", p.String())
	}
	return nil
}

func readEdgeField(e entities.Edge, p FieldPath) interface{} {
	switch p.Field {
	case FieldSource:
		return e.Source.String()
	case FieldTarget:
		return e.Target.String()
	case FieldStyle:
		return string(e.Data.Style)
	case FieldLabel:
		return e.Data.Label
	case FieldMetadata:
		return e.Data.Metadata[p.Key]
	}
	return nil
}

func writeEdgeField(e *entities.Edge, p FieldPath, raw interface{}) error {
	v, err := normalizeValue(p, raw)
	if err != nil {
		return err
	}
	switch p.Field {
	case FieldSource, FieldTarget:
		id, err := valueobjects.NewNodeIDFromString(v.(string))
		if err != nil {
			return err
		}
		if p.Field == FieldSource {
			e.Source = id
		} else {
			e.Target = id
		}
	case FieldStyle:
		e.Data.Style = entities.EdgeStyle(v.(string))
	case FieldLabel:
		e.Data.Label = v.(string)
	case FieldMetadata:
		e.Data.Metadata = setMetadata(e.Data.Metadata, p.Key, v)
	default:
		return fmt.Errorf("%s is not an edge field", p.String())
	}
	return nil
}

func setMetadata(m entities.Metadata, key string, v interface{}) entities.Metadata {
	if v == nil {
		delete(m, key)
		if len(m) == 0 {
			return nil
		}
		return m
	}
	if m == nil {
		m = make(entities.Metadata)
	}
	m[key] = v
	return m
}
