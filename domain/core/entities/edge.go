package entities

import (
	"mindmap-history/domain/config"
	"mindmap-history/domain/core/valueobjects"
	pkgerrors "mindmap-history/pkg/errors"
)

// EdgeStyle is how the connector is drawn
type EdgeStyle string

const (
	EdgeStyleSolid  EdgeStyle = "solid"
	EdgeStyleDashed EdgeStyle = "dashed"
	EdgeStyleDotted EdgeStyle = "dotted"
	EdgeStyleCurved EdgeStyle = "curved"
)

// Edge connects two nodes on the canvas independently of the parent tree
type Edge struct {
	ID     valueobjects.EdgeID `json:"id"`
	Source valueobjects.NodeID `json:"source"`
	Target valueobjects.NodeID `json:"target"`
	Data   EdgeData            `json:"data"`
}

// EdgeData is the typed payload of an edge
type EdgeData struct {
	Style    EdgeStyle `json:"style,omitempty"`
	Label    string    `json:"label,omitempty"`
	Metadata Metadata  `json:"metadata,omitempty"`
}

// Validate checks the edge's own fields; endpoint existence is a graph concern
func (e Edge) Validate(cfg *config.DomainConfig) error {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if e.ID.IsZero() {
		return pkgerrors.NewValidationError("edge id is required")
	}
	if e.Source.IsZero() || e.Target.IsZero() {
		return pkgerrors.NewValidationError("edge source and target are required").
			WithDetails(map[string]interface{}{"edge_id": e.ID.String()})
	}
	if !cfg.AllowSelfConnections && e.Source.Equals(e.Target) {
		return pkgerrors.NewValidationError("edge cannot connect a node to itself").
			WithDetails(map[string]interface{}{"edge_id": e.ID.String()})
	}
	if len(e.Data.Metadata) > cfg.MaxMetadataKeys {
		return pkgerrors.NewValidationError("edge has too many metadata keys")
	}
	return nil
}

// Touches reports whether the edge is incident to the node
func (e Edge) Touches(id valueobjects.NodeID) bool {
	return e.Source.Equals(id) || e.Target.Equals(id)
}

// Clone returns a deep copy
func (e Edge) Clone() Edge {
	out := e
	out.Data.Metadata = e.Data.Metadata.Clone()
	return out
}

// Equal compares every field of two edges
func (e Edge) Equal(other Edge) bool {
	return e.ID.Equals(other.ID) &&
		e.Source.Equals(other.Source) &&
		e.Target.Equals(other.Target) &&
		e.Data.Style == other.Data.Style &&
		e.Data.Label == other.Data.Label &&
		e.Data.Metadata.Equal(other.Data.Metadata)
}
