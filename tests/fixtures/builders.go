package fixtures

import (
	"fmt"
	"time"

	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/core/valueobjects"
	"mindmap-history/domain/history"
)

// NodeBuilder helps create test nodes with default values
type NodeBuilder struct {
	id       string
	parentID string
	kind     valueobjects.ContentKind
	content  string
	x, y     float64
	w, h     float64
	metadata entities.Metadata
}

func NewNodeBuilder() *NodeBuilder {
	return &NodeBuilder{
		id:      valueobjects.NewNodeID().String(),
		kind:    valueobjects.KindText,
		content: "Test node",
		w:       120,
		h:       40,
	}
}

func (b *NodeBuilder) WithID(id string) *NodeBuilder {
	b.id = id
	return b
}

func (b *NodeBuilder) WithParent(parentID string) *NodeBuilder {
	b.parentID = parentID
	return b
}

func (b *NodeBuilder) WithKind(kind valueobjects.ContentKind) *NodeBuilder {
	b.kind = kind
	return b
}

func (b *NodeBuilder) WithContent(content string) *NodeBuilder {
	b.content = content
	return b
}

func (b *NodeBuilder) WithPosition(x, y float64) *NodeBuilder {
	b.x, b.y = x, y
	return b
}

func (b *NodeBuilder) WithSize(w, h float64) *NodeBuilder {
	b.w, b.h = w, h
	return b
}

func (b *NodeBuilder) WithMetadata(key string, value interface{}) *NodeBuilder {
	if b.metadata == nil {
		b.metadata = entities.Metadata{}
	}
	b.metadata[key] = value
	return b
}

func (b *NodeBuilder) Build() (entities.Node, error) {
	id, err := valueobjects.NewNodeIDFromString(b.id)
	if err != nil {
		return entities.Node{}, err
	}
	n := entities.Node{
		ID:       id,
		Data:     entities.NodeData{Kind: b.kind, Content: b.content, Metadata: b.metadata.Clone()},
		Position: valueobjects.Position{X: b.x, Y: b.y},
		Size:     valueobjects.Size{Width: b.w, Height: b.h},
	}
	if b.parentID != "" {
		parent, err := valueobjects.NewNodeIDFromString(b.parentID)
		if err != nil {
			return entities.Node{}, err
		}
		n.ParentID = &parent
	}
	return n, nil
}

func (b *NodeBuilder) MustBuild() entities.Node {
	n, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build node: %v", err))
	}
	return n
}

// EdgeBuilder helps create test edges
type EdgeBuilder struct {
	id       string
	source   string
	target   string
	style    entities.EdgeStyle
	label    string
	metadata entities.Metadata
}

func NewEdgeBuilder() *EdgeBuilder {
	return &EdgeBuilder{
		id:    valueobjects.NewEdgeID().String(),
		style: entities.EdgeStyleSolid,
	}
}

func (b *EdgeBuilder) WithID(id string) *EdgeBuilder {
	b.id = id
	return b
}

func (b *EdgeBuilder) Between(source, target string) *EdgeBuilder {
	b.source, b.target = source, target
	return b
}

func (b *EdgeBuilder) WithStyle(style entities.EdgeStyle) *EdgeBuilder {
	b.style = style
	return b
}

func (b *EdgeBuilder) WithLabel(label string) *EdgeBuilder {
	b.label = label
	return b
}

func (b *EdgeBuilder) WithMetadata(key string, value interface{}) *EdgeBuilder {
	if b.metadata == nil {
		b.metadata = entities.Metadata{}
	}
	b.metadata[key] = value
	return b
}

func (b *EdgeBuilder) Build() (entities.Edge, error) {
	id, err := valueobjects.NewEdgeIDFromString(b.id)
	if err != nil {
		return entities.Edge{}, err
	}
	source, err := valueobjects.NewNodeIDFromString(b.source)
	if err != nil {
		return entities.Edge{}, fmt.Errorf("edge source: %w", err)
	}
	target, err := valueobjects.NewNodeIDFromString(b.target)
	if err != nil {
		return entities.Edge{}, fmt.Errorf("edge target: %w", err)
	}
	return entities.Edge{
		ID:     id,
		Source: source,
		Target: target,
		Data:   entities.EdgeData{Style: b.style, Label: b.label, Metadata: b.metadata.Clone()},
	}, nil
}

func (b *EdgeBuilder) MustBuild() entities.Edge {
	e, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build edge: %v", err))
	}
	return e
}

// GraphBuilder assembles a validated GraphState
type GraphBuilder struct {
	nodes []entities.Node
	edges []entities.Edge
}

func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

func (b *GraphBuilder) WithNodes(nodes ...entities.Node) *GraphBuilder {
	b.nodes = append(b.nodes, nodes...)
	return b
}

func (b *GraphBuilder) WithEdges(edges ...entities.Edge) *GraphBuilder {
	b.edges = append(b.edges, edges...)
	return b
}

// WithNode is a shorthand for a text node with the given content
func (b *GraphBuilder) WithNode(id, parentID, content string) *GraphBuilder {
	return b.WithNodes(NewNodeBuilder().WithID(id).WithParent(parentID).WithContent(content).MustBuild())
}

// WithEdge is a shorthand for a solid edge between two nodes
func (b *GraphBuilder) WithEdge(id, source, target string) *GraphBuilder {
	return b.WithEdges(NewEdgeBuilder().WithID(id).Between(source, target).MustBuild())
}

func (b *GraphBuilder) Build() (*aggregates.GraphState, error) {
	return aggregates.BuildGraphState(b.nodes, b.edges, nil)
}

func (b *GraphBuilder) MustBuild() *aggregates.GraphState {
	g, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build graph: %v", err))
	}
	return g
}

// SnapshotBuilder creates snapshots for store and service tests
type SnapshotBuilder struct {
	id         string
	documentID string
	state      *aggregates.GraphState
	action     string
	isMajor    bool
	createdBy  string
	createdAt  time.Time
	origin     *history.Cursor
}

func NewSnapshotBuilder() *SnapshotBuilder {
	return &SnapshotBuilder{
		id:         "snap-" + valueobjects.NewNodeID().String(),
		documentID: "doc-test",
		state:      aggregates.NewGraphState(),
		action:     "Checkpoint",
		createdBy:  "test-user-123",
		createdAt:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (b *SnapshotBuilder) WithID(id string) *SnapshotBuilder {
	b.id = id
	return b
}

func (b *SnapshotBuilder) WithDocument(documentID string) *SnapshotBuilder {
	b.documentID = documentID
	return b
}

func (b *SnapshotBuilder) WithState(state *aggregates.GraphState) *SnapshotBuilder {
	b.state = state
	return b
}

func (b *SnapshotBuilder) WithAction(action string) *SnapshotBuilder {
	b.action = action
	return b
}

func (b *SnapshotBuilder) Major() *SnapshotBuilder {
	b.isMajor = true
	return b
}

func (b *SnapshotBuilder) CreatedAt(t time.Time) *SnapshotBuilder {
	b.createdAt = t
	return b
}

func (b *SnapshotBuilder) WithOrigin(c history.Cursor) *SnapshotBuilder {
	b.origin = &c
	return b
}

func (b *SnapshotBuilder) Build() *history.Snapshot {
	return history.NewSnapshot(b.id, b.documentID, b.state, b.action, b.isMajor, b.createdBy, b.createdAt, b.origin)
}

// EventBuilder creates events for store and service tests
type EventBuilder struct {
	id         string
	documentID string
	snapshotID string
	index      int
	action     string
	delta      history.Delta
	createdBy  string
	createdAt  time.Time
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		id:         "evt-" + valueobjects.NewNodeID().String(),
		documentID: "doc-test",
		action:     "Edit",
		createdBy:  "test-user-123",
		createdAt:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (b *EventBuilder) WithID(id string) *EventBuilder {
	b.id = id
	return b
}

func (b *EventBuilder) WithDocument(documentID string) *EventBuilder {
	b.documentID = documentID
	return b
}

func (b *EventBuilder) OnSnapshot(snapshotID string, index int) *EventBuilder {
	b.snapshotID, b.index = snapshotID, index
	return b
}

func (b *EventBuilder) WithAction(action string) *EventBuilder {
	b.action = action
	return b
}

func (b *EventBuilder) WithDelta(delta history.Delta) *EventBuilder {
	b.delta = delta
	return b
}

func (b *EventBuilder) CreatedAt(t time.Time) *EventBuilder {
	b.createdAt = t
	return b
}

func (b *EventBuilder) Build() *history.Event {
	return history.NewEvent(b.id, b.documentID, b.snapshotID, b.index, b.action, b.delta, b.createdBy, b.createdAt)
}
