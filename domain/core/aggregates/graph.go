package aggregates

import (
	"encoding/json"
	"fmt"
	"sort"

	"mindmap-history/domain/config"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/core/valueobjects"
	pkgerrors "mindmap-history/pkg/errors"
)

// GraphState is the full (nodes, edges) content of one document at one
// point in its timeline. Besides the entity maps it keeps a children index
// and an incident-edge index so structural checks stay cheap while a Delta
// is being applied.
type GraphState struct {
	nodes map[valueobjects.NodeID]entities.Node
	edges map[valueobjects.EdgeID]entities.Edge

	children map[valueobjects.NodeID]map[valueobjects.NodeID]struct{}
	incident map[valueobjects.NodeID]map[valueobjects.EdgeID]struct{}
}

// NewGraphState creates an empty graph
func NewGraphState() *GraphState {
	return &GraphState{
		nodes:    make(map[valueobjects.NodeID]entities.Node),
		edges:    make(map[valueobjects.EdgeID]entities.Edge),
		children: make(map[valueobjects.NodeID]map[valueobjects.NodeID]struct{}),
		incident: make(map[valueobjects.NodeID]map[valueobjects.EdgeID]struct{}),
	}
}

// BuildGraphState assembles and validates a state from client-supplied
// entities. Duplicate ids, dangling references and parent cycles are
// rejected, so an invalid graph is never handed to the diff engine.
func BuildGraphState(nodes []entities.Node, edges []entities.Edge, cfg *config.DomainConfig) (*GraphState, error) {
	g := NewGraphState()
	for _, n := range nodes {
		if g.HasNode(n.ID) {
			return nil, pkgerrors.NewValidationError("duplicate node id").
				WithDetails(map[string]interface{}{"node_id": n.ID.String()})
		}
		g.PutNode(n.Clone())
	}
	for _, e := range edges {
		if g.HasEdge(e.ID) {
			return nil, pkgerrors.NewValidationError("duplicate edge id").
				WithDetails(map[string]interface{}{"edge_id": e.ID.String()})
		}
		g.PutEdge(e.Clone())
	}
	if err := g.Validate(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Node returns the node with the given id. The returned value shares its
// metadata map with the state; use Clone before mutating it.
func (g *GraphState) Node(id valueobjects.NodeID) (entities.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edge returns the edge with the given id
func (g *GraphState) Edge(id valueobjects.EdgeID) (entities.Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// HasNode checks if a node exists
func (g *GraphState) HasNode(id valueobjects.NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// HasEdge checks if an edge exists
func (g *GraphState) HasEdge(id valueobjects.EdgeID) bool {
	_, ok := g.edges[id]
	return ok
}

func (g *GraphState) NodeCount() int { return len(g.nodes) }

func (g *GraphState) EdgeCount() int { return len(g.edges) }

// IsEmpty reports whether the graph has no entities at all
func (g *GraphState) IsEmpty() bool {
	return len(g.nodes) == 0 && len(g.edges) == 0
}

// Nodes returns all nodes ordered by id
func (g *GraphState) Nodes() []entities.Node {
	out := make([]entities.Node, 0, len(g.nodes))
	for _, id := range g.NodeIDs() {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns all edges ordered by id
func (g *GraphState) Edges() []entities.Edge {
	out := make([]entities.Edge, 0, len(g.edges))
	for _, id := range g.EdgeIDs() {
		out = append(out, g.edges[id])
	}
	return out
}

// NodeIDs returns node ids in lexical order
func (g *GraphState) NodeIDs() []valueobjects.NodeID {
	ids := make([]valueobjects.NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)
	return ids
}

// EdgeIDs returns edge ids in lexical order
func (g *GraphState) EdgeIDs() []valueobjects.EdgeID {
	ids := make([]valueobjects.EdgeID, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Children returns the direct children of a node in lexical order
func (g *GraphState) Children(id valueobjects.NodeID) []valueobjects.NodeID {
	set := g.children[id]
	out := make([]valueobjects.NodeID, 0, len(set))
	for child := range set {
		out = append(out, child)
	}
	sortNodeIDs(out)
	return out
}

// IncidentEdges returns the edges touching a node in lexical order
func (g *GraphState) IncidentEdges(id valueobjects.NodeID) []valueobjects.EdgeID {
	set := g.incident[id]
	out := make([]valueobjects.EdgeID, 0, len(set))
	for eid := range set {
		out = append(out, eid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// HasDependents reports whether anything still points at the node
func (g *GraphState) HasDependents(id valueobjects.NodeID) bool {
	return len(g.children[id]) > 0 || len(g.incident[id]) > 0
}

// Depth is the number of ancestors above the node. Unknown parents and
// cycles stop the walk, so the result is always finite.
func (g *GraphState) Depth(id valueobjects.NodeID) int {
	depth := 0
	seen := map[valueobjects.NodeID]bool{id: true}
	current, ok := g.nodes[id]
	for ok && current.HasParent() {
		parentID := *current.ParentID
		if seen[parentID] {
			break
		}
		seen[parentID] = true
		current, ok = g.nodes[parentID]
		if ok {
			depth++
		}
	}
	return depth
}

// PutNode inserts or replaces a node and keeps the indexes in sync.
// It performs no validation; callers check references first.
func (g *GraphState) PutNode(n entities.Node) {
	if old, ok := g.nodes[n.ID]; ok && old.HasParent() {
		g.unlinkChild(*old.ParentID, n.ID)
	}
	g.nodes[n.ID] = n
	if n.HasParent() {
		set, ok := g.children[*n.ParentID]
		if !ok {
			set = make(map[valueobjects.NodeID]struct{})
			g.children[*n.ParentID] = set
		}
		set[n.ID] = struct{}{}
	}
}

// DeleteNode removes a node. Children and edges pointing at it are left
// alone; callers use HasDependents to refuse implicit cascades.
func (g *GraphState) DeleteNode(id valueobjects.NodeID) {
	old, ok := g.nodes[id]
	if !ok {
		return
	}
	if old.HasParent() {
		g.unlinkChild(*old.ParentID, id)
	}
	delete(g.nodes, id)
}

// PutEdge inserts or replaces an edge and keeps the incident index in sync
func (g *GraphState) PutEdge(e entities.Edge) {
	if old, ok := g.edges[e.ID]; ok {
		g.unlinkEdge(old)
	}
	g.edges[e.ID] = e
	g.linkEdge(e.Source, e.ID)
	g.linkEdge(e.Target, e.ID)
}

// DeleteEdge removes an edge
func (g *GraphState) DeleteEdge(id valueobjects.EdgeID) {
	old, ok := g.edges[id]
	if !ok {
		return
	}
	g.unlinkEdge(old)
	delete(g.edges, id)
}

// Clone returns an independent deep copy
func (g *GraphState) Clone() *GraphState {
	out := NewGraphState()
	for _, n := range g.nodes {
		out.PutNode(n.Clone())
	}
	for _, e := range g.edges {
		out.PutEdge(e.Clone())
	}
	return out
}

// Equal reports whether both states hold the same entities
func (g *GraphState) Equal(other *GraphState) bool {
	if g == nil || other == nil {
		return g == other
	}
	if len(g.nodes) != len(other.nodes) || len(g.edges) != len(other.edges) {
		return false
	}
	for id, n := range g.nodes {
		o, ok := other.nodes[id]
		if !ok || !n.Equal(o) {
			return false
		}
	}
	for id, e := range g.edges {
		o, ok := other.edges[id]
		if !ok || !e.Equal(o) {
			return false
		}
	}
	return true
}

// FindCycle returns a node that sits on a parent cycle, if any
func (g *GraphState) FindCycle() (valueobjects.NodeID, bool) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[valueobjects.NodeID]int, len(g.nodes))
	for _, start := range g.NodeIDs() {
		if state[start] == done {
			continue
		}
		var path []valueobjects.NodeID
		current := start
		for {
			if state[current] == visiting {
				return current, true
			}
			if state[current] == done {
				break
			}
			state[current] = visiting
			path = append(path, current)
			n, ok := g.nodes[current]
			if !ok || !n.HasParent() {
				break
			}
			current = *n.ParentID
		}
		for _, id := range path {
			state[id] = done
		}
	}
	return valueobjects.NodeID{}, false
}

// Validate checks entity fields, references, acyclicity and size limits
func (g *GraphState) Validate(cfg *config.DomainConfig) error {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if len(g.nodes) > cfg.MaxNodesPerDocument {
		return pkgerrors.NewValidationError(fmt.Sprintf("document exceeds %d nodes", cfg.MaxNodesPerDocument))
	}
	if len(g.edges) > cfg.MaxEdgesPerDocument {
		return pkgerrors.NewValidationError(fmt.Sprintf("document exceeds %d edges", cfg.MaxEdgesPerDocument))
	}
	for _, n := range g.Nodes() {
		if err := n.Validate(cfg); err != nil {
			return err
		}
		if n.HasParent() && !g.HasNode(*n.ParentID) {
			return pkgerrors.NewValidationError("node references a missing parent").
				WithDetails(map[string]interface{}{"node_id": n.ID.String(), "parent_id": n.ParentID.String()})
		}
	}
	for _, e := range g.Edges() {
		if err := e.Validate(cfg); err != nil {
			return err
		}
		if !g.HasNode(e.Source) || !g.HasNode(e.Target) {
			return pkgerrors.NewValidationError("edge references a missing node").
				WithDetails(map[string]interface{}{"edge_id": e.ID.String()})
		}
	}
	if id, ok := g.FindCycle(); ok {
		return pkgerrors.NewValidationError("parent references form a cycle").
			WithDetails(map[string]interface{}{"node_id": id.String()})
	}
	return nil
}

type graphStateJSON struct {
	Nodes []entities.Node `json:"nodes"`
	Edges []entities.Edge `json:"edges"`
}

// MarshalJSON writes nodes and edges as id-ordered arrays so the encoding
// of a state is deterministic.
func (g *GraphState) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphStateJSON{Nodes: g.Nodes(), Edges: g.Edges()})
}

// UnmarshalJSON rebuilds the maps and indexes. Stored states are trusted;
// client input goes through BuildGraphState instead.
func (g *GraphState) UnmarshalJSON(data []byte) error {
	var raw graphStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*g = *NewGraphState()
	for _, n := range raw.Nodes {
		g.PutNode(n)
	}
	for _, e := range raw.Edges {
		g.PutEdge(e)
	}
	return nil
}

func (g *GraphState) unlinkChild(parent, child valueobjects.NodeID) {
	if set, ok := g.children[parent]; ok {
		delete(set, child)
		if len(set) == 0 {
			delete(g.children, parent)
		}
	}
}

func (g *GraphState) linkEdge(node valueobjects.NodeID, edge valueobjects.EdgeID) {
	set, ok := g.incident[node]
	if !ok {
		set = make(map[valueobjects.EdgeID]struct{})
		g.incident[node] = set
	}
	set[edge] = struct{}{}
}

func (g *GraphState) unlinkEdge(e entities.Edge) {
	for _, node := range []valueobjects.NodeID{e.Source, e.Target} {
		if set, ok := g.incident[node]; ok {
			delete(set, e.ID)
			if len(set) == 0 {
				delete(g.incident, node)
			}
		}
	}
}

func sortNodeIDs(ids []valueobjects.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
