package history

import (
	"container/heap"
	"sort"

	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/core/valueobjects"
)

// Diff computes the operations that turn before into after. The result is
// empty when both states are equal.
//
// Operations come out as removes (edges, then nodes leaf first), then
// patches (parent first), then adds (nodes parent first, then edges). When
// one operation structurally needs another, for example a node moved under
// a node created in the same edit, it is placed right after what it needs;
// see orderOperations.
func Diff(before, after *aggregates.GraphState) Delta {
	if before == nil {
		before = aggregates.NewGraphState()
	}
	if after == nil {
		after = aggregates.NewGraphState()
	}

	var ops Delta

	// Edge removes: explicit for every edge gone from after, including the
	// ones incident to removed nodes.
	for _, id := range before.EdgeIDs() {
		if !after.HasEdge(id) {
			e, _ := before.Edge(id)
			ops = append(ops, RemoveEdge(e))
		}
	}

	// Node removes: a tree walk from each removal root, emitting children
	// before their parent.
	removed := make(map[valueobjects.NodeID]bool)
	for _, id := range before.NodeIDs() {
		if !after.HasNode(id) {
			removed[id] = true
		}
	}
	visited := make(map[valueobjects.NodeID]bool, len(removed))
	var walk func(id valueobjects.NodeID)
	walk = func(id valueobjects.NodeID) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, child := range before.Children(id) {
			if removed[child] {
				walk(child)
			}
		}
		n, _ := before.Node(id)
		ops = append(ops, RemoveNode(n))
	}
	for _, id := range before.NodeIDs() {
		if !removed[id] {
			continue
		}
		n, _ := before.Node(id)
		if n.HasParent() && removed[*n.ParentID] {
			continue
		}
		walk(id)
	}

	// Patches on surviving nodes, shallow side of the tree first
	kept := make([]valueobjects.NodeID, 0, after.NodeCount())
	for _, id := range after.NodeIDs() {
		if before.HasNode(id) {
			kept = append(kept, id)
		}
	}
	sortByDepth(after, kept)
	for _, id := range kept {
		b, _ := before.Node(id)
		a, _ := after.Node(id)
		if patch, reverse := diffNode(b, a); len(patch) > 0 {
			ops = append(ops, PatchNode(id.String(), patch, reverse))
		}
	}
	for _, id := range after.EdgeIDs() {
		b, ok := before.Edge(id)
		if !ok {
			continue
		}
		a, _ := after.Edge(id)
		if patch, reverse := diffEdge(b, a); len(patch) > 0 {
			ops = append(ops, PatchEdge(id.String(), patch, reverse))
		}
	}

	// Adds: parents before children, nodes before edges
	var added []valueobjects.NodeID
	for _, id := range after.NodeIDs() {
		if !before.HasNode(id) {
			added = append(added, id)
		}
	}
	sortByDepth(after, added)
	for _, id := range added {
		n, _ := after.Node(id)
		ops = append(ops, AddNode(n))
	}
	for _, id := range after.EdgeIDs() {
		if !before.HasEdge(id) {
			e, _ := after.Edge(id)
			ops = append(ops, AddEdge(e))
		}
	}

	if len(ops) == 0 {
		return nil
	}
	return orderOperations(ops, before)
}

func diffNode(b, a entities.Node) (FieldChanges, FieldChanges) {
	patch, reverse := FieldChanges{}, FieldChanges{}
	for _, f := range []Field{FieldParentID, FieldKind, FieldContent, FieldPositionX, FieldPositionY, FieldWidth, FieldHeight} {
		p := PathOf(f)
		bv, av := readNodeField(b, p), readNodeField(a, p)
		if bv != av {
			patch[p], reverse[p] = av, bv
		}
	}
	diffMetadata(b.Data.Metadata, a.Data.Metadata, patch, reverse)
	return patch, reverse
}

func diffEdge(b, a entities.Edge) (FieldChanges, FieldChanges) {
	patch, reverse := FieldChanges{}, FieldChanges{}
	for _, f := range []Field{FieldSource, FieldTarget, FieldStyle, FieldLabel} {
		p := PathOf(f)
		bv, av := readEdgeField(b, p), readEdgeField(a, p)
		if bv != av {
			patch[p], reverse[p] = av, bv
		}
	}
	diffMetadata(b.Data.Metadata, a.Data.Metadata, patch, reverse)
	return patch, reverse
}

func diffMetadata(b, a entities.Metadata, patch, reverse FieldChanges) {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range b {
		keys[k] = true
	}
	for k := range a {
		keys[k] = true
	}
	for k := range keys {
		if entities.ValuesEqual(b[k], a[k]) {
			continue
		}
		p := MetadataPath(k)
		patch[p] = entities.CloneValue(a[k])
		reverse[p] = entities.CloneValue(b[k])
	}
}

func sortByDepth(g *aggregates.GraphState, ids []valueobjects.NodeID) {
	depth := make(map[valueobjects.NodeID]int, len(ids))
	for _, id := range ids {
		depth[id] = g.Depth(id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if depth[ids[i]] != depth[ids[j]] {
			return depth[ids[i]] < depth[ids[j]]
		}
		return ids[i].String() < ids[j].String()
	})
}

// orderOperations keeps the phase order of ops but lets an operation move
// earlier or later when it structurally depends on another one:
//   - removing a node waits for the removal or re-pointing of everything
//     attached to it in the before state;
//   - adding a node, or moving a node under a new parent, waits for the
//     parent's add;
//   - adding an edge, or re-pointing an endpoint, waits for the endpoint's add.
//
// Removes never depend on adds and adds never depend on removes, so the
// dependency graph is acyclic and a topological order always exists. Among
// ready operations the original phase position wins, which reproduces the
// plain removes, patches, adds order whenever nothing crosses phases.
func orderOperations(ops Delta, before *aggregates.GraphState) Delta {
	addNode := map[string]int{}
	removeNode := map[string]int{}
	patchNode := map[string]int{}
	removeEdge := map[string]int{}
	patchEdge := map[string]int{}
	for i, op := range ops {
		switch {
		case op.EntityType == EntityNode && op.Op == OpAdd:
			addNode[op.EntityID] = i
		case op.EntityType == EntityNode && op.Op == OpRemove:
			removeNode[op.EntityID] = i
		case op.EntityType == EntityNode && op.Op == OpPatch:
			patchNode[op.EntityID] = i
		case op.EntityType == EntityEdge && op.Op == OpRemove:
			removeEdge[op.EntityID] = i
		case op.EntityType == EntityEdge && op.Op == OpPatch:
			patchEdge[op.EntityID] = i
		}
	}

	after := make([][]int, len(ops)) // after[j] lists ops that must follow j
	indegree := make([]int, len(ops))
	dependOn := func(op, prerequisite int) {
		if op == prerequisite {
			return
		}
		after[prerequisite] = append(after[prerequisite], op)
		indegree[op]++
	}
	dependOnAdd := func(op int, nodeID interface{}) {
		if s, ok := nodeID.(string); ok {
			if j, ok := addNode[s]; ok {
				dependOn(op, j)
			}
		}
	}

	for i, op := range ops {
		switch {
		case op.EntityType == EntityNode && op.Op == OpRemove:
			for _, child := range before.Children(op.Node.ID) {
				if j, ok := removeNode[child.String()]; ok {
					dependOn(i, j)
				} else if j, ok := patchNode[child.String()]; ok {
					dependOn(i, j)
				}
			}
			for _, eid := range before.IncidentEdges(op.Node.ID) {
				if j, ok := removeEdge[eid.String()]; ok {
					dependOn(i, j)
				} else if j, ok := patchEdge[eid.String()]; ok {
					dependOn(i, j)
				}
			}
		case op.EntityType == EntityNode && op.Op == OpAdd:
			if op.Node.HasParent() {
				dependOnAdd(i, op.Node.ParentID.String())
			}
		case op.EntityType == EntityNode && op.Op == OpPatch:
			if v, ok := op.Patch[PathOf(FieldParentID)]; ok {
				dependOnAdd(i, v)
			}
		case op.EntityType == EntityEdge && op.Op == OpAdd:
			dependOnAdd(i, op.Edge.Source.String())
			dependOnAdd(i, op.Edge.Target.String())
		case op.EntityType == EntityEdge && op.Op == OpPatch:
			if v, ok := op.Patch[PathOf(FieldSource)]; ok {
				dependOnAdd(i, v)
			}
			if v, ok := op.Patch[PathOf(FieldTarget)]; ok {
				dependOnAdd(i, v)
			}
		}
	}

	ready := &intHeap{}
	for i := range ops {
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make(Delta, 0, len(ops))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, ops[i])
		for _, next := range after[i] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}
	if len(out) != len(ops) {
		// Unreachable for valid states; keep the phase order rather than
		// dropping operations.
		return ops
	}
	return out
}

type intHeap []int

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
