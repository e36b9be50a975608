package history_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/core/valueobjects"
	"mindmap-history/domain/history"
	"mindmap-history/tests/fixtures"
)

func contentPatch(id, from, to string) history.Operation {
	p := history.PathOf(history.FieldContent)
	return history.PatchNode(id, history.FieldChanges{p: to}, history.FieldChanges{p: from})
}

func TestOperation_InvertIsAnInvolution(t *testing.T) {
	n := fixtures.NewNodeBuilder().WithID("n1").WithMetadata("color", "red").MustBuild()
	e := fixtures.NewEdgeBuilder().WithID("e1").Between("a", "b").MustBuild()

	tests := []struct {
		name string
		op   history.Operation
	}{
		{name: "add node", op: history.AddNode(n)},
		{name: "remove node", op: history.RemoveNode(n)},
		{name: "patch node", op: contentPatch("n1", "before", "after")},
		{name: "add edge", op: history.AddEdge(e)},
		{name: "remove edge", op: history.RemoveEdge(e)},
		{
			name: "patch edge with metadata removal",
			op: history.PatchEdge("e1",
				history.FieldChanges{history.MetadataPath("weight"): nil, history.PathOf(history.FieldLabel): "x"},
				history.FieldChanges{history.MetadataPath("weight"): 3.0, history.PathOf(history.FieldLabel): ""}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.op, tt.op.Invert().Invert())
		})
	}
}

func TestOperation_InvertSwapsKinds(t *testing.T) {
	n := fixtures.NewNodeBuilder().WithID("n1").MustBuild()

	assert.Equal(t, history.OpRemove, history.AddNode(n).Invert().Op)
	assert.Equal(t, history.OpAdd, history.RemoveNode(n).Invert().Op)

	patch := contentPatch("n1", "old", "new").Invert()
	assert.Equal(t, history.OpPatch, patch.Op)
	assert.Equal(t, "old", patch.Patch[history.PathOf(history.FieldContent)])
	assert.Equal(t, "new", patch.ReversePatch[history.PathOf(history.FieldContent)])
}

func TestDelta_InvertReversesOrder(t *testing.T) {
	a := fixtures.NewNodeBuilder().WithID("a").MustBuild()
	b := fixtures.NewNodeBuilder().WithID("b").WithParent("a").MustBuild()
	delta := history.Delta{history.AddNode(a), history.AddNode(b)}

	inverted := delta.Invert()

	require.Len(t, inverted, 2)
	assert.Equal(t, "b", inverted[0].EntityID)
	assert.Equal(t, history.OpRemove, inverted[0].Op)
	assert.Equal(t, "a", inverted[1].EntityID)
	assert.Equal(t, delta, inverted.Invert())
}

func TestOperation_Validate(t *testing.T) {
	n := fixtures.NewNodeBuilder().WithID("n1").MustBuild()

	tests := []struct {
		name    string
		op      history.Operation
		wantErr bool
		errPath string
	}{
		{name: "valid add", op: history.AddNode(n)},
		{name: "valid patch", op: contentPatch("n1", "a", "b")},
		{
			name:    "edge field on node",
			op:      history.PatchNode("n1", history.FieldChanges{history.PathOf(history.FieldSource): "x"}, history.FieldChanges{history.PathOf(history.FieldSource): "y"}),
			wantErr: true,
			errPath: "source",
		},
		{
			name:    "wrong value type",
			op:      history.PatchNode("n1", history.FieldChanges{history.PathOf(history.FieldPositionX): "far"}, history.FieldChanges{history.PathOf(history.FieldPositionX): 1.0}),
			wantErr: true,
			errPath: "position.x",
		},
		{
			name:    "unknown content kind",
			op:      history.PatchNode("n1", history.FieldChanges{history.PathOf(history.FieldKind): "video"}, history.FieldChanges{history.PathOf(history.FieldKind): "text"}),
			wantErr: true,
			errPath: "data.kind",
		},
		{
			name:    "mismatched reverse keys",
			op:      history.PatchNode("n1", history.FieldChanges{history.PathOf(history.FieldContent): "a"}, history.FieldChanges{history.PathOf(history.FieldLabel): "b"}),
			wantErr: true,
		},
		{
			name:    "empty patch",
			op:      history.PatchNode("n1", history.FieldChanges{}, history.FieldChanges{}),
			wantErr: true,
		},
		{
			name:    "add without value",
			op:      history.Operation{EntityType: history.EntityNode, Op: history.OpAdd, EntityID: "n1"},
			wantErr: true,
		},
		{
			name:    "unknown entity type",
			op:      history.Operation{EntityType: "group", Op: history.OpRemove, EntityID: "g1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var malformed *history.MalformedPatchError
			require.True(t, errors.As(err, &malformed), "expected MalformedPatchError, got %v", err)
			if tt.errPath != "" {
				assert.Equal(t, tt.errPath, malformed.Path)
			}
		})
	}
}

func TestDelta_ValidateRejectsRepeatedEntity(t *testing.T) {
	delta := history.Delta{contentPatch("n1", "a", "b"), contentPatch("n1", "b", "c")}

	err := delta.Validate()

	var malformed *history.MalformedPatchError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "n1", malformed.EntityID)
	assert.Error(t, history.Delta{}.Validate())
}

func TestApplyNode_IsPure(t *testing.T) {
	// Arrange
	original := fixtures.NewNodeBuilder().WithID("n1").WithContent("before").WithMetadata("color", "red").MustBuild()
	op := history.PatchNode("n1",
		history.FieldChanges{history.PathOf(history.FieldContent): "after", history.MetadataPath("color"): nil},
		history.FieldChanges{history.PathOf(history.FieldContent): "before", history.MetadataPath("color"): "red"})

	// Act
	next, err := history.ApplyNode(&original, op)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "after", next.Data.Content)
	assert.NotContains(t, next.Data.Metadata, "color")
	assert.Equal(t, "before", original.Data.Content)
	assert.Equal(t, "red", original.Data.Metadata["color"])
}

func TestApplyEdge_RejectsNodeOperation(t *testing.T) {
	e := fixtures.NewEdgeBuilder().WithID("e1").Between("a", "b").MustBuild()

	_, err := history.ApplyEdge(&e, contentPatch("e1", "a", "b"))

	var malformed *history.MalformedPatchError
	assert.True(t, errors.As(err, &malformed))
}

func TestApplyDelta_IsAtomic(t *testing.T) {
	base := fixtures.NewGraphBuilder().
		WithNode("root", "", "Root").
		WithNode("child", "root", "Child").
		MustBuild()
	root, _ := base.Node(mustNodeID(t, "root"))
	fresh := fixtures.NewNodeBuilder().WithID("fresh").WithParent("root").MustBuild()

	tests := []struct {
		name      string
		delta     history.Delta
		failingAt int
	}{
		{
			name:      "patch of a missing node",
			delta:     history.Delta{history.AddNode(fresh), contentPatch("ghost", "a", "b")},
			failingAt: 1,
		},
		{
			name:      "add of an existing node",
			delta:     history.Delta{contentPatch("child", "Child", "Renamed"), history.AddNode(root)},
			failingAt: 1,
		},
		{
			name:      "remove of a node that still has children",
			delta:     history.Delta{history.AddNode(fresh), history.RemoveNode(root)},
			failingAt: 1,
		},
		{
			name:      "patch against a stale base",
			delta:     history.Delta{contentPatch("child", "Something else", "Renamed")},
			failingAt: 0,
		},
		{
			name: "node added under a missing parent",
			delta: history.Delta{
				history.AddNode(fixtures.NewNodeBuilder().WithID("orphan").WithParent("nowhere").MustBuild()),
			},
			failingAt: 0,
		},
		{
			name: "edge to a missing node",
			delta: history.Delta{
				history.AddEdge(fixtures.NewEdgeBuilder().WithID("e9").Between("root", "nowhere").MustBuild()),
			},
			failingAt: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			state := base.Clone()

			// Act
			result, err := history.ApplyDelta(state, tt.delta, history.Forward)

			// Assert
			require.Error(t, err)
			assert.Nil(t, result)
			var applyErr *history.PatchApplicationError
			require.True(t, errors.As(err, &applyErr))
			assert.Equal(t, tt.failingAt, applyErr.Index)
			assert.True(t, state.Equal(base), "input state must be left untouched")
			assert.False(t, state.HasNode(mustNodeID(t, "fresh")))
		})
	}
}

func TestApplyDelta_MalformedPatchIsReported(t *testing.T) {
	state := fixtures.NewGraphBuilder().WithNode("n1", "", "Body").MustBuild()
	bad := history.PatchNode("n1",
		history.FieldChanges{history.PathOf(history.FieldLabel): "x"},
		history.FieldChanges{history.PathOf(history.FieldLabel): ""})

	_, err := history.ApplyDelta(state, history.Delta{bad}, history.Forward)

	var malformed *history.MalformedPatchError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "data.label", malformed.Path)
}

func TestApplyDelta_RejectsParentCycle(t *testing.T) {
	state := fixtures.NewGraphBuilder().
		WithNode("a", "", "A").
		WithNode("b", "a", "B").
		MustBuild()
	parent := history.PathOf(history.FieldParentID)
	delta := history.Delta{history.PatchNode("a", history.FieldChanges{parent: "b"}, history.FieldChanges{parent: nil})}

	_, err := history.ApplyDelta(state, delta, history.Forward)

	var applyErr *history.PatchApplicationError
	require.True(t, errors.As(err, &applyErr))
	assert.Equal(t, 0, applyErr.Index)
}

// Create N1, edit it, delete it; undoing walks back through the edited
// content, the original content and finally the empty graph.
func TestApplyDelta_UndoSequenceRestoresEditedContent(t *testing.T) {
	// Arrange
	empty := aggregates.NewGraphState()
	created := fixtures.NewGraphBuilder().WithNode("N1", "", "Original").MustBuild()
	edited := fixtures.NewGraphBuilder().WithNode("N1", "", "Edited").MustBuild()

	delta1 := history.Diff(empty, created)
	delta2 := history.Diff(created, edited)
	delta3 := history.Diff(edited, empty)

	require.Equal(t, history.OpAdd, delta1.OperationType())
	require.Equal(t, history.OpPatch, delta2.OperationType())
	require.Equal(t, history.OpRemove, delta3.OperationType())
	require.Equal(t, "Edited", delta3[0].Node.Data.Content, "remove must carry the last known value")

	state := empty
	var err error
	for _, d := range []history.Delta{delta1, delta2, delta3} {
		state, err = history.ApplyDelta(state, d, history.Forward)
		require.NoError(t, err)
	}
	require.True(t, state.IsEmpty())

	// Act + Assert
	state, err = history.ApplyDelta(state, delta3, history.Reverse)
	require.NoError(t, err)
	n, ok := state.Node(mustNodeID(t, "N1"))
	require.True(t, ok)
	assert.Equal(t, "Edited", n.Data.Content)

	state, err = history.ApplyDelta(state, delta2, history.Reverse)
	require.NoError(t, err)
	n, _ = state.Node(mustNodeID(t, "N1"))
	assert.Equal(t, "Original", n.Data.Content)

	state, err = history.ApplyDelta(state, delta1, history.Reverse)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
}

func TestApplyDelta_NilStateIsEmptyGraph(t *testing.T) {
	n := fixtures.NewNodeBuilder().WithID("n1").MustBuild()

	state, err := history.ApplyDelta(nil, history.Delta{history.AddNode(n)}, history.Forward)

	require.NoError(t, err)
	assert.Equal(t, 1, state.NodeCount())
}

func TestApplyDelta_MetadataEqualityAcrossNumericTypes(t *testing.T) {
	// A stored remove decodes metadata numbers as float64 while the live
	// state may hold the int that was written.
	live := fixtures.NewNodeBuilder().WithID("n1").WithMetadata("priority", 2).MustBuild()
	stored := fixtures.NewNodeBuilder().WithID("n1").WithMetadata("priority", 2.0).MustBuild()
	state := fixtures.NewGraphBuilder().WithNodes(live).MustBuild()

	_, err := history.ApplyDelta(state, history.Delta{history.RemoveNode(stored)}, history.Forward)

	assert.NoError(t, err)
	assert.True(t, entities.ValuesEqual(2, 2.0))
}

func mustNodeID(t *testing.T, id string) valueobjects.NodeID {
	t.Helper()
	nodeID, err := valueobjects.NewNodeIDFromString(id)
	require.NoError(t, err)
	return nodeID
}
