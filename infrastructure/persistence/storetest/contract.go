// Package storetest holds the behaviour every ports.HistoryStore
// implementation must show. Store packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmap-history/application/ports"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/tests/fixtures"
)

// Factory returns an empty store for one test
type Factory func(t *testing.T) ports.HistoryStore

// Run exercises the full storage contract against fresh stores
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"SnapshotIndicesAreGapless", snapshotIndicesAreGapless},
		{"AppendEvent", appendEventRules},
		{"WriteBranch", writeBranch},
		{"ListEvents", listEvents},
		{"ReadsAreCopies", readsAreCopies},
		{"ListTimeline", listTimeline},
		{"FindSnapshotsByOrigin", findSnapshotsByOrigin},
		{"AdvancePointer", advancePointer},
		{"PruneKeepsThePointer", pruneKeepsThePointer},
		{"PruneWithZeroCutoffIsDisabled", pruneWithZeroCutoffIsDisabled},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) { c.fn(t, newStore) })
	}
}

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func addNodeDelta(id string) history.Delta {
	return history.Delta{history.AddNode(fixtures.NewNodeBuilder().WithID(id).MustBuild())}
}

func seedSnapshot(t *testing.T, store ports.HistoryStore, id string, at time.Time) *history.Snapshot {
	t.Helper()
	snap := fixtures.NewSnapshotBuilder().WithID(id).CreatedAt(at).Build()
	_, err := store.WriteSnapshot(context.Background(), snap, true)
	require.NoError(t, err)
	return snap
}

func appendEvent(t *testing.T, store ports.HistoryStore, snapshotID, id string, index int, at time.Time) *history.Event {
	t.Helper()
	evt := fixtures.NewEventBuilder().WithID(id).OnSnapshot(snapshotID, index).
		WithDelta(addNodeDelta("n-" + id)).CreatedAt(at).Build()
	_, err := store.AppendEvent(context.Background(), evt, true)
	require.NoError(t, err)
	return evt
}

func snapshotIndicesAreGapless(t *testing.T, newStore Factory) {
	// Arrange
	store := newStore(t)

	// Act
	var indices []int
	for _, id := range []string{"s0", "s1", "s2"} {
		snap := seedSnapshot(t, store, id, base)
		indices = append(indices, snap.Index)
	}
	again := fixtures.NewSnapshotBuilder().WithID("s1").Build()
	_, err := store.WriteSnapshot(context.Background(), again, false)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indices)
	assert.Equal(t, 1, again.Index, "rewriting an existing id reports its index")
	latest, err := store.LatestSnapshot(context.Background(), "doc-test")
	require.NoError(t, err)
	assert.Equal(t, "s2", latest.ID)
}

func appendEventRules(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("advances the pointer and returns the previous one", func(t *testing.T) {
		store := newStore(t)
		seedSnapshot(t, store, "s0", base)

		evt := fixtures.NewEventBuilder().WithID("e0").OnSnapshot("s0", 0).WithDelta(addNodeDelta("a")).Build()
		prev, err := store.AppendEvent(ctx, evt, true)

		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, history.Cursor{SnapshotID: "s0"}, prev.Cursor())
		ptr, err := store.GetPointer(ctx, "doc-test")
		require.NoError(t, err)
		assert.Equal(t, history.Cursor{SnapshotID: "s0", EventID: "e0"}, ptr.Cursor())
	})

	t.Run("taken index is a conflict", func(t *testing.T) {
		store := newStore(t)
		seedSnapshot(t, store, "s0", base)
		appendEvent(t, store, "s0", "e0", 0, base)

		racer := fixtures.NewEventBuilder().WithID("e-racer").OnSnapshot("s0", 0).WithDelta(addNodeDelta("b")).Build()
		_, err := store.AppendEvent(ctx, racer, true)

		require.Error(t, err)
		assert.True(t, errors.Is(err, history.ErrIndexConflict))
		assert.True(t, pkgerrors.IsConflict(err))
		count, _ := store.CountEvents(ctx, "doc-test", "s0")
		assert.Equal(t, 1, count)
	})

	t.Run("skipping an index is a conflict", func(t *testing.T) {
		store := newStore(t)
		seedSnapshot(t, store, "s0", base)

		evt := fixtures.NewEventBuilder().OnSnapshot("s0", 3).WithDelta(addNodeDelta("a")).Build()
		_, err := store.AppendEvent(ctx, evt, true)

		assert.ErrorIs(t, err, history.ErrIndexConflict)
	})

	t.Run("retrying the same event id succeeds", func(t *testing.T) {
		store := newStore(t)
		seedSnapshot(t, store, "s0", base)
		appendEvent(t, store, "s0", "e0", 0, base)

		retry := fixtures.NewEventBuilder().WithID("e0").OnSnapshot("s0", 0).WithDelta(addNodeDelta("n-e0")).Build()
		_, err := store.AppendEvent(ctx, retry, true)

		require.NoError(t, err)
		count, _ := store.CountEvents(ctx, "doc-test", "s0")
		assert.Equal(t, 1, count)
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		store := newStore(t)

		evt := fixtures.NewEventBuilder().OnSnapshot("ghost", 0).WithDelta(addNodeDelta("a")).Build()
		_, err := store.AppendEvent(ctx, evt, true)

		assert.True(t, pkgerrors.IsNotFound(err))
	})

	t.Run("empty delta is rejected", func(t *testing.T) {
		store := newStore(t)
		seedSnapshot(t, store, "s0", base)

		evt := fixtures.NewEventBuilder().OnSnapshot("s0", 0).Build()
		_, err := store.AppendEvent(ctx, evt, true)

		var malformed *history.MalformedPatchError
		assert.True(t, errors.As(err, &malformed))
	})
}

func writeBranch(t *testing.T, newStore Factory) {
	ctx := context.Background()
	origin := history.Cursor{SnapshotID: "s0", EventID: "e0"}
	branchOf := func(eventID string, delta history.Delta) (*history.Snapshot, *history.Event) {
		snap := fixtures.NewSnapshotBuilder().WithID("b1").WithOrigin(origin).CreatedAt(base).Build()
		evt := fixtures.NewEventBuilder().WithID(eventID).OnSnapshot("b1", 0).WithDelta(delta).CreatedAt(base).Build()
		return snap, evt
	}
	seeded := func(t *testing.T) ports.HistoryStore {
		store := newStore(t)
		seedSnapshot(t, store, "s0", base)
		appendEvent(t, store, "s0", "e0", 0, base)
		return store
	}
	assertNoBranch := func(t *testing.T, store ports.HistoryStore) {
		t.Helper()
		latest, err := store.LatestSnapshot(ctx, "doc-test")
		require.NoError(t, err)
		assert.Equal(t, "s0", latest.ID)
		found, err := store.FindSnapshotsByOrigin(ctx, "doc-test", origin)
		require.NoError(t, err)
		assert.Empty(t, found)
	}

	t.Run("stores the snapshot and its first event together", func(t *testing.T) {
		store := seeded(t)
		snap, evt := branchOf("e-b", addNodeDelta("b"))

		prev, err := store.WriteBranch(ctx, snap, evt, true)

		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, origin, prev.Cursor())
		assert.Equal(t, 1, snap.Index)
		count, err := store.CountEvents(ctx, "doc-test", "b1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		ptr, err := store.GetPointer(ctx, "doc-test")
		require.NoError(t, err)
		assert.Equal(t, evt.Cursor(), ptr.Cursor())
		found, err := store.FindSnapshotsByOrigin(ctx, "doc-test", origin)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "b1", found[0].ID)
	})

	t.Run("a rejected event stores no snapshot", func(t *testing.T) {
		store := seeded(t)
		snap, evt := branchOf("e-b", nil)

		_, err := store.WriteBranch(ctx, snap, evt, true)

		var malformed *history.MalformedPatchError
		assert.True(t, errors.As(err, &malformed))
		assertNoBranch(t, store)
	})

	t.Run("event id of another chain is a conflict", func(t *testing.T) {
		store := seeded(t)
		snap, evt := branchOf("e0", addNodeDelta("b"))

		_, err := store.WriteBranch(ctx, snap, evt, true)

		assert.ErrorIs(t, err, history.ErrIndexConflict)
		assertNoBranch(t, store)
		ptr, err := store.GetPointer(ctx, "doc-test")
		require.NoError(t, err)
		assert.Equal(t, origin, ptr.Cursor())
	})

	t.Run("retrying the same branch succeeds", func(t *testing.T) {
		store := seeded(t)
		snap, evt := branchOf("e-b", addNodeDelta("b"))
		_, err := store.WriteBranch(ctx, snap, evt, true)
		require.NoError(t, err)

		again, retry := branchOf("e-b", addNodeDelta("b"))
		_, err = store.WriteBranch(ctx, again, retry, true)

		require.NoError(t, err)
		assert.Equal(t, 1, again.Index)
		count, err := store.CountEvents(ctx, "doc-test", "b1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func listEvents(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)
	seedSnapshot(t, store, "s0", base)
	for i, id := range []string{"e0", "e1", "e2"} {
		appendEvent(t, store, "s0", id, i, base.Add(time.Duration(i)*time.Minute))
	}

	all, err := store.ListEvents(ctx, "doc-test", "s0", -1)
	require.NoError(t, err)
	upto, err := store.ListEvents(ctx, "doc-test", "s0", 1)
	require.NoError(t, err)
	at, err := store.EventAt(ctx, "doc-test", "s0", 2)
	require.NoError(t, err)
	_, err = store.EventAt(ctx, "doc-test", "s0", 3)

	require.Len(t, all, 3)
	for i, evt := range all {
		assert.Equal(t, i, evt.Index)
	}
	require.Len(t, upto, 2)
	assert.Equal(t, "e1", upto[1].ID)
	assert.Equal(t, "e2", at.ID)
	assert.Equal(t, history.OpAdd, at.Delta[0].Op)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func readsAreCopies(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)
	state := fixtures.NewGraphBuilder().WithNode("a", "", "A").MustBuild()
	snap := fixtures.NewSnapshotBuilder().WithID("s0").WithState(state).Build()
	_, err := store.WriteSnapshot(ctx, snap, true)
	require.NoError(t, err)

	first, err := store.GetSnapshot(ctx, "doc-test", "s0")
	require.NoError(t, err)
	first.State.PutNode(fixtures.NewNodeBuilder().WithID("b").MustBuild())

	second, err := store.GetSnapshot(ctx, "doc-test", "s0")
	require.NoError(t, err)
	assert.Equal(t, 1, second.State.NodeCount())
	assert.True(t, state.Equal(second.State))
}

func listTimeline(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)
	seedSnapshot(t, store, "s0", base)
	appendEvent(t, store, "s0", "e0", 0, base.Add(1*time.Minute))
	appendEvent(t, store, "s0", "e1", 1, base.Add(2*time.Minute))
	seedSnapshot(t, store, "s1", base.Add(3*time.Minute))
	appendEvent(t, store, "s1", "e2", 0, base.Add(4*time.Minute))

	start := base.Add(90 * time.Second)

	tests := []struct {
		name      string
		filter    history.TimelineFilter
		wantIDs   []string
		wantTotal int
	}{
		{name: "everything newest first", filter: history.TimelineFilter{}, wantIDs: []string{"e2", "s1", "e1", "e0", "s0"}, wantTotal: 5},
		{name: "limit and offset", filter: history.TimelineFilter{Limit: 2, Offset: 1}, wantIDs: []string{"s1", "e1"}, wantTotal: 5},
		{name: "start date", filter: history.TimelineFilter{StartDate: &start}, wantIDs: []string{"e2", "s1", "e1"}, wantTotal: 3},
		{name: "action name", filter: history.TimelineFilter{ActionName: "Checkpoint"}, wantIDs: []string{"s1", "s0"}, wantTotal: 2},
		{name: "offset past the end", filter: history.TimelineFilter{Offset: 10}, wantIDs: []string{}, wantTotal: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := store.ListTimeline(ctx, "doc-test", tt.filter)

			require.NoError(t, err)
			ids := make([]string, 0, len(items))
			for _, item := range items {
				ids = append(ids, item.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantTotal, total)
		})
	}
}

func findSnapshotsByOrigin(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)
	seedSnapshot(t, store, "s0", base)
	appendEvent(t, store, "s0", "e0", 0, base)
	origin := history.Cursor{SnapshotID: "s0", EventID: "e0"}
	branch := fixtures.NewSnapshotBuilder().WithID("s1").WithOrigin(origin).Build()
	_, err := store.WriteSnapshot(ctx, branch, false)
	require.NoError(t, err)

	found, err := store.FindSnapshotsByOrigin(ctx, "doc-test", origin)
	require.NoError(t, err)
	none, err := store.FindSnapshotsByOrigin(ctx, "doc-test", history.Cursor{SnapshotID: "s0"})
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, "s1", found[0].ID)
	assert.Equal(t, 1, found[0].Index)
	assert.Empty(t, none)
}

func advancePointer(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)
	seedSnapshot(t, store, "s0", base)
	appendEvent(t, store, "s0", "e0", 0, base)

	prev, err := store.AdvancePointer(ctx, history.NewPointer("doc-test", history.Cursor{SnapshotID: "s0"}, "u2", base))
	require.NoError(t, err)
	assert.Equal(t, "e0", prev.EventID)

	_, err = store.AdvancePointer(ctx, history.NewPointer("doc-test", history.Cursor{SnapshotID: "s0", EventID: "missing"}, "u2", base))
	assert.True(t, pkgerrors.IsNotFound(err))

	_, err = store.GetPointer(ctx, "unknown")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func pruneKeepsThePointer(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)
	old := base.Add(-48 * time.Hour)
	seedSnapshot(t, store, "s0", old)
	appendEvent(t, store, "s0", "e0", 0, old)
	appendEvent(t, store, "s0", "e1", 1, old)
	seedSnapshot(t, store, "s1", old)
	appendEvent(t, store, "s1", "e2", 0, old)
	// the pointer stays on the old s1 chain
	seedSnapshot(t, store, "s2", old)
	_, err := store.AdvancePointer(ctx, history.NewPointer("doc-test", history.Cursor{SnapshotID: "s1", EventID: "e2"}, "u", base))
	require.NoError(t, err)

	result, err := store.PruneDocument(ctx, "doc-test", base.Add(-24*time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedSnapshots)
	assert.Equal(t, 2, result.DeletedEvents)
	_, err = store.GetSnapshot(ctx, "doc-test", "s0")
	assert.True(t, pkgerrors.IsNotFound(err))
	_, err = store.GetSnapshot(ctx, "doc-test", "s1")
	assert.NoError(t, err, "pointer snapshot is kept")
	_, err = store.GetSnapshot(ctx, "doc-test", "s2")
	assert.NoError(t, err, "snapshots after the pointer are kept")
	_, err = store.GetEvent(ctx, "doc-test", "e2")
	assert.NoError(t, err)

	next := fixtures.NewSnapshotBuilder().WithID("s3").Build()
	_, err = store.WriteSnapshot(ctx, next, false)
	require.NoError(t, err)
	assert.Equal(t, 3, next.Index, "indices continue after pruning")
}

func pruneWithZeroCutoffIsDisabled(t *testing.T, newStore Factory) {
	store := newStore(t)
	seedSnapshot(t, store, "s0", base.Add(-1000*time.Hour))
	seedSnapshot(t, store, "s1", base)

	result, err := store.PruneDocument(context.Background(), "doc-test", time.Time{})

	require.NoError(t, err)
	assert.Zero(t, result.DeletedSnapshots)
}

