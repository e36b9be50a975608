package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/config"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/events"
	"mindmap-history/domain/history"
	"mindmap-history/infrastructure/persistence/memory"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/pkg/observability"
	"mindmap-history/tests/fixtures"
)

const (
	testDocument = "doc-test"
	testUser     = "test-user-123"
)

// stepClock advances one second on every reading so that writes are
// strictly ordered in time
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.DomainEvent) error {
	return p.PublishBatch(ctx, []events.DomainEvent{event})
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, evts []events.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evts...)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.GetEventType())
	}
	return out
}

type entitlementStub struct{ allowed bool }

func (e entitlementStub) CanCreateCheckpoint(ctx context.Context, documentID string) (bool, error) {
	return e.allowed, nil
}

type serviceHarness struct {
	store     *memory.HistoryStore
	publisher *recordingPublisher
	clock     *stepClock
	service   *HistoryService
}

func newHarness(t *testing.T, cfg *config.DomainConfig) *serviceHarness {
	t.Helper()
	store := memory.NewHistoryStore()
	return newHarnessWithStore(t, cfg, store, store)
}

// newHarnessWithStore lets a test wrap the memory store while still
// seeding it directly
func newHarnessWithStore(t *testing.T, cfg *config.DomainConfig, raw *memory.HistoryStore, store ports.HistoryStore) *serviceHarness {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	h := &serviceHarness{
		store:     raw,
		publisher: &recordingPublisher{},
		clock:     newStepClock(),
	}
	var (
		seqMu sync.Mutex
		seq   int
	)
	newID := func() string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}

	logger := zap.NewNop()
	metrics := observability.NewNoopMetrics()
	replayer := NewReplayer(store, nil, metrics, nil, logger, 0)
	h.service = NewHistoryService(store, replayer, h.publisher, entitlementStub{allowed: true}, metrics, nil, cfg, logger,
		WithClock(h.clock.Now), WithIDGenerator(newID))
	return h
}

func graphOf(contents ...string) *aggregates.GraphState {
	b := fixtures.NewGraphBuilder()
	for i, c := range contents {
		b.WithNode(fmt.Sprintf("n%d", i+1), "", c)
	}
	return b.MustBuild()
}

func (h *serviceHarness) edit(t *testing.T, state *aggregates.GraphState) *WriteResult {
	t.Helper()
	res, err := h.service.RecordEdit(context.Background(), EditRequest{
		DocumentID: testDocument,
		UserID:     testUser,
		ActionName: "Edit",
		After:      state,
	})
	require.NoError(t, err)
	return res
}

func (h *serviceHarness) current(t *testing.T) *aggregates.GraphState {
	t.Helper()
	res, err := h.service.StateAt(context.Background(), testDocument, nil)
	require.NoError(t, err)
	require.False(t, res.Truncated)
	return res.State
}

func assertState(t *testing.T, expected, actual *aggregates.GraphState) {
	t.Helper()
	assert.True(t, expected.Equal(actual), "expected %d nodes, got %d", expected.NodeCount(), actual.NodeCount())
}

func TestHistoryService_RecordEdit(t *testing.T) {
	t.Run("first edit initialises the document", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		after := graphOf("root")

		// Act
		res := h.edit(t, after)

		// Assert
		require.NotNil(t, res.Event)
		assert.Equal(t, InitialSnapshotID(testDocument), res.Event.SnapshotID)
		assert.Equal(t, 0, res.Event.Index)
		assert.Equal(t, res.Event.Cursor(), res.Pointer.Cursor())
		assertState(t, after, h.current(t))
		assert.Equal(t, []string{
			events.TypeCheckpointCreated,
			events.TypeEventAppended,
			events.TypePointerMoved,
		}, h.publisher.types())
	})

	t.Run("unchanged graph records nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		first := h.edit(t, graphOf("root"))

		res := h.edit(t, graphOf("root"))

		assert.True(t, res.NoChange)
		assert.Nil(t, res.Event)
		assert.Equal(t, first.Pointer.Cursor(), res.Pointer.Cursor())
	})

	t.Run("resolving the pointer returns the last write", func(t *testing.T) {
		h := newHarness(t, nil)
		for _, g := range []*aggregates.GraphState{graphOf("a"), graphOf("a", "b"), graphOf("a2", "b"), graphOf("b")} {
			h.edit(t, g)
			assertState(t, g, h.current(t))
		}
	})

	t.Run("invalid graph is rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		cfg := config.DefaultDomainConfig()
		cfg.MaxNodesPerDocument = 1
		h.service.domainConfig = cfg

		_, err := h.service.RecordEdit(context.Background(), EditRequest{
			DocumentID: testDocument, UserID: testUser, After: graphOf("a", "b"),
		})

		require.Error(t, err)
		assert.True(t, pkgerrors.IsValidation(err))
	})
}

func TestHistoryService_AppendDelta(t *testing.T) {
	node := fixtures.NewNodeBuilder().WithID("n1").WithContent("root").MustBuild()

	tests := []struct {
		name       string
		delta      history.Delta
		wantErr    *pkgerrors.DomainError
		wantStatus int
	}{
		{
			name:  "applies cleanly",
			delta: history.Delta{history.AddNode(node)},
		},
		{
			name:       "empty delta is malformed",
			delta:      history.Delta{},
			wantErr:    pkgerrors.ErrMalformedDelta,
			wantStatus: 422,
		},
		{
			name:       "removing a missing node does not apply",
			delta:      history.Delta{history.RemoveNode(fixtures.NewNodeBuilder().WithID("ghost").MustBuild())},
			wantErr:    pkgerrors.ErrDeltaNotApplicable,
			wantStatus: 422,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			h := newHarness(t, nil)

			// Act
			res, err := h.service.AppendDelta(context.Background(), DeltaRequest{
				DocumentID: testDocument,
				UserID:     testUser,
				ActionName: "Add node",
				Delta:      tt.delta,
			})

			// Assert
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, 1, res.State.NodeCount())
				assert.Equal(t, "Add node", res.Event.ActionName)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantStatus, pkgerrors.GetDomainError(err).StatusCode)
		})
	}
}

func TestHistoryService_UndoRedo(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t, nil)
	a, b, c := graphOf("a"), graphOf("a", "b"), graphOf("a", "b", "c")
	h.edit(t, a)
	h.edit(t, b)
	h.edit(t, c)

	// Act / Assert: walk back to the empty initial snapshot
	for _, want := range []*aggregates.GraphState{b, a, aggregates.NewGraphState()} {
		nav, err := h.service.Undo(ctx, testDocument, testUser)
		require.NoError(t, err)
		assert.False(t, nav.NoOp)
		assertState(t, want, nav.State)
		assertState(t, want, h.current(t))
	}

	nav, err := h.service.Undo(ctx, testDocument, testUser)
	require.NoError(t, err)
	assert.True(t, nav.NoOp, "the initial snapshot has nothing before it")

	// and forward again to the head
	for _, want := range []*aggregates.GraphState{a, b, c} {
		nav, err := h.service.Redo(ctx, testDocument, testUser)
		require.NoError(t, err)
		assert.False(t, nav.NoOp)
		assertState(t, want, nav.State)
	}

	nav, err = h.service.Redo(ctx, testDocument, testUser)
	require.NoError(t, err)
	assert.True(t, nav.NoOp)
	assertState(t, c, nav.State)
}

func TestHistoryService_NavigationOnUnknownDocument(t *testing.T) {
	h := newHarness(t, nil)

	undo, err := h.service.Undo(context.Background(), "missing", testUser)
	require.NoError(t, err)
	redo, err := h.service.Redo(context.Background(), "missing", testUser)
	require.NoError(t, err)

	assert.True(t, undo.NoOp)
	assert.True(t, redo.NoOp)
	assert.True(t, undo.State.IsEmpty())
}

func TestHistoryService_EditAfterUndoBranches(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t, nil)
	a, b, c := graphOf("a"), graphOf("a", "b"), graphOf("a", "b", "c")
	first := h.edit(t, a)
	h.edit(t, b)
	h.edit(t, c)
	for i := 0; i < 2; i++ {
		_, err := h.service.Undo(ctx, testDocument, testUser)
		require.NoError(t, err)
	}

	// Act
	d := graphOf("a", "d")
	res := h.edit(t, d)

	// Assert
	require.NotNil(t, res.Branch)
	assert.Equal(t, ActionBranch, res.Branch.ActionName)
	require.NotNil(t, res.Branch.Origin)
	assert.Equal(t, first.Event.Cursor(), *res.Branch.Origin)
	assert.Equal(t, res.Branch.ID, res.Event.SnapshotID)
	assert.Equal(t, 0, res.Event.Index)
	assertState(t, d, h.current(t))

	redo, err := h.service.Redo(ctx, testDocument, testUser)
	require.NoError(t, err)
	assert.True(t, redo.NoOp, "the branch head has no successor")

	// Undo leaves the branch: first to its snapshot, then past the
	// position it was taken from
	nav, err := h.service.Undo(ctx, testDocument, testUser)
	require.NoError(t, err)
	assertState(t, a, nav.State)
	assert.Equal(t, history.Cursor{SnapshotID: res.Branch.ID}, nav.Pointer.Cursor())

	nav, err = h.service.Undo(ctx, testDocument, testUser)
	require.NoError(t, err)
	assert.True(t, nav.State.IsEmpty())

	// Redo follows the newest path
	_, err = h.service.Redo(ctx, testDocument, testUser)
	require.NoError(t, err)
	nav, err = h.service.Redo(ctx, testDocument, testUser)
	require.NoError(t, err)
	assertState(t, d, nav.State)
	assert.Equal(t, res.Event.Cursor(), nav.Pointer.Cursor())
}

// failingEventStore fails the next event writes, branch or append, as a
// lost connection would
type failingEventStore struct {
	*memory.HistoryStore
	failures int
}

func (s *failingEventStore) fail() error {
	if s.failures == 0 {
		return nil
	}
	s.failures--
	return pkgerrors.NewDatabaseError("append event", fmt.Errorf("connection reset"))
}

func (s *failingEventStore) AppendEvent(ctx context.Context, event *history.Event, advance bool) (*history.Pointer, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.HistoryStore.AppendEvent(ctx, event, advance)
}

func (s *failingEventStore) WriteBranch(ctx context.Context, snapshot *history.Snapshot, event *history.Event, advance bool) (*history.Pointer, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.HistoryStore.WriteBranch(ctx, snapshot, event, advance)
}

func TestHistoryService_FailedBranchLeavesRedoIntact(t *testing.T) {
	// Arrange
	ctx := context.Background()
	raw := memory.NewHistoryStore()
	store := &failingEventStore{HistoryStore: raw}
	h := newHarnessWithStore(t, nil, raw, store)
	a, b := graphOf("a"), graphOf("a", "b")
	h.edit(t, a)
	h.edit(t, b)
	_, err := h.service.Undo(ctx, testDocument, testUser)
	require.NoError(t, err)
	before, err := raw.LatestSnapshot(ctx, testDocument)
	require.NoError(t, err)
	store.failures = 1

	// Act
	_, editErr := h.service.RecordEdit(ctx, EditRequest{
		DocumentID: testDocument, UserID: testUser, ActionName: "Edit", After: graphOf("a", "c"),
	})
	redo, redoErr := h.service.Redo(ctx, testDocument, testUser)

	// Assert
	require.Error(t, editErr)
	after, err := raw.LatestSnapshot(ctx, testDocument)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "no branch snapshot is left behind")
	items, _, err := raw.ListTimeline(ctx, testDocument, history.TimelineFilter{Limit: 50})
	require.NoError(t, err)
	for _, item := range items {
		assert.NotEqual(t, ActionBranch, item.ActionName)
	}
	require.NoError(t, redoErr)
	assert.False(t, redo.NoOp)
	assertState(t, b, redo.State)
}

func TestHistoryService_AutoCheckpoint(t *testing.T) {
	// Arrange
	ctx := context.Background()
	cfg := config.DefaultDomainConfig()
	cfg.AutoCheckpointEvery = 3
	h := newHarness(t, cfg)

	// Act
	h.edit(t, graphOf("a"))
	second := h.edit(t, graphOf("a", "b"))
	third := h.edit(t, graphOf("a", "b", "c"))

	// Assert
	assert.Nil(t, second.Checkpoint)
	require.NotNil(t, third.Checkpoint)
	assert.Equal(t, ActionAutoCheckpoint, third.Checkpoint.ActionName)
	assert.False(t, third.Checkpoint.IsMajor)
	assert.Equal(t, history.Cursor{SnapshotID: third.Checkpoint.ID}, third.Pointer.Cursor())
	assertState(t, graphOf("a", "b", "c"), h.current(t))

	fourth := h.edit(t, graphOf("a", "b", "c", "d"))
	assert.Equal(t, third.Checkpoint.ID, fourth.Event.SnapshotID)
	assert.Equal(t, 0, fourth.Event.Index)

	// one undo per edit, the checkpoint is not a step of its own
	for _, want := range []*aggregates.GraphState{graphOf("a", "b", "c"), graphOf("a", "b")} {
		nav, err := h.service.Undo(ctx, testDocument, testUser)
		require.NoError(t, err)
		assertState(t, want, nav.State)
	}
}

func TestHistoryService_AutoCheckpointRejectedBySizeGuard(t *testing.T) {
	cfg := config.DefaultDomainConfig()
	cfg.AutoCheckpointEvery = 1
	cfg.MaxSnapshotBytes = 64
	h := newHarness(t, cfg)

	res := h.edit(t, graphOf("a node whose serialized state is well over the limit"))

	assert.Nil(t, res.Checkpoint)
	assert.NotNil(t, res.Event)
	assert.Equal(t, res.Event.Cursor(), res.Pointer.Cursor())
}

func TestHistoryService_CreateCheckpoint(t *testing.T) {
	t.Run("checkpoints the current state", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		h := newHarness(t, nil)
		last := h.edit(t, graphOf("a", "b"))

		// Act
		snap, err := h.service.CreateCheckpoint(ctx, CheckpointRequest{
			DocumentID: testDocument, UserID: testUser, IsMajor: true,
		})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, ActionCheckpoint, snap.ActionName)
		assert.True(t, snap.IsMajor)
		assert.Equal(t, 2, snap.NodeCount)
		require.NotNil(t, snap.Origin)
		assert.Equal(t, last.Event.Cursor(), *snap.Origin)
		ptr, err := h.service.GetPointer(ctx, testDocument)
		require.NoError(t, err)
		assert.Equal(t, history.Cursor{SnapshotID: snap.ID}, ptr.Cursor())
	})

	t.Run("client state differing from the pointer is one undo step", func(t *testing.T) {
		ctx := context.Background()
		h := newHarness(t, nil)
		h.edit(t, graphOf("a"))

		_, err := h.service.CreateCheckpoint(ctx, CheckpointRequest{
			DocumentID: testDocument, UserID: testUser, ActionName: "Import", State: graphOf("x", "y"),
		})
		require.NoError(t, err)
		assertState(t, graphOf("x", "y"), h.current(t))

		nav, err := h.service.Undo(ctx, testDocument, testUser)
		require.NoError(t, err)
		assertState(t, graphOf("a"), nav.State)
	})

	t.Run("not entitled", func(t *testing.T) {
		h := newHarness(t, nil)
		h.service.entitlements = entitlementStub{allowed: false}

		_, err := h.service.CreateCheckpoint(context.Background(), CheckpointRequest{DocumentID: testDocument, UserID: testUser})

		assert.ErrorIs(t, err, pkgerrors.ErrCheckpointNotEntitled)
		assert.Equal(t, 402, pkgerrors.GetDomainError(err).StatusCode)
	})

	t.Run("too large", func(t *testing.T) {
		cfg := config.DefaultDomainConfig()
		cfg.MaxSnapshotBytes = 64
		cfg.AutoCheckpoint = false
		h := newHarness(t, cfg)
		h.edit(t, graphOf("a node whose serialized state is well over the limit"))

		_, err := h.service.CreateCheckpoint(context.Background(), CheckpointRequest{DocumentID: testDocument, UserID: testUser})

		assert.ErrorIs(t, err, pkgerrors.ErrSnapshotTooLarge)
		assert.Equal(t, 413, pkgerrors.GetDomainError(err).StatusCode)
	})
}

func TestHistoryService_StateAtServesTruncatedHistory(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t, nil)
	last := h.edit(t, graphOf("a"))
	bad := fixtures.NewEventBuilder().
		WithID("evt-bad").
		WithDocument(testDocument).
		OnSnapshot(last.Event.SnapshotID, 1).
		WithDelta(history.Delta{history.RemoveNode(fixtures.NewNodeBuilder().WithID("ghost").MustBuild())}).
		Build()
	_, err := h.store.AppendEvent(ctx, bad, true)
	require.NoError(t, err)

	// Act
	res, err := h.service.StateAt(ctx, testDocument, nil)

	// Assert
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assertState(t, graphOf("a"), res.State)
	assert.Equal(t, last.Event.Cursor(), res.Cursor)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, "evt-bad", res.BrokenAt.EventID)
	assert.Contains(t, h.publisher.types(), events.TypeChainBroken)

	_, err = h.service.RecordEdit(ctx, EditRequest{DocumentID: testDocument, UserID: testUser, After: graphOf("b")})
	assert.ErrorIs(t, err, pkgerrors.ErrHistoryCorrupted)
}

func TestHistoryService_StateAtLookups(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	first := h.edit(t, graphOf("a"))
	h.edit(t, graphOf("a", "b"))

	byEvent, err := h.service.StateAt(ctx, testDocument, &history.Cursor{EventID: first.Event.ID})
	require.NoError(t, err)
	assertState(t, graphOf("a"), byEvent.State)
	assert.Equal(t, first.Event.Cursor(), byEvent.Cursor)

	initial, err := h.service.StateAt(ctx, testDocument, &history.Cursor{SnapshotID: InitialSnapshotID(testDocument)})
	require.NoError(t, err)
	assert.True(t, initial.State.IsEmpty())

	_, err = h.service.StateAt(ctx, testDocument, &history.Cursor{EventID: "missing"})
	assert.ErrorIs(t, err, pkgerrors.ErrEventNotFound)

	_, err = h.service.StateAt(ctx, testDocument, &history.Cursor{SnapshotID: "missing"})
	assert.ErrorIs(t, err, pkgerrors.ErrSnapshotNotFound)

	_, err = h.service.StateAt(ctx, "unknown", nil)
	assert.ErrorIs(t, err, pkgerrors.ErrDocumentNotFound)
}

func TestHistoryService_Timeline(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t, nil)
	var results []*WriteResult
	for i := 1; i <= 5; i++ {
		contents := make([]string, i)
		for j := range contents {
			contents[j] = fmt.Sprintf("node %d", j)
		}
		results = append(results, h.edit(t, graphOf(contents...)))
	}
	_, err := h.service.Undo(ctx, testDocument, testUser)
	require.NoError(t, err)
	start := results[2].Event.CreatedAt

	tests := []struct {
		name        string
		filter      history.TimelineFilter
		wantIDs     []string
		wantTotal   int
		wantHasMore bool
	}{
		{
			name:        "newest first with paging",
			filter:      history.TimelineFilter{Limit: 2},
			wantIDs:     []string{results[4].Event.ID, results[3].Event.ID},
			wantTotal:   6,
			wantHasMore: true,
		},
		{
			name:      "start date excludes older rows",
			filter:    history.TimelineFilter{StartDate: &start},
			wantIDs:   []string{results[4].Event.ID, results[3].Event.ID, results[2].Event.ID},
			wantTotal: 3,
		},
		{
			name:      "action filter",
			filter:    history.TimelineFilter{ActionName: ActionInitialState},
			wantIDs:   []string{InitialSnapshotID(testDocument)},
			wantTotal: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			page, err := h.service.Timeline(ctx, testDocument, tt.filter, false)

			// Assert
			require.NoError(t, err)
			ids := make([]string, 0, len(page.Items))
			for _, item := range page.Items {
				ids = append(ids, item.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantTotal, page.Total)
			assert.Equal(t, tt.wantHasMore, page.HasMore)
			assert.Equal(t, results[3].Event.ID, page.CurrentEventID, "current position ignores filters")
		})
	}
}

func TestHistoryService_TimelineValidation(t *testing.T) {
	h := newHarness(t, nil)
	later := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	_, err := h.service.Timeline(context.Background(), testDocument, history.TimelineFilter{StartDate: &later, EndDate: &earlier}, false)
	assert.True(t, pkgerrors.IsValidation(err))

	clamped := h.service.clampFilter(history.TimelineFilter{Limit: 1000, Offset: -3})
	assert.Equal(t, 100, clamped.Limit)
	assert.Equal(t, 0, clamped.Offset)

	page, err := h.service.Timeline(context.Background(), "unknown", history.TimelineFilter{}, true)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.CurrentSnapshotID)
}

func TestHistoryService_PointerConflictIsReportedNotReturned(t *testing.T) {
	h := newHarness(t, nil)
	expected := history.Cursor{SnapshotID: "s1", EventID: "e1"}
	actual := history.NewPointer(testDocument, history.Cursor{SnapshotID: "s1", EventID: "e2"}, "other-user", time.Now())

	h.service.observePointer(context.Background(), testDocument, testUser, expected, &actual)
	h.service.observePointer(context.Background(), testDocument, testUser, expected, nil)

	require.Len(t, h.publisher.events, 1)
	conflict, ok := h.publisher.events[0].(events.PointerConflict)
	require.True(t, ok)
	assert.Equal(t, "e1", conflict.ExpectedEventID)
	assert.Equal(t, "e2", conflict.ActualEventID)
	assert.Equal(t, "other-user", conflict.ActualUpdatedBy)
}

// racingStore lets another writer take the next event index just before
// each of the first races appends
type racingStore struct {
	*memory.HistoryStore
	races int
}

func (s *racingStore) AppendEvent(ctx context.Context, event *history.Event, advance bool) (*history.Pointer, error) {
	if s.races == 0 {
		return s.HistoryStore.AppendEvent(ctx, event, advance)
	}
	s.races--
	rivalNode := fixtures.NewNodeBuilder().WithID("rival-" + event.ID).MustBuild()
	rival := history.NewEvent("rival-"+event.ID, event.DocumentID, event.SnapshotID, event.Index, "Rival edit",
		history.Delta{history.AddNode(rivalNode)}, "other-user", event.CreatedAt)
	if _, err := s.HistoryStore.AppendEvent(ctx, rival, true); err != nil {
		return nil, err
	}
	return nil, pkgerrors.NewConflictError("event index already taken").WithCause(history.ErrIndexConflict)
}

func TestHistoryService_ReconcilesIndexConflict(t *testing.T) {
	t.Run("one conflict is retried against the new head", func(t *testing.T) {
		// Arrange
		raw := memory.NewHistoryStore()
		h := newHarnessWithStore(t, nil, raw, &racingStore{HistoryStore: raw, races: 1})

		// Act
		res, err := h.service.RecordEdit(context.Background(), EditRequest{
			DocumentID: testDocument, UserID: testUser, After: graphOf("a"),
		})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 1, res.Event.Index)
		assertState(t, graphOf("a"), h.current(t))
		count, err := raw.CountEvents(context.Background(), testDocument, res.Event.SnapshotID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("a second conflict is reported", func(t *testing.T) {
		raw := memory.NewHistoryStore()
		h := newHarnessWithStore(t, nil, raw, &racingStore{HistoryStore: raw, races: 2})

		_, err := h.service.RecordEdit(context.Background(), EditRequest{
			DocumentID: testDocument, UserID: testUser, After: graphOf("a"),
		})

		assert.ErrorIs(t, err, pkgerrors.ErrConcurrentEdit)
		assert.Equal(t, 409, pkgerrors.GetDomainError(err).StatusCode)
	})
}
