package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/events"
	"mindmap-history/domain/history"
	"mindmap-history/infrastructure/persistence/memory"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/pkg/observability"
	"mindmap-history/tests/fixtures"
)

type prefixRecorder struct {
	invalidated []string
}

func (c *prefixRecorder) Get(ctx context.Context, key string) (*aggregates.GraphState, bool) {
	return nil, false
}

func (c *prefixRecorder) Set(ctx context.Context, key string, state *aggregates.GraphState, ttl time.Duration) error {
	return nil
}

func (c *prefixRecorder) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.invalidated = append(c.invalidated, prefix)
	return nil
}

var (
	retentionNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	longAgo      = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
)

// seedAgedDocument writes two expired snapshots and a current one holding
// the pointer
func seedAgedDocument(t *testing.T, store *memory.HistoryStore, documentID string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"s0", "s1"} {
		snap := fixtures.NewSnapshotBuilder().WithID(documentID + "-" + id).WithDocument(documentID).CreatedAt(longAgo).Build()
		_, err := store.WriteSnapshot(ctx, snap, true)
		require.NoError(t, err)
	}
	evt := fixtures.NewEventBuilder().WithID(documentID+"-e0").WithDocument(documentID).
		OnSnapshot(documentID+"-s0", 0).CreatedAt(longAgo).
		WithDelta(history.Delta{history.AddNode(fixtures.NewNodeBuilder().WithID("n1").MustBuild())}).
		Build()
	_, err := store.AppendEvent(ctx, evt, false)
	require.NoError(t, err)

	current := fixtures.NewSnapshotBuilder().WithID(documentID + "-s2").WithDocument(documentID).CreatedAt(longAgo).Build()
	_, err = store.WriteSnapshot(ctx, current, true)
	require.NoError(t, err)
}

func newRetention(store *memory.HistoryStore, locker *memory.Locker, cache *prefixRecorder, publisher *recordingPublisher, period time.Duration) *RetentionService {
	policy := history.DefaultPolicy()
	policy.RetentionPeriod = period
	var stateCache ports.StateCache
	if cache != nil {
		stateCache = cache
	}
	var eventPublisher ports.EventPublisher
	if publisher != nil {
		eventPublisher = publisher
	}
	return NewRetentionService(store, locker, stateCache, eventPublisher, observability.NewNoopMetrics(), nil, policy, zap.NewNop()).
		WithClock(func() time.Time { return retentionNow })
}

func TestRetentionService_Cleanup(t *testing.T) {
	t.Run("prunes expired history behind the pointer", func(t *testing.T) {
		// Arrange
		store := memory.NewHistoryStore()
		seedAgedDocument(t, store, "doc-a")
		cache := &prefixRecorder{}
		publisher := &recordingPublisher{}
		svc := newRetention(store, memory.NewLocker(), cache, publisher, 90*24*time.Hour)

		// Act
		res, err := svc.Cleanup(context.Background(), "doc-a")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2, res.DeletedSnapshots)
		assert.Equal(t, 1, res.DeletedEvents)
		ptr, err := store.GetPointer(context.Background(), "doc-a")
		require.NoError(t, err)
		_, err = store.GetSnapshot(context.Background(), "doc-a", ptr.SnapshotID)
		assert.NoError(t, err, "the pointer's snapshot survives")
		assert.Equal(t, []string{DocumentKeyPrefix("doc-a")}, cache.invalidated)
		assert.Equal(t, []string{events.TypeHistoryPruned}, publisher.types())
	})

	t.Run("sweeps every document", func(t *testing.T) {
		store := memory.NewHistoryStore()
		seedAgedDocument(t, store, "doc-a")
		seedAgedDocument(t, store, "doc-b")
		svc := newRetention(store, memory.NewLocker(), nil, nil, 90*24*time.Hour)

		res, err := svc.Cleanup(context.Background(), "")

		require.NoError(t, err)
		assert.Equal(t, 2, res.Documents)
		assert.Equal(t, 4, res.DeletedSnapshots)
		assert.Equal(t, 2, res.DeletedEvents)
	})

	t.Run("disabled retention prunes nothing", func(t *testing.T) {
		store := memory.NewHistoryStore()
		seedAgedDocument(t, store, "doc-a")
		svc := newRetention(store, memory.NewLocker(), nil, nil, 0)

		res, err := svc.Cleanup(context.Background(), "doc-a")

		require.NoError(t, err)
		assert.Zero(t, res.DeletedSnapshots)
	})
}

func TestRetentionService_LockHeldElsewhere(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := memory.NewHistoryStore()
	seedAgedDocument(t, store, "doc-a")
	locker := memory.NewLocker()
	_, err := locker.AcquireLock(ctx, "cleanup#doc-a", "another-runner", time.Minute)
	require.NoError(t, err)
	svc := newRetention(store, locker, nil, nil, 90*24*time.Hour)

	// Act
	_, single := svc.Cleanup(ctx, "doc-a")
	sweep, err := svc.Cleanup(ctx, "")

	// Assert
	assert.ErrorIs(t, single, pkgerrors.ErrCleanupInProgress)
	assert.Equal(t, 409, pkgerrors.GetDomainError(single).StatusCode)
	require.NoError(t, err)
	assert.Zero(t, sweep.Documents)
}
