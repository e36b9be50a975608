package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mindmap-history/application/ports"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/pkg/observability"
)

// DefaultStateCacheTTL bounds how long a resolved state stays cached
const DefaultStateCacheTTL = 15 * time.Minute

// StateKey is the cache key of a resolved position. Every key of a
// document shares the DocumentKeyPrefix.
func StateKey(documentID string, at history.Cursor) string {
	return DocumentKeyPrefix(documentID) + at.SnapshotID + ":" + at.EventID
}

// DocumentKeyPrefix is the cache key prefix of one document
func DocumentKeyPrefix(documentID string) string {
	return "history:" + documentID + ":"
}

// Replayer reconstructs the graph at a timeline position by folding the
// events anchored to a snapshot onto it. Positions are immutable, so
// resolved states are cached and concurrent identical resolves share one
// load.
type Replayer struct {
	store   ports.HistoryReader
	cache   ports.StateCache
	group   singleflight.Group
	metrics ports.Metrics
	tracer  *observability.Tracer
	logger  *zap.Logger
	ttl     time.Duration
}

// NewReplayer creates a replayer. The cache may be nil.
func NewReplayer(store ports.HistoryReader, cache ports.StateCache, metrics ports.Metrics, tracer *observability.Tracer, logger *zap.Logger, ttl time.Duration) *Replayer {
	if ttl <= 0 {
		ttl = DefaultStateCacheTTL
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Replayer{
		store:   store,
		cache:   cache,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
		ttl:     ttl,
	}
}

// Resolve returns the state at the cursor. The result is owned by the
// caller. A chain that cannot be folded yields a *history.BrokenChainError
// carrying the furthest state that did resolve.
func (r *Replayer) Resolve(ctx context.Context, documentID string, at history.Cursor) (*aggregates.GraphState, error) {
	key := StateKey(documentID, at)
	if r.cache != nil {
		if state, ok := r.cache.Get(ctx, key); ok {
			r.metrics.IncrementCounter(observability.MetricReplayCacheHit, nil)
			return state.Clone(), nil
		}
		r.metrics.IncrementCounter(observability.MetricReplayCacheMiss, nil)
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		var state *aggregates.GraphState
		err := r.tracer.TraceFunction(ctx, "history.resolve", map[string]string{"document_id": documentID}, func(ctx context.Context) error {
			var loadErr error
			state, loadErr = r.load(ctx, documentID, at)
			return loadErr
		})
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			if cacheErr := r.cache.Set(ctx, key, state, r.ttl); cacheErr != nil {
				r.logger.Warn("Failed to cache resolved state", zap.String("key", key), zap.Error(cacheErr))
			}
		}
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*aggregates.GraphState).Clone(), nil
}

// Prime stores a state the caller already computed for a position
func (r *Replayer) Prime(ctx context.Context, documentID string, at history.Cursor, state *aggregates.GraphState) {
	if r.cache == nil || state == nil {
		return
	}
	if err := r.cache.Set(ctx, StateKey(documentID, at), state.Clone(), r.ttl); err != nil {
		r.logger.Warn("Failed to prime state cache", zap.String("document_id", documentID), zap.Error(err))
	}
}

func (r *Replayer) load(ctx context.Context, documentID string, at history.Cursor) (*aggregates.GraphState, error) {
	start := time.Now()

	snapshot, err := r.store.GetSnapshot(ctx, documentID, at.SnapshotID)
	if err != nil {
		return nil, err
	}
	if at.AtSnapshot() {
		return snapshot.State, nil
	}

	target, err := r.store.GetEvent(ctx, documentID, at.EventID)
	if err != nil {
		return nil, err
	}
	if target.SnapshotID != at.SnapshotID {
		return nil, pkgerrors.NewNotFoundError("event")
	}

	chain, err := r.store.ListEvents(ctx, documentID, at.SnapshotID, target.Index)
	if err != nil {
		return nil, err
	}

	state := snapshot.State
	lastGood := history.Cursor{SnapshotID: snapshot.ID}
	for i, evt := range chain {
		var foldErr error
		if evt.Index != i {
			foldErr = fmt.Errorf("expected event index %d, found %d", i, evt.Index)
		} else {
			var next *aggregates.GraphState
			next, foldErr = history.ApplyDelta(state, evt.Delta, history.Forward)
			if foldErr == nil {
				state = next
				lastGood = evt.Cursor()
				continue
			}
		}
		return nil, r.broken(documentID, snapshot.ID, evt, i, state, lastGood, foldErr)
	}
	if len(chain) != target.Index+1 {
		missing := &history.Event{EventHeader: target.EventHeader}
		return nil, r.broken(documentID, snapshot.ID, missing, len(chain), state, lastGood,
			fmt.Errorf("chain ends at index %d before event %d", len(chain)-1, target.Index))
	}

	r.metrics.RecordDuration(observability.MetricReplayDuration, time.Since(start), nil)
	r.metrics.RecordValue(observability.MetricReplayEvents, float64(len(chain)), nil)
	return state, nil
}

func (r *Replayer) broken(documentID, snapshotID string, evt *history.Event, index int, lastGood *aggregates.GraphState, lastGoodAt history.Cursor, cause error) error {
	r.logger.Error("History chain cannot be folded",
		zap.String("document_id", documentID),
		zap.String("snapshot_id", snapshotID),
		zap.String("event_id", evt.ID),
		zap.Int("event_index", index),
		zap.String("last_good", lastGoodAt.String()),
		zap.Error(cause),
	)
	r.metrics.IncrementCounter(observability.MetricChainBroken, nil)
	return &history.BrokenChainError{
		DocumentID:     documentID,
		SnapshotID:     snapshotID,
		EventID:        evt.ID,
		EventIndex:     index,
		LastGood:       lastGood,
		LastGoodCursor: lastGoodAt,
		Cause:          cause,
	}
}
