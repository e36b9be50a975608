package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/events"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/pkg/observability"
)

// Navigation is the outcome of undo or redo. NoOp means the pointer did not
// move; State is then the state at the unchanged pointer.
type Navigation struct {
	Pointer history.Pointer        `json:"pointer"`
	State   *aggregates.GraphState `json:"state"`
	NoOp    bool                   `json:"noOp"`
}

// Undo moves the pointer one user visible step back. Snapshots that only
// restate the position they were taken from are stepped over.
func (s *HistoryService) Undo(ctx context.Context, documentID, userID string) (*Navigation, error) {
	return s.navigate(ctx, documentID, userID, ReasonUndo, s.undoTarget)
}

// Redo moves the pointer forward along the most recently written path
func (s *HistoryService) Redo(ctx context.Context, documentID, userID string) (*Navigation, error) {
	return s.navigate(ctx, documentID, userID, ReasonRedo, s.redoTarget)
}

type targetFunc func(ctx context.Context, documentID string, from history.Cursor, state *aggregates.GraphState) (history.Cursor, error)

func (s *HistoryService) navigate(ctx context.Context, documentID, userID, reason string, target targetFunc) (*Navigation, error) {
	ptr, err := s.store.GetPointer(ctx, documentID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return &Navigation{Pointer: history.Pointer{DocumentID: documentID}, State: aggregates.NewGraphState(), NoOp: true}, nil
		}
		return nil, FromHistoryError(err)
	}
	from := ptr.Cursor()

	state, err := s.replayer.Resolve(ctx, documentID, from)
	if err != nil {
		return nil, FromHistoryError(err)
	}

	to, err := target(ctx, documentID, from, state)
	if errors.Is(err, history.ErrNoOp) {
		s.logger.Debug("Nothing to navigate to",
			zap.String("document_id", documentID),
			zap.String("reason", reason),
			zap.String("at", from.String()),
		)
		return &Navigation{Pointer: *ptr, State: state, NoOp: true}, nil
	}
	if err != nil {
		return nil, FromHistoryError(err)
	}

	next, err := s.replayer.Resolve(ctx, documentID, to)
	if err != nil {
		return nil, FromHistoryError(err)
	}

	now := s.now()
	pointer := history.NewPointer(documentID, to, userID, now)
	prev, err := s.store.AdvancePointer(ctx, pointer)
	if err != nil {
		return nil, FromHistoryError(err)
	}
	s.observePointer(ctx, documentID, userID, from, prev)
	s.metrics.IncrementCounter(observability.MetricNavigation, map[string]string{"reason": reason})

	s.logger.Info("Pointer moved",
		zap.String("document_id", documentID),
		zap.String("reason", reason),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("user_id", userID),
	)
	s.publish(ctx, events.NewPointerMoved(documentID, to.SnapshotID, to.EventID, reason, userID, now))
	return &Navigation{Pointer: pointer, State: next}, nil
}

func (s *HistoryService) undoTarget(ctx context.Context, documentID string, from history.Cursor, _ *aggregates.GraphState) (history.Cursor, error) {
	at := from
	for hop := 0; hop < s.policy.MaxNavigationHops; hop++ {
		if !at.AtSnapshot() {
			return s.previousInChain(ctx, documentID, at)
		}

		snap, err := s.store.GetSnapshot(ctx, documentID, at.SnapshotID)
		if err != nil {
			return history.Cursor{}, err
		}
		if snap.Origin == nil {
			return history.Cursor{}, history.ErrNoOp
		}
		origin := *snap.Origin
		originState, err := s.replayer.Resolve(ctx, documentID, origin)
		if err != nil {
			if pkgerrors.IsNotFound(err) {
				// The origin was pruned; history starts here now
				return history.Cursor{}, history.ErrNoOp
			}
			return history.Cursor{}, err
		}
		if !originState.Equal(snap.State) {
			return origin, nil
		}
		if origin.AtSnapshot() {
			at = origin
			continue
		}
		return s.previousInChain(ctx, documentID, origin)
	}
	return history.Cursor{}, history.ErrNoOp
}

// previousInChain returns the position before an event
func (s *HistoryService) previousInChain(ctx context.Context, documentID string, at history.Cursor) (history.Cursor, error) {
	evt, err := s.store.GetEvent(ctx, documentID, at.EventID)
	if err != nil {
		return history.Cursor{}, err
	}
	if evt.Index == 0 {
		return history.Cursor{SnapshotID: evt.SnapshotID}, nil
	}
	prev, err := s.store.EventAt(ctx, documentID, evt.SnapshotID, evt.Index-1)
	if err != nil {
		return history.Cursor{}, err
	}
	return prev.Cursor(), nil
}

func (s *HistoryService) redoTarget(ctx context.Context, documentID string, from history.Cursor, state *aggregates.GraphState) (history.Cursor, error) {
	at := from
	for hop := 0; hop < s.policy.MaxNavigationHops; hop++ {
		next, err := s.nextInChain(ctx, documentID, at)
		if err != nil {
			return history.Cursor{}, err
		}
		branch, err := s.latestBranch(ctx, documentID, at)
		if err != nil {
			return history.Cursor{}, err
		}

		if branch == nil || (next != nil && next.CreatedAt.After(branch.CreatedAt)) {
			if next == nil {
				return history.Cursor{}, history.ErrNoOp
			}
			return next.Cursor(), nil
		}

		snap, err := s.store.GetSnapshot(ctx, documentID, branch.ID)
		if err != nil {
			return history.Cursor{}, err
		}
		branchAt := history.Cursor{SnapshotID: branch.ID}
		if !snap.State.Equal(state) {
			return branchAt, nil
		}
		first, err := s.nextInChain(ctx, documentID, branchAt)
		if err != nil {
			return history.Cursor{}, err
		}
		if first != nil {
			return first.Cursor(), nil
		}
		at = branchAt
	}
	return history.Cursor{}, history.ErrNoOp
}

// nextInChain returns the event after the position, or nil at the head
func (s *HistoryService) nextInChain(ctx context.Context, documentID string, at history.Cursor) (*history.EventHeader, error) {
	index := 0
	if !at.AtSnapshot() {
		evt, err := s.store.GetEvent(ctx, documentID, at.EventID)
		if err != nil {
			return nil, err
		}
		index = evt.Index + 1
	}
	next, err := s.store.EventAt(ctx, documentID, at.SnapshotID, index)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &next.EventHeader, nil
}

// latestBranch returns the newest snapshot taken from the position
func (s *HistoryService) latestBranch(ctx context.Context, documentID string, at history.Cursor) (*history.SnapshotHeader, error) {
	headers, err := s.store.FindSnapshotsByOrigin(ctx, documentID, at)
	if err != nil {
		return nil, err
	}
	var latest *history.SnapshotHeader
	for i := range headers {
		if latest == nil || headers[i].Index > latest.Index {
			latest = &headers[i]
		}
	}
	return latest, nil
}
