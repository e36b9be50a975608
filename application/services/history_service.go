package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/config"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/events"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/pkg/observability"
)

// Action names of snapshots the engine writes on its own
const (
	ActionInitialState   = "Initial state"
	ActionBranch         = "Branch"
	ActionAutoCheckpoint = "Auto checkpoint"
	ActionCheckpoint     = "Checkpoint"
	ActionEdit           = "Edit"
)

// Pointer move reasons carried by PointerMoved events
const (
	ReasonEdit       = "edit"
	ReasonUndo       = "undo"
	ReasonRedo       = "redo"
	ReasonCheckpoint = "checkpoint"
)

// InitialSnapshotID is the id of a document's first snapshot. It is derived
// from the document so concurrent first writers converge on one row.
func InitialSnapshotID(documentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mindmap-history/"+documentID+"/initial")).String()
}

// EditRequest records an edit given the graph after the user's action
type EditRequest struct {
	DocumentID string
	UserID     string
	ActionName string
	After      *aggregates.GraphState
}

// DeltaRequest records an edit the client already expressed as a Delta
type DeltaRequest struct {
	DocumentID string
	UserID     string
	ActionName string
	Delta      history.Delta
}

// CheckpointRequest writes an explicit snapshot. A nil State checkpoints
// the state at the pointer.
type CheckpointRequest struct {
	DocumentID string
	UserID     string
	ActionName string
	IsMajor    bool
	State      *aggregates.GraphState
}

// WriteResult describes a recorded edit
type WriteResult struct {
	Event      *history.EventHeader    `json:"event,omitempty"`
	Pointer    history.Pointer         `json:"pointer"`
	State      *aggregates.GraphState  `json:"state"`
	Branch     *history.SnapshotHeader `json:"branch,omitempty"`
	Checkpoint *history.SnapshotHeader `json:"checkpoint,omitempty"`
	NoChange   bool                    `json:"noChange"`
}

// Option customises a HistoryService
type Option func(*HistoryService)

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(s *HistoryService) { s.clock = clock }
}

// WithIDGenerator overrides how snapshot and event ids are minted
func WithIDGenerator(newID func() string) Option {
	return func(s *HistoryService) { s.newID = newID }
}

// HistoryService records edits, checkpoints and navigation for documents.
// Every write that becomes current moves the pointer in the same store
// transaction; notifications go out only after the commit.
type HistoryService struct {
	store        ports.HistoryStore
	replayer     *Replayer
	publisher    ports.EventPublisher
	entitlements ports.EntitlementChecker
	metrics      ports.Metrics
	tracer       *observability.Tracer
	domainConfig *config.DomainConfig
	policy       history.Policy
	clock        func() time.Time
	newID        func() string
	logger       *zap.Logger
}

// NewHistoryService creates the history service
func NewHistoryService(
	store ports.HistoryStore,
	replayer *Replayer,
	publisher ports.EventPublisher,
	entitlements ports.EntitlementChecker,
	metrics ports.Metrics,
	tracer *observability.Tracer,
	domainConfig *config.DomainConfig,
	logger *zap.Logger,
	opts ...Option,
) *HistoryService {
	if domainConfig == nil {
		domainConfig = config.DefaultDomainConfig()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	s := &HistoryService{
		store:        store,
		replayer:     replayer,
		publisher:    publisher,
		entitlements: entitlements,
		metrics:      metrics,
		tracer:       tracer,
		domainConfig: domainConfig,
		policy:       history.NewPolicy(domainConfig),
		clock:        time.Now,
		newID:        uuid.NewString,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the rules the service applies
func (s *HistoryService) Policy() history.Policy {
	return s.policy
}

func (s *HistoryService) now() time.Time {
	return s.clock().UTC()
}

// RecordEdit diffs the submitted graph against the state at the pointer and
// appends the result. Submitting the current state records nothing.
func (s *HistoryService) RecordEdit(ctx context.Context, req EditRequest) (*WriteResult, error) {
	if req.After == nil {
		return nil, pkgerrors.NewValidationError("graph state is required")
	}
	if err := req.After.Validate(s.domainConfig); err != nil {
		return nil, err
	}

	return s.write(ctx, req.DocumentID, req.UserID, actionOrDefault(req.ActionName, ActionEdit),
		func(current *aggregates.GraphState) (history.Delta, *aggregates.GraphState, error) {
			return history.Diff(current, req.After), req.After.Clone(), nil
		})
}

// AppendDelta applies a client computed Delta to the state at the pointer
// and appends it when it applies cleanly.
func (s *HistoryService) AppendDelta(ctx context.Context, req DeltaRequest) (*WriteResult, error) {
	if err := req.Delta.Validate(); err != nil {
		s.logger.Warn("Rejected malformed delta",
			zap.String("document_id", req.DocumentID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return nil, FromHistoryError(err)
	}

	return s.write(ctx, req.DocumentID, req.UserID, actionOrDefault(req.ActionName, ActionEdit),
		func(current *aggregates.GraphState) (history.Delta, *aggregates.GraphState, error) {
			after, err := history.ApplyDelta(current, req.Delta, history.Forward)
			if err != nil {
				return nil, nil, err
			}
			if err := after.Validate(s.domainConfig); err != nil {
				return nil, nil, err
			}
			return req.Delta, after, nil
		})
}

type mutation func(current *aggregates.GraphState) (history.Delta, *aggregates.GraphState, error)

func (s *HistoryService) write(ctx context.Context, documentID, userID, action string, mutate mutation) (*WriteResult, error) {
	start := time.Now()
	var result *WriteResult
	err := s.tracer.TraceFunction(ctx, "history.write", map[string]string{"document_id": documentID}, func(ctx context.Context) error {
		var err error
		result, err = s.writeWithReconcile(ctx, documentID, userID, action, mutate)
		return err
	})
	if err != nil {
		return nil, FromHistoryError(err)
	}
	s.metrics.RecordDuration(observability.MetricWriteDuration, time.Since(start), nil)
	return result, nil
}

// writeWithReconcile appends once, and once more against the new head when
// another writer took the index first
func (s *HistoryService) writeWithReconcile(ctx context.Context, documentID, userID, action string, mutate mutation) (*WriteResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := s.writeOnce(ctx, documentID, userID, action, mutate)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, history.ErrIndexConflict) || attempt > 0 {
			return nil, err
		}
		s.logger.Warn("Event index taken by a concurrent writer, reconciling against the new head",
			zap.String("document_id", documentID),
			zap.String("user_id", userID),
		)
		s.metrics.IncrementCounter(observability.MetricWriteReconciled, nil)
	}
}

func (s *HistoryService) writeOnce(ctx context.Context, documentID, userID, action string, mutate mutation) (*WriteResult, error) {
	ptr, err := s.ensurePointer(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	at := ptr.Cursor()

	current, err := s.replayer.Resolve(ctx, documentID, at)
	if err != nil {
		return nil, err
	}
	delta, after, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if delta.IsEmpty() {
		return &WriteResult{Pointer: *ptr, State: current, NoChange: true}, nil
	}

	anchor, index, err := s.nextSlot(ctx, documentID, at)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var branch *history.Snapshot
	var evt *history.Event
	var prev *history.Pointer
	if index < 0 {
		// An edit made after undo starts a new chain from the current
		// position instead of landing after events it never saw.
		if _, err := s.policy.Guard().Enforce(current); err != nil {
			return nil, err
		}
		branch = history.NewSnapshot(s.newID(), documentID, current, ActionBranch, false, userID, now, &at)
		evt = history.NewEvent(s.newID(), documentID, branch.ID, 0, action, delta, userID, now)
		if prev, err = s.store.WriteBranch(ctx, branch, evt, true); err != nil {
			return nil, err
		}
		s.replayer.Prime(ctx, documentID, history.Cursor{SnapshotID: branch.ID}, current)
		s.metrics.IncrementCounter(observability.MetricBranchCreated, nil)
	} else {
		evt = history.NewEvent(s.newID(), documentID, anchor, index, action, delta, userID, now)
		if prev, err = s.store.AppendEvent(ctx, evt, true); err != nil {
			return nil, err
		}
	}
	s.observePointer(ctx, documentID, userID, at, prev)
	s.replayer.Prime(ctx, documentID, evt.Cursor(), after)
	s.metrics.IncrementCounter(observability.MetricEventsAppended, nil)

	s.logger.Info("History event appended",
		zap.String("document_id", documentID),
		zap.String("snapshot_id", evt.SnapshotID),
		zap.String("event_id", evt.ID),
		zap.Int("event_index", evt.Index),
		zap.Int("entity_count", evt.EntityCount),
		zap.String("user_id", userID),
	)

	result := &WriteResult{
		Event:   &evt.EventHeader,
		Pointer: history.NewPointer(documentID, evt.Cursor(), userID, now),
		State:   after,
	}
	notifications := []events.DomainEvent{
		events.NewEventAppended(documentID, evt.SnapshotID, evt.ID, evt.Index, evt.ActionName, evt.EntityCount, userID, now),
	}
	if branch != nil {
		result.Branch = &branch.SnapshotHeader
		notifications = append(notifications, events.NewCheckpointCreated(documentID, branch.ID, branch.Index, false, branch.NodeCount, branch.EdgeCount, userID, now))
	}

	if s.policy.ShouldCheckpoint(evt.Index + 1) {
		if snap := s.autoCheckpoint(ctx, documentID, userID, evt.Cursor(), after); snap != nil {
			result.Checkpoint = &snap.SnapshotHeader
			result.Pointer = history.NewPointer(documentID, history.Cursor{SnapshotID: snap.ID}, userID, snap.CreatedAt)
			notifications = append(notifications, events.NewCheckpointCreated(documentID, snap.ID, snap.Index, false, snap.NodeCount, snap.EdgeCount, userID, now))
		}
	}

	notifications = append(notifications, events.NewPointerMoved(documentID, result.Pointer.SnapshotID, result.Pointer.EventID, ReasonEdit, userID, now))
	s.publish(ctx, notifications...)
	return result, nil
}

// nextSlot returns where an edit made at the cursor is appended. A negative
// index means the cursor is behind the head of its chain.
func (s *HistoryService) nextSlot(ctx context.Context, documentID string, at history.Cursor) (string, int, error) {
	length, err := s.store.CountEvents(ctx, documentID, at.SnapshotID)
	if err != nil {
		return "", 0, err
	}
	position := -1
	if !at.AtSnapshot() {
		evt, err := s.store.GetEvent(ctx, documentID, at.EventID)
		if err != nil {
			return "", 0, err
		}
		position = evt.Index
	}
	if position != length-1 {
		return at.SnapshotID, -1, nil
	}
	return at.SnapshotID, length, nil
}

// autoCheckpoint folds a long chain into a snapshot. A snapshot the size
// guard rejects is skipped and the document stays event-only.
func (s *HistoryService) autoCheckpoint(ctx context.Context, documentID, userID string, at history.Cursor, state *aggregates.GraphState) *history.Snapshot {
	if size, err := s.policy.Guard().Enforce(state); err != nil {
		s.logger.Warn("Automatic checkpoint skipped, document too large",
			zap.String("document_id", documentID),
			zap.Int64("size", size),
			zap.Int64("limit", s.policy.MaxSnapshotBytes),
		)
		s.metrics.IncrementCounter(observability.MetricCheckpointRejected, map[string]string{"kind": "auto"})
		return nil
	}

	snap := history.NewSnapshot(s.newID(), documentID, state, ActionAutoCheckpoint, false, userID, s.now(), &at)
	prev, err := s.store.WriteSnapshot(ctx, snap, true)
	if err != nil {
		// The edit itself is committed; a missing checkpoint only costs
		// replay time.
		s.logger.Error("Failed to write automatic checkpoint",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		return nil
	}
	s.observePointer(ctx, documentID, userID, at, prev)
	s.replayer.Prime(ctx, documentID, history.Cursor{SnapshotID: snap.ID}, state)
	s.metrics.IncrementCounter(observability.MetricCheckpointCreated, map[string]string{"kind": "auto"})
	return snap
}

// CreateCheckpoint writes an explicit snapshot and moves the pointer to it
func (s *HistoryService) CreateCheckpoint(ctx context.Context, req CheckpointRequest) (*history.SnapshotHeader, error) {
	if s.entitlements != nil {
		allowed, err := s.entitlements.CanCreateCheckpoint(ctx, req.DocumentID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, pkgerrors.ErrCheckpointNotEntitled.Clone().WithDetail("documentId", req.DocumentID)
		}
	}
	if req.State != nil {
		if err := req.State.Validate(s.domainConfig); err != nil {
			return nil, err
		}
	}

	ptr, err := s.ensurePointer(ctx, req.DocumentID, req.UserID)
	if err != nil {
		return nil, FromHistoryError(err)
	}
	at := ptr.Cursor()

	state := req.State
	if state == nil {
		if state, err = s.replayer.Resolve(ctx, req.DocumentID, at); err != nil {
			return nil, FromHistoryError(err)
		}
	}

	if _, err := s.policy.Guard().Enforce(state); err != nil {
		s.metrics.IncrementCounter(observability.MetricCheckpointRejected, map[string]string{"kind": "explicit"})
		return nil, FromHistoryError(err)
	}

	now := s.now()
	snap := history.NewSnapshot(s.newID(), req.DocumentID, state, actionOrDefault(req.ActionName, ActionCheckpoint), req.IsMajor, req.UserID, now, &at)
	prev, err := s.store.WriteSnapshot(ctx, snap, true)
	if err != nil {
		return nil, FromHistoryError(err)
	}
	s.observePointer(ctx, req.DocumentID, req.UserID, at, prev)
	s.replayer.Prime(ctx, req.DocumentID, history.Cursor{SnapshotID: snap.ID}, state)
	s.metrics.IncrementCounter(observability.MetricCheckpointCreated, map[string]string{"kind": "explicit"})

	s.logger.Info("Checkpoint created",
		zap.String("document_id", req.DocumentID),
		zap.String("snapshot_id", snap.ID),
		zap.Int("snapshot_index", snap.Index),
		zap.Bool("is_major", snap.IsMajor),
		zap.String("user_id", req.UserID),
	)

	s.publish(ctx,
		events.NewCheckpointCreated(req.DocumentID, snap.ID, snap.Index, snap.IsMajor, snap.NodeCount, snap.EdgeCount, req.UserID, now),
		events.NewPointerMoved(req.DocumentID, snap.ID, "", ReasonCheckpoint, req.UserID, now),
	)
	header := snap.SnapshotHeader
	return &header, nil
}

// ensurePointer returns the document's pointer, creating the empty initial
// snapshot on the first write
func (s *HistoryService) ensurePointer(ctx context.Context, documentID, userID string) (*history.Pointer, error) {
	ptr, err := s.store.GetPointer(ctx, documentID)
	if err == nil {
		return ptr, nil
	}
	if !pkgerrors.IsNotFound(err) {
		return nil, err
	}

	now := s.now()
	initial := history.NewSnapshot(InitialSnapshotID(documentID), documentID, aggregates.NewGraphState(), ActionInitialState, false, userID, now, nil)
	if _, err := s.store.WriteSnapshot(ctx, initial, false); err != nil {
		return nil, err
	}

	// Another first writer may have moved the pointer meanwhile
	if ptr, err := s.store.GetPointer(ctx, documentID); err == nil {
		return ptr, nil
	}
	pointer := history.NewPointer(documentID, history.Cursor{SnapshotID: initial.ID}, userID, now)
	if _, err := s.store.AdvancePointer(ctx, pointer); err != nil {
		return nil, err
	}

	s.logger.Info("History initialised",
		zap.String("document_id", documentID),
		zap.String("snapshot_id", initial.ID),
		zap.String("user_id", userID),
	)
	s.publish(ctx, events.NewCheckpointCreated(documentID, initial.ID, initial.Index, false, 0, 0, userID, now))
	return &pointer, nil
}

// observePointer reports a pointer the write replaced without having seen
// it. Last writer wins, so this is never an error.
func (s *HistoryService) observePointer(ctx context.Context, documentID, userID string, expected history.Cursor, prev *history.Pointer) {
	if prev == nil || prev.Cursor() == expected {
		return
	}
	s.logger.Warn("Pointer moved by a concurrent writer",
		zap.String("document_id", documentID),
		zap.String("expected", expected.String()),
		zap.String("actual", prev.Cursor().String()),
		zap.String("actual_updated_by", prev.UpdatedBy),
		zap.String("user_id", userID),
	)
	s.metrics.IncrementCounter(observability.MetricPointerConflict, nil)
	s.publish(ctx, events.NewPointerConflict(documentID,
		expected.SnapshotID, expected.EventID,
		prev.SnapshotID, prev.EventID, prev.UpdatedBy,
		userID, s.now()))
}

func (s *HistoryService) publish(ctx context.Context, evts ...events.DomainEvent) {
	if s.publisher == nil || len(evts) == 0 {
		return
	}
	if err := s.publisher.PublishBatch(ctx, evts); err != nil {
		s.logger.Error("Failed to publish history events",
			zap.Int("count", len(evts)),
			zap.String("first_type", evts[0].GetEventType()),
			zap.Error(err),
		)
	}
}

func actionOrDefault(action, fallback string) string {
	if action == "" {
		return fallback
	}
	return action
}
