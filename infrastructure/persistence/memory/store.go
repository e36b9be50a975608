// Package memory provides a process-local history store. Every write runs
// under one mutex, which gives the same all-or-nothing behaviour as the
// transactional stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mindmap-history/application/ports"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
)

// storedEvent keeps the delta in wire form so callers can never mutate
// what was persisted
type storedEvent struct {
	header history.EventHeader
	delta  []byte
}

type storedSnapshot struct {
	header history.SnapshotHeader
	state  []byte
}

type document struct {
	snapshots []*storedSnapshot // ordered by index
	byID      map[string]*storedSnapshot
	chains    map[string][]*storedEvent // snapshot id -> events by index
	events    map[string]*storedEvent
	pointer   *history.Pointer
}

// HistoryStore is an in-memory implementation of ports.HistoryStore
type HistoryStore struct {
	mu   sync.RWMutex
	docs map[string]*document
}

var _ ports.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates an empty store
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{docs: make(map[string]*document)}
}

func (s *HistoryStore) doc(documentID string, create bool) *document {
	d, ok := s.docs[documentID]
	if !ok && create {
		d = &document{
			byID:   make(map[string]*storedSnapshot),
			chains: make(map[string][]*storedEvent),
			events: make(map[string]*storedEvent),
		}
		s.docs[documentID] = d
	}
	return d
}

// WriteSnapshot stores the snapshot at the next index
func (s *HistoryStore) WriteSnapshot(ctx context.Context, snapshot *history.Snapshot, advance bool) (*history.Pointer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := snapshot.State.MarshalJSON()
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to encode snapshot state").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.doc(snapshot.DocumentID, true)
	putSnapshot(d, snapshot, state)

	if !advance {
		return nil, nil
	}
	ptr := history.NewPointer(snapshot.DocumentID, history.Cursor{SnapshotID: snapshot.ID}, snapshot.CreatedBy, snapshot.CreatedAt)
	return swapPointer(d, ptr), nil
}

// WriteBranch stores the snapshot and the first event of its chain under
// one lock
func (s *HistoryStore) WriteBranch(ctx context.Context, snapshot *history.Snapshot, event *history.Event, advance bool) (*history.Pointer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if event.SnapshotID != snapshot.ID || event.Index != 0 {
		return nil, pkgerrors.NewValidationError("branch event must open the snapshot's chain")
	}
	state, err := snapshot.State.MarshalJSON()
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to encode snapshot state").WithCause(err)
	}
	if err := event.Delta.Validate(); err != nil {
		return nil, err
	}
	delta, err := history.EncodeDelta(event.Delta)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.doc(snapshot.DocumentID, true)
	if existing, ok := d.events[event.ID]; ok && existing.header.SnapshotID != snapshot.ID || !ok && len(d.chains[snapshot.ID]) > 0 {
		return nil, pkgerrors.NewConflictError(
			fmt.Sprintf("event index 0 of snapshot %s is taken", snapshot.ID),
		).WithCause(history.ErrIndexConflict)
	}
	// Nothing below fails once the checks above passed
	putSnapshot(d, snapshot, state)
	if err := putEvent(d, event, delta); err != nil {
		return nil, err
	}

	if !advance {
		return nil, nil
	}
	ptr := history.NewPointer(event.DocumentID, event.Cursor(), event.CreatedBy, event.CreatedAt)
	return swapPointer(d, ptr), nil
}

// putSnapshot allocates the next index unless the id is already stored
func putSnapshot(d *document, snapshot *history.Snapshot, state []byte) {
	if existing, ok := d.byID[snapshot.ID]; ok {
		snapshot.Index = existing.header.Index
		return
	}
	snapshot.Index = 0
	if n := len(d.snapshots); n > 0 {
		snapshot.Index = d.snapshots[n-1].header.Index + 1
	}
	stored := &storedSnapshot{header: snapshot.SnapshotHeader, state: state}
	if snapshot.Origin != nil {
		origin := *snapshot.Origin
		stored.header.Origin = &origin
	}
	d.snapshots = append(d.snapshots, stored)
	d.byID[snapshot.ID] = stored
}

// putEvent appends the event when its index is the next free one
func putEvent(d *document, event *history.Event, delta []byte) error {
	if existing, ok := d.events[event.ID]; ok {
		if existing.header.SnapshotID != event.SnapshotID {
			return pkgerrors.NewConflictError(
				fmt.Sprintf("event %s belongs to snapshot %s", event.ID, existing.header.SnapshotID),
			).WithCause(history.ErrIndexConflict)
		}
		event.Index = existing.header.Index
		return nil
	}
	chain := d.chains[event.SnapshotID]
	if event.Index != len(chain) {
		return pkgerrors.NewConflictError(
			fmt.Sprintf("event index %d of snapshot %s is taken", event.Index, event.SnapshotID),
		).WithCause(history.ErrIndexConflict)
	}
	stored := &storedEvent{header: event.EventHeader, delta: delta}
	d.chains[event.SnapshotID] = append(chain, stored)
	d.events[event.ID] = stored
	return nil
}

// GetSnapshot returns a snapshot with its state
func (s *HistoryStore) GetSnapshot(ctx context.Context, documentID, snapshotID string) (*history.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}
	stored, ok := d.byID[snapshotID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}
	return stored.snapshot()
}

// LatestSnapshot returns the snapshot with the highest index
func (s *HistoryStore) LatestSnapshot(ctx context.Context, documentID string) (*history.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil || len(d.snapshots) == 0 {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}
	return d.snapshots[len(d.snapshots)-1].snapshot()
}

// FindSnapshotsByOrigin lists snapshots taken from the position
func (s *HistoryStore) FindSnapshotsByOrigin(ctx context.Context, documentID string, origin history.Cursor) ([]history.SnapshotHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil {
		return nil, nil
	}
	var out []history.SnapshotHeader
	for _, stored := range d.snapshots {
		if stored.header.Origin != nil && *stored.header.Origin == origin {
			out = append(out, stored.header)
		}
	}
	return out, nil
}

// AppendEvent stores the event at its index if the index is the next free one
func (s *HistoryStore) AppendEvent(ctx context.Context, event *history.Event, advance bool) (*history.Pointer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := event.Delta.Validate(); err != nil {
		return nil, err
	}
	delta, err := history.EncodeDelta(event.Delta)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.doc(event.DocumentID, false)
	if d == nil || d.byID[event.SnapshotID] == nil {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}

	if err := putEvent(d, event, delta); err != nil {
		return nil, err
	}

	if !advance {
		return nil, nil
	}
	ptr := history.NewPointer(event.DocumentID, event.Cursor(), event.CreatedBy, event.CreatedAt)
	return swapPointer(d, ptr), nil
}

// GetEvent returns one event with its delta
func (s *HistoryStore) GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil {
		return nil, pkgerrors.NewNotFoundError("event")
	}
	stored, ok := d.events[eventID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("event")
	}
	return stored.event()
}

// EventAt returns the event at a chain position
func (s *HistoryStore) EventAt(ctx context.Context, documentID, snapshotID string, index int) (*history.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil {
		return nil, pkgerrors.NewNotFoundError("event")
	}
	chain := d.chains[snapshotID]
	if index < 0 || index >= len(chain) {
		return nil, pkgerrors.NewNotFoundError("event")
	}
	return chain[index].event()
}

// ListEvents returns the chain of a snapshot up to uptoIndex
func (s *HistoryStore) ListEvents(ctx context.Context, documentID, snapshotID string, uptoIndex int) ([]*history.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil {
		return nil, nil
	}
	chain := d.chains[snapshotID]
	if uptoIndex >= 0 && uptoIndex+1 < len(chain) {
		chain = chain[:uptoIndex+1]
	}
	out := make([]*history.Event, 0, len(chain))
	for _, stored := range chain {
		evt, err := stored.event()
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// CountEvents returns the chain length of a snapshot
func (s *HistoryStore) CountEvents(ctx context.Context, documentID, snapshotID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil {
		return 0, nil
	}
	return len(d.chains[snapshotID]), nil
}

// ListTimeline merges snapshots and events newest first
func (s *HistoryStore) ListTimeline(ctx context.Context, documentID string, filter history.TimelineFilter) ([]history.TimelineItem, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil {
		return []history.TimelineItem{}, 0, nil
	}

	var items []history.TimelineItem
	for _, snap := range d.snapshots {
		if filter.Matches(snap.header.CreatedAt, snap.header.ActionName) {
			items = append(items, history.SnapshotItem(snap.header))
		}
		for _, evt := range d.chains[snap.header.ID] {
			if filter.Matches(evt.header.CreatedAt, evt.header.ActionName) {
				items = append(items, history.EventItem(evt.header, snap.header.Index))
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return history.Newer(items[i], items[j]) })

	total := len(items)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	page := make([]history.TimelineItem, end-start)
	copy(page, items[start:end])
	return page, total, nil
}

// GetPointer returns the current pointer
func (s *HistoryStore) GetPointer(ctx context.Context, documentID string) (*history.Pointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.doc(documentID, false)
	if d == nil || d.pointer == nil {
		return nil, pkgerrors.NewNotFoundError("pointer")
	}
	ptr := *d.pointer
	return &ptr, nil
}

// AdvancePointer upserts the pointer
func (s *HistoryStore) AdvancePointer(ctx context.Context, pointer history.Pointer) (*history.Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.doc(pointer.DocumentID, false)
	if d == nil || d.byID[pointer.SnapshotID] == nil {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}
	if pointer.EventID != "" {
		evt, ok := d.events[pointer.EventID]
		if !ok || evt.header.SnapshotID != pointer.SnapshotID {
			return nil, pkgerrors.NewNotFoundError("event")
		}
	}
	return swapPointer(d, pointer), nil
}

// ListDocuments returns the documents that have a pointer
func (s *HistoryStore) ListDocuments(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.docs))
	for id, d := range s.docs {
		if d.pointer != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// PruneDocument removes snapshots older than cutoff that precede the
// pointer's snapshot
func (s *HistoryStore) PruneDocument(ctx context.Context, documentID string, cutoff time.Time) (history.PruneResult, error) {
	result := history.PruneResult{Documents: 1}
	if cutoff.IsZero() {
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.doc(documentID, false)
	if d == nil || d.pointer == nil {
		return result, nil
	}
	current, ok := d.byID[d.pointer.SnapshotID]
	if !ok {
		return result, nil
	}

	kept := d.snapshots[:0]
	for _, snap := range d.snapshots {
		if snap.header.Index < current.header.Index && snap.header.CreatedAt.Before(cutoff) {
			for _, evt := range d.chains[snap.header.ID] {
				delete(d.events, evt.header.ID)
				result.DeletedEvents++
			}
			delete(d.chains, snap.header.ID)
			delete(d.byID, snap.header.ID)
			result.DeletedSnapshots++
			continue
		}
		kept = append(kept, snap)
	}
	d.snapshots = kept
	return result, nil
}

func swapPointer(d *document, next history.Pointer) *history.Pointer {
	prev := d.pointer
	d.pointer = &next
	if prev == nil {
		return nil
	}
	out := *prev
	return &out
}

func (s *storedSnapshot) snapshot() (*history.Snapshot, error) {
	state := aggregates.NewGraphState()
	if err := state.UnmarshalJSON(s.state); err != nil {
		return nil, pkgerrors.NewInternalError("failed to decode snapshot state").WithCause(err)
	}
	header := s.header
	if header.Origin != nil {
		origin := *header.Origin
		header.Origin = &origin
	}
	return &history.Snapshot{SnapshotHeader: header, State: state}, nil
}

func (e *storedEvent) event() (*history.Event, error) {
	delta, err := history.DecodeDelta(e.delta)
	if err != nil {
		return nil, err
	}
	return &history.Event{EventHeader: e.header, Delta: delta}, nil
}
