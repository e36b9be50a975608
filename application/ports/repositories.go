package ports

import (
	"context"
	"time"

	"mindmap-history/domain/history"
)

// SnapshotStore persists full checkpoints of a document.
// This is a port in hexagonal architecture - the domain doesn't know about the implementation
type SnapshotStore interface {
	// WriteSnapshot allocates the next snapshot index for the document, stores
	// the snapshot and, when advance is true, moves the pointer to it in the
	// same transaction. The pointer that was replaced is returned (nil when
	// the document had none or advance is false). Writing a snapshot id that
	// already exists is a no-op that reports the stored index.
	WriteSnapshot(ctx context.Context, snapshot *history.Snapshot, advance bool) (*history.Pointer, error)

	// GetSnapshot retrieves a snapshot with its state
	GetSnapshot(ctx context.Context, documentID, snapshotID string) (*history.Snapshot, error)

	// LatestSnapshot retrieves the snapshot with the highest index
	LatestSnapshot(ctx context.Context, documentID string) (*history.Snapshot, error)

	// FindSnapshotsByOrigin lists the snapshots taken from the given
	// position, oldest first
	FindSnapshotsByOrigin(ctx context.Context, documentID string, origin history.Cursor) ([]history.SnapshotHeader, error)
}

// EventLog persists the deltas anchored to a snapshot
type EventLog interface {
	// AppendEvent stores the event at event.Index, which must be the next
	// free index of the snapshot's chain. When another writer already took
	// the index the error wraps history.ErrIndexConflict. With advance the
	// pointer moves to the event in the same transaction; the replaced
	// pointer is returned. Appending an event id that already exists is
	// treated as success.
	AppendEvent(ctx context.Context, event *history.Event, advance bool) (*history.Pointer, error)

	// WriteBranch stores a new snapshot and the event at index 0 of its
	// chain together: either both are persisted or neither is. The snapshot
	// index is allocated as in WriteSnapshot and, with advance, the pointer
	// moves to the event in the same transaction.
	WriteBranch(ctx context.Context, snapshot *history.Snapshot, event *history.Event, advance bool) (*history.Pointer, error)

	// GetEvent retrieves one event with its delta
	GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error)

	// EventAt retrieves the event at a chain position
	EventAt(ctx context.Context, documentID, snapshotID string, index int) (*history.Event, error)

	// ListEvents returns the chain of a snapshot in index order, up to and
	// including uptoIndex; a negative uptoIndex returns the whole chain
	ListEvents(ctx context.Context, documentID, snapshotID string, uptoIndex int) ([]*history.Event, error)

	// CountEvents returns the length of a snapshot's chain
	CountEvents(ctx context.Context, documentID, snapshotID string) (int, error)

	// ListTimeline returns metadata-only snapshot and event rows, newest
	// first, with the number of rows matching the filter
	ListTimeline(ctx context.Context, documentID string, filter history.TimelineFilter) ([]history.TimelineItem, int, error)
}

// PointerStore holds the single current position of each document
type PointerStore interface {
	// GetPointer retrieves the pointer; a NotFound error means the document
	// has no history yet
	GetPointer(ctx context.Context, documentID string) (*history.Pointer, error)

	// AdvancePointer upserts the pointer (last writer wins) and returns the
	// one it replaced
	AdvancePointer(ctx context.Context, pointer history.Pointer) (*history.Pointer, error)
}

// RetentionStore removes expired history
type RetentionStore interface {
	// ListDocuments returns every document that has a pointer
	ListDocuments(ctx context.Context) ([]string, error)

	// PruneDocument deletes the snapshots created before cutoff, with their
	// events, whose index is lower than the index of the pointer's
	// snapshot. The pointer is read in the same transaction.
	PruneDocument(ctx context.Context, documentID string, cutoff time.Time) (history.PruneResult, error)
}

// HistoryReader is the read side used by replay
type HistoryReader interface {
	GetSnapshot(ctx context.Context, documentID, snapshotID string) (*history.Snapshot, error)
	GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error)
	ListEvents(ctx context.Context, documentID, snapshotID string, uptoIndex int) ([]*history.Event, error)
}

// HistoryStore is the complete storage contract of the history engine
type HistoryStore interface {
	SnapshotStore
	EventLog
	PointerStore
	RetentionStore
}

// Lock is a held distributed lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive, expiring locks on named resources
type Locker interface {
	// AcquireLock returns ErrLockHeld when another owner holds the resource
	AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (Lock, error)
}
