package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
)

// snapshotIndexAttempts bounds the retries when two writers allocate the
// same snapshot index
const snapshotIndexAttempts = 3

// HistoryStore implements ports.HistoryStore on database/sql
type HistoryStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

var _ ports.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates a store over an opened and migrated database
func NewHistoryStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{db: db, dialect: dialect, logger: logger}
}

// DB exposes the connection pool for shutdown
func (s *HistoryStore) DB() *sql.DB {
	return s.db
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *HistoryStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.NewDatabaseError("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return pkgerrors.NewDatabaseError("commit", err)
	}
	return nil
}

const snapshotColumns = `id, document_id, snapshot_index, action_name, node_count, edge_count, is_major,
	created_at, created_by, origin_snapshot_id, origin_event_id`

// WriteSnapshot allocates the next snapshot index and stores the snapshot
func (s *HistoryStore) WriteSnapshot(ctx context.Context, snapshot *history.Snapshot, advance bool) (*history.Pointer, error) {
	nodes, edges, err := encodeState(snapshot.State)
	if err != nil {
		return nil, err
	}

	return s.withSnapshotIndex(ctx, snapshot.DocumentID, func(tx *sql.Tx) (*history.Pointer, error) {
		if err := s.putSnapshot(ctx, tx, snapshot, nodes, edges); err != nil {
			return nil, err
		}
		if !advance {
			return nil, nil
		}
		ptr := history.NewPointer(snapshot.DocumentID, history.Cursor{SnapshotID: snapshot.ID}, snapshot.CreatedBy, snapshot.CreatedAt)
		return s.upsertPointer(ctx, tx, ptr)
	})
}

// WriteBranch stores the snapshot and the first event of its chain in one
// transaction
func (s *HistoryStore) WriteBranch(ctx context.Context, snapshot *history.Snapshot, event *history.Event, advance bool) (*history.Pointer, error) {
	if event.SnapshotID != snapshot.ID || event.Index != 0 {
		return nil, pkgerrors.NewValidationError("branch event must open the snapshot's chain")
	}
	nodes, edges, err := encodeState(snapshot.State)
	if err != nil {
		return nil, err
	}
	if err := event.Delta.Validate(); err != nil {
		return nil, err
	}
	changes, err := history.EncodeDelta(event.Delta)
	if err != nil {
		return nil, err
	}

	return s.withSnapshotIndex(ctx, snapshot.DocumentID, func(tx *sql.Tx) (*history.Pointer, error) {
		if err := s.putSnapshot(ctx, tx, snapshot, nodes, edges); err != nil {
			return nil, err
		}
		if err := s.putEvent(ctx, tx, event, changes); err != nil {
			return nil, err
		}
		if !advance {
			return nil, nil
		}
		ptr := history.NewPointer(event.DocumentID, event.Cursor(), event.CreatedBy, event.CreatedAt)
		return s.upsertPointer(ctx, tx, ptr)
	})
}

// withSnapshotIndex runs fn in a transaction, again when another writer
// allocated the same snapshot index first
func (s *HistoryStore) withSnapshotIndex(ctx context.Context, documentID string, fn func(tx *sql.Tx) (*history.Pointer, error)) (*history.Pointer, error) {
	var prev *history.Pointer
	var err error
	for attempt := 1; ; attempt++ {
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			prev, txErr = fn(tx)
			return txErr
		})
		if err == nil || !errors.Is(err, history.ErrIndexConflict) || attempt >= snapshotIndexAttempts {
			break
		}
		s.logger.Debug("Snapshot index taken, reallocating",
			zap.String("document_id", documentID),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// putSnapshot inserts the snapshot at the next index unless its id is
// already stored
func (s *HistoryStore) putSnapshot(ctx context.Context, tx *sql.Tx, snapshot *history.Snapshot, nodes, edges string) error {
	var existing int
	err := tx.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT snapshot_index FROM snapshots WHERE id = ? AND document_id = ?`),
		snapshot.ID, snapshot.DocumentID,
	).Scan(&existing)
	switch {
	case err == nil:
		snapshot.Index = existing
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return pkgerrors.NewDatabaseError("lookup snapshot", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT COALESCE(MAX(snapshot_index), -1) + 1 FROM snapshots WHERE document_id = ?`),
		snapshot.DocumentID,
	).Scan(&next); err != nil {
		return pkgerrors.NewDatabaseError("allocate snapshot index", err)
	}
	snapshot.Index = next

	var originSnapshot, originEvent sql.NullString
	if snapshot.Origin != nil {
		originSnapshot = nullString(snapshot.Origin.SnapshotID)
		originEvent = nullString(snapshot.Origin.EventID)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO snapshots (id, document_id, snapshot_index, action_name, node_count, edge_count,
			is_major, nodes, edges, created_at, created_by, origin_snapshot_id, origin_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		snapshot.ID, snapshot.DocumentID, snapshot.Index, snapshot.ActionName,
		snapshot.NodeCount, snapshot.EdgeCount, snapshot.IsMajor, nodes, edges,
		toMicros(snapshot.CreatedAt), snapshot.CreatedBy, originSnapshot, originEvent,
	); err != nil {
		if isUniqueViolation(err) {
			return pkgerrors.NewConflictError(
				fmt.Sprintf("snapshot index %d of document %s is taken", snapshot.Index, snapshot.DocumentID),
			).WithCause(history.ErrIndexConflict)
		}
		return pkgerrors.NewDatabaseError("insert snapshot", err)
	}
	return nil
}

// GetSnapshot returns a snapshot with its state
func (s *HistoryStore) GetSnapshot(ctx context.Context, documentID, snapshotID string) (*history.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+snapshotColumns+`, nodes, edges
		FROM snapshots WHERE document_id = ? AND id = ?`),
		documentID, snapshotID,
	)
	return scanSnapshot(row)
}

// LatestSnapshot returns the snapshot with the highest index
func (s *HistoryStore) LatestSnapshot(ctx context.Context, documentID string) (*history.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+snapshotColumns+`, nodes, edges
		FROM snapshots WHERE document_id = ?
		ORDER BY snapshot_index DESC LIMIT 1`),
		documentID,
	)
	return scanSnapshot(row)
}

// FindSnapshotsByOrigin lists the snapshots taken from a position, oldest first
func (s *HistoryStore) FindSnapshotsByOrigin(ctx context.Context, documentID string, origin history.Cursor) ([]history.SnapshotHeader, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE document_id = ? AND origin_snapshot_id = ? AND COALESCE(origin_event_id, '') = ?
		ORDER BY snapshot_index`),
		documentID, origin.SnapshotID, origin.EventID,
	)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("find snapshots by origin", err)
	}
	defer rows.Close()

	var out []history.SnapshotHeader
	for rows.Next() {
		header, err := scanSnapshotHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, header)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.NewDatabaseError("find snapshots by origin", err)
	}
	return out, nil
}

const eventColumns = `id, document_id, snapshot_id, event_index, action_name, operation_type, entity_type,
	entity_count, target_node_id, created_at, created_by, changes`

// AppendEvent stores the event at the next free index of its chain
func (s *HistoryStore) AppendEvent(ctx context.Context, event *history.Event, advance bool) (*history.Pointer, error) {
	if err := event.Delta.Validate(); err != nil {
		return nil, err
	}
	changes, err := history.EncodeDelta(event.Delta)
	if err != nil {
		return nil, err
	}

	var prev *history.Pointer
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.putEvent(ctx, tx, event, changes); err != nil {
			return err
		}

		if !advance {
			return nil
		}
		ptr := history.NewPointer(event.DocumentID, event.Cursor(), event.CreatedBy, event.CreatedAt)
		prev, err = s.upsertPointer(ctx, tx, ptr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// putEvent inserts the event unless its id is already stored
func (s *HistoryStore) putEvent(ctx context.Context, tx *sql.Tx, event *history.Event, changes []byte) error {
	var (
		existing   int
		snapshotID string
	)
	err := tx.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT event_index, snapshot_id FROM events WHERE id = ? AND document_id = ?`),
		event.ID, event.DocumentID,
	).Scan(&existing, &snapshotID)
	switch {
	case err == nil && snapshotID != event.SnapshotID:
		return pkgerrors.NewConflictError(
			fmt.Sprintf("event %s belongs to snapshot %s", event.ID, snapshotID),
		).WithCause(history.ErrIndexConflict)
	case err == nil:
		// A retried append of a stored event
		event.Index = existing
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return s.insertEvent(ctx, tx, event, changes)
	default:
		return pkgerrors.NewDatabaseError("lookup event", err)
	}
}

func (s *HistoryStore) insertEvent(ctx context.Context, tx *sql.Tx, event *history.Event, changes []byte) error {
	var snapshots int
	if err := tx.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT COUNT(*) FROM snapshots WHERE id = ? AND document_id = ?`),
		event.SnapshotID, event.DocumentID,
	).Scan(&snapshots); err != nil {
		return pkgerrors.NewDatabaseError("lookup snapshot", err)
	}
	if snapshots == 0 {
		return pkgerrors.NewNotFoundError("snapshot")
	}

	var length int
	if err := tx.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT COUNT(*) FROM events WHERE snapshot_id = ?`),
		event.SnapshotID,
	).Scan(&length); err != nil {
		return pkgerrors.NewDatabaseError("count events", err)
	}
	conflict := pkgerrors.NewConflictError(
		fmt.Sprintf("event index %d of snapshot %s is taken", event.Index, event.SnapshotID),
	).WithCause(history.ErrIndexConflict)
	if event.Index != length {
		return conflict
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO events (id, snapshot_id, event_index, action_name, operation_type, entity_type, changes,
			created_at, created_by, document_id, entity_count, target_node_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		event.ID, event.SnapshotID, event.Index, event.ActionName, string(event.OperationType),
		string(event.EntityType), string(changes), toMicros(event.CreatedAt), event.CreatedBy,
		event.DocumentID, event.EntityCount, nullString(event.TargetNodeID),
	); err != nil {
		if isUniqueViolation(err) {
			return conflict
		}
		return pkgerrors.NewDatabaseError("insert event", err)
	}
	return nil
}

// GetEvent returns one event with its delta
func (s *HistoryStore) GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+eventColumns+` FROM events WHERE document_id = ? AND id = ?`),
		documentID, eventID,
	)
	return scanEvent(row)
}

// EventAt returns the event at a chain position
func (s *HistoryStore) EventAt(ctx context.Context, documentID, snapshotID string, index int) (*history.Event, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+eventColumns+` FROM events WHERE document_id = ? AND snapshot_id = ? AND event_index = ?`),
		documentID, snapshotID, index,
	)
	return scanEvent(row)
}

// ListEvents returns a snapshot's chain up to uptoIndex in index order
func (s *HistoryStore) ListEvents(ctx context.Context, documentID, snapshotID string, uptoIndex int) ([]*history.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE document_id = ? AND snapshot_id = ?`
	args := []interface{}{documentID, snapshotID}
	if uptoIndex >= 0 {
		query += ` AND event_index <= ?`
		args = append(args, uptoIndex)
	}
	query += ` ORDER BY event_index`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("list events", err)
	}
	defer rows.Close()

	var out []*history.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.NewDatabaseError("list events", err)
	}
	return out, nil
}

// CountEvents returns the chain length of a snapshot
func (s *HistoryStore) CountEvents(ctx context.Context, documentID, snapshotID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT COUNT(*) FROM events WHERE document_id = ? AND snapshot_id = ?`),
		documentID, snapshotID,
	).Scan(&n); err != nil {
		return 0, pkgerrors.NewDatabaseError("count events", err)
	}
	return n, nil
}

const timelineUnion = `
	SELECT 'snapshot' AS kind, s.id AS id, s.id AS snapshot_id, s.snapshot_index AS snapshot_index,
		-1 AS event_index, s.action_name AS action_name, '' AS operation_type, '' AS entity_type,
		s.node_count + s.edge_count AS entity_count, '' AS target_node_id, s.node_count AS node_count,
		s.edge_count AS edge_count, s.is_major AS is_major, s.created_at AS created_at, s.created_by AS created_by
	FROM snapshots s WHERE s.document_id = ?
	UNION ALL
	SELECT 'event', e.id, e.snapshot_id, s.snapshot_index, e.event_index, e.action_name, e.operation_type,
		e.entity_type, e.entity_count, COALESCE(e.target_node_id, ''), 0, 0, FALSE, e.created_at, e.created_by
	FROM events e JOIN snapshots s ON s.id = e.snapshot_id WHERE e.document_id = ?`

// ListTimeline merges snapshot and event rows newest first
func (s *HistoryStore) ListTimeline(ctx context.Context, documentID string, filter history.TimelineFilter) ([]history.TimelineItem, int, error) {
	var (
		conds []string
		args  = []interface{}{documentID, documentID}
	)
	if filter.StartDate != nil {
		conds = append(conds, `created_at >= ?`)
		args = append(args, toMicros(*filter.StartDate))
	}
	if filter.EndDate != nil {
		conds = append(conds, `created_at <= ?`)
		args = append(args, toMicros(*filter.EndDate))
	}
	if filter.ActionName != "" {
		conds = append(conds, `action_name = ?`)
		args = append(args, filter.ActionName)
	}
	where := ""
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, ` AND `)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT COUNT(*) FROM (`+timelineUnion+`) t`+where), args...,
	).Scan(&total); err != nil {
		return nil, 0, pkgerrors.NewDatabaseError("count timeline", err)
	}

	query := `SELECT kind, id, snapshot_id, snapshot_index, event_index, action_name, operation_type, entity_type,
		entity_count, target_node_id, node_count, edge_count, is_major, created_at, created_by
		FROM (` + timelineUnion + `) t` + where + `
		ORDER BY created_at DESC, snapshot_index DESC, event_index DESC`
	pageArgs := append([]interface{}{}, args...)
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		pageArgs = append(pageArgs, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), pageArgs...)
	if err != nil {
		return nil, 0, pkgerrors.NewDatabaseError("list timeline", err)
	}
	defer rows.Close()

	items := []history.TimelineItem{}
	for rows.Next() {
		var (
			item       history.TimelineItem
			kind       string
			eventIndex int
			opType     string
			entityType string
			createdAt  int64
		)
		if err := rows.Scan(&kind, &item.ID, &item.SnapshotID, &item.SnapshotIndex, &eventIndex,
			&item.ActionName, &opType, &entityType, &item.EntityCount, &item.TargetNodeID,
			&item.NodeCount, &item.EdgeCount, &item.IsMajor, &createdAt, &item.CreatedBy,
		); err != nil {
			return nil, 0, pkgerrors.NewDatabaseError("scan timeline", err)
		}
		item.Kind = history.ItemKind(kind)
		item.OperationType = history.OpKind(opType)
		item.EntityType = history.EntityType(entityType)
		item.CreatedAt = fromMicros(createdAt)
		if item.Kind == history.ItemEvent {
			idx := eventIndex
			item.EventIndex = &idx
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, pkgerrors.NewDatabaseError("list timeline", err)
	}
	return items, total, nil
}

// GetPointer returns the current pointer
func (s *HistoryStore) GetPointer(ctx context.Context, documentID string) (*history.Pointer, error) {
	return s.readPointer(ctx, s.db, documentID)
}

// AdvancePointer upserts the pointer after checking the position exists
func (s *HistoryStore) AdvancePointer(ctx context.Context, pointer history.Pointer) (*history.Pointer, error) {
	var prev *history.Pointer
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Cleanup holds the same lock while it deletes, so the position
		// checked below cannot disappear before the pointer moves to it
		if err := s.lockPointer(ctx, tx, pointer.DocumentID); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			s.dialect.Rebind(`SELECT COUNT(*) FROM snapshots WHERE id = ? AND document_id = ?`),
			pointer.SnapshotID, pointer.DocumentID,
		).Scan(&n); err != nil {
			return pkgerrors.NewDatabaseError("lookup snapshot", err)
		}
		if n == 0 {
			return pkgerrors.NewNotFoundError("snapshot")
		}
		if pointer.EventID != "" {
			if err := tx.QueryRowContext(ctx,
				s.dialect.Rebind(`SELECT COUNT(*) FROM events WHERE id = ? AND snapshot_id = ?`),
				pointer.EventID, pointer.SnapshotID,
			).Scan(&n); err != nil {
				return pkgerrors.NewDatabaseError("lookup event", err)
			}
			if n == 0 {
				return pkgerrors.NewNotFoundError("event")
			}
		}
		var err error
		prev, err = s.upsertPointer(ctx, tx, pointer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// lockPointer takes the row lock on the document's pointer until the
// transaction ends
func (s *HistoryStore) lockPointer(ctx context.Context, tx *sql.Tx, documentID string) error {
	if _, err := tx.ExecContext(ctx,
		s.dialect.Rebind(s.dialect.ForUpdate(`SELECT document_id FROM current_pointer WHERE document_id = ?`)),
		documentID,
	); err != nil {
		return pkgerrors.NewDatabaseError("lock pointer", err)
	}
	return nil
}

func (s *HistoryStore) readPointer(ctx context.Context, q querier, documentID string) (*history.Pointer, error) {
	var (
		ptr       history.Pointer
		eventID   sql.NullString
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT document_id, snapshot_id, event_id, updated_by, updated_at
		FROM current_pointer WHERE document_id = ?`),
		documentID,
	).Scan(&ptr.DocumentID, &ptr.SnapshotID, &eventID, &ptr.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.NewNotFoundError("pointer")
	}
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("get pointer", err)
	}
	ptr.EventID = eventID.String
	ptr.UpdatedAt = fromMicros(updatedAt)
	return &ptr, nil
}

func (s *HistoryStore) upsertPointer(ctx context.Context, tx *sql.Tx, ptr history.Pointer) (*history.Pointer, error) {
	prev, err := s.readPointer(ctx, tx, ptr.DocumentID)
	if err != nil && !pkgerrors.IsNotFound(err) {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO current_pointer (document_id, snapshot_id, event_id, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET
			snapshot_id = excluded.snapshot_id,
			event_id = excluded.event_id,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`),
		ptr.DocumentID, ptr.SnapshotID, nullString(ptr.EventID), ptr.UpdatedBy, toMicros(ptr.UpdatedAt),
	); err != nil {
		return nil, pkgerrors.NewDatabaseError("upsert pointer", err)
	}
	return prev, nil
}

// ListDocuments returns the documents that have a pointer
func (s *HistoryStore) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id FROM current_pointer ORDER BY document_id`)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("list documents", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pkgerrors.NewDatabaseError("scan document", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.NewDatabaseError("list documents", err)
	}
	return out, nil
}

// PruneDocument deletes expired snapshots below the pointer's snapshot
func (s *HistoryStore) PruneDocument(ctx context.Context, documentID string, cutoff time.Time) (history.PruneResult, error) {
	result := history.PruneResult{Documents: 1}
	if cutoff.IsZero() {
		return result, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockPointer(ctx, tx, documentID); err != nil {
			return err
		}
		var current int
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(`
			SELECT s.snapshot_index FROM current_pointer p
			JOIN snapshots s ON s.id = p.snapshot_id
			WHERE p.document_id = ?`),
			documentID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return pkgerrors.NewDatabaseError("read pointer snapshot", err)
		}

		before := toMicros(cutoff)
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			DELETE FROM events WHERE snapshot_id IN (
				SELECT id FROM snapshots
				WHERE document_id = ? AND snapshot_index < ? AND created_at < ?
			)`),
			documentID, current, before,
		)
		if err != nil {
			return pkgerrors.NewDatabaseError("prune events", err)
		}
		events, err := res.RowsAffected()
		if err != nil {
			return pkgerrors.NewDatabaseError("count pruned events", err)
		}

		res, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			DELETE FROM snapshots
			WHERE document_id = ? AND snapshot_index < ? AND created_at < ?`),
			documentID, current, before,
		)
		if err != nil {
			return pkgerrors.NewDatabaseError("prune snapshots", err)
		}
		snapshots, err := res.RowsAffected()
		if err != nil {
			return pkgerrors.NewDatabaseError("count pruned snapshots", err)
		}

		result.DeletedEvents = int(events)
		result.DeletedSnapshots = int(snapshots)
		return nil
	})
	if err != nil {
		return history.PruneResult{}, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshotHeader(row rowScanner, extra ...interface{}) (history.SnapshotHeader, error) {
	var (
		h              history.SnapshotHeader
		createdAt      int64
		originSnapshot sql.NullString
		originEvent    sql.NullString
	)
	dest := []interface{}{&h.ID, &h.DocumentID, &h.Index, &h.ActionName, &h.NodeCount, &h.EdgeCount,
		&h.IsMajor, &createdAt, &h.CreatedBy, &originSnapshot, &originEvent}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, pkgerrors.NewNotFoundError("snapshot")
		}
		return h, pkgerrors.NewDatabaseError("scan snapshot", err)
	}
	h.CreatedAt = fromMicros(createdAt)
	if originSnapshot.Valid {
		h.Origin = &history.Cursor{SnapshotID: originSnapshot.String, EventID: originEvent.String}
	}
	return h, nil
}

func scanSnapshot(row rowScanner) (*history.Snapshot, error) {
	var nodes, edges string
	header, err := scanSnapshotHeader(row, &nodes, &edges)
	if err != nil {
		return nil, err
	}
	state, err := decodeState(nodes, edges)
	if err != nil {
		return nil, err
	}
	return &history.Snapshot{SnapshotHeader: header, State: state}, nil
}

func scanEvent(row rowScanner) (*history.Event, error) {
	var (
		h          history.EventHeader
		opType     string
		entityType string
		target     sql.NullString
		createdAt  int64
		changes    string
	)
	if err := row.Scan(&h.ID, &h.DocumentID, &h.SnapshotID, &h.Index, &h.ActionName, &opType, &entityType,
		&h.EntityCount, &target, &createdAt, &h.CreatedBy, &changes,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pkgerrors.NewNotFoundError("event")
		}
		return nil, pkgerrors.NewDatabaseError("scan event", err)
	}
	h.OperationType = history.OpKind(opType)
	h.EntityType = history.EntityType(entityType)
	h.TargetNodeID = target.String
	h.CreatedAt = fromMicros(createdAt)

	delta, err := history.DecodeDelta([]byte(changes))
	if err != nil {
		return nil, err
	}
	return &history.Event{EventHeader: h, Delta: delta}, nil
}

func encodeState(state *aggregates.GraphState) (string, string, error) {
	if state == nil {
		state = aggregates.NewGraphState()
	}
	nodes, err := json.Marshal(state.Nodes())
	if err != nil {
		return "", "", pkgerrors.NewInternalError("failed to encode snapshot nodes").WithCause(err)
	}
	edges, err := json.Marshal(state.Edges())
	if err != nil {
		return "", "", pkgerrors.NewInternalError("failed to encode snapshot edges").WithCause(err)
	}
	return string(nodes), string(edges), nil
}

func decodeState(nodes, edges string) (*aggregates.GraphState, error) {
	var (
		ns []entities.Node
		es []entities.Edge
	)
	if err := json.Unmarshal([]byte(nodes), &ns); err != nil {
		return nil, pkgerrors.NewInternalError("failed to decode snapshot nodes").WithCause(err)
	}
	if err := json.Unmarshal([]byte(edges), &es); err != nil {
		return nil, pkgerrors.NewInternalError("failed to decode snapshot edges").WithCause(err)
	}
	state := aggregates.NewGraphState()
	for _, n := range ns {
		state.PutNode(n)
	}
	for _, e := range es {
		state.PutEdge(e)
	}
	return state, nil
}
