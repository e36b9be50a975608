package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
)

// API is the subset of the DynamoDB client used by this package
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

const (
	entitySnapshot   = "Snapshot"
	entitySnapshotID = "SnapshotID"
	entityEvent      = "Event"
	entityEventID    = "EventID"
	entityPointer    = "Pointer"

	// GSI1 finds snapshots by the position they were taken from
	originIndex = "GSI1"
	// GSI2 lists every document with a pointer
	pointerIndex     = "GSI2"
	pointerPartition = "POINTERS"

	// pointerAttempts bounds retries when the pointer moves under a write
	pointerAttempts = 3
	// pruneBatchLimit leaves room for the pointer check in a 100 item
	// transaction
	pruneBatchLimit = 99
)

// Key layout of the single table. Every item of a document shares the
// partition DOC#<document>.
func docKey(documentID string) string         { return "DOC#" + documentID }
func snapshotKey(index int) string             { return fmt.Sprintf("SNAP#%010d", index) }
func snapshotIDKey(snapshotID string) string   { return "SNAPID#" + snapshotID }
func eventPrefix(snapshotID string) string     { return "EVT#" + snapshotID + "#" }
func eventKey(snapshotID string, i int) string { return fmt.Sprintf("%s%010d", eventPrefix(snapshotID), i) }
func eventIDKey(eventID string) string         { return "EVTID#" + eventID }
func originKey(documentID string, c history.Cursor) string {
	return "ORIGIN#" + documentID + "#" + c.String()
}

const pointerKey = "POINTER"

type snapshotRecord struct {
	PK               string `dynamodbav:"PK"`
	SK               string `dynamodbav:"SK"`
	GSI1PK           string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK           string `dynamodbav:"GSI1SK,omitempty"`
	EntityType       string `dynamodbav:"EntityType"`
	SnapshotID       string `dynamodbav:"SnapshotID"`
	DocumentID       string `dynamodbav:"DocumentID"`
	SnapshotIndex    int    `dynamodbav:"SnapshotIndex"`
	ActionName       string `dynamodbav:"ActionName"`
	NodeCount        int    `dynamodbav:"NodeCount"`
	EdgeCount        int    `dynamodbav:"EdgeCount"`
	IsMajor          bool   `dynamodbav:"IsMajor"`
	State            string `dynamodbav:"State,omitempty"`
	CreatedAt        string `dynamodbav:"CreatedAt"`
	CreatedBy        string `dynamodbav:"CreatedBy"`
	OriginSnapshotID string `dynamodbav:"OriginSnapshotID,omitempty"`
	OriginEventID    string `dynamodbav:"OriginEventID,omitempty"`
}

type idRecord struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	SnapshotID string `dynamodbav:"SnapshotID"`
	Index      int    `dynamodbav:"Index"`
}

type eventRecord struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	EntityType    string `dynamodbav:"EntityType"`
	EventID       string `dynamodbav:"EventID"`
	DocumentID    string `dynamodbav:"DocumentID"`
	SnapshotID    string `dynamodbav:"SnapshotID"`
	EventIndex    int    `dynamodbav:"EventIndex"`
	ActionName    string `dynamodbav:"ActionName"`
	OperationType string `dynamodbav:"OperationType"`
	ChangeEntity  string `dynamodbav:"ChangeEntity"`
	EntityCount   int    `dynamodbav:"EntityCount"`
	TargetNodeID  string `dynamodbav:"TargetNodeID,omitempty"`
	Changes       string `dynamodbav:"Changes,omitempty"`
	CreatedAt     string `dynamodbav:"CreatedAt"`
	CreatedBy     string `dynamodbav:"CreatedBy"`
}

type pointerRecord struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	GSI2PK     string `dynamodbav:"GSI2PK"`
	GSI2SK     string `dynamodbav:"GSI2SK"`
	EntityType string `dynamodbav:"EntityType"`
	DocumentID string `dynamodbav:"DocumentID"`
	SnapshotID string `dynamodbav:"SnapshotID"`
	EventID    string `dynamodbav:"EventID"`
	UpdatedBy  string `dynamodbav:"UpdatedBy"`
	UpdatedAt  string `dynamodbav:"UpdatedAt"`
}

// HistoryStore implements ports.HistoryStore on one DynamoDB table. Index
// allocation and pointer moves are TransactWriteItems calls guarded by
// condition expressions.
type HistoryStore struct {
	client    API
	tableName string
	logger    *zap.Logger
}

var _ ports.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates a new DynamoDB history store
func NewHistoryStore(client API, tableName string, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{client: client, tableName: tableName, logger: logger}
}

// WriteSnapshot allocates the next snapshot index and writes the snapshot
func (s *HistoryStore) WriteSnapshot(ctx context.Context, snapshot *history.Snapshot, advance bool) (*history.Pointer, error) {
	var existing idRecord
	found, err := s.getItem(ctx, snapshot.DocumentID, snapshotIDKey(snapshot.ID), &existing)
	if err != nil {
		return nil, err
	}
	if found {
		snapshot.Index = existing.Index
		if !advance {
			return nil, nil
		}
		ptr := history.NewPointer(snapshot.DocumentID, history.Cursor{SnapshotID: snapshot.ID}, snapshot.CreatedBy, snapshot.CreatedAt)
		return s.AdvancePointer(ctx, ptr)
	}

	state, err := json.Marshal(snapshot.State)
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to encode snapshot state").WithCause(err)
	}

	for attempt := 1; ; attempt++ {
		next, err := s.nextSnapshotIndex(ctx, snapshot.DocumentID)
		if err != nil {
			return nil, err
		}
		snapshot.Index = next
		items, err := s.snapshotPuts(snapshot, state)
		if err != nil {
			return nil, err
		}

		var prev *history.Pointer
		if advance {
			ptr := history.NewPointer(snapshot.DocumentID, history.Cursor{SnapshotID: snapshot.ID}, snapshot.CreatedBy, snapshot.CreatedAt)
			put, current, err := s.pointerPut(ctx, ptr)
			if err != nil {
				return nil, err
			}
			items = append(items, types.TransactWriteItem{Put: put})
			prev = current
		}

		reasons, err := s.transact(ctx, items)
		if err == nil {
			return prev, nil
		}
		if reasons == nil || attempt >= pointerAttempts {
			if reasons != nil && reasons[0] {
				return nil, pkgerrors.NewConflictError(
					fmt.Sprintf("snapshot index %d of document %s is taken", next, snapshot.DocumentID),
				).WithCause(history.ErrIndexConflict)
			}
			return nil, err
		}
		s.logger.Debug("Snapshot write raced, retrying",
			zap.String("document_id", snapshot.DocumentID),
			zap.Int("attempt", attempt),
		)
	}
}

// WriteBranch writes the snapshot and the first event of its chain in one
// transaction
func (s *HistoryStore) WriteBranch(ctx context.Context, snapshot *history.Snapshot, event *history.Event, advance bool) (*history.Pointer, error) {
	if event.SnapshotID != snapshot.ID || event.Index != 0 {
		return nil, pkgerrors.NewValidationError("branch event must open the snapshot's chain")
	}
	if err := event.Delta.Validate(); err != nil {
		return nil, err
	}

	var existing idRecord
	found, err := s.getItem(ctx, snapshot.DocumentID, snapshotIDKey(snapshot.ID), &existing)
	if err != nil {
		return nil, err
	}
	if found {
		// A retried branch; the event write below is idempotent too
		snapshot.Index = existing.Index
		return s.AppendEvent(ctx, event, advance)
	}

	state, err := json.Marshal(snapshot.State)
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to encode snapshot state").WithCause(err)
	}
	changes, err := history.EncodeDelta(event.Delta)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		next, err := s.nextSnapshotIndex(ctx, snapshot.DocumentID)
		if err != nil {
			return nil, err
		}
		snapshot.Index = next
		items, err := s.snapshotPuts(snapshot, state)
		if err != nil {
			return nil, err
		}
		eventItems, err := s.eventPuts(event, changes)
		if err != nil {
			return nil, err
		}
		items = append(items, eventItems...)

		var prev *history.Pointer
		if advance {
			put, current, err := s.pointerPut(ctx, history.NewPointer(event.DocumentID, event.Cursor(), event.CreatedBy, event.CreatedAt))
			if err != nil {
				return nil, err
			}
			items = append(items, types.TransactWriteItem{Put: put})
			prev = current
		}

		reasons, err := s.transact(ctx, items)
		if err == nil {
			return prev, nil
		}
		if reasons == nil {
			return nil, err
		}
		if reasons[2] || reasons[3] {
			return nil, pkgerrors.NewConflictError(
				fmt.Sprintf("event index 0 of snapshot %s is taken", snapshot.ID),
			).WithCause(history.ErrIndexConflict)
		}
		if attempt >= pointerAttempts {
			if reasons[0] {
				return nil, pkgerrors.NewConflictError(
					fmt.Sprintf("snapshot index %d of document %s is taken", next, snapshot.DocumentID),
				).WithCause(history.ErrIndexConflict)
			}
			return nil, err
		}
		s.logger.Debug("Branch write raced, retrying",
			zap.String("document_id", snapshot.DocumentID),
			zap.Int("attempt", attempt),
		)
	}
}

func (s *HistoryStore) nextSnapshotIndex(ctx context.Context, documentID string) (int, error) {
	latest, err := s.latestSnapshotRecord(ctx, documentID)
	if pkgerrors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.SnapshotIndex + 1, nil
}

// snapshotPuts builds the conditional puts of a snapshot at snapshot.Index
// and its id lookup
func (s *HistoryStore) snapshotPuts(snapshot *history.Snapshot, state []byte) ([]types.TransactWriteItem, error) {
	record := snapshotRecord{
		PK:            docKey(snapshot.DocumentID),
		SK:            snapshotKey(snapshot.Index),
		EntityType:    entitySnapshot,
		SnapshotID:    snapshot.ID,
		DocumentID:    snapshot.DocumentID,
		SnapshotIndex: snapshot.Index,
		ActionName:    snapshot.ActionName,
		NodeCount:     snapshot.NodeCount,
		EdgeCount:     snapshot.EdgeCount,
		IsMajor:       snapshot.IsMajor,
		State:         string(state),
		CreatedAt:     formatTime(snapshot.CreatedAt),
		CreatedBy:     snapshot.CreatedBy,
	}
	if snapshot.Origin != nil {
		record.OriginSnapshotID = snapshot.Origin.SnapshotID
		record.OriginEventID = snapshot.Origin.EventID
		record.GSI1PK = originKey(snapshot.DocumentID, *snapshot.Origin)
		record.GSI1SK = record.SK
	}
	lookup := idRecord{
		PK:         record.PK,
		SK:         snapshotIDKey(snapshot.ID),
		EntityType: entitySnapshotID,
		SnapshotID: snapshot.ID,
		Index:      snapshot.Index,
	}
	return s.putsIfAbsent(record, lookup)
}

// eventPuts builds the conditional puts of an event and its id lookup
func (s *HistoryStore) eventPuts(event *history.Event, changes []byte) ([]types.TransactWriteItem, error) {
	record := eventRecord{
		PK:            docKey(event.DocumentID),
		SK:            eventKey(event.SnapshotID, event.Index),
		EntityType:    entityEvent,
		EventID:       event.ID,
		DocumentID:    event.DocumentID,
		SnapshotID:    event.SnapshotID,
		EventIndex:    event.Index,
		ActionName:    event.ActionName,
		OperationType: string(event.OperationType),
		ChangeEntity:  string(event.EntityType),
		EntityCount:   event.EntityCount,
		TargetNodeID:  event.TargetNodeID,
		Changes:       string(changes),
		CreatedAt:     formatTime(event.CreatedAt),
		CreatedBy:     event.CreatedBy,
	}
	lookup := idRecord{
		PK:         record.PK,
		SK:         eventIDKey(event.ID),
		EntityType: entityEventID,
		SnapshotID: event.SnapshotID,
		Index:      event.Index,
	}
	return s.putsIfAbsent(record, lookup)
}

func (s *HistoryStore) putsIfAbsent(values ...interface{}) ([]types.TransactWriteItem, error) {
	items := make([]types.TransactWriteItem, 0, len(values))
	for _, v := range values {
		put, err := s.putIfAbsent(v)
		if err != nil {
			return nil, err
		}
		items = append(items, types.TransactWriteItem{Put: put})
	}
	return items, nil
}

// GetSnapshot returns a snapshot with its state
func (s *HistoryStore) GetSnapshot(ctx context.Context, documentID, snapshotID string) (*history.Snapshot, error) {
	var lookup idRecord
	found, err := s.getItem(ctx, documentID, snapshotIDKey(snapshotID), &lookup)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}
	var record snapshotRecord
	found, err = s.getItem(ctx, documentID, snapshotKey(lookup.Index), &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}
	return record.toSnapshot()
}

// LatestSnapshot returns the snapshot with the highest index
func (s *HistoryStore) LatestSnapshot(ctx context.Context, documentID string) (*history.Snapshot, error) {
	record, err := s.latestSnapshotRecord(ctx, documentID)
	if err != nil {
		return nil, err
	}
	// The listing query does not project the state
	return s.GetSnapshot(ctx, documentID, record.SnapshotID)
}

func (s *HistoryStore) latestSnapshotRecord(ctx context.Context, documentID string) (*snapshotRecord, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(docKey(documentID))).
		And(expression.Key("SK").BeginsWith("SNAP#"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithProjection(*snapshotProjection()).Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to build query").WithCause(err)
	}
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("query latest snapshot", err)
	}
	if len(out.Items) == 0 {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}
	var record snapshotRecord
	if err := attributevalue.UnmarshalMap(out.Items[0], &record); err != nil {
		return nil, pkgerrors.NewInternalError("failed to decode snapshot").WithCause(err)
	}
	return &record, nil
}

// FindSnapshotsByOrigin lists the snapshots taken from a position, oldest first
func (s *HistoryStore) FindSnapshotsByOrigin(ctx context.Context, documentID string, origin history.Cursor) ([]history.SnapshotHeader, error) {
	keyCond := expression.Key("GSI1PK").Equal(expression.Value(originKey(documentID, origin)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to build query").WithCause(err)
	}
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(originIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	var out []history.SnapshotHeader
	for _, item := range items {
		var record snapshotRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, pkgerrors.NewInternalError("failed to decode snapshot").WithCause(err)
		}
		out = append(out, record.header())
	}
	return out, nil
}

// AppendEvent writes the event at its index. The transaction requires the
// snapshot to exist, the index to be free and the previous index to be
// taken, which keeps every chain gapless.
func (s *HistoryStore) AppendEvent(ctx context.Context, event *history.Event, advance bool) (*history.Pointer, error) {
	if err := event.Delta.Validate(); err != nil {
		return nil, err
	}

	var existing idRecord
	found, err := s.getItem(ctx, event.DocumentID, eventIDKey(event.ID), &existing)
	if err != nil {
		return nil, err
	}
	if found {
		// A retried append of a stored event
		event.Index = existing.Index
		if !advance {
			return nil, nil
		}
		return s.AdvancePointer(ctx, history.NewPointer(event.DocumentID, event.Cursor(), event.CreatedBy, event.CreatedAt))
	}

	changes, err := history.EncodeDelta(event.Delta)
	if err != nil {
		return nil, err
	}

	conflict := pkgerrors.NewConflictError(
		fmt.Sprintf("event index %d of snapshot %s is taken", event.Index, event.SnapshotID),
	).WithCause(history.ErrIndexConflict)

	for attempt := 1; ; attempt++ {
		items, err := s.eventPuts(event, changes)
		if err != nil {
			return nil, err
		}
		items = append(items, s.mustExist(event.DocumentID, snapshotIDKey(event.SnapshotID)))
		if event.Index > 0 {
			items = append(items, s.mustExist(event.DocumentID, eventKey(event.SnapshotID, event.Index-1)))
		}

		var prev *history.Pointer
		if advance {
			put, current, err := s.pointerPut(ctx, history.NewPointer(event.DocumentID, event.Cursor(), event.CreatedBy, event.CreatedAt))
			if err != nil {
				return nil, err
			}
			items = append(items, types.TransactWriteItem{Put: put})
			prev = current
		}

		reasons, err := s.transact(ctx, items)
		if err == nil {
			return prev, nil
		}
		if reasons == nil {
			return nil, err
		}
		switch {
		case reasons[0]:
			return nil, conflict
		case reasons[2]:
			return nil, pkgerrors.NewNotFoundError("snapshot")
		case event.Index > 0 && reasons[3]:
			return nil, conflict
		}
		// Only the pointer condition failed; it moved while we were writing
		if attempt >= pointerAttempts {
			return nil, err
		}
	}
}

// GetEvent returns one event with its delta
func (s *HistoryStore) GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error) {
	var lookup idRecord
	found, err := s.getItem(ctx, documentID, eventIDKey(eventID), &lookup)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.NewNotFoundError("event")
	}
	return s.EventAt(ctx, documentID, lookup.SnapshotID, lookup.Index)
}

// EventAt returns the event at a chain position
func (s *HistoryStore) EventAt(ctx context.Context, documentID, snapshotID string, index int) (*history.Event, error) {
	var record eventRecord
	found, err := s.getItem(ctx, documentID, eventKey(snapshotID, index), &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.NewNotFoundError("event")
	}
	return record.toEvent()
}

// ListEvents returns a snapshot's chain up to uptoIndex in index order
func (s *HistoryStore) ListEvents(ctx context.Context, documentID, snapshotID string, uptoIndex int) ([]*history.Event, error) {
	var sk expression.KeyConditionBuilder
	if uptoIndex >= 0 {
		sk = expression.Key("SK").Between(
			expression.Value(eventKey(snapshotID, 0)),
			expression.Value(eventKey(snapshotID, uptoIndex)),
		)
	} else {
		sk = expression.Key("SK").BeginsWith(eventPrefix(snapshotID))
	}
	items, err := s.queryPartition(ctx, documentID, sk, nil)
	if err != nil {
		return nil, err
	}

	out := make([]*history.Event, 0, len(items))
	for _, item := range items {
		var record eventRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, pkgerrors.NewInternalError("failed to decode event").WithCause(err)
		}
		evt, err := record.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// CountEvents returns the chain length of a snapshot
func (s *HistoryStore) CountEvents(ctx context.Context, documentID, snapshotID string) (int, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(docKey(documentID))).
		And(expression.Key("SK").BeginsWith(eventPrefix(snapshotID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return 0, pkgerrors.NewInternalError("failed to build query").WithCause(err)
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Select:                    types.SelectCount,
	}
	total := 0
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return 0, pkgerrors.NewDatabaseError("count events", err)
		}
		total += int(out.Count)
		if out.LastEvaluatedKey == nil {
			return total, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// ListTimeline merges snapshot and event metadata newest first. Rows are
// read without their payloads and filtered in memory.
func (s *HistoryStore) ListTimeline(ctx context.Context, documentID string, filter history.TimelineFilter) ([]history.TimelineItem, int, error) {
	snapItems, err := s.queryPartition(ctx, documentID, expression.Key("SK").BeginsWith("SNAP#"), snapshotProjection())
	if err != nil {
		return nil, 0, err
	}
	eventItems, err := s.queryPartition(ctx, documentID, expression.Key("SK").BeginsWith("EVT#"), eventProjection())
	if err != nil {
		return nil, 0, err
	}

	snapshotIndex := make(map[string]int, len(snapItems))
	var rows []history.TimelineItem
	for _, item := range snapItems {
		var record snapshotRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, 0, pkgerrors.NewInternalError("failed to decode snapshot").WithCause(err)
		}
		header := record.header()
		snapshotIndex[header.ID] = header.Index
		if filter.Matches(header.CreatedAt, header.ActionName) {
			rows = append(rows, history.SnapshotItem(header))
		}
	}
	for _, item := range eventItems {
		var record eventRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, 0, pkgerrors.NewInternalError("failed to decode event").WithCause(err)
		}
		header := record.header()
		if filter.Matches(header.CreatedAt, header.ActionName) {
			rows = append(rows, history.EventItem(header, snapshotIndex[header.SnapshotID]))
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return history.Newer(rows[i], rows[j]) })

	total := len(rows)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	page := make([]history.TimelineItem, end-start)
	copy(page, rows[start:end])
	return page, total, nil
}

// GetPointer returns the current pointer
func (s *HistoryStore) GetPointer(ctx context.Context, documentID string) (*history.Pointer, error) {
	var record pointerRecord
	found, err := s.getItem(ctx, documentID, pointerKey, &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.NewNotFoundError("pointer")
	}
	return record.toPointer(), nil
}

// AdvancePointer checks the position exists and upserts the pointer
func (s *HistoryStore) AdvancePointer(ctx context.Context, pointer history.Pointer) (*history.Pointer, error) {
	var snap idRecord
	found, err := s.getItem(ctx, pointer.DocumentID, snapshotIDKey(pointer.SnapshotID), &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.NewNotFoundError("snapshot")
	}
	if pointer.EventID != "" {
		var evt idRecord
		found, err := s.getItem(ctx, pointer.DocumentID, eventIDKey(pointer.EventID), &evt)
		if err != nil {
			return nil, err
		}
		if !found || evt.SnapshotID != pointer.SnapshotID {
			return nil, pkgerrors.NewNotFoundError("event")
		}
	}

	// The position must still exist when the pointer lands on it
	for attempt := 1; ; attempt++ {
		put, current, err := s.pointerPut(ctx, pointer)
		if err != nil {
			return nil, err
		}
		items := []types.TransactWriteItem{
			{Put: put},
			s.mustExist(pointer.DocumentID, snapshotIDKey(pointer.SnapshotID)),
		}
		if pointer.EventID != "" {
			items = append(items, s.mustExist(pointer.DocumentID, eventIDKey(pointer.EventID)))
		}

		reasons, err := s.transact(ctx, items)
		if err == nil {
			return current, nil
		}
		if reasons == nil {
			return nil, err
		}
		switch {
		case reasons[1]:
			return nil, pkgerrors.NewNotFoundError("snapshot")
		case pointer.EventID != "" && reasons[2]:
			return nil, pkgerrors.NewNotFoundError("event")
		}
		if attempt >= pointerAttempts {
			return nil, err
		}
	}
}

// ListDocuments returns the documents that have a pointer
func (s *HistoryStore) ListDocuments(ctx context.Context) ([]string, error) {
	keyCond := expression.Key("GSI2PK").Equal(expression.Value(pointerPartition))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to build query").WithCause(err)
	}
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(pointerIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var record pointerRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, pkgerrors.NewInternalError("failed to decode pointer").WithCause(err)
		}
		out = append(out, record.DocumentID)
	}
	return out, nil
}

// PruneDocument deletes expired snapshots below the pointer's snapshot
// together with their events and id lookups
func (s *HistoryStore) PruneDocument(ctx context.Context, documentID string, cutoff time.Time) (history.PruneResult, error) {
	result := history.PruneResult{Documents: 1}
	if cutoff.IsZero() {
		return result, nil
	}

	ptr, err := s.GetPointer(ctx, documentID)
	if pkgerrors.IsNotFound(err) {
		return result, nil
	}
	if err != nil {
		return history.PruneResult{}, err
	}
	var current idRecord
	found, err := s.getItem(ctx, documentID, snapshotIDKey(ptr.SnapshotID), &current)
	if err != nil {
		return history.PruneResult{}, err
	}
	if !found {
		return result, nil
	}

	snapItems, err := s.queryPartition(ctx, documentID,
		expression.Key("SK").Between(expression.Value(snapshotKey(0)), expression.Value(snapshotKey(current.Index))),
		snapshotProjection(),
	)
	if err != nil {
		return history.PruneResult{}, err
	}

	var deletes []pruneDelete
	for _, item := range snapItems {
		var record snapshotRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return history.PruneResult{}, pkgerrors.NewInternalError("failed to decode snapshot").WithCause(err)
		}
		header := record.header()
		if header.Index >= current.Index || !header.CreatedAt.Before(cutoff) {
			continue
		}

		eventItems, err := s.queryPartition(ctx, documentID,
			expression.Key("SK").BeginsWith(eventPrefix(header.ID)),
			func() *expression.ProjectionBuilder {
				p := expression.NamesList(expression.Name("SK"), expression.Name("EventID"))
				return &p
			}(),
		)
		if err != nil {
			return history.PruneResult{}, err
		}
		// Id lookups go first: once they are gone the pointer cannot move
		// into the snapshot while the rest of it is deleted
		deletes = append(deletes, pruneDelete{key: itemKey(documentID, snapshotIDKey(header.ID))})
		var records []pruneDelete
		for _, evt := range eventItems {
			var ev eventRecord
			if err := attributevalue.UnmarshalMap(evt, &ev); err != nil {
				return history.PruneResult{}, pkgerrors.NewInternalError("failed to decode event").WithCause(err)
			}
			deletes = append(deletes, pruneDelete{key: itemKey(documentID, eventIDKey(ev.EventID))})
			records = append(records, pruneDelete{key: itemKey(documentID, ev.SK), event: true})
		}
		deletes = append(deletes, records...)
		deletes = append(deletes, pruneDelete{key: itemKey(documentID, record.SK), snapshot: true})
	}

	if err := s.deleteWhilePointerAt(ctx, *ptr, deletes, &result); err != nil {
		return history.PruneResult{}, err
	}
	return result, nil
}

type pruneDelete struct {
	key      map[string]types.AttributeValue
	event    bool
	snapshot bool
}

// deleteWhilePointerAt deletes in transactions that each re-check the
// pointer still sits where it was read. A pointer move aborts the sweep of
// this document; the next run picks up what is left.
func (s *HistoryStore) deleteWhilePointerAt(ctx context.Context, ptr history.Pointer, deletes []pruneDelete, result *history.PruneResult) error {
	cond := expression.Name("SnapshotID").Equal(expression.Value(ptr.SnapshotID)).
		And(expression.Name("EventID").Equal(expression.Value(ptr.EventID)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return pkgerrors.NewInternalError("failed to build condition").WithCause(err)
	}
	guard := types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(ptr.DocumentID, pointerKey),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}

	for start := 0; start < len(deletes); start += pruneBatchLimit {
		end := start + pruneBatchLimit
		if end > len(deletes) {
			end = len(deletes)
		}
		items := make([]types.TransactWriteItem, 0, end-start+1)
		items = append(items, guard)
		for _, d := range deletes[start:end] {
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(s.tableName),
				Key:       d.key,
			}})
		}

		reasons, err := s.transact(ctx, items)
		if reasons != nil && reasons[0] {
			s.logger.Info("Pointer moved during cleanup, leaving the rest for the next run",
				zap.String("document_id", ptr.DocumentID),
				zap.Int("deleted_snapshots", result.DeletedSnapshots),
			)
			return nil
		}
		if err != nil {
			return err
		}
		for _, d := range deletes[start:end] {
			if d.event {
				result.DeletedEvents++
			}
			if d.snapshot {
				result.DeletedSnapshots++
			}
		}
	}
	return nil
}

// pointerPut builds a pointer write that only succeeds while the pointer
// is still the one read here, and returns that pointer
func (s *HistoryStore) pointerPut(ctx context.Context, next history.Pointer) (*types.Put, *history.Pointer, error) {
	current, err := s.GetPointer(ctx, next.DocumentID)
	if err != nil && !pkgerrors.IsNotFound(err) {
		return nil, nil, err
	}

	var cond expression.ConditionBuilder
	if current == nil {
		cond = expression.AttributeNotExists(expression.Name("PK"))
	} else {
		cond = expression.Name("SnapshotID").Equal(expression.Value(current.SnapshotID)).
			And(expression.Name("EventID").Equal(expression.Value(current.EventID)))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, nil, pkgerrors.NewInternalError("failed to build condition").WithCause(err)
	}
	item, err := attributevalue.MarshalMap(newPointerRecord(next))
	if err != nil {
		return nil, nil, pkgerrors.NewInternalError("failed to encode pointer").WithCause(err)
	}
	return &types.Put{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, current, nil
}

func (s *HistoryStore) putIfAbsent(v interface{}) (*types.Put, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to encode item").WithCause(err)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to build condition").WithCause(err)
	}
	return &types.Put{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	}, nil
}

func (s *HistoryStore) mustExist(documentID, sk string) types.TransactWriteItem {
	return types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
		TableName:                aws.String(s.tableName),
		Key:                      itemKey(documentID, sk),
		ConditionExpression:      aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": "PK"},
	}}
}

// transact runs a transaction. When it is cancelled by conditions the
// returned slice flags which items failed their condition.
func (s *HistoryStore) transact(ctx context.Context, items []types.TransactWriteItem) ([]bool, error) {
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil, nil
	}
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		return nil, pkgerrors.NewDatabaseError("transact write", err)
	}
	failed := make([]bool, len(items))
	conditional := false
	for i, reason := range cancelled.CancellationReasons {
		if i < len(failed) && aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			failed[i] = true
			conditional = true
		}
	}
	if !conditional {
		return nil, pkgerrors.NewDatabaseError("transact write", err)
	}
	return failed, pkgerrors.NewConflictError("history changed during write").WithCause(err)
}

func (s *HistoryStore) getItem(ctx context.Context, documentID, sk string, out interface{}) (bool, error) {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(documentID, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, pkgerrors.NewDatabaseError("get item", err)
	}
	if len(res.Item) == 0 {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return false, pkgerrors.NewInternalError("failed to decode item").WithCause(err)
	}
	return true, nil
}

func (s *HistoryStore) queryPartition(ctx context.Context, documentID string, sk expression.KeyConditionBuilder, projection *expression.ProjectionBuilder) ([]map[string]types.AttributeValue, error) {
	builder := expression.NewBuilder().WithKeyCondition(
		expression.Key("PK").Equal(expression.Value(docKey(documentID))).And(sk),
	)
	if projection != nil {
		builder = builder.WithProjection(*projection)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to build query").WithCause(err)
	}
	return s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
		ScanIndexForward:          aws.Bool(true),
	})
}

func (s *HistoryStore) queryAll(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("query history", err)
		}
		items = append(items, out.Items...)
		if out.LastEvaluatedKey == nil {
			return items, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func itemKey(documentID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: docKey(documentID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func snapshotProjection() *expression.ProjectionBuilder {
	p := expression.NamesList(
		expression.Name("PK"), expression.Name("SK"), expression.Name("SnapshotID"),
		expression.Name("DocumentID"), expression.Name("SnapshotIndex"), expression.Name("ActionName"),
		expression.Name("NodeCount"), expression.Name("EdgeCount"), expression.Name("IsMajor"),
		expression.Name("CreatedAt"), expression.Name("CreatedBy"),
		expression.Name("OriginSnapshotID"), expression.Name("OriginEventID"),
	)
	return &p
}

func eventProjection() *expression.ProjectionBuilder {
	p := expression.NamesList(
		expression.Name("SK"), expression.Name("EventID"), expression.Name("DocumentID"),
		expression.Name("SnapshotID"), expression.Name("EventIndex"), expression.Name("ActionName"),
		expression.Name("OperationType"), expression.Name("ChangeEntity"), expression.Name("EntityCount"),
		expression.Name("TargetNodeID"), expression.Name("CreatedAt"), expression.Name("CreatedBy"),
	)
	return &p
}

func newPointerRecord(p history.Pointer) pointerRecord {
	return pointerRecord{
		PK:         docKey(p.DocumentID),
		SK:         pointerKey,
		GSI2PK:     pointerPartition,
		GSI2SK:     p.DocumentID,
		EntityType: entityPointer,
		DocumentID: p.DocumentID,
		SnapshotID: p.SnapshotID,
		EventID:    p.EventID,
		UpdatedBy:  p.UpdatedBy,
		UpdatedAt:  formatTime(p.UpdatedAt),
	}
}

func (r pointerRecord) toPointer() *history.Pointer {
	return &history.Pointer{
		DocumentID: r.DocumentID,
		SnapshotID: r.SnapshotID,
		EventID:    r.EventID,
		UpdatedBy:  r.UpdatedBy,
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
}

func (r snapshotRecord) header() history.SnapshotHeader {
	h := history.SnapshotHeader{
		ID:         r.SnapshotID,
		DocumentID: r.DocumentID,
		Index:      r.SnapshotIndex,
		ActionName: r.ActionName,
		NodeCount:  r.NodeCount,
		EdgeCount:  r.EdgeCount,
		IsMajor:    r.IsMajor,
		CreatedAt:  parseTime(r.CreatedAt),
		CreatedBy:  r.CreatedBy,
	}
	if r.OriginSnapshotID != "" {
		h.Origin = &history.Cursor{SnapshotID: r.OriginSnapshotID, EventID: r.OriginEventID}
	}
	return h
}

func (r snapshotRecord) toSnapshot() (*history.Snapshot, error) {
	state := aggregates.NewGraphState()
	if err := state.UnmarshalJSON([]byte(r.State)); err != nil {
		return nil, pkgerrors.NewInternalError("failed to decode snapshot state").WithCause(err)
	}
	return &history.Snapshot{SnapshotHeader: r.header(), State: state}, nil
}

func (r eventRecord) header() history.EventHeader {
	return history.EventHeader{
		ID:            r.EventID,
		DocumentID:    r.DocumentID,
		SnapshotID:    r.SnapshotID,
		Index:         r.EventIndex,
		ActionName:    r.ActionName,
		OperationType: history.OpKind(r.OperationType),
		EntityType:    history.EntityType(r.ChangeEntity),
		EntityCount:   r.EntityCount,
		TargetNodeID:  r.TargetNodeID,
		CreatedAt:     parseTime(r.CreatedAt),
		CreatedBy:     r.CreatedBy,
	}
}

func (r eventRecord) toEvent() (*history.Event, error) {
	delta, err := history.DecodeDelta([]byte(r.Changes))
	if err != nil {
		return nil, err
	}
	return &history.Event{EventHeader: r.header(), Delta: delta}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
