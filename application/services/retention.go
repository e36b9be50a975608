package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/events"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/pkg/observability"
)

// DefaultCleanupLockTTL bounds how long one document's cleanup may hold its
// lock if the runner dies
const DefaultCleanupLockTTL = 5 * time.Minute

// RetentionService prunes snapshots and events older than the retention
// period. The snapshot the pointer references and everything after it is
// always kept.
type RetentionService struct {
	store     ports.RetentionStore
	locker    ports.Locker
	cache     ports.StateCache
	publisher ports.EventPublisher
	metrics   ports.Metrics
	tracer    *observability.Tracer
	policy    history.Policy
	clock     func() time.Time
	owner     string
	lockTTL   time.Duration
	logger    *zap.Logger
}

// NewRetentionService creates the retention service. The cache and
// publisher may be nil.
func NewRetentionService(
	store ports.RetentionStore,
	locker ports.Locker,
	cache ports.StateCache,
	publisher ports.EventPublisher,
	metrics ports.Metrics,
	tracer *observability.Tracer,
	policy history.Policy,
	logger *zap.Logger,
) *RetentionService {
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &RetentionService{
		store:     store,
		locker:    locker,
		cache:     cache,
		publisher: publisher,
		metrics:   metrics,
		tracer:    tracer,
		policy:    policy,
		clock:     time.Now,
		owner:     "cleanup-" + uuid.NewString(),
		lockTTL:   DefaultCleanupLockTTL,
		logger:    logger,
	}
}

// WithClock overrides the time source used for the retention cutoff
func (s *RetentionService) WithClock(clock func() time.Time) *RetentionService {
	s.clock = clock
	return s
}

// Cleanup prunes one document, or every document when documentID is empty.
// A document whose cleanup is already running elsewhere is skipped during a
// sweep and reported as a conflict when asked for directly.
func (s *RetentionService) Cleanup(ctx context.Context, documentID string) (history.PruneResult, error) {
	start := time.Now()
	var result history.PruneResult

	err := s.tracer.TraceFunction(ctx, "history.cleanup", map[string]string{"document_id": documentID}, func(ctx context.Context) error {
		cutoff := s.policy.RetentionCutoff(s.clock().UTC())
		if cutoff.IsZero() {
			s.logger.Info("Retention disabled, nothing to prune")
			return nil
		}

		if documentID != "" {
			res, err := s.cleanupDocument(ctx, documentID, cutoff)
			if errors.Is(err, ports.ErrLockHeld) {
				return pkgerrors.ErrCleanupInProgress.Clone().WithDetail("documentId", documentID).WithCause(err)
			}
			result = res
			return err
		}

		documents, err := s.store.ListDocuments(ctx)
		if err != nil {
			return err
		}
		for _, doc := range documents {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := s.cleanupDocument(ctx, doc, cutoff)
			if errors.Is(err, ports.ErrLockHeld) {
				s.logger.Info("Skipping document, cleanup already running", zap.String("document_id", doc))
				continue
			}
			if err != nil {
				return err
			}
			result.Add(res)
		}
		return nil
	})

	elapsed := time.Since(start)
	result.ExecutionTimeMs = elapsed.Milliseconds()
	if err != nil {
		s.logger.Error("History cleanup failed",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		return result, FromHistoryError(err)
	}

	s.metrics.RecordDuration(observability.MetricCleanupDuration, elapsed, nil)
	s.logger.Info("History cleanup completed",
		zap.String("document_id", documentID),
		zap.Int("documents", result.Documents),
		zap.Int("deleted_snapshots", result.DeletedSnapshots),
		zap.Int("deleted_events", result.DeletedEvents),
		zap.Int64("execution_time_ms", result.ExecutionTimeMs),
	)
	return result, nil
}

func (s *RetentionService) cleanupDocument(ctx context.Context, documentID string, cutoff time.Time) (history.PruneResult, error) {
	lock, err := s.locker.AcquireLock(ctx, "cleanup#"+documentID, s.owner, s.lockTTL)
	if err != nil {
		return history.PruneResult{}, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.logger.Warn("Failed to release cleanup lock", zap.String("document_id", documentID), zap.Error(err))
		}
	}()

	res, err := s.store.PruneDocument(ctx, documentID, cutoff)
	if err != nil {
		return history.PruneResult{}, err
	}
	if res.DeletedSnapshots == 0 && res.DeletedEvents == 0 {
		return res, nil
	}

	if s.cache != nil {
		if err := s.cache.InvalidatePrefix(ctx, DocumentKeyPrefix(documentID)); err != nil {
			s.logger.Warn("Failed to invalidate cached states", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	s.metrics.RecordValue(observability.MetricCleanupDeleted, float64(res.DeletedSnapshots+res.DeletedEvents), nil)

	if s.publisher != nil {
		evt := events.NewHistoryPruned(documentID, res.DeletedSnapshots, res.DeletedEvents, s.clock().UTC())
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Error("Failed to publish prune notification", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	return res, nil
}
