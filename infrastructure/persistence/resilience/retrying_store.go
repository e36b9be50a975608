// Package resilience wraps a history store with one retry for transient
// failures and a circuit breaker that fails fast while storage is down.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/pkg/observability"
)

// BreakerConfig holds configuration for the store circuit breaker
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests have been seen
	FailureThreshold float64
	MinRequests      uint32
	// RetryDelay is the pause before the single retry
	RetryDelay time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "history-store",
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
		RetryDelay:       50 * time.Millisecond,
	}
}

// RetryingStore decorates a ports.HistoryStore. Writes are safe to retry
// because the stores treat a repeated snapshot or event id as success.
type RetryingStore struct {
	inner   ports.HistoryStore
	breaker *gobreaker.CircuitBreaker
	metrics ports.Metrics
	logger  *zap.Logger
	delay   time.Duration
}

var _ ports.HistoryStore = (*RetryingStore)(nil)

// NewRetryingStore wraps inner
func NewRetryingStore(inner ports.HistoryStore, cfg BreakerConfig, metrics ports.Metrics, logger *zap.Logger) *RetryingStore {
	s := &RetryingStore{inner: inner, metrics: metrics, logger: logger, delay: cfg.RetryDelay}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Store circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.RecordValue(observability.MetricStoreBreakerState, float64(to), map[string]string{"breaker": name})
		},
		// Domain outcomes such as not found or conflicts say nothing about
		// the health of the backend
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
	})
	return s
}

// State reports the breaker state
func (s *RetryingStore) State() gobreaker.State {
	return s.breaker.State()
}

// transient reports whether err is a storage failure worth retrying
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return pkgerrors.IsType(err, pkgerrors.ErrorTypeDatabase) ||
		pkgerrors.IsType(err, pkgerrors.ErrorTypeTimeout) ||
		pkgerrors.IsType(err, pkgerrors.ErrorTypeUnavailable)
}

func call[T any](ctx context.Context, s *RetryingStore, op string, fn func() (T, error)) (T, error) {
	var zero T
	attempt := func() (T, error) {
		out, err := s.breaker.Execute(func() (interface{}, error) {
			return fn()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return zero, pkgerrors.ErrStorageUnavailable.Clone().WithCause(err)
			}
			return zero, err
		}
		return out.(T), nil
	}

	out, err := attempt()
	if err == nil || !transient(err) {
		return out, err
	}

	s.metrics.IncrementCounter(observability.MetricStoreRetry, map[string]string{"operation": op})
	s.logger.Warn("Retrying store operation",
		zap.String("operation", op),
		zap.Error(err),
	)
	select {
	case <-ctx.Done():
		return zero, err
	case <-time.After(s.delay):
	}
	return attempt()
}

func (s *RetryingStore) WriteSnapshot(ctx context.Context, snapshot *history.Snapshot, advance bool) (*history.Pointer, error) {
	return call(ctx, s, "write_snapshot", func() (*history.Pointer, error) {
		return s.inner.WriteSnapshot(ctx, snapshot, advance)
	})
}

func (s *RetryingStore) GetSnapshot(ctx context.Context, documentID, snapshotID string) (*history.Snapshot, error) {
	return call(ctx, s, "get_snapshot", func() (*history.Snapshot, error) {
		return s.inner.GetSnapshot(ctx, documentID, snapshotID)
	})
}

func (s *RetryingStore) LatestSnapshot(ctx context.Context, documentID string) (*history.Snapshot, error) {
	return call(ctx, s, "latest_snapshot", func() (*history.Snapshot, error) {
		return s.inner.LatestSnapshot(ctx, documentID)
	})
}

func (s *RetryingStore) FindSnapshotsByOrigin(ctx context.Context, documentID string, origin history.Cursor) ([]history.SnapshotHeader, error) {
	return call(ctx, s, "find_snapshots_by_origin", func() ([]history.SnapshotHeader, error) {
		return s.inner.FindSnapshotsByOrigin(ctx, documentID, origin)
	})
}

func (s *RetryingStore) AppendEvent(ctx context.Context, event *history.Event, advance bool) (*history.Pointer, error) {
	return call(ctx, s, "append_event", func() (*history.Pointer, error) {
		return s.inner.AppendEvent(ctx, event, advance)
	})
}

func (s *RetryingStore) WriteBranch(ctx context.Context, snapshot *history.Snapshot, event *history.Event, advance bool) (*history.Pointer, error) {
	return call(ctx, s, "write_branch", func() (*history.Pointer, error) {
		return s.inner.WriteBranch(ctx, snapshot, event, advance)
	})
}

func (s *RetryingStore) GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error) {
	return call(ctx, s, "get_event", func() (*history.Event, error) {
		return s.inner.GetEvent(ctx, documentID, eventID)
	})
}

func (s *RetryingStore) EventAt(ctx context.Context, documentID, snapshotID string, index int) (*history.Event, error) {
	return call(ctx, s, "event_at", func() (*history.Event, error) {
		return s.inner.EventAt(ctx, documentID, snapshotID, index)
	})
}

func (s *RetryingStore) ListEvents(ctx context.Context, documentID, snapshotID string, uptoIndex int) ([]*history.Event, error) {
	return call(ctx, s, "list_events", func() ([]*history.Event, error) {
		return s.inner.ListEvents(ctx, documentID, snapshotID, uptoIndex)
	})
}

func (s *RetryingStore) CountEvents(ctx context.Context, documentID, snapshotID string) (int, error) {
	return call(ctx, s, "count_events", func() (int, error) {
		return s.inner.CountEvents(ctx, documentID, snapshotID)
	})
}

type timelineResult struct {
	items []history.TimelineItem
	total int
}

func (s *RetryingStore) ListTimeline(ctx context.Context, documentID string, filter history.TimelineFilter) ([]history.TimelineItem, int, error) {
	res, err := call(ctx, s, "list_timeline", func() (timelineResult, error) {
		items, total, err := s.inner.ListTimeline(ctx, documentID, filter)
		return timelineResult{items: items, total: total}, err
	})
	return res.items, res.total, err
}

func (s *RetryingStore) GetPointer(ctx context.Context, documentID string) (*history.Pointer, error) {
	return call(ctx, s, "get_pointer", func() (*history.Pointer, error) {
		return s.inner.GetPointer(ctx, documentID)
	})
}

func (s *RetryingStore) AdvancePointer(ctx context.Context, pointer history.Pointer) (*history.Pointer, error) {
	return call(ctx, s, "advance_pointer", func() (*history.Pointer, error) {
		return s.inner.AdvancePointer(ctx, pointer)
	})
}

func (s *RetryingStore) ListDocuments(ctx context.Context) ([]string, error) {
	return call(ctx, s, "list_documents", func() ([]string, error) {
		return s.inner.ListDocuments(ctx)
	})
}

func (s *RetryingStore) PruneDocument(ctx context.Context, documentID string, cutoff time.Time) (history.PruneResult, error) {
	return call(ctx, s, "prune_document", func() (history.PruneResult, error) {
		return s.inner.PruneDocument(ctx, documentID, cutoff)
	})
}
