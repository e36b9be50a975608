package history

import (
	"time"

	"mindmap-history/domain/config"
)

// Policy groups the checkpoint, retention and presentation rules the
// engine applies to every document.
type Policy struct {
	AutoCheckpoint    bool          `json:"auto_checkpoint"`
	CheckpointEvery   int           `json:"checkpoint_every"`
	MaxSnapshotBytes  int64         `json:"max_snapshot_bytes"`
	RetentionPeriod   time.Duration `json:"retention_period"`
	GroupingWindow    time.Duration `json:"grouping_window"`
	ExpandThreshold   int           `json:"expand_threshold"`
	MaxNavigationHops int           `json:"max_navigation_hops"`
}

// DefaultPolicy returns the policy for the default domain configuration
func DefaultPolicy() Policy {
	return NewPolicy(config.DefaultDomainConfig())
}

// NewPolicy derives the policy from the domain configuration
func NewPolicy(cfg *config.DomainConfig) Policy {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	return Policy{
		AutoCheckpoint:    cfg.AutoCheckpoint,
		CheckpointEvery:   cfg.AutoCheckpointEvery,
		MaxSnapshotBytes:  cfg.MaxSnapshotBytes,
		RetentionPeriod:   cfg.RetentionPeriod,
		GroupingWindow:    cfg.GroupingWindow,
		ExpandThreshold:   cfg.GroupExpandThreshold,
		MaxNavigationHops: cfg.MaxNavigationHop,
	}
}

// ShouldCheckpoint determines if the chain anchored to the current
// snapshot has grown by another CheckpointEvery events. A chain whose
// checkpoint was rejected is retried only at the next multiple.
func (p Policy) ShouldCheckpoint(chainLength int) bool {
	if !p.AutoCheckpoint || p.CheckpointEvery <= 0 || chainLength <= 0 {
		return false
	}
	return chainLength%p.CheckpointEvery == 0
}

// RetentionCutoff returns the creation time before which snapshots may be
// pruned. The zero time disables pruning.
func (p Policy) RetentionCutoff(now time.Time) time.Time {
	if p.RetentionPeriod <= 0 {
		return time.Time{}
	}
	return now.Add(-p.RetentionPeriod)
}

// Guard returns the size guard for snapshot writes
func (p Policy) Guard() SizeGuard {
	return NewSizeGuard(p.MaxSnapshotBytes)
}

// GroupingOptions returns the presentation grouping options
func (p Policy) GroupingOptions() GroupingOptions {
	opts := DefaultGroupingOptions()
	if p.GroupingWindow > 0 {
		opts.Window = p.GroupingWindow
	}
	if p.ExpandThreshold > 0 {
		opts.ExpandThreshold = p.ExpandThreshold
	}
	return opts
}
