package history

import (
	"sort"
	"time"
)

// DefaultGroupingWindow is the largest gap between two edits of the same
// node that still folds them into one group.
const DefaultGroupingWindow = 5 * time.Minute

// GroupingOptions tunes the presentation grouping
type GroupingOptions struct {
	Window          time.Duration
	ExpandThreshold int
}

// DefaultGroupingOptions returns the stock window and expand threshold
func DefaultGroupingOptions() GroupingOptions {
	return GroupingOptions{Window: DefaultGroupingWindow, ExpandThreshold: 3}
}

// TimelineGroup is a run of timeline rows shown as one unit
type TimelineGroup struct {
	ID           string         `json:"id"`
	TargetNodeID string         `json:"targetNodeId,omitempty"`
	Items        []TimelineItem `json:"items"`
	Newest       time.Time      `json:"newest"`
	Oldest       time.Time      `json:"oldest"`
	Expanded     bool           `json:"expanded"`
}

// Size is the number of rows in the group
func (g TimelineGroup) Size() int {
	return len(g.Items)
}

// GroupTimeline folds consecutive single-node edits of the same node into
// groups, newest first. It has no side effects; the rows themselves are
// returned unchanged inside the groups.
func GroupTimeline(items []TimelineItem, opts GroupingOptions) []TimelineGroup {
	if opts.Window <= 0 {
		opts.Window = DefaultGroupingWindow
	}
	if opts.ExpandThreshold <= 0 {
		opts.ExpandThreshold = DefaultGroupingOptions().ExpandThreshold
	}

	ordered := make([]TimelineItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool { return Newer(ordered[i], ordered[j]) })

	var groups []TimelineGroup
	var current *TimelineGroup
	flush := func() {
		if current == nil {
			return
		}
		current.Expanded = len(current.Items) <= opts.ExpandThreshold
		groups = append(groups, *current)
		current = nil
	}

	for _, item := range ordered {
		target, ok := groupKey(item)
		if current != nil && ok && current.TargetNodeID == target {
			previous := current.Items[len(current.Items)-1]
			if previous.CreatedAt.Sub(item.CreatedAt) <= opts.Window {
				current.Items = append(current.Items, item)
				current.Oldest = item.CreatedAt
				continue
			}
		}
		flush()
		current = &TimelineGroup{
			ID:     item.ID,
			Items:  []TimelineItem{item},
			Newest: item.CreatedAt,
			Oldest: item.CreatedAt,
		}
		if ok {
			current.TargetNodeID = target
		} else {
			// Ungroupable rows stand alone
			flush()
		}
	}
	flush()
	return groups
}

// groupKey returns the node a row can be grouped by. Snapshots, edits of
// several entities and edge-only edits are never grouped.
func groupKey(item TimelineItem) (string, bool) {
	if item.Kind != ItemEvent || item.EntityCount != 1 || item.TargetNodeID == "" {
		return "", false
	}
	return item.TargetNodeID, true
}
