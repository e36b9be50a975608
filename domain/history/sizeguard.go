package history

import (
	"encoding/json"

	"mindmap-history/domain/core/aggregates"
)

// EstimateSize returns the byte length of the state's serialized form,
// the same form a snapshot stores.
func EstimateSize(state *aggregates.GraphState) (int64, error) {
	if state == nil {
		state = aggregates.NewGraphState()
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, err
	}
	return int64(len(raw)), nil
}

// CheckSize reports whether the state fits in limitBytes. A limit of zero
// or less disables the check.
func CheckSize(state *aggregates.GraphState, limitBytes int64) bool {
	if limitBytes <= 0 {
		return true
	}
	size, err := EstimateSize(state)
	if err != nil {
		return false
	}
	return size <= limitBytes
}

// SizeGuard enforces the per-snapshot byte budget
type SizeGuard struct {
	limit int64
}

// NewSizeGuard creates a guard; limit <= 0 means unlimited
func NewSizeGuard(limitBytes int64) SizeGuard {
	return SizeGuard{limit: limitBytes}
}

// Limit returns the configured budget in bytes
func (g SizeGuard) Limit() int64 {
	return g.limit
}

// Enforce measures the state and returns SizeLimitExceededError when it is
// over budget. The measured size is returned either way.
func (g SizeGuard) Enforce(state *aggregates.GraphState) (int64, error) {
	size, err := EstimateSize(state)
	if err != nil {
		return 0, err
	}
	if g.limit > 0 && size > g.limit {
		return size, &SizeLimitExceededError{Size: size, Limit: g.limit}
	}
	return size, nil
}
