package history_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmap-history/domain/config"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/domain/history"
	"mindmap-history/tests/fixtures"
)

func TestSizeGuard_Enforce(t *testing.T) {
	small := fixtures.NewGraphBuilder().WithNode("n1", "", "tiny").MustBuild()
	big := fixtures.NewGraphBuilder().WithNode("n1", "", strings.Repeat("x", 4096)).MustBuild()

	tests := []struct {
		name    string
		limit   int64
		state   *aggregates.GraphState
		wantErr bool
	}{
		{name: "under the limit", limit: 2048, state: small},
		{name: "over the limit", limit: 2048, state: big, wantErr: true},
		{name: "unlimited", limit: 0, state: big},
		{name: "empty state", limit: 64, state: aggregates.NewGraphState()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := history.NewSizeGuard(tt.limit).Enforce(tt.state)

			assert.Positive(t, size)
			if !tt.wantErr {
				assert.NoError(t, err)
				assert.True(t, history.CheckSize(tt.state, tt.limit))
				return
			}
			var tooBig *history.SizeLimitExceededError
			require.True(t, errors.As(err, &tooBig))
			assert.Equal(t, tt.limit, tooBig.Limit)
			assert.Equal(t, size, tooBig.Size)
			assert.False(t, history.CheckSize(tt.state, tt.limit))
		})
	}
}

func TestEstimateSize_MatchesSerializedState(t *testing.T) {
	state := fixtures.NewGraphBuilder().
		WithNode("a", "", "A").
		WithNode("b", "a", "B").
		WithEdge("e1", "a", "b").
		MustBuild()

	size, err := history.EstimateSize(state)
	require.NoError(t, err)

	raw, err := state.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), size)
}

func TestPolicy(t *testing.T) {
	cfg := config.DefaultDomainConfig()
	cfg.AutoCheckpointEvery = 5
	cfg.RetentionPeriod = 24 * time.Hour
	policy := history.NewPolicy(cfg)
	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	assert.False(t, policy.ShouldCheckpoint(4))
	assert.True(t, policy.ShouldCheckpoint(5))
	assert.False(t, policy.ShouldCheckpoint(7))
	assert.True(t, policy.ShouldCheckpoint(10))
	assert.False(t, policy.ShouldCheckpoint(0))
	assert.Equal(t, now.Add(-24*time.Hour), policy.RetentionCutoff(now))
	assert.Equal(t, cfg.MaxSnapshotBytes, policy.Guard().Limit())

	policy.AutoCheckpoint = false
	assert.False(t, policy.ShouldCheckpoint(500))

	policy.RetentionPeriod = 0
	assert.True(t, policy.RetentionCutoff(now).IsZero())

	opts := history.NewPolicy(nil).GroupingOptions()
	assert.Equal(t, history.DefaultGroupingWindow, opts.Window)
	assert.Equal(t, 3, opts.ExpandThreshold)
}
