package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_MergeNeverRegresses(t *testing.T) {
	stored := Stats{Turns: 5, InputTokens: 100, ToolCounts: map[string]int{"Bash": 3}}
	local := Stats{Turns: 4, InputTokens: 150, ToolCounts: map[string]int{"Bash": 2, "Read": 1}}

	merged := stored.Merge(local)
	assert.Equal(t, 5, merged.Turns)
	assert.Equal(t, int64(150), merged.InputTokens)
	assert.Equal(t, 3, merged.ToolCounts["Bash"])
	assert.Equal(t, 1, merged.ToolCounts["Read"])

	// inputs untouched
	assert.Equal(t, 3, stored.ToolCounts["Bash"])
	_, ok := stored.ToolCounts["Read"]
	assert.False(t, ok)
}

func TestStats_ScanValue(t *testing.T) {
	s := Stats{Turns: 2, ToolCounts: map[string]int{"Edit": 1}}
	v, err := s.Value()
	require.NoError(t, err)

	var out Stats
	require.NoError(t, out.Scan(v))
	assert.Equal(t, 2, out.Turns)
	assert.Equal(t, 1, out.ToolCounts["Edit"])

	var empty Stats
	require.NoError(t, empty.Scan(nil))
	assert.NotNil(t, empty.ToolCounts)

	assert.Error(t, empty.Scan(42))
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.IsTerminal())
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusStopped.IsTerminal())
	assert.True(t, RunStatusEvaluated.IsTerminal())
}
