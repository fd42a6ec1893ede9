package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"choreline/internal/domain"
)

func ptr(s string) *string { return &s }

func TestRoundRobinFullCycle(t *testing.T) {
	assignees := []string{"A", "B", "C"}
	cur := ptr("B")
	var seen []string
	for i := 0; i < 3; i++ {
		next, err := RoundRobin(assignees, cur)
		require.NoError(t, err)
		seen = append(seen, next)
		cur = &next
	}
	assert.Equal(t, []string{"C", "A", "B"}, seen)
}

func TestRoundRobinResetsOnUnknownHolder(t *testing.T) {
	next, err := RoundRobin([]string{"A", "B"}, ptr("gone"))
	require.NoError(t, err)
	assert.Equal(t, "A", next)

	next, err = RoundRobin([]string{"A", "B"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "A", next)
}

func TestRoundRobinEmpty(t *testing.T) {
	_, err := RoundRobin(nil, nil)
	assert.ErrorIs(t, err, ErrNoAssignees)
}

func TestFairestByCount(t *testing.T) {
	stats := map[string]domain.AssigneeStats{
		"A": {Completions: 5},
		"B": {Completions: 3},
		"C": {Completions: 4},
	}
	next, err := Fairest([]string{"A", "B", "C"}, stats)
	require.NoError(t, err)
	assert.Equal(t, "B", next)
}

func TestFairestTieBrokenByOldestApproval(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)
	stats := map[string]domain.AssigneeStats{
		"A": {Completions: 3, LastApproved: &older},
		"B": {Completions: 3, LastApproved: &newer},
	}
	next, err := Fairest([]string{"A", "B"}, stats)
	require.NoError(t, err)
	assert.Equal(t, "A", next)

	next, err = Fairest([]string{"B", "A"}, stats)
	require.NoError(t, err)
	assert.Equal(t, "A", next)
}

func TestFairestNeverApprovedFirstThenListOrder(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stats := map[string]domain.AssigneeStats{
		"A": {Completions: 1, LastApproved: &ts},
		"B": {Completions: 1},
		"C": {Completions: 1},
	}
	next, err := Fairest([]string{"A", "B", "C"}, stats)
	require.NoError(t, err)
	assert.Equal(t, "B", next)

	next, err = Fairest([]string{"X", "Y"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "X", next)
}

func TestNextDispatch(t *testing.T) {
	holder, err := Next(domain.ModeRotationSimple, []string{"A", "B"}, ptr("A"), nil)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "B", *holder)

	holder, err = Next(domain.ModeRotationSmart, []string{"A", "B"}, ptr("A"), map[string]domain.AssigneeStats{"A": {Completions: 0}, "B": {Completions: 2}})
	require.NoError(t, err)
	assert.Equal(t, "A", *holder)

	holder, err = Next(domain.ModeIndependent, []string{"A", "B"}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestAdvanceClearsOverride(t *testing.T) {
	task := domain.Task{CompletionMode: domain.ModeRotationSimple, Assignees: []string{"A", "B", "C"}, TurnHolder: ptr("A"), CycleOverride: true}
	next, err := Advance(&task, "B", nil)
	require.NoError(t, err)
	assert.Equal(t, "C", next)
	require.NotNil(t, task.TurnHolder)
	assert.Equal(t, "C", *task.TurnHolder)
	assert.False(t, task.CycleOverride)

	plain := domain.Task{CompletionMode: domain.ModeSharedAll, Assignees: []string{"A"}}
	next, err = Advance(&plain, "A", nil)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Nil(t, plain.TurnHolder)
}
