// Package rotation selects the next turn holder of a rotation chore.
package rotation

import (
	"errors"
	"time"

	"choreline/internal/domain"
)

var ErrNoAssignees = errors.New("rotation needs at least one assignee")

// RoundRobin returns the assignee after current in list order, wrapping at the end.
// A missing or removed current holder restarts the rotation at the first assignee.
func RoundRobin(assignees []string, current *string) (string, error) {
	if len(assignees) == 0 {
		return "", ErrNoAssignees
	}
	if current == nil {
		return assignees[0], nil
	}
	for i, a := range assignees {
		if a == *current {
			return assignees[(i+1)%len(assignees)], nil
		}
	}
	return assignees[0], nil
}

// Fairest picks the assignee with the fewest approved completions, then the oldest
// (or absent) last approval, then the earliest list position.
func Fairest(assignees []string, stats map[string]domain.AssigneeStats) (string, error) {
	if len(assignees) == 0 {
		return "", ErrNoAssignees
	}
	best := 0
	for i := 1; i < len(assignees); i++ {
		if fairer(stats[assignees[i]], stats[assignees[best]]) {
			best = i
		}
	}
	return assignees[best], nil
}

// fairer reports whether a strictly precedes b; equal stats keep list order.
func fairer(a, b domain.AssigneeStats) bool {
	if a.Completions != b.Completions {
		return a.Completions < b.Completions
	}
	return olderThan(a.LastApproved, b.LastApproved)
}

func olderThan(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	default:
		return a.Before(*b)
	}
}

// Next dispatches on the rotation mode. Non-rotation modes have no turn holder.
func Next(mode domain.CompletionMode, assignees []string, current *string, stats map[string]domain.AssigneeStats) (*string, error) {
	var (
		id  string
		err error
	)
	switch mode {
	case domain.ModeRotationSimple:
		id, err = RoundRobin(assignees, current)
	case domain.ModeRotationSmart:
		id, err = Fairest(assignees, stats)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Advance hands the turn on from the assignee who just completed or missed it and
// clears the cycle override. It returns the new holder.
func Advance(t *domain.Task, from string, stats map[string]domain.AssigneeStats) (string, error) {
	if !t.CompletionMode.IsRotation() {
		return "", nil
	}
	cur := from
	next, err := Next(t.CompletionMode, t.Assignees, &cur, stats)
	if err != nil {
		return "", err
	}
	t.TurnHolder = next
	t.CycleOverride = false
	return *next, nil
}
