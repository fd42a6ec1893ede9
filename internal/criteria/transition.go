// Package criteria validates chore configuration and resolves completion-mode changes.
package criteria

import "choreline/internal/domain"

// Delta lists the rotation fields a completion-mode change must write.
// A zero Delta is a no-op.
type Delta struct {
	SetTurnHolder bool
	TurnHolder    *string
	SetOverride   bool
	Override      bool
}

func (d Delta) IsZero() bool {
	return !d.SetTurnHolder && !d.SetOverride
}

// Transition computes the field changes for moving a task from oldMode to newMode.
// Moving between the two rotation variants keeps the current turn holder.
func Transition(oldMode, newMode domain.CompletionMode, assignees []string) Delta {
	wasRotation, isRotation := oldMode.IsRotation(), newMode.IsRotation()
	switch {
	case wasRotation && !isRotation:
		return Delta{SetTurnHolder: true, TurnHolder: nil, SetOverride: true, Override: false}
	case !wasRotation && isRotation:
		d := Delta{SetTurnHolder: true, SetOverride: true, Override: false}
		if len(assignees) > 0 {
			first := assignees[0]
			d.TurnHolder = &first
		}
		return d
	default:
		return Delta{}
	}
}

// Apply writes d into t and sets the new mode.
func Apply(t *domain.Task, newMode domain.CompletionMode, d Delta) {
	t.CompletionMode = newMode
	if d.SetTurnHolder {
		t.TurnHolder = d.TurnHolder
	}
	if d.SetOverride {
		t.CycleOverride = d.Override
	}
}
