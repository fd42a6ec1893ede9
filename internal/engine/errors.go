package engine

import (
	"errors"
	"fmt"

	"choreline/internal/criteria"
	"choreline/internal/fsm"
	"choreline/internal/repo"
)

var (
	// ErrBusy reports that another action holds the chore; the scanner retries next pass.
	ErrBusy = errors.New("task busy")
	// ErrStore marks persistence failures callers may retry.
	ErrStore = errors.New("store unavailable")
)

// DeniedError is returned when an eligibility check refuses an action.
type DeniedError struct {
	Action   string
	Decision fsm.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Action, e.Decision.Reason)
}

func denied(action string, d fsm.Decision) error {
	return &DeniedError{Action: action, Decision: d}
}

func storeErr(err error) error {
	if errors.Is(err, repo.ErrStale) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	if err == nil || errors.Is(err, repo.ErrNotFound) || errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

// Outcome classifies an action result for metrics and logs.
func Outcome(err error) string {
	var d *DeniedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &d):
		return "denied"
	case errors.Is(err, criteria.ErrInvalidConfig):
		return "invalid"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "error"
	}
}
