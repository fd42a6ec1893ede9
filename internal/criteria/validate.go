package criteria

import (
	"errors"
	"fmt"

	"choreline/internal/domain"
)

var ErrInvalidConfig = errors.New("invalid chore configuration")

// ConfigError is an edit-time rejection of a chore configuration.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig.Error(), e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// RotationAssignees rejects rotation modes with fewer than two assignees.
func RotationAssignees(mode domain.CompletionMode, assignees []string) error {
	if mode.IsRotation() && len(assignees) < 2 {
		return invalid("assignees", "%s requires at least 2 assignees, got %d", mode, len(assignees))
	}
	return nil
}

// ClaimWindow rejects a claim restriction without a positive window offset.
func ClaimWindow(t domain.Task) error {
	if t.ClaimRestriction && t.WindowOffset <= 0 {
		return invalid("window_offset", "claim restriction requires a positive window offset")
	}
	return nil
}

// MissedLockReset rejects missed-and-lock with a reset type that is not midnight based.
func MissedLockReset(t domain.Task) error {
	if t.OverduePolicy == domain.OverdueMissedAndLock && !t.ApprovalReset.MidnightBased() {
		return invalid("approval_reset", "%s requires a midnight approval reset, got %s", t.OverduePolicy, t.ApprovalReset)
	}
	return nil
}

// AllowSteal rejects allow-steal unless the task rotates, resets once per midnight and has a due date.
func AllowSteal(t domain.Task) error {
	if t.OverduePolicy != domain.OverdueAllowSteal {
		return nil
	}
	if !t.CompletionMode.IsRotation() {
		return invalid("completion_mode", "%s requires a rotation completion mode", t.OverduePolicy)
	}
	if t.ApprovalReset != domain.ResetAtMidnightOnce {
		return invalid("approval_reset", "%s requires %s", t.OverduePolicy, domain.ResetAtMidnightOnce)
	}
	if t.DueDate == nil {
		return invalid("due_date", "%s requires a due date", t.OverduePolicy)
	}
	return nil
}

// Validate checks a whole configuration and returns every violation joined.
func Validate(t domain.Task) error {
	var errs []error
	if t.Name == "" {
		errs = append(errs, invalid("name", "required"))
	}
	if len(t.Assignees) == 0 {
		errs = append(errs, invalid("assignees", "at least one assignee required"))
	}
	seen := map[string]bool{}
	for _, a := range t.Assignees {
		if a == "" {
			errs = append(errs, invalid("assignees", "empty assignee id"))
			continue
		}
		if seen[a] {
			errs = append(errs, invalid("assignees", "duplicate assignee %s", a))
		}
		seen[a] = true
	}
	if !t.CompletionMode.Valid() {
		errs = append(errs, invalid("completion_mode", "unknown mode %q", t.CompletionMode))
	}
	if !t.OverduePolicy.Valid() {
		errs = append(errs, invalid("overdue_policy", "unknown policy %q", t.OverduePolicy))
	}
	if !t.ApprovalReset.Valid() {
		errs = append(errs, invalid("approval_reset", "unknown reset type %q", t.ApprovalReset))
	}
	switch t.PendingClaims {
	case "", domain.PendingHold, domain.PendingClear, domain.PendingAutoApprove:
	default:
		errs = append(errs, invalid("pending_claims", "unknown action %q", t.PendingClaims))
	}
	errs = append(errs, recurrence(t)...)
	for _, check := range []error{
		RotationAssignees(t.CompletionMode, t.Assignees),
		ClaimWindow(t),
		MissedLockReset(t),
		AllowSteal(t),
	} {
		if check != nil {
			errs = append(errs, check)
		}
	}
	return errors.Join(errs...)
}

func recurrence(t domain.Task) []error {
	var errs []error
	rec := t.Recurrence
	switch rec.Frequency {
	case "", domain.FrequencyNone, domain.FrequencyDaily, domain.FrequencyWeekly, domain.FrequencyBiweekly, domain.FrequencyMonthly:
	case domain.FrequencyCustom:
		if rec.Interval < 1 {
			errs = append(errs, invalid("recurrence.interval", "custom frequency requires interval >= 1"))
		}
		switch rec.Unit {
		case domain.UnitHours, domain.UnitDays, domain.UnitWeeks, domain.UnitMonths:
		default:
			errs = append(errs, invalid("recurrence.unit", "unknown unit %q", rec.Unit))
		}
	default:
		errs = append(errs, invalid("recurrence.frequency", "unknown frequency %q", rec.Frequency))
	}
	if len(rec.PerAssignee) > 0 && t.CompletionMode != domain.ModeIndependent {
		errs = append(errs, invalid("recurrence.per_assignee", "per-assignee schedules require %s mode", domain.ModeIndependent))
	}
	for id := range rec.PerAssignee {
		if !t.HasAssignee(id) {
			errs = append(errs, invalid("recurrence.per_assignee", "unknown assignee %s", id))
		}
	}
	return errs
}
