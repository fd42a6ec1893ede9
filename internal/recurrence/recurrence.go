// Package recurrence computes due dates and claim windows for recurring chores.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"choreline/internal/domain"
)

// maxSteps bounds the catch-up loop for schedules that fell far behind.
const maxSteps = 10000

var ErrNoOccurrence = errors.New("no next occurrence")

// Occurrence is one scheduled period of a chore.
type Occurrence struct {
	Due         time.Time
	WindowStart *time.Time
}

// Next returns the first occurrence strictly after ref, stepping from due by the
// task frequency and snapping forward to an applicable weekday. A non-recurring
// schedule yields ErrNoOccurrence.
func Next(rec domain.Recurrence, due, ref time.Time, offset time.Duration, loc *time.Location) (Occurrence, error) {
	return next(rec, rec.ApplicableDays, due, ref, offset, loc)
}

// NextFor is Next with the assignee's applicable-day override applied.
func NextFor(rec domain.Recurrence, assigneeID string, due, ref time.Time, offset time.Duration, loc *time.Location) (Occurrence, error) {
	days := rec.ApplicableDays
	if o, ok := rec.PerAssignee[assigneeID]; ok && len(o.ApplicableDays) > 0 {
		days = o.ApplicableDays
	}
	return next(rec, days, due, ref, offset, loc)
}

func next(rec domain.Recurrence, days []time.Weekday, due, ref time.Time, offset time.Duration, loc *time.Location) (Occurrence, error) {
	if loc == nil {
		loc = time.UTC
	}
	if rec.Frequency == "" || rec.Frequency == domain.FrequencyNone {
		return Occurrence{}, ErrNoOccurrence
	}
	anchor := due.In(loc)
	candidate := anchor
	for k := 1; ; k++ {
		if k > maxSteps {
			return Occurrence{}, fmt.Errorf("recurrence %s did not pass %s after %d steps", rec.Frequency, ref.Format(time.RFC3339), maxSteps)
		}
		var err error
		candidate, err = step(rec, anchor, k)
		if err != nil {
			return Occurrence{}, err
		}
		if candidate.After(ref) {
			break
		}
	}
	candidate = snapToDays(candidate, days)
	return Occurrence{Due: candidate, WindowStart: WindowStart(&candidate, offset)}, nil
}

// step returns the k-th occurrence after anchor. Computing from the anchor
// keeps month-end dates from drifting (Jan 31 -> Feb 29 -> Mar 31).
func step(rec domain.Recurrence, anchor time.Time, k int) (time.Time, error) {
	switch rec.Frequency {
	case domain.FrequencyDaily:
		return anchor.AddDate(0, 0, k), nil
	case domain.FrequencyWeekly:
		return anchor.AddDate(0, 0, 7*k), nil
	case domain.FrequencyBiweekly:
		return anchor.AddDate(0, 0, 14*k), nil
	case domain.FrequencyMonthly:
		return addMonths(anchor, k), nil
	case domain.FrequencyCustom:
		n := rec.Interval
		if n < 1 {
			return time.Time{}, fmt.Errorf("custom recurrence requires interval >= 1")
		}
		switch rec.Unit {
		case domain.UnitHours:
			return anchor.Add(time.Duration(n*k) * time.Hour), nil
		case domain.UnitDays:
			return anchor.AddDate(0, 0, n*k), nil
		case domain.UnitWeeks:
			return anchor.AddDate(0, 0, 7*n*k), nil
		case domain.UnitMonths:
			return addMonths(anchor, n*k), nil
		default:
			return time.Time{}, fmt.Errorf("unknown interval unit %q", rec.Unit)
		}
	default:
		return time.Time{}, fmt.Errorf("unknown frequency %q", rec.Frequency)
	}
}

// addMonths adds n calendar months, clamping to the last day of the target month.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func snapToDays(t time.Time, days []time.Weekday) time.Time {
	if len(days) == 0 {
		return t
	}
	for i := 0; i < 7; i++ {
		c := t.AddDate(0, 0, i)
		for _, d := range days {
			if c.Weekday() == d {
				return c
			}
		}
	}
	return t
}

// WindowStart returns the start of the claim window, or nil when no window is configured.
func WindowStart(due *time.Time, offset time.Duration) *time.Time {
	if due == nil || offset <= 0 {
		return nil
	}
	ws := due.Add(-offset)
	return &ws
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// CrossedMidnight reports whether a local midnight lies in (from, to].
func CrossedMidnight(from, to time.Time, loc *time.Location) bool {
	if !to.After(from) {
		return false
	}
	return StartOfDay(to, loc).After(from)
}
