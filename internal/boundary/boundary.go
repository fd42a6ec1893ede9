// Package boundary plans what a periodic sweep does to one chore: due-date
// passage, approval-cycle boundaries, recorded misses and rotation hand-offs.
//
// Sweep is pure. The caller persists the returned snapshot, history and events
// atomically and publishes the events only after the commit succeeded.
package boundary

import (
	"fmt"
	"time"

	"choreline/internal/domain"
	"choreline/internal/events"
	"choreline/internal/recurrence"
	"choreline/internal/rotation"
)

// Window is the half-open interval (From, Now] covered by one sweep.
type Window struct {
	From time.Time
	Now  time.Time
	Loc  *time.Location
}

type Result struct {
	Snapshot domain.Snapshot
	Events   []events.Event
	History  []domain.HistoryEntry
	Changed  bool
}

const (
	triggerMidnight   = "midnight"
	triggerDueDate    = "due_date"
	triggerCompletion = "completion"

	reasonApproved = "approved"
	reasonMissed   = "missed"
)

// Sweep applies due passage and, when one fires inside w, the approval-cycle
// boundary to snap. stats feeds fairness rotation and is not modified.
func Sweep(snap domain.Snapshot, w Window, stats map[string]domain.AssigneeStats) (Result, error) {
	s := newSweep(snap, w, stats)
	for _, u := range units(s.res.Snapshot) {
		if err := s.unit(u); err != nil {
			return Result{}, err
		}
	}
	return s.res, nil
}

// Complete closes the period of the unit holding assignee once that unit is
// complete. It serves upon_completion resets and late approvals under
// clear_immediate_on_late, which reopen the chore without waiting for a sweep.
func Complete(snap domain.Snapshot, assignee string, w Window) (Result, error) {
	s := newSweep(snap, w, nil)
	for _, u := range units(s.res.Snapshot) {
		if !contains(u.slots, assignee) || !complete(s.res.Snapshot, u) {
			continue
		}
		s.reset(u)
		if _, err := s.reschedule(u, true, !recurring(s.res.Snapshot.Task.Recurrence)); err != nil {
			return Result{}, err
		}
		s.periodReset(u, triggerCompletion)
	}
	return s.res, nil
}

func newSweep(snap domain.Snapshot, w Window, stats map[string]domain.AssigneeStats) *sweep {
	if w.Loc == nil {
		w.Loc = time.UTC
	}
	s := &sweep{
		res:   Result{Snapshot: snap.Clone()},
		w:     w,
		stats: make(map[string]domain.AssigneeStats, len(stats)),
	}
	for k, v := range stats {
		s.stats[k] = v
	}
	return s
}

// unit is a set of slots sharing one due date. Independent chores schedule each
// assignee separately; every other mode schedules the chore as a whole.
type unit struct {
	slots   []string
	due     *time.Time
	perSlot bool
}

func units(snap domain.Snapshot) []unit {
	t := snap.Task
	if t.CompletionMode == domain.ModeIndependent {
		out := make([]unit, 0, len(t.Assignees))
		for _, a := range t.Assignees {
			out = append(out, unit{slots: []string{a}, due: snap.DueFor(a), perSlot: true})
		}
		return out
	}
	return []unit{{slots: append([]string(nil), t.Assignees...), due: t.DueDate}}
}

type sweep struct {
	res   Result
	w     Window
	stats map[string]domain.AssigneeStats
}

func (s *sweep) unit(u unit) error {
	if len(u.slots) == 0 {
		return nil
	}
	pastDue := u.due != nil && s.w.Now.After(*u.due)
	if pastDue {
		s.duePassed(u)
	}
	trigger, fires := s.fires(pastDue)
	if !fires {
		return nil
	}
	return s.boundary(u, pastDue, trigger)
}

func (s *sweep) fires(pastDue bool) (string, bool) {
	r := s.res.Snapshot.Task.ApprovalReset
	switch {
	case r.MidnightBased():
		return triggerMidnight, recurrence.CrossedMidnight(s.w.From, s.w.Now, s.w.Loc)
	case r.DueDateBased():
		return triggerDueDate, pastDue
	}
	return "", false
}

// duePassed persists the overdue or missed marker on the slots that still owe
// the chore. Repeated sweeps are idempotent.
func (s *sweep) duePassed(u unit) {
	t := &s.res.Snapshot.Task
	if t.OverduePolicy == domain.OverdueNever {
		return
	}
	slots := s.responsible(u)
	for _, a := range slots {
		rec := s.res.Snapshot.Record(a)
		if t.OverduePolicy == domain.OverdueMissedAndLock {
			if rec.Missed {
				continue
			}
			rec.Missed = true
			s.put(rec)
			s.emit(events.TaskMissed, a, events.Payload{"due_date": stamp(u.due)})
			continue
		}
		if !rec.Overdue {
			rec.Overdue = true
			s.put(rec)
		}
	}
	if t.OverduePolicy == domain.OverdueAllowSteal && len(slots) > 0 && !t.StealOpen {
		t.StealOpen = true
		s.emit(events.StealWindowOpened, t.EffectiveTurnHolder(), events.Payload{"due_date": stamp(u.due)})
	}
}

// responsible returns the slots that still owe the chore for the period.
func (s *sweep) responsible(u unit) []string {
	snap := s.res.Snapshot
	t := snap.Task
	if complete(snap, u) {
		return nil
	}
	if t.CompletionMode.SingleClaimer() {
		if active(snap, u) {
			return nil
		}
		if t.CompletionMode.IsRotation() && !t.CycleOverride {
			return []string{t.EffectiveTurnHolder()}
		}
		return u.slots
	}
	var out []string
	for _, a := range u.slots {
		if r := snap.Record(a); !r.Claimed && !r.Done() {
			out = append(out, a)
		}
	}
	return out
}

func (s *sweep) boundary(u unit, pastDue bool, trigger string) error {
	snap := &s.res.Snapshot
	t := &snap.Task
	done := complete(*snap, u)
	// Overdue work under these policies stays open until someone completes it.
	if pastDue && !done && holdsOverdue(t.OverduePolicy) {
		return nil
	}
	oneOff := !recurring(t.Recurrence)
	if oneOff && done {
		return nil
	}

	holder := t.EffectiveTurnHolder()
	pureMiss := pastDue && t.OverduePolicy == domain.OverdueAllowSteal && !active(*snap, u)
	holderMissed := t.OverduePolicy == domain.OverdueMissedAndLock && snap.Record(holder).Missed

	if err := s.pendingClaims(u); err != nil {
		return err
	}
	s.recordMisses(u, holder, pureMiss)
	if t.CompletionMode.IsRotation() && (holderMissed || pureMiss) {
		if err := s.advance(holder, reasonMissed); err != nil {
			return err
		}
	}
	closes := pastDue || complete(*snap, u)
	cleared := s.reset(u)
	moved, err := s.reschedule(u, closes, oneOff)
	if err != nil {
		return err
	}
	if cleared || moved {
		s.periodReset(u, trigger)
	}
	return nil
}

func (s *sweep) periodReset(u unit, trigger string) {
	assignee, due := "", s.res.Snapshot.Task.DueDate
	if u.perSlot {
		assignee, due = u.slots[0], s.res.Snapshot.DueFor(u.slots[0])
	}
	s.emit(events.PeriodReset, assignee, events.Payload{"trigger": trigger, "due_date": stamp(due)})
}

func (s *sweep) pendingClaims(u unit) error {
	t := s.res.Snapshot.Task
	for _, a := range u.slots {
		rec := s.res.Snapshot.Record(a)
		if !rec.Claimed || rec.Approved {
			continue
		}
		switch t.PendingClaims {
		case domain.PendingClear:
			rec.Claimed, rec.ClaimedAt = false, nil
			s.put(rec)
			s.emit(events.TaskDisapproved, a, events.Payload{"reason": "period_reset"})
		case domain.PendingAutoApprove:
			now := s.w.Now
			rec.Approved, rec.ApprovedAt = true, &now
			rec.PeriodApprovals++
			s.put(rec)
			s.credit(a)
			s.emit(events.TaskApproved, a, events.Payload{"auto": true})
			if t.CompletionMode.IsRotation() {
				if err := s.advance(a, reasonApproved); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *sweep) recordMisses(u unit, holder string, pureMiss bool) {
	snap := s.res.Snapshot
	var missed []string
	switch snap.Task.OverduePolicy {
	case domain.OverdueMissedAndLock:
		for _, a := range u.slots {
			if r := snap.Record(a); r.Missed && !r.Done() {
				missed = append(missed, a)
			}
		}
	case domain.OverdueClearAndMarkMissed:
		for _, a := range u.slots {
			if r := snap.Record(a); r.Overdue && !r.Claimed && !r.Done() {
				missed = append(missed, a)
			}
		}
	case domain.OverdueAllowSteal:
		if pureMiss {
			missed = append(missed, holder)
		}
	}
	for _, a := range missed {
		s.res.History = append(s.res.History, domain.HistoryEntry{
			TaskID: snap.Task.ID, AssigneeID: a, Kind: domain.HistoryMissed, At: s.w.Now,
		})
		s.emit(events.MissedRecorded, a, events.Payload{"policy": string(snap.Task.OverduePolicy)})
	}
}

func (s *sweep) advance(from, reason string) error {
	t := &s.res.Snapshot.Task
	prev := t.EffectiveTurnHolder()
	next, err := rotation.Advance(t, from, s.stats)
	if err != nil {
		return fmt.Errorf("advance rotation of %s: %w", t.ID, err)
	}
	s.emit(events.RotationAdvanced, next, events.Payload{"from": prev, "to": next, "reason": reason})
	return nil
}

func (s *sweep) credit(a string) {
	now := s.w.Now
	st := s.stats[a]
	st.Completions++
	st.LastApproved = &now
	s.stats[a] = st
	s.res.History = append(s.res.History, domain.HistoryEntry{
		TaskID: s.res.Snapshot.Task.ID, AssigneeID: a, Kind: domain.HistoryApproved, At: now,
	})
}

// reset opens the new period for every slot of u. Held claims survive.
func (s *sweep) reset(u unit) bool {
	changed := false
	for _, a := range u.slots {
		rec := s.res.Snapshot.Record(a)
		next := rec
		if rec.Approved {
			next.Claimed, next.ClaimedAt = false, nil
		}
		next.Approved, next.ApprovedAt, next.PeriodApprovals = false, nil, 0
		next.Overdue, next.Missed = false, false
		if next != rec {
			s.put(next)
			changed = true
		}
	}
	t := &s.res.Snapshot.Task
	if t.StealOpen {
		t.StealOpen = false
		s.res.Changed = true
		changed = true
	}
	return changed
}

func (s *sweep) reschedule(u unit, closes, oneOff bool) (bool, error) {
	if u.due == nil || !closes {
		return false, nil
	}
	snap := &s.res.Snapshot
	t := snap.Task
	var next *time.Time
	if !oneOff {
		ref := s.w.Now
		if u.due.After(ref) {
			ref = *u.due
		}
		var (
			occ recurrence.Occurrence
			err error
		)
		if u.perSlot {
			occ, err = recurrence.NextFor(t.Recurrence, u.slots[0], *u.due, ref, t.WindowOffset, s.w.Loc)
		} else {
			occ, err = recurrence.Next(t.Recurrence, *u.due, ref, t.WindowOffset, s.w.Loc)
		}
		if err != nil {
			return false, fmt.Errorf("reschedule %s: %w", t.ID, err)
		}
		due := occ.Due.UTC()
		next = &due
	}
	if u.perSlot {
		rec := snap.Record(u.slots[0])
		rec.DueDate = next
		s.put(rec)
		if oneOff {
			snap.Task.DueDate = nil
		}
	} else {
		snap.Task.DueDate = next
		s.res.Changed = true
	}
	return true, nil
}

func (s *sweep) put(r domain.Record) {
	s.res.Snapshot.Put(r)
	s.res.Changed = true
}

func (s *sweep) emit(typ events.Type, assignee string, payload events.Payload) {
	s.res.Events = append(s.res.Events, events.Event{
		Type:       typ,
		TaskID:     s.res.Snapshot.Task.ID,
		AssigneeID: assignee,
		ActorID:    events.SystemActor,
		Payload:    payload,
	})
	s.res.Changed = true
}

// complete reports whether the unit's period has been fulfilled.
func complete(snap domain.Snapshot, u unit) bool {
	some, all := false, true
	for _, a := range u.slots {
		if snap.Record(a).Done() {
			some = true
		} else {
			all = false
		}
	}
	if snap.Task.CompletionMode.SingleClaimer() {
		return some
	}
	return all
}

func active(snap domain.Snapshot, u unit) bool {
	for _, a := range u.slots {
		if r := snap.Record(a); r.Claimed || r.Done() {
			return true
		}
	}
	return false
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func holdsOverdue(p domain.OverduePolicy) bool {
	return p == domain.OverdueAtDueDate || p == domain.OverdueClearImmediateOnLate
}

func recurring(r domain.Recurrence) bool {
	return r.Frequency != "" && r.Frequency != domain.FrequencyNone
}

func stamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
