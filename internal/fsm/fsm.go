// Package fsm resolves the actionable state of one assignee's slot on a chore.
//
// Resolution is a fixed priority cascade; the first matching rule wins:
//
//	approved > claimed > not_my_turn > missed > overdue > waiting > due > pending
//
// The functions here are pure and safe for concurrent use.
package fsm

import (
	"time"

	"choreline/internal/domain"
	"choreline/internal/recurrence"
)

type State string

const (
	StatePending   State = "pending"
	StateDue       State = "due"
	StateClaimed   State = "claimed"
	StateApproved  State = "approved"
	StateOverdue   State = "overdue"
	StateWaiting   State = "waiting"
	StateNotMyTurn State = "not_my_turn"
	StateMissed    State = "missed"
)

// Reason explains a lock or a denied action.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonMissed              Reason = "missed"
	ReasonWaiting             Reason = "waiting"
	ReasonNotMyTurn           Reason = "not_my_turn"
	ReasonOtherAssigneeActive Reason = "other_assignee_active"
	ReasonAlreadyClaimed      Reason = "already_claimed"
	ReasonAlreadyApproved     Reason = "already_approved"
	ReasonNotClaimed          Reason = "not_claimed"
	ReasonNotAssigned         Reason = "not_assigned"
)

// Input carries the facts one resolution depends on.
type Input struct {
	Task        domain.Task
	AssigneeID  string
	Now         time.Time
	Claimed     bool
	Approved    bool
	Locked      bool
	Due         *time.Time
	WindowStart *time.Time
}

type Resolution struct {
	State      State  `json:"state"`
	LockReason Reason `json:"lock_reason,omitempty"`
}

func (r Resolution) Blocking() bool {
	return r.LockReason != ReasonNone
}

type rule struct {
	state State
	lock  Reason
	match func(in Input) bool
}

// cascade is the resolution contract. Order matters.
var cascade = []rule{
	{StateApproved, ReasonNone, func(in Input) bool { return in.Approved }},
	{StateClaimed, ReasonNone, func(in Input) bool { return in.Claimed }},
	{StateNotMyTurn, ReasonNotMyTurn, notMyTurn},
	{StateMissed, ReasonMissed, func(in Input) bool {
		return in.Task.OverduePolicy == domain.OverdueMissedAndLock && (pastDue(in) || in.Locked)
	}},
	{StateOverdue, ReasonNone, func(in Input) bool {
		p := in.Task.OverduePolicy
		return (p.Relaxed() || p == domain.OverdueAllowSteal) && pastDue(in)
	}},
	{StateWaiting, ReasonWaiting, func(in Input) bool {
		return in.Task.ClaimRestriction && in.WindowStart != nil && in.Now.Before(*in.WindowStart)
	}},
	{StateDue, ReasonNone, func(in Input) bool {
		return in.WindowStart != nil && in.Due != nil && !in.Now.Before(*in.WindowStart) && !in.Now.After(*in.Due)
	}},
}

func notMyTurn(in Input) bool {
	t := in.Task
	if !t.CompletionMode.IsRotation() || t.CycleOverride {
		return false
	}
	if in.AssigneeID == t.EffectiveTurnHolder() {
		return false
	}
	// The steal window lifts the turn restriction once the due date has passed.
	if t.OverduePolicy == domain.OverdueAllowSteal && pastDue(in) {
		return false
	}
	return true
}

// pastDue is strict: the due instant itself is still on time.
func pastDue(in Input) bool {
	return in.Due != nil && in.Now.After(*in.Due)
}

// Resolve applies the cascade to in.
func Resolve(in Input) Resolution {
	for _, r := range cascade {
		if r.match(in) {
			return Resolution{State: r.state, LockReason: r.lock}
		}
	}
	return Resolution{State: StatePending}
}

// InputFor assembles the resolution input for an assignee from a persisted snapshot.
func InputFor(snap domain.Snapshot, assigneeID string, now time.Time) Input {
	rec := snap.Record(assigneeID)
	due := snap.DueFor(assigneeID)
	return Input{
		Task:        snap.Task,
		AssigneeID:  assigneeID,
		Now:         now,
		Claimed:     rec.Claimed,
		Approved:    rec.Approved,
		Locked:      rec.Missed,
		Due:         due,
		WindowStart: recurrence.WindowStart(due, snap.Task.WindowOffset),
	}
}

// ResolveSnapshot resolves the state of assigneeID's slot at now.
func ResolveSnapshot(snap domain.Snapshot, assigneeID string, now time.Time) Resolution {
	return Resolve(InputFor(snap, assigneeID, now))
}
