package fsm

import (
	"time"

	"choreline/internal/domain"
)

// Decision is the typed outcome of an eligibility check. A denial is not an error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	State   State  `json:"state"`
}

func allow(s State) Decision { return Decision{Allowed: true, State: s} }

func deny(s State, r Reason) Decision { return Decision{State: s, Reason: r} }

// CanClaim decides whether assigneeID may claim the chore at now.
func CanClaim(snap domain.Snapshot, assigneeID string, now time.Time) Decision {
	if !snap.Task.HasAssignee(assigneeID) {
		return deny("", ReasonNotAssigned)
	}
	res := ResolveSnapshot(snap, assigneeID, now)
	switch res.State {
	case StateApproved:
		return deny(res.State, ReasonAlreadyApproved)
	case StateClaimed:
		return deny(res.State, ReasonAlreadyClaimed)
	}
	if res.Blocking() {
		return deny(res.State, res.LockReason)
	}
	if snap.Task.CompletionMode.SingleClaimer() && otherActive(snap, assigneeID) {
		return deny(res.State, ReasonOtherAssigneeActive)
	}
	return allow(res.State)
}

// CanApprove decides whether assigneeID's pending claim may be approved.
func CanApprove(snap domain.Snapshot, assigneeID string, now time.Time) Decision {
	if !snap.Task.HasAssignee(assigneeID) {
		return deny("", ReasonNotAssigned)
	}
	res := ResolveSnapshot(snap, assigneeID, now)
	rec := snap.Record(assigneeID)
	if rec.Approved {
		return deny(res.State, ReasonAlreadyApproved)
	}
	if !rec.Claimed {
		return deny(res.State, ReasonNotClaimed)
	}
	return allow(res.State)
}

func otherActive(snap domain.Snapshot, assigneeID string) bool {
	for _, a := range snap.Task.Assignees {
		if a == assigneeID {
			continue
		}
		if r, ok := snap.Records[a]; ok && (r.Claimed || r.Approved) {
			return true
		}
	}
	return false
}
