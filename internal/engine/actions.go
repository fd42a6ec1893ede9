package engine

import (
	"context"
	"fmt"
	"time"

	"choreline/internal/boundary"
	"choreline/internal/criteria"
	"choreline/internal/domain"
	"choreline/internal/events"
	"choreline/internal/fsm"
	"choreline/internal/repo"
	"choreline/internal/rotation"
)

// Reasons recorded on rotation_advanced events.
const (
	reasonGenesis         = "genesis"
	reasonApproved        = "approved"
	reasonManual          = "manual"
	reasonReset           = "reset"
	reasonAssigneeRemoved = "assignee_removed"
)

// AssigneeView is one assignee's resolved slot on a chore.
type AssigneeView struct {
	AssigneeID string        `json:"assignee_id"`
	State      fsm.State     `json:"state"`
	LockReason fsm.Reason    `json:"lock_reason,omitempty"`
	TurnHolder bool          `json:"turn_holder"`
	DueDate    *time.Time    `json:"due_date,omitempty" format:"date-time"`
	Record     domain.Record `json:"record"`
}

// ResolveState returns the actionable state of assigneeID's slot now.
func (e Engine) ResolveState(ctx context.Context, taskID, assigneeID string) (fsm.Resolution, error) {
	snap, err := e.load(ctx, taskID)
	if err != nil {
		return fsm.Resolution{}, err
	}
	if !snap.Task.HasAssignee(assigneeID) {
		return fsm.Resolution{}, fmt.Errorf("assignee %s on task %s: %w", assigneeID, taskID, repo.ErrNotFound)
	}
	return fsm.ResolveSnapshot(snap, assigneeID, e.now()), nil
}

// Overview resolves every assignee of a chore in list order.
func (e Engine) Overview(ctx context.Context, taskID string) (domain.Task, []AssigneeView, error) {
	snap, err := e.load(ctx, taskID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	return snap.Task, views(snap, e.now()), nil
}

// Views resolves every slot of an already loaded snapshot.
func (e Engine) Views(snap domain.Snapshot) []AssigneeView {
	return views(snap, e.now())
}

func views(snap domain.Snapshot, now time.Time) []AssigneeView {
	t := snap.Task
	holder := ""
	if t.CompletionMode.IsRotation() {
		holder = t.EffectiveTurnHolder()
	}
	out := make([]AssigneeView, 0, len(t.Assignees))
	for _, a := range t.Assignees {
		res := fsm.ResolveSnapshot(snap, a, now)
		out = append(out, AssigneeView{
			AssigneeID: a,
			State:      res.State,
			LockReason: res.LockReason,
			TurnHolder: a == holder,
			DueDate:    snap.DueFor(a),
			Record:     snap.Record(a),
		})
	}
	return out
}

func (e Engine) CanClaim(ctx context.Context, taskID, assigneeID string) (fsm.Decision, error) {
	snap, err := e.load(ctx, taskID)
	if err != nil {
		return fsm.Decision{}, err
	}
	return fsm.CanClaim(snap, assigneeID, e.now()), nil
}

func (e Engine) CanApprove(ctx context.Context, taskID, assigneeID string) (fsm.Decision, error) {
	snap, err := e.load(ctx, taskID)
	if err != nil {
		return fsm.Decision{}, err
	}
	return fsm.CanApprove(snap, assigneeID, e.now()), nil
}

// Claim marks assigneeID as having done the chore, pending approval. Chores with
// auto-approve are approved in the same write.
func (e Engine) Claim(ctx context.Context, taskID, assigneeID, actorID string) (domain.Snapshot, error) {
	if actorID == "" {
		actorID = assigneeID
	}
	return e.mutate(ctx, "claim", taskID, actorID, func(c *change) error {
		if d := fsm.CanClaim(c.snap, assigneeID, c.now); !d.Allowed {
			return denied("claim", d)
		}
		rec := c.snap.Record(assigneeID)
		now := c.now
		rec.Claimed, rec.ClaimedAt = true, &now
		c.put(rec)
		c.emit(events.TaskClaimed, assigneeID, nil)
		if c.snap.Task.AutoApprove {
			return e.approveSlot(ctx, c, assigneeID, true)
		}
		return nil
	})
}

// Approve confirms assigneeID's pending claim and credits the completion.
func (e Engine) Approve(ctx context.Context, taskID, assigneeID, actorID string) (domain.Snapshot, error) {
	return e.mutate(ctx, "approve", taskID, actorID, func(c *change) error {
		if d := fsm.CanApprove(c.snap, assigneeID, c.now); !d.Allowed {
			return denied("approve", d)
		}
		return e.approveSlot(ctx, c, assigneeID, false)
	})
}

func (e Engine) approveSlot(ctx context.Context, c *change, assigneeID string, auto bool) error {
	t := &c.snap.Task
	now := c.now
	due := c.snap.DueFor(assigneeID)
	late := due != nil && now.After(*due)

	rec := c.snap.Record(assigneeID)
	rec.Approved, rec.ApprovedAt = true, &now
	rec.PeriodApprovals++
	if t.ApprovalReset.Multi() {
		// The slot reopens at once; the period counter remembers the completion.
		rec.Claimed, rec.ClaimedAt = false, nil
		rec.Approved, rec.ApprovedAt = false, nil
	}
	c.put(rec)
	c.history = append(c.history, domain.HistoryEntry{TaskID: t.ID, AssigneeID: assigneeID, Kind: domain.HistoryApproved, At: now})
	c.emit(events.TaskApproved, assigneeID, events.Payload{"late": late, "auto": auto})
	t.CycleOverride = false

	if t.CompletionMode.IsRotation() {
		stats, err := e.stats(ctx, *t)
		if err != nil {
			return err
		}
		if stats != nil {
			st := stats[assigneeID]
			st.Completions++
			st.LastApproved = &now
			stats[assigneeID] = st
		}
		prev := t.EffectiveTurnHolder()
		next, err := rotation.Advance(t, assigneeID, stats)
		if err != nil {
			return fmt.Errorf("advance rotation of %s: %w", t.ID, err)
		}
		c.emit(events.RotationAdvanced, next, events.Payload{"from": prev, "to": next, "reason": reasonApproved})
	}

	if t.ApprovalReset == domain.ResetUponCompletion || (late && t.OverduePolicy == domain.OverdueClearImmediateOnLate) {
		res, err := boundary.Complete(c.snap, assigneeID, boundary.Window{Now: now, Loc: e.location()})
		if err != nil {
			return err
		}
		c.merge(res)
	}
	return nil
}

// merge folds a boundary result computed on c.snap into c, attributing its events to c's actor.
func (c *change) merge(res boundary.Result) {
	if !res.Changed {
		return
	}
	c.snap = res.Snapshot
	c.history = append(c.history, res.History...)
	for _, evt := range res.Events {
		evt.ActorID = c.actor
		c.events = append(c.events, evt)
	}
	c.dirty = true
}

// Disapprove rejects a pending claim and returns the slot to its unclaimed state.
func (e Engine) Disapprove(ctx context.Context, taskID, assigneeID, actorID string) (domain.Snapshot, error) {
	return e.mutate(ctx, "disapprove", taskID, actorID, func(c *change) error {
		if d := fsm.CanApprove(c.snap, assigneeID, c.now); !d.Allowed {
			return denied("disapprove", d)
		}
		rec := c.snap.Record(assigneeID)
		rec.Claimed, rec.ClaimedAt = false, nil
		c.put(rec)
		c.emit(events.TaskDisapproved, assigneeID, events.Payload{"reason": "disapproved"})
		return nil
	})
}

// SetTurn hands the turn to assigneeID and clears any cycle override.
func (e Engine) SetTurn(ctx context.Context, taskID, assigneeID, actorID string) (domain.Task, error) {
	snap, err := e.mutate(ctx, "set_turn", taskID, actorID, func(c *change) error {
		t := &c.snap.Task
		if err := requireRotation(*t); err != nil {
			return err
		}
		if !t.HasAssignee(assigneeID) {
			return fmt.Errorf("assignee %s on task %s: %w", assigneeID, t.ID, repo.ErrNotFound)
		}
		setHolder(c, assigneeID, reasonManual)
		return nil
	})
	return snap.Task, err
}

// ResetRotation returns the turn to the first assignee.
func (e Engine) ResetRotation(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	snap, err := e.mutate(ctx, "reset_rotation", taskID, actorID, func(c *change) error {
		t := c.snap.Task
		if err := requireRotation(t); err != nil {
			return err
		}
		setHolder(c, t.Assignees[0], reasonReset)
		return nil
	})
	return snap.Task, err
}

// OpenCycle lets every assignee act on a rotation chore until the next
// approval or rotation advancement.
func (e Engine) OpenCycle(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	snap, err := e.mutate(ctx, "open_cycle", taskID, actorID, func(c *change) error {
		t := &c.snap.Task
		if err := requireRotation(*t); err != nil {
			return err
		}
		if t.CycleOverride {
			return nil
		}
		t.CycleOverride = true
		c.emit(events.TaskUpdated, "", events.Payload{"fields": []string{"cycle_override"}, "cycle_override": true})
		return nil
	})
	return snap.Task, err
}

func setHolder(c *change, assigneeID, reason string) {
	t := &c.snap.Task
	prev := t.EffectiveTurnHolder()
	if t.TurnHolder != nil && *t.TurnHolder == assigneeID && !t.CycleOverride {
		return
	}
	holder := assigneeID
	t.TurnHolder = &holder
	t.CycleOverride = false
	c.emit(events.RotationAdvanced, holder, events.Payload{"from": prev, "to": holder, "reason": reason})
}

func requireRotation(t domain.Task) error {
	if !t.CompletionMode.IsRotation() {
		return &criteria.ConfigError{Field: "completion_mode", Msg: fmt.Sprintf("%s has no rotation", t.CompletionMode)}
	}
	return nil
}
