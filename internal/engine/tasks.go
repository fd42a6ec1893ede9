package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"choreline/internal/criteria"
	"choreline/internal/domain"
	"choreline/internal/events"
	"choreline/internal/metrics"
	"choreline/internal/repo"
)

// TaskCreateOptions are parameters for creating a chore. Empty enum fields take
// the configured defaults.
type TaskCreateOptions struct {
	ID               string
	Name             string
	Assignees        []string
	CompletionMode   domain.CompletionMode
	OverduePolicy    domain.OverduePolicy
	ApprovalReset    domain.ApprovalReset
	PendingClaims    domain.PendingClaimAction
	AutoApprove      bool
	Recurrence       domain.Recurrence
	DueDate          *time.Time
	ClaimRestriction bool
	WindowOffset     time.Duration
	ActorID          string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	t, err := e.createTask(ctx, opts)
	metrics.RecordAction("create", Outcome(err))
	return t, err
}

func (e Engine) createTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	d := e.config().Defaults
	now := e.now()
	t := domain.Task{
		ID:               opts.ID,
		Name:             opts.Name,
		Assignees:        append([]string(nil), opts.Assignees...),
		CompletionMode:   pick(opts.CompletionMode, d.CompletionMode, domain.ModeIndependent),
		OverduePolicy:    pick(opts.OverduePolicy, d.OverduePolicy, domain.OverdueAtDueDate),
		ApprovalReset:    pick(opts.ApprovalReset, d.ApprovalReset, domain.ResetAtMidnightOnce),
		PendingClaims:    pick(opts.PendingClaims, d.PendingClaims, domain.PendingHold),
		AutoApprove:      opts.AutoApprove,
		Recurrence:       opts.Recurrence,
		DueDate:          utcPtr(opts.DueDate),
		ClaimRestriction: opts.ClaimRestriction,
		WindowOffset:     opts.WindowOffset,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Recurrence.Frequency == "" {
		t.Recurrence.Frequency = domain.FrequencyNone
	}
	criteria.Apply(&t, t.CompletionMode, criteria.Transition("", t.CompletionMode, t.Assignees))
	if err := criteria.Validate(t); err != nil {
		return domain.Task{}, err
	}
	c := &change{snap: domain.Snapshot{Task: t, Records: map[string]domain.Record{}}, actor: opts.ActorID, now: now}
	c.emit(events.TaskCreated, "", events.Payload{
		"name":            t.Name,
		"completion_mode": string(t.CompletionMode),
		"assignees":       t.Assignees,
	})
	if t.TurnHolder != nil {
		c.emit(events.RotationAdvanced, *t.TurnHolder, events.Payload{"from": nil, "to": *t.TurnHolder, "reason": reasonGenesis})
	}
	if err := e.commit(ctx, c); err != nil {
		return domain.Task{}, err
	}
	e.logger().Info("task created", "task_id", t.ID, "name", t.Name, "mode", t.CompletionMode)
	return c.snap.Task, nil
}

// TaskUpdateOptions carries a partial edit; nil fields are left unchanged.
type TaskUpdateOptions struct {
	Name             *string
	Assignees        []string
	CompletionMode   *domain.CompletionMode
	OverduePolicy    *domain.OverduePolicy
	ApprovalReset    *domain.ApprovalReset
	PendingClaims    *domain.PendingClaimAction
	AutoApprove      *bool
	Recurrence       *domain.Recurrence
	DueDate          *time.Time
	ClearDueDate     bool
	ClaimRestriction *bool
	WindowOffset     *time.Duration
	ActorID          string
}

// UpdateTask edits a chore's configuration. A completion-mode change goes
// through the criteria transition; removed assignees lose their records.
func (e Engine) UpdateTask(ctx context.Context, id string, opts TaskUpdateOptions) (domain.Task, error) {
	snap, err := e.mutate(ctx, "update", id, opts.ActorID, func(c *change) error {
		return e.applyUpdate(c, opts)
	})
	return snap.Task, err
}

func (e Engine) applyUpdate(c *change, opts TaskUpdateOptions) error {
	t := &c.snap.Task
	fields := []string{}
	if opts.Name != nil && *opts.Name != t.Name {
		t.Name = *opts.Name
		fields = append(fields, "name")
	}
	if opts.OverduePolicy != nil && *opts.OverduePolicy != t.OverduePolicy {
		t.OverduePolicy = *opts.OverduePolicy
		fields = append(fields, "overdue_policy")
	}
	if opts.ApprovalReset != nil && *opts.ApprovalReset != t.ApprovalReset {
		t.ApprovalReset = *opts.ApprovalReset
		fields = append(fields, "approval_reset")
	}
	if opts.PendingClaims != nil && *opts.PendingClaims != t.PendingClaims {
		t.PendingClaims = *opts.PendingClaims
		fields = append(fields, "pending_claims")
	}
	if opts.AutoApprove != nil && *opts.AutoApprove != t.AutoApprove {
		t.AutoApprove = *opts.AutoApprove
		fields = append(fields, "auto_approve")
	}
	if opts.Recurrence != nil {
		rec := *opts.Recurrence
		if rec.Frequency == "" {
			rec.Frequency = domain.FrequencyNone
		}
		if !sameRecurrence(rec, t.Recurrence) {
			t.Recurrence = rec
			fields = append(fields, "recurrence")
		}
	}
	switch {
	case opts.ClearDueDate && t.DueDate != nil:
		t.DueDate = nil
		fields = append(fields, "due_date")
	case opts.DueDate != nil && (t.DueDate == nil || !opts.DueDate.Equal(*t.DueDate)):
		t.DueDate = utcPtr(opts.DueDate)
		fields = append(fields, "due_date")
	}
	if opts.ClaimRestriction != nil && *opts.ClaimRestriction != t.ClaimRestriction {
		t.ClaimRestriction = *opts.ClaimRestriction
		fields = append(fields, "claim_restriction")
	}
	if opts.WindowOffset != nil && *opts.WindowOffset != t.WindowOffset {
		t.WindowOffset = *opts.WindowOffset
		fields = append(fields, "window_offset")
	}
	if opts.Assignees != nil {
		if e.replaceAssignees(c, opts.Assignees) {
			fields = append(fields, "assignees")
		}
	}
	if opts.CompletionMode != nil {
		e.transition(c, *opts.CompletionMode)
	}
	if err := criteria.Validate(*t); err != nil {
		return err
	}
	if len(fields) > 0 {
		c.emit(events.TaskUpdated, "", events.Payload{"fields": fields})
	}
	return nil
}

// replaceAssignees installs a new assignee list, dropping records of removed
// assignees and handing a removed holder's turn to the next remaining assignee.
func (e Engine) replaceAssignees(c *change, next []string) bool {
	t := &c.snap.Task
	old := t.Assignees
	if equalStrings(old, next) {
		return false
	}
	keep := map[string]bool{}
	for _, a := range next {
		keep[a] = true
	}
	if len(t.Recurrence.PerAssignee) > 0 {
		per := make(map[string]domain.AssigneeSchedule, len(t.Recurrence.PerAssignee))
		for k, v := range t.Recurrence.PerAssignee {
			per[k] = v
		}
		t.Recurrence.PerAssignee = per
	}
	var removed []string
	for _, a := range old {
		if !keep[a] {
			removed = append(removed, a)
			delete(c.snap.Records, a)
			delete(t.Recurrence.PerAssignee, a)
		}
	}
	prev := t.EffectiveTurnHolder()
	t.Assignees = append([]string(nil), next...)
	c.removed = append(c.removed, removed...)
	c.dirty = true
	if t.CompletionMode.IsRotation() && len(next) > 0 && !keep[prev] {
		holder := successor(old, next, prev)
		t.TurnHolder = &holder
		t.CycleOverride = false
		c.emit(events.RotationAdvanced, holder, events.Payload{"from": prev, "to": holder, "reason": reasonAssigneeRemoved})
	}
	return true
}

// successor returns the first assignee after prev in old order that is still
// assigned, or the head of next when none of the old assignees remain.
func successor(old, next []string, prev string) string {
	keep := map[string]bool{}
	for _, a := range next {
		keep[a] = true
	}
	start := 0
	for i, a := range old {
		if a == prev {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(old); i++ {
		if a := old[(start+i)%len(old)]; keep[a] {
			return a
		}
	}
	return next[0]
}

// RemoveAssignee drops one assignee and their record.
func (e Engine) RemoveAssignee(ctx context.Context, taskID, assigneeID, actorID string) (domain.Task, error) {
	snap, err := e.mutate(ctx, "remove_assignee", taskID, actorID, func(c *change) error {
		t := c.snap.Task
		if !t.HasAssignee(assigneeID) {
			return fmt.Errorf("assignee %s: %w", assigneeID, repo.ErrNotFound)
		}
		next := make([]string, 0, len(t.Assignees)-1)
		for _, a := range t.Assignees {
			if a != assigneeID {
				next = append(next, a)
			}
		}
		e.replaceAssignees(c, next)
		if err := criteria.Validate(c.snap.Task); err != nil {
			return err
		}
		c.emit(events.TaskUpdated, "", events.Payload{"fields": []string{"assignees"}, "removed": assigneeID})
		return nil
	})
	return snap.Task, err
}

func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	err := e.deleteTask(ctx, id, actorID)
	metrics.RecordAction("delete", Outcome(err))
	return err
}

func (e Engine) deleteTask(ctx context.Context, id, actorID string) error {
	unlock := e.lock(id)
	defer unlock()
	evt := events.Event{Type: events.TaskDeleted, TaskID: id, ActorID: actorID}
	if err := e.Store.Delete(ctx, id, evt); err != nil {
		return storeErr(err)
	}
	e.Bus.Publish(ctx, evt)
	e.logger().Info("task deleted", "task_id", id)
	return nil
}

// ApplyCriteriaTransition switches a chore's completion mode, writing the
// rotation fields the transition requires exactly once. Re-applying the
// current mode is a no-op.
func (e Engine) ApplyCriteriaTransition(ctx context.Context, taskID string, mode domain.CompletionMode, actorID string) (domain.Task, error) {
	snap, err := e.mutate(ctx, "criteria", taskID, actorID, func(c *change) error {
		if !mode.Valid() {
			return &criteria.ConfigError{Field: "completion_mode", Msg: fmt.Sprintf("unknown mode %q", mode)}
		}
		e.transition(c, mode)
		if !c.dirty {
			return nil
		}
		return criteria.Validate(c.snap.Task)
	})
	return snap.Task, err
}

func (e Engine) transition(c *change, mode domain.CompletionMode) {
	t := &c.snap.Task
	from := t.CompletionMode
	d := criteria.Transition(from, mode, t.Assignees)
	if from == mode && d.IsZero() {
		return
	}
	criteria.Apply(t, mode, d)
	payload := events.Payload{"from": string(from), "to": string(mode), "turn_holder": nil}
	if t.TurnHolder != nil {
		payload["turn_holder"] = *t.TurnHolder
	}
	c.emit(events.CriteriaChanged, "", payload)
}

func pick[T ~string](v, def, fallback T) T {
	if v != "" {
		return v
	}
	if def != "" {
		return def
	}
	return fallback
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// sameRecurrence compares schedules as they are stored, so nil and empty
// collections match.
func sameRecurrence(a, b domain.Recurrence) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
