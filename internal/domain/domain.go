package domain

import "time"

type CompletionMode string

const (
	ModeIndependent    CompletionMode = "independent"
	ModeSharedAll      CompletionMode = "shared_all"
	ModeSharedFirst    CompletionMode = "shared_first"
	ModeRotationSimple CompletionMode = "rotation_simple"
	ModeRotationSmart  CompletionMode = "rotation_smart"
)

// IsRotation reports whether only the turn holder may act.
func (m CompletionMode) IsRotation() bool {
	return m == ModeRotationSimple || m == ModeRotationSmart
}

// SingleClaimer reports whether one claim/approval blocks every other assignee.
func (m CompletionMode) SingleClaimer() bool {
	return m == ModeSharedFirst || m.IsRotation()
}

func (m CompletionMode) Valid() bool {
	switch m {
	case ModeIndependent, ModeSharedAll, ModeSharedFirst, ModeRotationSimple, ModeRotationSmart:
		return true
	}
	return false
}

type OverduePolicy string

const (
	OverdueAtDueDate            OverduePolicy = "at_due_date"
	OverdueClearAtApprovalReset OverduePolicy = "at_due_date_clear_at_approval_reset"
	OverdueClearImmediateOnLate OverduePolicy = "at_due_date_clear_immediate_on_late"
	OverdueClearAndMarkMissed   OverduePolicy = "at_due_date_clear_and_mark_missed"
	OverdueMissedAndLock        OverduePolicy = "at_due_date_mark_missed_and_lock"
	OverdueAllowSteal           OverduePolicy = "at_due_date_allow_steal"
	OverdueNever                OverduePolicy = "never_overdue"
)

// Relaxed reports whether the policy marks the task overdue but still accepts claims.
func (p OverduePolicy) Relaxed() bool {
	switch p {
	case OverdueAtDueDate, OverdueClearAtApprovalReset, OverdueClearImmediateOnLate, OverdueClearAndMarkMissed:
		return true
	}
	return false
}

func (p OverduePolicy) Valid() bool {
	return p.Relaxed() || p == OverdueMissedAndLock || p == OverdueAllowSteal || p == OverdueNever
}

type ApprovalReset string

const (
	ResetAtMidnightOnce  ApprovalReset = "at_midnight_once"
	ResetAtMidnightMulti ApprovalReset = "at_midnight_multi"
	ResetAtDueDateOnce   ApprovalReset = "at_due_date_once"
	ResetAtDueDateMulti  ApprovalReset = "at_due_date_multi"
	ResetUponCompletion  ApprovalReset = "upon_completion"
)

func (r ApprovalReset) MidnightBased() bool {
	return r == ResetAtMidnightOnce || r == ResetAtMidnightMulti
}

func (r ApprovalReset) DueDateBased() bool {
	return r == ResetAtDueDateOnce || r == ResetAtDueDateMulti
}

// Multi reports whether an assignee may complete the task again within the same period.
func (r ApprovalReset) Multi() bool {
	return r == ResetAtMidnightMulti || r == ResetAtDueDateMulti
}

func (r ApprovalReset) Valid() bool {
	return r.MidnightBased() || r.DueDateBased() || r == ResetUponCompletion
}

// PendingClaimAction decides what a period boundary does with an unapproved claim.
type PendingClaimAction string

const (
	PendingHold        PendingClaimAction = "hold"
	PendingClear       PendingClaimAction = "clear"
	PendingAutoApprove PendingClaimAction = "auto_approve"
)

type Frequency string

const (
	FrequencyNone     Frequency = "none"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyCustom   Frequency = "custom"
)

type IntervalUnit string

const (
	UnitHours  IntervalUnit = "hours"
	UnitDays   IntervalUnit = "days"
	UnitWeeks  IntervalUnit = "weeks"
	UnitMonths IntervalUnit = "months"
)

// AssigneeSchedule overrides the task schedule for one assignee.
type AssigneeSchedule struct {
	ApplicableDays []time.Weekday `json:"applicable_days,omitempty" yaml:"applicable_days,omitempty"`
	DueDate        *time.Time     `json:"due_date,omitempty" yaml:"due_date,omitempty"`
}

type Recurrence struct {
	Frequency      Frequency                   `json:"frequency" yaml:"frequency"`
	Interval       int                         `json:"interval,omitempty" yaml:"interval,omitempty"`
	Unit           IntervalUnit                `json:"unit,omitempty" yaml:"unit,omitempty"`
	ApplicableDays []time.Weekday              `json:"applicable_days,omitempty" yaml:"applicable_days,omitempty"`
	PerAssignee    map[string]AssigneeSchedule `json:"per_assignee,omitempty" yaml:"per_assignee,omitempty"`
}

type Task struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Assignees        []string           `json:"assignees"`
	CompletionMode   CompletionMode     `json:"completion_mode"`
	OverduePolicy    OverduePolicy      `json:"overdue_policy"`
	ApprovalReset    ApprovalReset      `json:"approval_reset"`
	PendingClaims    PendingClaimAction `json:"pending_claims"`
	AutoApprove      bool               `json:"auto_approve"`
	Recurrence       Recurrence         `json:"recurrence"`
	DueDate          *time.Time         `json:"due_date,omitempty" format:"date-time"`
	ClaimRestriction bool               `json:"claim_restriction"`
	WindowOffset     time.Duration      `json:"window_offset"`
	TurnHolder       *string            `json:"turn_holder,omitempty"`
	CycleOverride    bool               `json:"cycle_override"`
	StealOpen        bool               `json:"steal_open"`
	SweptAt          *time.Time         `json:"swept_at,omitempty" format:"date-time"`
	CreatedAt        time.Time          `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time          `json:"updated_at" format:"date-time"`
}

// HasAssignee reports whether id is in the assignee list.
func (t Task) HasAssignee(id string) bool {
	return t.AssigneeIndex(id) >= 0
}

func (t Task) AssigneeIndex(id string) int {
	for i, a := range t.Assignees {
		if a == id {
			return i
		}
	}
	return -1
}

// Record tracks one assignee's relationship to one task for the current period.
type Record struct {
	TaskID          string     `json:"task_id"`
	AssigneeID      string     `json:"assignee_id"`
	Claimed         bool       `json:"claimed"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty" format:"date-time"`
	Approved        bool       `json:"approved"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty" format:"date-time"`
	PeriodApprovals int        `json:"period_approvals"`
	Overdue         bool       `json:"overdue"`
	Missed          bool       `json:"missed"`
	DueDate         *time.Time `json:"due_date,omitempty" format:"date-time"`
}

// Snapshot is the unit of atomic persistence: one task and all of its records.
type Snapshot struct {
	Task    Task
	Records map[string]Record
}

// Record returns the assignee's record, creating an empty one lazily.
func (s Snapshot) Record(assigneeID string) Record {
	if r, ok := s.Records[assigneeID]; ok {
		return r
	}
	return Record{TaskID: s.Task.ID, AssigneeID: assigneeID}
}

func (s *Snapshot) Put(r Record) {
	if s.Records == nil {
		s.Records = map[string]Record{}
	}
	r.TaskID = s.Task.ID
	s.Records[r.AssigneeID] = r
}

// Clone deep-copies the snapshot so that a failed action leaves the original untouched.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Task: s.Task, Records: make(map[string]Record, len(s.Records))}
	out.Task.Assignees = append([]string(nil), s.Task.Assignees...)
	if s.Task.TurnHolder != nil {
		h := *s.Task.TurnHolder
		out.Task.TurnHolder = &h
	}
	for k, v := range s.Records {
		out.Records[k] = v
	}
	return out
}

// DueFor returns the effective due date of an assignee's slot.
func (s Snapshot) DueFor(assigneeID string) *time.Time {
	if s.Task.CompletionMode == ModeIndependent {
		if r, ok := s.Records[assigneeID]; ok && r.DueDate != nil {
			return r.DueDate
		}
		if o, ok := s.Task.Recurrence.PerAssignee[assigneeID]; ok && o.DueDate != nil {
			return o.DueDate
		}
	}
	return s.Task.DueDate
}

// AssigneeStats is the per-assignee history supplied by the statistics provider.
type AssigneeStats struct {
	Completions  int        `json:"completions"`
	LastApproved *time.Time `json:"last_approved,omitempty"`
}

// Done reports whether the slot completed the current period at least once.
func (r Record) Done() bool {
	return r.Approved || r.PeriodApprovals > 0
}

type HistoryKind string

const (
	HistoryApproved HistoryKind = "approved"
	HistoryMissed   HistoryKind = "missed"
)

// HistoryEntry is one completion or miss, the source of rotation statistics.
type HistoryEntry struct {
	TaskID     string      `json:"task_id"`
	AssigneeID string      `json:"assignee_id"`
	Kind       HistoryKind `json:"kind"`
	At         time.Time   `json:"at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// EffectiveTurnHolder resolves the turn holder id against the assignee list,
// falling back to the first assignee when the stored holder is unset or was removed.
func (t Task) EffectiveTurnHolder() string {
	if t.TurnHolder != nil && t.HasAssignee(*t.TurnHolder) {
		return *t.TurnHolder
	}
	if len(t.Assignees) > 0 {
		return t.Assignees[0]
	}
	return ""
}
