package server

import (
	"fmt"
	"time"

	"choreline/internal/domain"
	"choreline/internal/engine"
	"choreline/internal/fsm"
)

// Request payloads

type CreateTaskRequest struct {
	ID               string                     `json:"id,omitempty"`
	Name             string                     `json:"name"`
	Assignees        []string                   `json:"assignees" minItems:"1"`
	CompletionMode   domain.CompletionMode      `json:"completion_mode,omitempty" enum:"independent,shared_all,shared_first,rotation_simple,rotation_smart"`
	OverduePolicy    domain.OverduePolicy       `json:"overdue_policy,omitempty"`
	ApprovalReset    domain.ApprovalReset       `json:"approval_reset,omitempty" enum:"at_midnight_once,at_midnight_multi,at_due_date_once,at_due_date_multi,upon_completion"`
	PendingClaims    domain.PendingClaimAction  `json:"pending_claims,omitempty" enum:"hold,clear,auto_approve"`
	AutoApprove      bool                       `json:"auto_approve,omitempty"`
	Recurrence       *domain.Recurrence         `json:"recurrence,omitempty"`
	DueDate          *time.Time                 `json:"due_date,omitempty" format:"date-time"`
	ClaimRestriction bool                       `json:"claim_restriction,omitempty"`
	WindowOffset     string                     `json:"window_offset,omitempty" example:"2h"`
}

type UpdateTaskRequest struct {
	Name             *string                    `json:"name,omitempty"`
	Assignees        []string                   `json:"assignees,omitempty"`
	CompletionMode   *domain.CompletionMode     `json:"completion_mode,omitempty"`
	OverduePolicy    *domain.OverduePolicy      `json:"overdue_policy,omitempty"`
	ApprovalReset    *domain.ApprovalReset      `json:"approval_reset,omitempty"`
	PendingClaims    *domain.PendingClaimAction `json:"pending_claims,omitempty"`
	AutoApprove      *bool                      `json:"auto_approve,omitempty"`
	Recurrence       *domain.Recurrence         `json:"recurrence,omitempty"`
	DueDate          *time.Time                 `json:"due_date,omitempty" format:"date-time"`
	ClearDueDate     bool                       `json:"clear_due_date,omitempty"`
	ClaimRestriction *bool                      `json:"claim_restriction,omitempty"`
	WindowOffset     *string                    `json:"window_offset,omitempty" example:"2h"`
}

type AssigneeRequest struct {
	Assignee string `json:"assignee" minLength:"1"`
}

type CriteriaRequest struct {
	Mode domain.CompletionMode `json:"mode" enum:"independent,shared_all,shared_first,rotation_simple,rotation_smart"`
}

// Response payloads

type TaskResponse struct {
	ID               string                    `json:"id"`
	Name             string                    `json:"name"`
	Assignees        []string                  `json:"assignees"`
	CompletionMode   domain.CompletionMode     `json:"completion_mode"`
	OverduePolicy    domain.OverduePolicy      `json:"overdue_policy"`
	ApprovalReset    domain.ApprovalReset      `json:"approval_reset"`
	PendingClaims    domain.PendingClaimAction `json:"pending_claims"`
	AutoApprove      bool                      `json:"auto_approve"`
	Recurrence       domain.Recurrence         `json:"recurrence"`
	DueDate          *time.Time                `json:"due_date,omitempty" format:"date-time"`
	ClaimRestriction bool                      `json:"claim_restriction"`
	WindowOffset     string                    `json:"window_offset,omitempty"`
	TurnHolder       *string                   `json:"turn_holder,omitempty"`
	CycleOverride    bool                      `json:"cycle_override"`
	StealOpen        bool                      `json:"steal_open"`
	CreatedAt        time.Time                 `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time                 `json:"updated_at" format:"date-time"`
}

type TaskDetailResponse struct {
	TaskResponse
	Slots []engine.AssigneeView `json:"slots"`
}

type EligibilityResponse struct {
	Assignee string       `json:"assignee"`
	Claim    fsm.Decision `json:"claim"`
	Approve  fsm.Decision `json:"approve"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	TaskID     string `json:"task_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type historyList struct {
	Items []domain.HistoryEntry `json:"items"`
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:               t.ID,
		Name:             t.Name,
		Assignees:        t.Assignees,
		CompletionMode:   t.CompletionMode,
		OverduePolicy:    t.OverduePolicy,
		ApprovalReset:    t.ApprovalReset,
		PendingClaims:    t.PendingClaims,
		AutoApprove:      t.AutoApprove,
		Recurrence:       t.Recurrence,
		DueDate:          t.DueDate,
		ClaimRestriction: t.ClaimRestriction,
		TurnHolder:       t.TurnHolder,
		CycleOverride:    t.CycleOverride,
		StealOpen:        t.StealOpen,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if t.WindowOffset > 0 {
		resp.WindowOffset = t.WindowOffset.String()
	}
	if resp.Assignees == nil {
		resp.Assignees = []string{}
	}
	return resp
}

func parseOffset(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid window_offset %q: %w", v, err)
	}
	return d, nil
}
