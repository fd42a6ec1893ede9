// Package choresdk is a small client for the Choreline HTTP API.
package choresdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Choreline server. ActorID is sent as X-Actor-Id when the
// server runs without bearer auth.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Recurrence struct {
	Frequency      string         `json:"frequency"`
	Interval       int            `json:"interval,omitempty"`
	Unit           string         `json:"unit,omitempty"`
	ApplicableDays []time.Weekday `json:"applicable_days,omitempty"`
}

// TaskInput creates a chore; empty enum fields take the server defaults.
type TaskInput struct {
	ID               string      `json:"id,omitempty"`
	Name             string      `json:"name"`
	Assignees        []string    `json:"assignees"`
	CompletionMode   string      `json:"completion_mode,omitempty"`
	OverduePolicy    string      `json:"overdue_policy,omitempty"`
	ApprovalReset    string      `json:"approval_reset,omitempty"`
	PendingClaims    string      `json:"pending_claims,omitempty"`
	AutoApprove      bool        `json:"auto_approve,omitempty"`
	Recurrence       *Recurrence `json:"recurrence,omitempty"`
	DueDate          *time.Time  `json:"due_date,omitempty"`
	ClaimRestriction bool        `json:"claim_restriction,omitempty"`
	WindowOffset     string      `json:"window_offset,omitempty"`
}

type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Assignees      []string   `json:"assignees"`
	CompletionMode string     `json:"completion_mode"`
	OverduePolicy  string     `json:"overdue_policy"`
	ApprovalReset  string     `json:"approval_reset"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	TurnHolder     *string    `json:"turn_holder,omitempty"`
	CycleOverride  bool       `json:"cycle_override"`
}

type Slot struct {
	AssigneeID string     `json:"assignee_id"`
	State      string     `json:"state"`
	LockReason string     `json:"lock_reason,omitempty"`
	TurnHolder bool       `json:"turn_holder"`
	DueDate    *time.Time `json:"due_date,omitempty"`
}

type TaskDetail struct {
	Task
	Slots []Slot `json:"slots"`
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	State   string `json:"state"`
}

type Eligibility struct {
	Assignee string   `json:"assignee"`
	Claim    Decision `json:"claim"`
	Approve  Decision `json:"approve"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	TaskID     string         `json:"task_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type ScanReport struct {
	Tasks   int `json:"tasks"`
	Changed int `json:"changed"`
	Busy    int `json:"busy"`
	Failed  int `json:"failed"`
}

// APIError wraps non-2xx responses. Code is the envelope code, e.g. not_my_turn.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Denied reports whether an eligibility check refused the action.
func (e *APIError) Denied() bool {
	return e.StatusCode == http.StatusConflict
}

func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (TaskDetail, error) {
	var resp TaskDetail
	err := c.do(ctx, http.MethodGet, taskPath(taskID, ""), nil, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, assignee string) ([]Task, error) {
	endpoint := "tasks"
	if assignee != "" {
		endpoint += "?assignee=" + url.QueryEscape(assignee)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, taskPath(taskID, ""), nil, nil)
}

func (c *Client) Claim(ctx context.Context, taskID, assignee string) (TaskDetail, error) {
	return c.slot(ctx, taskID, "claim", assignee)
}

func (c *Client) Approve(ctx context.Context, taskID, assignee string) (TaskDetail, error) {
	return c.slot(ctx, taskID, "approve", assignee)
}

func (c *Client) Disapprove(ctx context.Context, taskID, assignee string) (TaskDetail, error) {
	return c.slot(ctx, taskID, "disapprove", assignee)
}

func (c *Client) slot(ctx context.Context, taskID, action, assignee string) (TaskDetail, error) {
	var resp TaskDetail
	err := c.do(ctx, http.MethodPost, taskPath(taskID, action), map[string]string{"assignee": assignee}, &resp)
	return resp, err
}

func (c *Client) Eligibility(ctx context.Context, taskID, assignee string) (Eligibility, error) {
	var resp Eligibility
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "eligibility")+"?assignee="+url.QueryEscape(assignee), nil, &resp)
	return resp, err
}

func (c *Client) SetTurn(ctx context.Context, taskID, assignee string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "rotation/turn"), map[string]string{"assignee": assignee}, &resp)
	return resp, err
}

func (c *Client) SetCriteria(ctx context.Context, taskID, mode string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "criteria"), map[string]string{"mode": mode}, &resp)
	return resp, err
}

// EventsPage returns the newest events, paging backwards from cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Scan(ctx context.Context) (ScanReport, error) {
	var resp ScanReport
	err := c.do(ctx, http.MethodPost, "scan", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(taskID, action string) string {
	p := "tasks/" + url.PathEscape(taskID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
