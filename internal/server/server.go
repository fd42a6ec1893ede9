package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"choreline/internal/criteria"
	"choreline/internal/domain"
	"choreline/internal/engine"
	"choreline/internal/repo"
	"choreline/internal/scanner"
)

// Journal reads the append-only logs behind a chore.
type Journal interface {
	ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error)
	ListHistory(ctx context.Context, taskID string, limit int) ([]domain.HistoryEntry, error)
}

// Sweeper runs one boundary scan on demand.
type Sweeper interface {
	Pass(ctx context.Context) (scanner.Report, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Journal  Journal
	Scanner  Sweeper
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_my_turn"`
	Message string         `json:"message" example:"claim denied: not_my_turn"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"action\":\"claim\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Choreline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Journal == nil {
		return nil, errors.New("server: journal required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Choreline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerRotation(group, cfg.Engine)
	registerHistory(group, cfg.Journal)
	registerEvents(group, cfg.Journal)
	registerScan(group, cfg.Scanner)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var de *engine.DeniedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, string(de.Decision.Reason), err.Error(), map[string]any{
			"action": de.Action,
			"state":  de.Decision.State,
		})
	}
	var ce *criteria.ConfigError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), map[string]any{"field": ce.Field})
	}
	switch {
	case errors.Is(err, criteria.ErrInvalidConfig):
		return newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, scanner.ErrPassInProgress):
		return newAPIError(http.StatusConflict, "scan_in_progress", err.Error(), nil)
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrStore):
		return newAPIError(http.StatusServiceUnavailable, "try_again", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "try_again"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Choreline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

type taskBody struct {
	Body TaskResponse `json:"body"`
}

type detailBody struct {
	Body TaskDetailResponse `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create chore",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		in := input.Body
		if strings.TrimSpace(in.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", map[string]any{"field": "name"})
		}
		offset, err := parseOffset(in.WindowOffset)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "window_offset"})
		}
		opts := engine.TaskCreateOptions{
			ID:               in.ID,
			Name:             in.Name,
			Assignees:        in.Assignees,
			CompletionMode:   in.CompletionMode,
			OverduePolicy:    in.OverduePolicy,
			ApprovalReset:    in.ApprovalReset,
			PendingClaims:    in.PendingClaims,
			AutoApprove:      in.AutoApprove,
			DueDate:          in.DueDate,
			ClaimRestriction: in.ClaimRestriction,
			WindowOffset:     offset,
			ActorID:          actorID(ctx),
		}
		if in.Recurrence != nil {
			opts.Recurrence = *in.Recurrence
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List chores",
	}, func(ctx context.Context, input *struct {
		Assignee string `query:"assignee"`
		Mode     string `query:"mode"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			AssigneeID: input.Assignee,
			Mode:       input.Mode,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := taskList{Items: make([]TaskResponse, 0, len(items))}
		for _, t := range items {
			resp.Items = append(resp.Items, taskResponse(t))
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get chore with resolved slots",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*detailBody, error) {
		t, slots, err := e.Overview(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &detailBody{Body: TaskDetailResponse{TaskResponse: taskResponse(t), Slots: slots}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update chore",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		in := input.Body
		opts := engine.TaskUpdateOptions{
			Name:             in.Name,
			Assignees:        in.Assignees,
			CompletionMode:   in.CompletionMode,
			OverduePolicy:    in.OverduePolicy,
			ApprovalReset:    in.ApprovalReset,
			PendingClaims:    in.PendingClaims,
			AutoApprove:      in.AutoApprove,
			Recurrence:       in.Recurrence,
			DueDate:          in.DueDate,
			ClearDueDate:     in.ClearDueDate,
			ClaimRestriction: in.ClaimRestriction,
			ActorID:          actorID(ctx),
		}
		if in.WindowOffset != nil {
			offset, err := parseOffset(*in.WindowOffset)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "window_offset"})
			}
			opts.WindowOffset = &offset
		}
		t, err := e.UpdateTask(ctx, input.TaskID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete chore",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.TaskID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-criteria",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/criteria",
		Summary:     "Switch completion mode",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   CriteriaRequest `json:"body"`
	}) (*taskBody, error) {
		t, err := e.ApplyCriteriaTransition(ctx, input.TaskID, input.Body.Mode, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-assignee",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}/assignees/{assignee}",
		Summary:     "Remove assignee",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID   string `path:"task_id"`
		Assignee string `path:"assignee"`
	}) (*taskBody, error) {
		t, err := e.RemoveAssignee(ctx, input.TaskID, input.Assignee, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})
}

type assigneeQuery struct {
	TaskID   string `path:"task_id"`
	Assignee string `query:"assignee" required:"true"`
}

type assigneeInput struct {
	TaskID string          `path:"task_id"`
	Body   AssigneeRequest `json:"body"`
}

type slotAction func(ctx context.Context, taskID, assigneeID, actorID string) (domain.Snapshot, error)

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-state",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/state",
		Summary:     "Resolve an assignee's state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *assigneeQuery) (*struct {
		Body engine.AssigneeView `json:"body"`
	}, error) {
		_, slots, err := e.Overview(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, s := range slots {
			if s.AssigneeID == input.Assignee {
				return &struct {
					Body engine.AssigneeView `json:"body"`
				}{Body: s}, nil
			}
		}
		return nil, handleError(fmt.Errorf("assignee %s on task %s: %w", input.Assignee, input.TaskID, repo.ErrNotFound))
	})

	huma.Register(api, huma.Operation{
		OperationID: "eligibility",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/eligibility",
		Summary:     "Check whether an assignee may claim or approve",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *assigneeQuery) (*struct {
		Body EligibilityResponse `json:"body"`
	}, error) {
		claim, err := e.CanClaim(ctx, input.TaskID, input.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		approve, err := e.CanApprove(ctx, input.TaskID, input.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EligibilityResponse `json:"body"`
		}{Body: EligibilityResponse{Assignee: input.Assignee, Claim: claim, Approve: approve}}, nil
	})

	for _, a := range []struct {
		id, summary string
		run         slotAction
	}{
		{"claim", "Claim a chore as done", e.Claim},
		{"approve", "Approve a pending claim", e.Approve},
		{"disapprove", "Reject a pending claim", e.Disapprove},
	} {
		run := a.run
		huma.Register(api, huma.Operation{
			OperationID: a.id,
			Method:      http.MethodPost,
			Path:        "/tasks/{task_id}/" + a.id,
			Summary:     a.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
		}, func(ctx context.Context, input *assigneeInput) (*detailBody, error) {
			snap, err := run(ctx, input.TaskID, input.Body.Assignee, actorID(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &detailBody{Body: detail(e, snap)}, nil
		})
	}
}

func detail(e engine.Engine, snap domain.Snapshot) TaskDetailResponse {
	return TaskDetailResponse{TaskResponse: taskResponse(snap.Task), Slots: e.Views(snap)}
}

func registerRotation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-turn",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/rotation/turn",
		Summary:     "Hand the turn to an assignee",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *assigneeInput) (*taskBody, error) {
		t, err := e.SetTurn(ctx, input.TaskID, input.Body.Assignee, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})

	for _, a := range []struct {
		id, route, summary string
		run                func(ctx context.Context, taskID, actorID string) (domain.Task, error)
	}{
		{"reset-rotation", "reset", "Return the turn to the first assignee", e.ResetRotation},
		{"open-cycle", "open-cycle", "Let every assignee act this cycle", e.OpenCycle},
	} {
		run := a.run
		huma.Register(api, huma.Operation{
			OperationID: a.id,
			Method:      http.MethodPost,
			Path:        "/tasks/{task_id}/rotation/" + a.route,
			Summary:     a.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
		}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
			t, err := run(ctx, input.TaskID, actorID(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &taskBody{Body: taskResponse(t)}, nil
		})
	}
}

func registerHistory(api huma.API, j Journal) {
	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Completion and miss history",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body historyList `json:"body"`
	}, error) {
		items, err := j.ListHistory(ctx, input.TaskID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.HistoryEntry{}
		}
		return &struct {
			Body historyList `json:"body"`
		}{Body: historyList{Items: items}}, nil
	})
}

func registerEvents(api huma.API, j Journal) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := j.ListEvents(ctx, repo.EventFilters{Type: input.Type, EntityID: input.TaskID, Before: before, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		ActorID:    evt.ActorID,
	}
	if evt.EntityKind == "task" {
		resp.TaskID = evt.EntityID
	}
	var payload any
	if evt.Payload != "" && json.Unmarshal([]byte(evt.Payload), &payload) == nil {
		resp.Payload = payload
	} else {
		resp.Payload = map[string]any{}
	}
	return resp
}

func registerScan(api huma.API, s Sweeper) {
	huma.Register(api, huma.Operation{
		OperationID: "scan",
		Method:      http.MethodPost,
		Path:        "/scan",
		Summary:     "Run one boundary scan",
		Errors:      []int{http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body scanner.Report `json:"body"`
	}, error) {
		if s == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "scanner_disabled", "scanner not configured", nil)
		}
		report, err := s.Pass(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body scanner.Report `json:"body"`
		}{Body: report}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
