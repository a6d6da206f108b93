package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sitepunch/internal/domain"
	"sitepunch/internal/engine"
	"sitepunch/internal/metrics"
	"sitepunch/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"outside_geofence"`
	Message string         `json:"message" example:"outside geofence: 1100m from site, radius 150m"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"distance_m\":1100}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sitepunch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	metrics.Register()

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(newRateLimiter(cfg.RateLimit).middleware(basePath))
	hcfg := huma.DefaultConfig("Sitepunch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClock(group, cfg.Engine)
	registerEntries(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerTenantConfig(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

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
	var ge *engine.OutsideGeofenceError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusUnprocessableEntity, "outside_geofence", err.Error(), map[string]any{
			"distance_m": ge.DistanceM,
			"radius_m":   ge.RadiusM,
		})
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyClockedIn):
		return newAPIError(http.StatusConflict, "already_clocked_in", err.Error(), nil)
	case errors.Is(err, engine.ErrNotAssigned):
		return newAPIError(http.StatusForbidden, "not_assigned", err.Error(), nil)
	case errors.Is(err, engine.ErrEntryNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"),
		strings.Contains(lowered, "can be disputed"),
		strings.Contains(lowered, "different worker"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerClock(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "clock-in",
		Method:        http.MethodPost,
		Path:          "/clock-in",
		Summary:       "Clock in at a job site",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ClockInRequest `json:"body"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		workerID := input.Body.WorkerID
		if workerID == "" {
			workerID = p.ActorID
		}
		if workerID != p.ActorID && p.Role == RoleWorker {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "workers can only clock themselves in", nil)
		}
		entry, err := e.ClockIn(ctx, engine.ClockInOptions{
			TenantID:       p.TenantID,
			WorkerID:       workerID,
			JobID:          input.Body.JobID,
			At:             input.Body.At,
			Location:       input.Body.Location,
			IdempotencyKey: input.Body.IdempotencyKey,
			ActorID:        p.ActorID,
		})
		if err != nil {
			metrics.IncClockOp("clock_in", "denied")
			return nil, handleError(err)
		}
		metrics.IncClockOp("clock_in", "ok")
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clock-out",
		Method:      http.MethodPost,
		Path:        "/clock-out",
		Summary:     "Clock out of the open entry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body ClockOutRequest `json:"body"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		workerID := input.Body.WorkerID
		if workerID == "" {
			workerID = p.ActorID
		}
		if workerID != p.ActorID && p.Role == RoleWorker {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "workers can only clock themselves out", nil)
		}
		entry, err := e.ClockOut(ctx, engine.ClockOutOptions{
			TenantID:       p.TenantID,
			WorkerID:       workerID,
			At:             input.Body.At,
			Location:       input.Body.Location,
			IdempotencyKey: input.Body.IdempotencyKey,
			ActorID:        p.ActorID,
		})
		if err != nil {
			metrics.IncClockOp("clock_out", "denied")
			return nil, handleError(err)
		}
		metrics.IncClockOp("clock_out", "ok")
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})
}

func splitCursor(cursor string) (string, string) {
	if cursor == "" {
		return "", ""
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func registerEntries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/entries",
		Summary:     "List time entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkerID string `query:"worker_id"`
		JobID    string `query:"job_id"`
		Status   string `query:"status" enum:",active,pending,approved,rejected"`
		Tag      string `query:"tag"`
		From     string `query:"from" format:"date-time"`
		To       string `query:"to" format:"date-time"`
		Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body EntryListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		workerID := input.WorkerID
		if p.Role == RoleWorker {
			// Workers see only their own entries.
			workerID = p.ActorID
		}
		cursorAt, cursorID := splitCursor(input.Cursor)
		items, err := e.Repo.ListEntries(ctx, repo.EntryFilters{
			TenantID:        p.TenantID,
			WorkerID:        workerID,
			JobID:           input.JobID,
			Status:          input.Status,
			Tag:             input.Tag,
			From:            input.From,
			To:              input.To,
			Limit:           input.Limit,
			CursorClockInAt: cursorAt,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EntryListResponse{Items: items}
		if input.Limit > 0 && len(items) == input.Limit {
			last := items[len(items)-1]
			resp.NextCursor = last.ClockInAt + "|" + last.ID
		}
		return &struct {
			Body EntryListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/entries/{entry_id}",
		Summary:     "Get a time entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntryID string `path:"entry_id"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Repo.GetEntry(ctx, p.TenantID, input.EntryID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Role == RoleWorker && entry.WorkerID != p.ActorID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "time entry not found", nil)
		}
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-entry",
		Method:      http.MethodPost,
		Path:        "/entries/{entry_id}/approve",
		Summary:     "Approve a pending entry",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntryID string `path:"entry_id"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Approve(ctx, p.TenantID, input.EntryID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		metrics.IncReviewDecision("approve")
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-entry",
		Method:      http.MethodPost,
		Path:        "/entries/{entry_id}/reject",
		Summary:     "Reject a pending entry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntryID string        `path:"entry_id"`
		Body    RejectRequest `json:"body"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Reject(ctx, p.TenantID, input.EntryID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		metrics.IncReviewDecision("reject")
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-approve-entries",
		Method:      http.MethodPost,
		Path:        "/entries/approve",
		Summary:     "Approve entries in bulk",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body BulkDecideRequest `json:"body"`
	}) (*struct {
		Body []engine.BulkResult `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.EntryIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entry_ids is required", nil)
		}
		results := e.BulkApprove(ctx, p.TenantID, input.Body.EntryIDs, p.ActorID)
		return &struct {
			Body []engine.BulkResult `json:"body"`
		}{Body: results}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-reject-entries",
		Method:      http.MethodPost,
		Path:        "/entries/reject",
		Summary:     "Reject entries in bulk",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body BulkDecideRequest `json:"body"`
	}) (*struct {
		Body []engine.BulkResult `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.EntryIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entry_ids is required", nil)
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		results := e.BulkReject(ctx, p.TenantID, input.Body.EntryIDs, p.ActorID, input.Body.Reason)
		return &struct {
			Body []engine.BulkResult `json:"body"`
		}{Body: results}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-entry",
		Method:      http.MethodPost,
		Path:        "/entries/{entry_id}/dispute",
		Summary:     "Dispute a pending entry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntryID string         `path:"entry_id"`
		Body    DisputeRequest `json:"body"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Dispute(ctx, p.TenantID, input.EntryID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-entries",
		Method:      http.MethodPost,
		Path:        "/entries/sweep",
		Summary:     "Auto clock-out stale active entries",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TimeEntry `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		closed, err := e.AutoClockOut(ctx, p.TenantID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if closed == nil {
			closed = []domain.TimeEntry{}
		}
		return &struct {
			Body []domain.TimeEntry `json:"body"`
		}{Body: closed}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create a job site",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CreateJob(ctx, p.TenantID, input.Body.Name, input.Body.Lat, input.Body.Lng, input.Body.RadiusM, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List job sites",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		jobs, err := e.Repo.ListJobs(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-worker",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/assignments",
		Summary:       "Assign a worker to a job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string              `path:"job_id"`
		Body  AssignWorkerRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AssignWorker(ctx, p.TenantID, input.JobID, input.Body.WorkerID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/assignments",
		Summary:     "List a job's assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetJob(ctx, p.TenantID, input.JobID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignments(ctx, p.TenantID, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Assignment{}
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, p.TenantID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: items}
		if items == nil {
			resp.Items = []domain.Event{}
		}
		if len(items) == input.Limit && input.Limit > 0 {
			resp.NextCursor = items[len(items)-1].ID
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTenantConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Get effective tenant config",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := e.Repo.GetTenantConfig(ctx, p.TenantID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			cfg = e.Config
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Sitepunch API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
