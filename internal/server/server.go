package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bidline/internal/checkpoint"
	"bidline/internal/domain"
	"bidline/internal/executor"
	"bidline/internal/orchestrator"
	"bidline/internal/rank"
	"bidline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Pool         *executor.Pool
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"case version changed underneath the caller"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_version\":7}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bidline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Orchestrator.Repo))
	hcfg := huma.DefaultConfig("Bidline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Orchestrator)
	registerRuns(group, cfg.Orchestrator, cfg.Pool)
	registerReview(group, cfg.Orchestrator)
	registerSessions(group, cfg.Orchestrator)
	registerCheckpoints(group, cfg.Orchestrator)
	registerEvents(group, cfg.Orchestrator)
	registerSimilar(group, cfg.Orchestrator)
	registerAPIKeys(group, cfg.Orchestrator)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Orchestrator)

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
	var vc repo.VersionConflictError
	if errors.As(err, &vc) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"current_version": vc.CurrentVersion,
			"current_editor":  vc.CurrentEditor,
		})
	}
	var inv checkpoint.InvalidOutputError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_output", err.Error(), map[string]any{"stage": inv.Stage})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrNotAwaitingReview):
		return newAPIError(http.StatusConflict, "not_awaiting_review", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrTerminal):
		return newAPIError(http.StatusConflict, "terminal_state", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrNotBlocked):
		return newAPIError(http.StatusConflict, "not_blocked", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
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
    <title>Bidline API Docs</title>
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

type CasePath struct {
	CaseID string `path:"case_id"`
}

func registerCases(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := orchestrator.CreateOptions{
			Title:        input.Body.Title,
			ServiceTypes: input.Body.ServiceTypes,
			Technologies: input.Body.Technologies,
			ActorID:      principal.ActorID,
			SessionID:    principal.SessionID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ClientName != nil {
			opts.ClientName = *input.Body.ClientName
		}
		if input.Body.Industry != nil {
			opts.Industry = *input.Body.Industry
		}
		if len(input.Body.Intake) > 0 {
			raw, err := json.Marshal(input.Body.Intake)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "intake is not serializable", nil)
			}
			opts.IntakeJSON = string(raw)
		}
		c, err := o.CreateCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: CaseResponse{Case: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *CasePath) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := o.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: CaseResponse{Case: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		Stage   string `query:"stage"`
		Outcome string `query:"outcome"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Case `json:"body"`
	}, error) {
		items, err := o.Repo.ListCases(ctx, repo.CaseFilters{
			Status:  input.Status,
			Stage:   input.Stage,
			Outcome: input.Outcome,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Case `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-case",
		Method:      http.MethodDelete,
		Path:        "/cases/{case_id}",
		Summary:     "Soft-delete case",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CasePath
		ExpectedVersion int64 `query:"expected_version"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := o.Repo.SoftDeleteCase(ctx, input.CaseID, input.ExpectedVersion); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-status",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/status",
		Summary:     "Case snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *CasePath) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		snap, err := o.Status(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		out := SnapshotResponse{Snapshot: snap}
		if cp, exists, err := o.Checkpoints.Latest(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		} else if exists {
			out.LatestCheckpoint = &cp
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerRuns(api huma.API, o *orchestrator.Orchestrator, pool *executor.Pool) {
	huma.Register(api, huma.Operation{
		OperationID:   "advance-case",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/advance",
		Summary:       "Advance case through the pipeline",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *CasePath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := o.Status(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if pool == nil {
			// Synchronous fallback when no worker pool is attached.
			snap, err = o.Advance(ctx, input.CaseID, principal.ActorID, principal.SessionID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body RunResponse `json:"body"`
			}{Body: RunResponse{
				Run:      executor.Run{CaseID: input.CaseID, Status: executor.RunDone},
				Snapshot: snap,
			}}, nil
		}
		run := pool.Enqueue(input.CaseID, principal.ActorID, principal.SessionID)
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{Run: run, Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body executor.Run `json:"body"`
	}, error) {
		if pool == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "runs are not tracked", nil)
		}
		run, ok := pool.Run(input.RunID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "run not found", nil)
		}
		return &struct {
			Body executor.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerReview(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/approve",
		Summary:     "Approve the gated stage output",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		CasePath
		Body ApproveRequest `json:"body"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := o.Approve(ctx, input.CaseID, input.Body.ExpectedVersion, principal.ActorID, principal.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/reject",
		Summary:     "Reject the gated stage output",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		CasePath
		Body RejectRequest `json:"body"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var snap domain.Snapshot
		var err error
		switch input.Body.Mode {
		case "edit":
			if input.Body.Edits == nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "edits are required for mode=edit", nil)
			}
			snap, err = o.RejectWithEdits(ctx, input.CaseID, input.Body.ExpectedVersion, *input.Body.Edits, principal.ActorID, principal.SessionID)
		case "rerun":
			snap, err = o.RejectAndRerun(ctx, input.CaseID, input.Body.ExpectedVersion, principal.ActorID, principal.SessionID)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "mode must be edit or rerun", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/retry",
		Summary:     "Retry a blocked case",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		CasePath
		Body RetryRequest `json:"body"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := o.Retry(ctx, input.CaseID, input.Body.ExpectedVersion, principal.ActorID, principal.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/cancel",
		Summary:     "Cancel a case",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		CasePath
		Body CancelRequest `json:"body"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := o.Cancel(ctx, input.CaseID, input.Body.ExpectedVersion, principal.ActorID, principal.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{Snapshot: snap}}, nil
	})
}

func registerSessions(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "session-check",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/session",
		Summary:     "Check for a concurrent editing session",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *CasePath) (*struct {
		Body SessionCheckResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := o.Sessions.Check(ctx, input.CaseID, principal.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := o.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionCheckResponse `json:"body"`
		}{Body: SessionCheckResponse{
			InConflict:      res.InConflict,
			OtherEditor:     res.OtherEditor,
			OtherSessionAge: res.OtherSessionAge,
			CurrentVersion:  c.Version,
		}}, nil
	})
}

func registerCheckpoints(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/checkpoints",
		Summary:     "Checkpoint history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CasePath
		Stage string `query:"stage"`
	}) (*struct {
		Body CheckpointListResponse `json:"body"`
	}, error) {
		if _, err := o.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := o.Checkpoints.History(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Stage != "" {
			filtered := items[:0]
			for _, cp := range items {
				if cp.Stage == input.Stage {
					filtered = append(filtered, cp)
				}
			}
			items = filtered
		}
		return &struct {
			Body CheckpointListResponse `json:"body"`
		}{Body: CheckpointListResponse{Items: items}}, nil
	})
}

func registerEvents(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "case-events",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/events",
		Summary:     "Case event history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CasePath
		Limit int `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, err := o.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := o.Repo.LatestEvents(ctx, limit, input.CaseID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events",
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := o.Repo.LatestEvents(ctx, limit, input.CaseID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}

func registerSimilar(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "similar-cases",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/similar",
		Summary:     "Ranked similar historical cases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *CasePath) (*struct {
		Body SimilarCasesResponse `json:"body"`
	}, error) {
		c, err := o.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		var res rank.Result
		res, err = o.Registry.RankCandidates(ctx, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SimilarCasesResponse `json:"body"`
		}{Body: SimilarCasesResponse{Candidates: res.Candidates, PoolSize: res.PoolSize}}, nil
	})
}

func registerAPIKeys(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		secret := uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			KeyHash: repo.HashAPIKey(secret),
		}
		if input.Body.Name != nil {
			key.Name = *input.Body.Name
		}
		if err := o.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := o.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        stored.ID,
			ActorID:   stored.ActorID,
			Name:      stored.Name,
			Key:       secret,
			CreatedAt: stored.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := o.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := o.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}
