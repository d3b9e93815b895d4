package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/engine/policy"
	"propline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"action_conflict"`
	Message string         `json:"message" example:"action is already being handled"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Propline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Propline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerRunStream(router, basePath, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerExceptions(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerKPIs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, engine.ErrActionBusy) || errors.Is(err, engine.ErrActionFinalized) {
		return newAPIError(http.StatusConflict, "action_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "active runs"):
		return newAPIError(http.StatusConflict, "run_limit", msg, nil)
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown"):
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

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// callerScope resolves the authenticated manager and their property scope.
func callerScope(ctx context.Context, e engine.Engine) (string, []string, huma.StatusError) {
	managerID, authErr := managerIDFromContext(ctx)
	if authErr != nil {
		return "", nil, authErr
	}
	scope, err := e.ScopeFor(ctx, managerID)
	if err != nil {
		return "", nil, handleError(err)
	}
	return managerID, scope, nil
}

// scopedProperties narrows the caller's scope to one property when requested.
// Asking for a property outside the scope yields an empty set, which reads as
// not found downstream rather than leaking existence.
func scopedProperties(scope []string, propertyID string) []string {
	if propertyID == "" {
		return scope
	}
	for _, id := range scope {
		if id == propertyID {
			return []string{propertyID}
		}
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Propline API Docs</title>
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

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List registered workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, authErr := managerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: e.Workflows.Names()}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Start a run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.PropertyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "property_id is required", nil)
		}
		managerID, authErr := managerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		trigger := input.Body.TriggerType
		if trigger == "" {
			trigger = "manual"
		}
		ref := ""
		if input.Body.TriggerRef != nil {
			ref = *input.Body.TriggerRef
		}
		run, err := e.StartRun(ctx, engine.RunStartOptions{
			TriggerType: trigger,
			TriggerRef:  ref,
			Workflow:    input.Body.Workflow,
			PropertyID:  input.Body.PropertyID,
			ManagerID:   managerID,
			Input:       input.Body.Input,
			ActorID:     managerID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		go func() {
			exCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			_ = e.ExecuteRun(exCtx, run.ID)
		}()
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PropertyID  string `query:"property_id"`
		Status      string `query:"status" enum:",queued,running,completed,failed,escalated,cancelled"`
		Workflow    string `query:"workflow"`
		TriggerType string `query:"trigger_type" enum:",schedule,event,manual"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListRuns(ctx, repo.RunFilters{
			PropertyIDs: scopedProperties(scope, input.PropertyID),
			Status:      input.Status,
			Workflow:    input.Workflow,
			TriggerType: input.TriggerType,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunDetailResponse `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.Repo.GetRunScoped(ctx, input.RunID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunDetailResponse `json:"body"`
		}{Body: RunDetailResponse{RunResponse: runResponse(run), Steps: mapSteps(steps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-log",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/log",
		Summary:     "Get run action log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []ActionLogResponse `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.Repo.GetRunScoped(ctx, input.RunID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		logs, err := e.Repo.ListActionLogs(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionLogResponse `json:"body"`
		}{Body: mapActionLogs(logs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Request run cancellation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		managerID, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.CancelRun(ctx, input.RunID, managerID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PropertyID string `query:"property_id"`
		RunID      string `query:"run_id"`
		Status     string `query:"status" enum:",pending_approval,auto_executed,approved,rejected,failed"`
		ActionType string `query:"action_type"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListActions(ctx, repo.ActionFilters{
			PropertyIDs: scopedProperties(scope, input.PropertyID),
			RunID:       input.RunID,
			Status:      input.Status,
			ActionType:  input.ActionType,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: mapActions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetActionScoped(ctx, input.ActionID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/approve",
		Summary:     "Approve and execute a pending action",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		managerID, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ApproveAction(ctx, input.ActionID, managerID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/reject",
		Summary:     "Reject a pending action",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		managerID, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RejectAction(ctx, input.ActionID, managerID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})
}

func registerExceptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-exceptions",
		Method:      http.MethodGet,
		Path:        "/exceptions",
		Summary:     "List exceptions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PropertyID string `query:"property_id"`
		RunID      string `query:"run_id"`
		Status     string `query:"status" enum:",open,acknowledged,resolved"`
		Severity   string `query:"severity" enum:",low,medium,high,critical"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ExceptionResponse `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListExceptions(ctx, repo.ExceptionFilters{
			PropertyIDs: scopedProperties(scope, input.PropertyID),
			RunID:       input.RunID,
			Status:      input.Status,
			Severity:    input.Severity,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ExceptionResponse `json:"body"`
		}{Body: mapExceptions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-exception",
		Method:      http.MethodGet,
		Path:        "/exceptions/{exception_id}",
		Summary:     "Get exception",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExceptionID string `path:"exception_id"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.Repo.GetExceptionScoped(ctx, input.ExceptionID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{exception_id}/ack",
		Summary:     "Acknowledge an open exception",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExceptionID string `path:"exception_id"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		managerID, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.AcknowledgeException(ctx, input.ExceptionID, managerID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{exception_id}/resolve",
		Summary:     "Resolve an exception",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExceptionID string `path:"exception_id"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		managerID, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.ResolveException(ctx, input.ExceptionID, managerID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(ex)}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PolicyResponse `json:"body"`
	}, error) {
		if _, authErr := managerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PolicyResponse `json:"body"`
		}{Body: mapPolicies(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{policy_id}",
		Summary:     "Get policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PolicyID string `path:"policy_id"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		if _, authErr := managerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetPolicy(ctx, input.PolicyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-policy",
		Method:      http.MethodPut,
		Path:        "/policies/{policy_id}",
		Summary:     "Create or replace a policy",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PolicyID string              `path:"policy_id"`
		Body     UpsertPolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := buildPolicy(input.PolicyID, input.Body, scope)
		if err != nil {
			return nil, handleError(err)
		}
		existing, err := e.Repo.GetPolicy(ctx, p.ID)
		now := time.Now().UTC().Format(time.RFC3339)
		switch {
		case err == nil:
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = now
		case errors.Is(err, repo.ErrNotFound):
			p.CreatedAt = now
			p.UpdatedAt = now
		default:
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertPolicy(ctx, p); err != nil {
			return nil, handleError(err)
		}
		saved, err := e.Repo.GetPolicy(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-policy",
		Method:      http.MethodDelete,
		Path:        "/policies/{policy_id}",
		Summary:     "Delete policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PolicyID string `path:"policy_id"`
	}) (*struct{}, error) {
		if _, authErr := managerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeletePolicy(ctx, input.PolicyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-policy",
		Method:      http.MethodPost,
		Path:        "/policies/evaluate",
		Summary:     "Dry-run policy evaluation for a hypothetical action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body EvaluatePolicyRequest `json:"body"`
	}) (*struct {
		Body EvaluatePolicyResponse `json:"body"`
	}, error) {
		if input.Body.ActionType == "" || input.Body.PropertyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_type and property_id are required", nil)
		}
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if len(scopedProperties(scope, input.Body.PropertyID)) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
		}
		policies, err := e.Repo.ActivePoliciesForProperty(ctx, input.Body.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		d := policy.Evaluate(policies, policy.Input{
			ActionType: input.Body.ActionType,
			PropertyID: input.Body.PropertyID,
			Target:     input.Body.Target,
			Context:    input.Body.Context,
		})
		return &struct {
			Body EvaluatePolicyResponse `json:"body"`
		}{Body: EvaluatePolicyResponse{
			Decision:  d.Effect,
			Reason:    d.Reason,
			PolicyID:  d.PolicyID,
			RuleIndex: d.RuleIndex,
		}}, nil
	})
}

func buildPolicy(id string, req UpsertPolicyRequest, scope []string) (domain.Policy, error) {
	if id == "" {
		return domain.Policy{}, errors.New("policy id is required")
	}
	rules := make([]domain.PolicyRule, 0, len(req.Rules))
	for _, r := range req.Rules {
		rules = append(rules, domain.PolicyRule(r))
	}
	if err := policy.ValidRules(rules); err != nil {
		return domain.Policy{}, err
	}
	p := domain.Policy{
		ID:        id,
		ScopeType: req.ScopeType,
		ScopeID:   req.ScopeID,
		Priority:  req.Priority,
		IsActive:  true,
		Rules:     rules,
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	switch req.ScopeType {
	case "global":
		p.ScopeID = nil
	case "property":
		if req.ScopeID == nil || *req.ScopeID == "" {
			return domain.Policy{}, errors.New("scope_id is required for property scope")
		}
		if len(scopedProperties(scope, *req.ScopeID)) == 0 {
			return domain.Policy{}, repo.ErrNotFound
		}
	default:
		return domain.Policy{}, fmt.Errorf("unknown scope_type %q", req.ScopeType)
	}
	return p, nil
}

func registerKPIs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-kpis",
		Method:      http.MethodGet,
		Path:        "/kpis",
		Summary:     "Operational KPIs over a trailing window",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PropertyID  string `query:"property_id"`
		WindowHours int    `query:"window_hours" default:"168" minimum:"1" maximum:"8760"`
	}) (*struct {
		Body engine.KPIReport `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		hours := input.WindowHours
		if hours <= 0 {
			hours = 168
		}
		rep, err := e.KPIs(ctx, scopedProperties(scope, input.PropertyID), time.Duration(hours)*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.KPIReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PropertyID string `query:"property_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",run,step,action,action_log,exception"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		_, scope, authErr := callerScope(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if input.PropertyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "property_id is required", nil)
		}
		if len(scopedProperties(scope, input.PropertyID)) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.PropertyID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		managerID, authErr := managerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		secret, key, err := e.CreateAPIKey(ctx, managerID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ManagerID: key.ManagerID,
			Name:      key.Name,
			CreatedAt: key.CreatedAt,
			Key:       secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		managerID, authErr := managerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, managerID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, APIKeyResponse{ID: k.ID, ManagerID: k.ManagerID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := managerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
