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

	"bullpen/internal/domain"
	"bullpen/internal/engine"
	"bullpen/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_owner"`
	Message string         `json:"message" example:"task t1 is held by builder-1, not builder-2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"holder\":\"builder-1\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bullpen API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Bullpen API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCrew(group, cfg.Engine)
	registerWorkers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerLocks(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerDiscussions(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerProviders(group, cfg.Engine)
	registerOutcomes(group, cfg.Engine)
	registerLearnings(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var noe engine.NotOwnerError
	if errors.As(err, &noe) {
		return newAPIError(http.StatusConflict, "not_owner", err.Error(), map[string]any{"holder": noe.Holder})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	var lhe engine.LockHeldError
	if errors.As(err, &lhe) {
		return newAPIError(http.StatusConflict, "lock_held", err.Error(), map[string]any{
			"holder":     lhe.Holder,
			"expires_at": lhe.ExpiresAt,
		})
	}
	var dve engine.DuplicateVoteError
	if errors.As(err, &dve) {
		return newAPIError(http.StatusConflict, "duplicate_vote", err.Error(), map[string]any{"voter": dve.Voter})
	}
	var are engine.AlreadyResolvedError
	if errors.As(err, &are) {
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), map[string]any{"status": are.Status})
	}
	var npe engine.NoProviderError
	if errors.As(err, &npe) {
		return newAPIError(http.StatusServiceUnavailable, "no_provider_available", err.Error(), map[string]any{"tried": npe.Tried})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not on the roster"):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "must be"):
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
	case http.StatusServiceUnavailable:
		return "no_provider_available"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Bullpen API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Crew status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		report, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerCrew(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-crew",
		Method:      http.MethodGet,
		Path:        "/crew",
		Summary:     "Crew configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body := map[string]any{"name": "", "workers": []map[string]any{}}
		if e.Config != nil {
			body["name"] = e.Config.Crew.Name
			workers := make([]map[string]any, 0, len(e.Config.Crew.Workers))
			for _, w := range e.Config.Crew.Workers {
				workers = append(workers, map[string]any{
					"id":             w.ID,
					"role":           w.Role,
					"accepted_types": w.AcceptedTypes,
				})
			}
			body["workers"] = workers
			body["providers"] = e.Config.Providers.Order
			body["policies"] = map[string]any{
				"max_retries":         e.Config.Policies.Tasks.MaxRetries,
				"retry_delay_seconds": e.Config.Policies.Tasks.RetryDelaySeconds,
				"stale_after_seconds": e.Config.Policies.Tasks.StaleAfterSeconds,
				"heartbeat_seconds":   e.Config.Policies.Tasks.HeartbeatSeconds,
				"lock_ttl_seconds":    e.Config.Policies.Locks.DefaultTTLSeconds,
				"voting_quorum":       e.Config.Policies.Voting.Quorum,
				"voting_threshold":    e.Config.Policies.Voting.Threshold,
			}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Register worker",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterWorkerRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		w, err := e.RegisterWorker(ctx, input.Body.ID, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: decorateWorker(e, w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkerResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkerResponse, 0, len(items))
		for _, w := range items {
			res = append(res, decorateWorker(e, w))
		}
		return &struct {
			Body []WorkerResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-worker",
		Method:      http.MethodGet,
		Path:        "/workers/{id}",
		Summary:     "Get worker",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorker(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: decorateWorker(e, w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mint-api-key",
		Method:        http.MethodPost,
		Path:          "/workers/{id}/keys",
		Summary:       "Mint API key for worker",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body MintAPIKeyRequest `json:"body"`
	}) (*struct {
		Body MintAPIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.MintAPIKey(ctx, input.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MintAPIKeyResponse `json:"body"`
		}{Body: MintAPIKeyResponse{Key: apiKeyResponse(key), Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/workers/{id}/keys",
		Summary:     "List API keys for worker",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(items)}, nil
	})
}

// decorateWorker folds the roster entry into the stored worker row.
func decorateWorker(e engine.Engine, w domain.Worker) WorkerResponse {
	res := workerResponse(w)
	if e.Config != nil {
		if entry, ok := e.Config.RosterWorker(res.ID); ok {
			res.AcceptedTypes = entry.AcceptedTypes
			if res.Role == "" {
				res.Role = entry.Role
			}
		}
	}
	return res
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Enqueue task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		actorID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := encodeJSONMap(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		opts := engine.TaskCreateOptions{
			Type:        input.Body.Type,
			PayloadJSON: payload,
			RepoRef:     stringOrEmpty(input.Body.RepoRef),
			ParentID:    stringOrEmpty(input.Body.ParentID),
			NotBefore:   stringOrEmpty(input.Body.NotBefore),
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Type       string `query:"type"`
		AssignedTo string `query:"assigned_to"`
		ParentID   string `query:"parent_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.TaskFilters{
			Status:          input.Status,
			Type:            input.Type,
			AssignedTo:      input.AssignedTo,
			ParentID:        input.ParentID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		tasks, err := e.Repo.ListTasks(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit].CreatedAt, tasks[limit].ID)
			tasks = tasks[:limit]
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/claim",
		Summary:     "Claim next task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimTaskRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ClaimTask(ctx, workerID, input.Body.Types)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ClaimResponse{}
		if t != nil {
			tr := taskResponse(*t)
			resp.Task = &tr
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete claimed task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var result *string
		if input.Body.Result != nil {
			encoded, err := encodeJSONMap(input.Body.Result)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid result", map[string]any{"error": err.Error()})
			}
			if encoded != "" {
				result = &encoded
			}
		}
		t, err := e.CompleteTask(ctx, input.ID, workerID, result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/fail",
		Summary:     "Report failed attempt",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body FailTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.FailTask(ctx, input.ID, workerID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/heartbeat",
		Summary:     "Heartbeat claimed task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Heartbeat(ctx, input.ID, workerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reclaim-stale-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/reclaim",
		Summary:     "Requeue stale claimed tasks",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ReclaimRequest `json:"body"`
	}) (*struct {
		Body ReclaimResponse `json:"body"`
	}, error) {
		actorID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		timeout := time.Duration(input.Body.TimeoutSeconds) * time.Second
		reclaimed, err := e.ReclaimStale(ctx, timeout, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReclaimResponse `json:"body"`
		}{Body: ReclaimResponse{Reclaimed: mapTasks(reclaimed)}}, nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "acquire-lock",
		Method:        http.MethodPost,
		Path:          "/locks",
		Summary:       "Acquire resource lease",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body AcquireLockRequest `json:"body"`
	}) (*struct {
		Body LockResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		holder, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		lock, err := e.AcquireLock(ctx, input.Body.ResourceKey, holder, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockResponse `json:"body"`
		}{Body: lockResponse(lock)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "List leases",
	}, func(ctx context.Context, input *struct {
		IncludeExpired bool `query:"include_expired"`
	}) (*struct {
		Body []LockResponse `json:"body"`
	}, error) {
		now := time.Now().UTC().Format(time.RFC3339)
		locks, err := e.Repo.ListLocks(ctx, now, input.IncludeExpired)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]LockResponse, 0, len(locks))
		for _, l := range locks {
			res = append(res, lockResponse(l))
		}
		return &struct {
			Body []LockResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lock",
		Method:      http.MethodGet,
		Path:        "/locks/{key}",
		Summary:     "Get lease",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body LockResponse `json:"body"`
	}, error) {
		lock, err := e.Repo.GetLock(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockResponse `json:"body"`
		}{Body: lockResponse(lock)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "renew-lock",
		Method:      http.MethodPost,
		Path:        "/locks/{key}/renew",
		Summary:     "Renew held lease",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Key  string           `path:"key"`
		Body RenewLockRequest `json:"body"`
	}) (*struct {
		Body LockResponse `json:"body"`
	}, error) {
		holder, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		lock, err := e.RenewLock(ctx, input.Key, holder, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockResponse `json:"body"`
		}{Body: lockResponse(lock)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lock",
		Method:      http.MethodPost,
		Path:        "/locks/{key}/release",
		Summary:     "Release held lease",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct{}, error) {
		holder, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReleaseLock(ctx, input.Key, holder); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-expired-locks",
		Method:      http.MethodPost,
		Path:        "/locks/purge",
		Summary:     "Purge expired leases",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PurgeLocksResponse `json:"body"`
	}, error) {
		actorID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.PurgeExpiredLocks(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurgeLocksResponse `json:"body"`
		}{Body: PurgeLocksResponse{Purged: n}}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Send message (empty to = broadcast)",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SendMessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		from, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := encodeJSONMap(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		m, err := e.SendMessage(ctx, engine.SendMessageOptions{
			From:        from,
			To:          stringOrEmpty(input.Body.To),
			Type:        input.Body.Type,
			PayloadJSON: payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "poll-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "Poll undelivered messages",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Since string `query:"since"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msgs, err := e.PollMessages(ctx, workerID, input.Since, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(msgs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-message",
		Method:      http.MethodGet,
		Path:        "/messages/{id}",
		Summary:     "Get message",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		m, err := e.Repo.GetMessage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-message-read",
		Method:      http.MethodPost,
		Path:        "/messages/{id}/read",
		Summary:     "Mark message read",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.MarkMessageRead(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})
}

func registerDiscussions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-discussion",
		Method:        http.MethodPost,
		Path:          "/discussions",
		Summary:       "Post to discussion topic",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body PostDiscussionRequest `json:"body"`
	}) (*struct {
		Body DiscussionPostResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		author, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.PostDiscussion(ctx, author, input.Body.Topic, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DiscussionPostResponse `json:"body"`
		}{Body: discussionPostResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-discussion",
		Method:      http.MethodGet,
		Path:        "/discussions",
		Summary:     "List discussion posts",
	}, func(ctx context.Context, input *struct {
		Topic string `query:"topic"`
		Since string `query:"since"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DiscussionPostResponse `json:"body"`
	}, error) {
		posts, err := e.ListDiscussion(ctx, repo.DiscussionFilters{
			Topic: input.Topic,
			Since: input.Since,
			Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DiscussionPostResponse `json:"body"`
		}{Body: mapDiscussionPosts(posts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-discussion-topics",
		Method:      http.MethodGet,
		Path:        "/discussions/topics",
		Summary:     "List discussion topics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		topics, err := e.Repo.ListDiscussionTopics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: topics}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Open proposal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		author, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := encodeJSONMap(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		opts := engine.ProposalCreateOptions{
			Author:      author,
			Kind:        input.Body.Kind,
			Title:       input.Body.Title,
			Rationale:   input.Body.Rationale,
			PayloadJSON: payload,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.CreateProposal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,approved,rejected"`
		Kind   string `query:"kind"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ProposalResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			Status: input.Status,
			Kind:   input.Kind,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProposalResponse `json:"body"`
		}{Body: mapProposals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal with votes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProposalDetailResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		votes, err := e.Repo.ListVotes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalDetailResponse `json:"body"`
		}{Body: ProposalDetailResponse{
			Proposal: proposalResponse(p),
			Votes:    mapVotes(votes),
			Tally:    engine.TallyVotes(votes),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cast-vote",
		Method:        http.MethodPost,
		Path:          "/proposals/{id}/votes",
		Summary:       "Cast vote",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CastVoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		voter, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CastVote(ctx, input.ID, voter, input.Body.Stance, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: voteResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/resolve",
		Summary:     "Resolve proposal by quorum and threshold",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ResolveProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalDetailResponse `json:"body"`
	}, error) {
		actorID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		quorum := 0
		if input.Body.Quorum != nil {
			quorum = *input.Body.Quorum
		}
		threshold := 0.0
		if input.Body.Threshold != nil {
			threshold = *input.Body.Threshold
		}
		p, tally, err := e.ResolveProposal(ctx, input.ID, quorum, threshold, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		votes, err := e.Repo.ListVotes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalDetailResponse `json:"body"`
		}{Body: ProposalDetailResponse{
			Proposal: proposalResponse(p),
			Votes:    mapVotes(votes),
			Tally:    tally,
		}}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Submit item for approval",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		submitter, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ApprovalSubmitOptions{
			ItemType:    input.Body.ItemType,
			Reference:   input.Body.Reference,
			SubmittedBy: submitter,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		a, err := e.SubmitApproval(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval items",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"pending,approved,rejected"`
		ItemType string `query:"item_type"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{
			Status:   input.Status,
			ItemType: input.ItemType,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get approval item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetApproval(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/decide",
		Summary:     "Decide approval item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body DecideApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		reviewer, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.DecideApproval(ctx, input.ID, input.Body.Decision, reviewer, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})
}

func registerProviders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "List provider health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProviderHealthResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProviderHealth(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProviderHealthResponse `json:"body"`
		}{Body: mapProviderHealth(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-provider",
		Method:      http.MethodGet,
		Path:        "/providers/select",
		Summary:     "Select first unlimited provider",
		Errors: []int{
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Prefer []string `query:"prefer"`
	}) (*struct {
		Body SelectProviderResponse `json:"body"`
	}, error) {
		provider, err := e.SelectProvider(ctx, input.Prefer...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SelectProviderResponse `json:"body"`
		}{Body: SelectProviderResponse{Provider: provider}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-provider-limited",
		Method:      http.MethodPost,
		Path:        "/providers/{provider}/limit",
		Summary:     "Report provider rate limited",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Provider string                `path:"provider"`
		Body     ReportProviderRequest `json:"body"`
	}) (*struct {
		Body ProviderHealthResponse `json:"body"`
	}, error) {
		setBy, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resetAt time.Time
		if input.Body.ResetAt != nil && *input.Body.ResetAt != "" {
			parsed, err := time.Parse(time.RFC3339, *input.Body.ResetAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid reset_at", map[string]any{"reset_at": *input.Body.ResetAt})
			}
			resetAt = parsed
		}
		ph, err := e.ReportProviderLimited(ctx, input.Provider, resetAt, setBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProviderHealthResponse `json:"body"`
		}{Body: providerHealthResponse(ph)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-provider-limit",
		Method:      http.MethodPost,
		Path:        "/providers/{provider}/clear",
		Summary:     "Clear provider limit",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Provider string `path:"provider"`
	}) (*struct {
		Body ProviderHealthResponse `json:"body"`
	}, error) {
		setBy, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := e.ClearProviderLimit(ctx, input.Provider, setBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProviderHealthResponse `json:"body"`
		}{Body: providerHealthResponse(ph)}, nil
	})
}

func registerOutcomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-outcome",
		Method:        http.MethodPost,
		Path:          "/outcomes",
		Summary:       "Record task outcome",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RecordOutcomeRequest `json:"body"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RecordOutcome(ctx, engine.OutcomeRecordOptions{
			TaskID:       input.Body.TaskID,
			WorkerID:     workerID,
			TaskType:     input.Body.TaskType,
			Outcome:      input.Body.Outcome,
			Duration:     time.Duration(input.Body.DurationMS) * time.Millisecond,
			ErrorSummary: input.Body.ErrorSummary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outcomes",
		Method:      http.MethodGet,
		Path:        "/outcomes",
		Summary:     "List outcome records",
	}, func(ctx context.Context, input *struct {
		WorkerID string `query:"worker_id"`
		TaskType string `query:"task_type"`
		Since    string `query:"since"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []OutcomeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOutcomes(ctx, repo.OutcomeFilters{
			WorkerID: input.WorkerID,
			TaskType: input.TaskType,
			Since:    input.Since,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OutcomeResponse `json:"body"`
		}{Body: mapOutcomes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "outcome-summary",
		Method:      http.MethodGet,
		Path:        "/outcomes/summary",
		Summary:     "Aggregate outcomes by worker and type",
	}, func(ctx context.Context, input *struct {
		WindowSeconds int `query:"window_seconds"`
	}) (*struct {
		Body engine.OutcomeSummary `json:"body"`
	}, error) {
		window := time.Duration(input.WindowSeconds) * time.Second
		summary, err := e.AggregateOutcomes(ctx, window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.OutcomeSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerLearnings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-learning",
		Method:        http.MethodPost,
		Path:          "/learnings",
		Summary:       "Add learning",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body AddLearningRequest `json:"body"`
	}) (*struct {
		Body LearningResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.AddLearning(ctx, engine.LearningAddOptions{
			WorkerID:   workerID,
			Category:   input.Body.Category,
			Content:    input.Body.Content,
			Confidence: input.Body.Confidence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LearningResponse `json:"body"`
		}{Body: learningResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-learnings",
		Method:      http.MethodGet,
		Path:        "/learnings",
		Summary:     "List learnings",
	}, func(ctx context.Context, input *struct {
		WorkerID string `query:"worker_id"`
		Category string `query:"category"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []LearningResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListLearnings(ctx, repo.LearningFilters{
			WorkerID: input.WorkerID,
			Category: input.Category,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LearningResponse `json:"body"`
		}{Body: mapLearnings(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-learning",
		Method:      http.MethodGet,
		Path:        "/learnings/{id}",
		Summary:     "Get learning",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body LearningResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetLearning(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LearningResponse `json:"body"`
		}{Body: learningResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reinforce-learning",
		Method:      http.MethodPost,
		Path:        "/learnings/{id}/reinforce",
		Summary:     "Reinforce learning",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body LearningResponse `json:"body"`
	}, error) {
		actorID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ReinforceLearning(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LearningResponse `json:"body"`
		}{Body: learningResponse(l)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events (newest first)",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit].ID, 10)
			items = items[:limit]
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.WorkerID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles := principal.Roles
		onRoster := false
		if e.Config != nil {
			if entry, found := e.Config.RosterWorker(principal.WorkerID); found {
				onRoster = true
				if len(roles) == 0 && entry.Role != "" {
					roles = []string{entry.Role}
				}
			}
		}
		if roles == nil {
			roles = []string{}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			WorkerID: principal.WorkerID,
			Roles:    roles,
			Source:   principal.Source,
			OnRoster: onRoster,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		workerID := strings.TrimSpace(input.Body.WorkerID)
		if workerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, workerID, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
