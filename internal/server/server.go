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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/logging"
	"forgeline/internal/provider"
	"forgeline/internal/review"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_conflict"`
	Message string         `json:"message" example:"stage Planning (Pending): a generation is awaiting review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage_id\":2}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// response wraps a JSON body for huma handlers.
type response[T any] struct {
	Body T `json:"body"`
}

func ok[T any](body T) *response[T] { return &response[T]{Body: body} }

// New returns an HTTP handler exposing the Forgeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.Component(cfg.Logger, "http")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema violations are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Forgeline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, e)
	registerWorkflow(group, e)
	registerGenerate(group, e)
	registerReviews(group, e, logger)
	registerStories(group, e)
	registerArtifacts(group, e)
	registerEvents(group, e)
	registerProvider(group, e)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			} else if status >= http.StatusBadRequest {
				level = slog.LevelInfo
			}
			logger.Log(r.Context(), level, "request",
				logging.FieldRequestID, middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	var ure domain.UnknownReviewError
	if errors.As(err, &ure) {
		return newAPIError(http.StatusNotFound, "unknown_review", err.Error(), map[string]any{"review_id": ure.ReviewID})
	}
	var nfe domain.NotFoundError
	if errors.As(err, &nfe) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nfe.Kind, "id": nfe.ID})
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var te domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "transition_conflict", err.Error(),
			map[string]any{"stage_id": int(te.StageID), "status": string(te.From)})
	}
	var ade domain.AlreadyDecidedError
	if errors.As(err, &ade) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(),
			map[string]any{"review_id": ade.ReviewID, "status": string(ade.Status)})
	}
	var pse *provider.StatusError
	if errors.As(err, &pse) || errors.Is(err, provider.ErrEmptyResponse) {
		return newAPIError(http.StatusBadGateway, "provider_error", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
    <title>Forgeline API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*response[ProjectResponse], error) {
		opts := engine.ProjectCreateOptions{ID: input.Body.ID, Name: input.Body.Name, ActorID: actorID(ctx)}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		p, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*response[[]ProjectResponse], error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(mapProjects(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[ProjectResponse], error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(projectResponse(p)), nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflow/{project_id}",
		Summary:     "Workflow snapshot with gate state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[WorkflowResponse], error) {
		snap, err := e.Snapshot(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(workflowResponse(snap)), nil
	})
}

func registerGenerate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-stage",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/generate",
		Summary:       "Generate a stage artifact and open its review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		StageID string               `path:"stage_id"`
		Body    GenerateStageRequest `json:"body"`
	}) (*response[GenerateResponse], error) {
		stage, err := domain.ParseStageID(input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		inputs := make(map[string]string, len(input.Body.Inputs)+1)
		for k, v := range input.Body.Inputs {
			inputs[k] = v
		}
		if input.Body.Description != nil {
			inputs["description"] = *input.Body.Description
		}
		res, err := e.GenerateStage(ctx, engine.GenerateOptions{
			ProjectID: input.Body.ProjectID,
			StageID:   stage,
			Inputs:    inputs,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(generateResponse(res)), nil
	})
}

func registerReviews(api huma.API, e engine.Engine, logger *slog.Logger) {
	for _, verb := range []struct {
		name   string
		status domain.StageStatus
	}{
		{"approve", domain.StatusApproved},
		{"reject", domain.StatusRejected},
	} {
		huma.Register(api, huma.Operation{
			OperationID: verb.name + "-review",
			Method:      http.MethodPost,
			Path:        "/reviews/{review_id}/" + verb.name,
			Summary:     strings.ToUpper(verb.name[:1]) + verb.name[1:] + " a stage review",
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ReviewID string           `path:"review_id"`
			Body     *DecisionRequest `json:"body" required:"false"`
		}) (*response[DecisionResponse], error) {
			var feedback *string
			if input.Body != nil {
				feedback = input.Body.Feedback
			}
			res, err := e.DecideReview(ctx, review.Decision{
				ReviewID: input.ReviewID,
				Status:   verb.status,
				Feedback: feedback,
				ActorID:  actorID(ctx),
			})
			var already domain.AlreadyDecidedError
			if errors.As(err, &already) {
				logger.Warn("review already decided",
					logging.FieldReviewID, already.ReviewID,
					logging.FieldProjectID, already.ProjectID,
					"status", string(already.Status),
					"requested", string(verb.status),
				)
				return ok(alreadyDecidedResponse(already)), nil
			}
			if err != nil && res.ReviewID == "" {
				return nil, handleError(err)
			}
			if err != nil {
				// committed; only the follow-up read failed
				logger.Error("re-aggregate after decision", logging.FieldReviewID, res.ReviewID, "error", err)
			}
			return ok(decisionResponse(res)), nil
		})
	}
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stories",
		Summary:     "Stories of the current Stories artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[StoriesResponse], error) {
		overview, err := e.ListStories(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(storiesResponse(overview)), nil
	})

	for _, verb := range []struct {
		name   string
		status domain.StageStatus
	}{
		{"approve", domain.StatusApproved},
		{"reject", domain.StatusRejected},
	} {
		huma.Register(api, huma.Operation{
			OperationID: verb.name + "-story",
			Method:      http.MethodPost,
			Path:        "/stories/{story_id}/" + verb.name,
			Summary:     strings.ToUpper(verb.name[:1]) + verb.name[1:] + " a user story",
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			StoryID string           `path:"story_id"`
			Body    *DecisionRequest `json:"body" required:"false"`
		}) (*response[StoryResponse], error) {
			dec := engine.StoryDecision{StoryID: input.StoryID, Status: verb.status, ActorID: actorID(ctx)}
			if input.Body != nil {
				dec.Feedback = input.Body.Feedback
			}
			story, err := e.DecideStory(ctx, dec)
			if err != nil {
				return nil, handleError(err)
			}
			return ok(storyResponse(story)), nil
		})
	}
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}",
		Summary:     "Stored content of a stage artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactID string `path:"artifact_id"`
	}) (*response[ArtifactResponse], error) {
		a, err := e.GetArtifact(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(artifactResponse(a)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*response[paginatedEvents], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
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
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.ProjectID, input.Type)
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
		return ok(resp), nil
	})
}

func registerProvider(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "provider-status",
		Method:      http.MethodGet,
		Path:        "/provider/status",
		Summary:     "Probe the configured AI provider",
	}, func(ctx context.Context, _ *struct{}) (*response[provider.Status], error) {
		if e.Generator == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "provider_unconfigured", "no provider configured", nil)
		}
		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		start := time.Now()
		err := e.Generator.Health(probeCtx)
		return ok(providerStatus(e.Generator, err, time.Since(start))), nil
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
