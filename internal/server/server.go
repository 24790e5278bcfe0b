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
	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"no edge plan -> test"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerStageOps(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
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
	var de *domain.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case domain.KindNotFound:
			return newAPIError(http.StatusNotFound, "not_found", de.Message, nil)
		case domain.KindInvalidTransition:
			return newAPIError(http.StatusConflict, string(de.Kind), de.Message, nil)
		case domain.KindPreconditionMissing, domain.KindRetryBudgetExhausted:
			return newAPIError(http.StatusUnprocessableEntity, string(de.Kind), de.Message, nil)
		case domain.KindCheckTimedOut, domain.KindCheckUnavailable:
			return newAPIError(http.StatusBadGateway, string(de.Kind), de.Message, nil)
		}
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
    <title>Gateline API Docs</title>
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

type ItemPath struct {
	ItemID string `path:"item_id"`
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest
	}) (*workItemResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkItem(ctx, engine.CreateOptions{
			Slug:               input.Body.Slug,
			Title:              input.Body.Title,
			ProblemStatement:   input.Body.ProblemStatement,
			RequiredDocs:       input.Body.RequiredDocs,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workItemResponse{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkItems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
	}, func(ctx context.Context, input *ItemPath) (*workItemResponse, error) {
		w, err := e.Repo.GetWorkItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workItemResponse{Body: w}, nil
	})
}

func registerStageOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-output",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/output",
		Summary:     "Record stage output and advance",
		Description: "Completes a non-gate-bearing stage (plan, execute, document, release) and advances the item.",
	}, func(ctx context.Context, input *struct {
		ItemPath
		Body StageOutputRequest
	}) (*workItemResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.RecordStageOutput(ctx, input.ItemID, domain.StageOutput{
			Kind:    input.Body.Kind,
			Summary: input.Body.Summary,
			Payload: input.Body.Payload,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workItemResponse{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-gate",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/gate",
		Summary:     "Run the configured gate for the current stage",
	}, func(ctx context.Context, input *ItemPath) (*gateResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, verdict, err := e.RunGate(ctx, input.ItemID, actorID)
		if err != nil && !domain.IsKind(err, domain.KindRetryBudgetExhausted) {
			return nil, handleError(err)
		}
		resp := &gateResponse{}
		resp.Body.Item = w
		resp.Body.Verdict = verdict
		if err != nil {
			resp.Body.Error = err.Error()
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-verdict",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/verdict",
		Summary:     "Apply an externally produced gate verdict",
	}, func(ctx context.Context, input *struct {
		ItemPath
		Body domain.GateVerdict
	}) (*workItemResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.ApplyVerdict(ctx, input.ItemID, input.Body, actorID)
		if err != nil && !domain.IsKind(err, domain.KindRetryBudgetExhausted) {
			return nil, handleError(err)
		}
		return &workItemResponse{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-criterion",
		Method:      http.MethodPut,
		Path:        "/items/{item_id}/criteria/{name}",
		Summary:     "Set an acceptance criterion",
	}, func(ctx context.Context, input *struct {
		ItemPath
		Name string `path:"name"`
		Body CriterionRequest
	}) (*workItemResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.SetCriterion(ctx, input.ItemID, input.Name, input.Body.Satisfied, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workItemResponse{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/abort",
		Summary:     "Abort work item",
	}, func(ctx context.Context, input *struct {
		ItemPath
		Body AbortRequest
	}) (*workItemResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Abort(ctx, input.ItemID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workItemResponse{Body: w}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/artifacts",
		Summary:     "List artifact references",
	}, func(ctx context.Context, input *struct {
		ItemPath
		Stage string `query:"stage" enum:"plan,execute,verify,test,document,release,"`
	}) (*struct {
		Body []domain.ArtifactRef `json:"body"`
	}, error) {
		refs, err := e.Store.List(ctx, input.ItemID, domain.Stage(input.Stage))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ArtifactRef `json:"body"`
		}{Body: refs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/artifacts/{stage}/{kind}/{seq}",
		Summary:     "Get artifact content",
	}, func(ctx context.Context, input *struct {
		ItemPath
		Stage string `path:"stage"`
		Kind  string `path:"kind"`
		Seq   int    `path:"seq"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		a, err := e.Store.Get(ctx, domain.ArtifactRef{
			ItemID: input.ItemID,
			Stage:  domain.Stage(input.Stage),
			Kind:   input.Kind,
			Seq:    input.Seq,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "item-history",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/history",
		Summary:     "Work item stage history",
	}, func(ctx context.Context, input *ItemPath) (*struct {
		Body []domain.Transition `json:"body"`
	}, error) {
		ts, err := e.Repo.ListTransitions(ctx, input.ItemID, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transition `json:"body"`
		}{Body: ts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "log-tail",
		Method:      http.MethodGet,
		Path:        "/log/tail",
		Summary:     "Recent transitions across all items",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Transition `json:"body"`
	}, error) {
		ts, err := e.Repo.TailTransitions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transition `json:"body"`
		}{Body: ts}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		actor := input.Body.ActorID
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id required", nil)
		}
		secret := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: actor,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: key.ID, ActorID: actor, Key: secret}}, nil
	})
}
