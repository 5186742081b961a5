package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missionboard/internal/engine"
	"missionboard/internal/graph"
	"missionboard/internal/guard"
	"missionboard/internal/repo"
)

// Identity headers read from every request.
const (
	HeaderAgentType    = "X-Agent-Type"
	HeaderTeammateName = "X-Teammate-Name"
	HeaderActorID      = "X-Actor-Id"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Guard    *guard.Guard
	BasePath string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"wip_limit_exceeded"`
	Message string         `json:"message" example:"wip limit exceeded for testing: 2/2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"testing\"}"`
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

// service carries the dependencies every handler shares.
type service struct {
	e   *engine.Engine
	g   *guard.Guard
	log *slog.Logger
}

// New returns an HTTP handler exposing the missionboard API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{e: cfg.Engine, g: cfg.Guard, log: logger}

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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(identityMiddleware)
	hcfg := huma.DefaultConfig("Missionboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBoard(group, s)
	registerMissions(group, s)
	registerItems(group, s)
	registerDependencies(group, s)
	registerClaims(group, s)
	registerAgents(group, s)
	registerEvents(group, s)
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

// handleError maps typed core errors onto status codes and the error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var (
		it      *engine.InvalidTransitionError
		wip     *engine.WipLimitExceededError
		nc      *engine.NotClaimedError
		busy    *engine.AgentBusyError
		nf      *graph.DependencyNotFoundError
		cyc     *engine.CyclicDependencyError
		ims     *engine.InvalidMissionStateError
		active  *engine.MissionAlreadyActiveError
		checks  *engine.ChecksFailedError
		pd      *guard.PermissionDeniedError
		apiErr  *apiError
		details map[string]any
		status  int
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &pd):
		status, details = http.StatusForbidden, map[string]any{"agent": pd.Agent, "role": pd.Role, "action": pd.Action, "reason": pd.Reason}
	case errors.As(err, &it):
		status, details = http.StatusConflict, map[string]any{"item_id": it.ItemID, "from": it.From, "to": it.To}
	case errors.As(err, &wip):
		status, details = http.StatusConflict, map[string]any{"stage": wip.Stage, "limit": wip.Limit, "count": wip.Count}
	case errors.As(err, &nc):
		status, details = http.StatusConflict, map[string]any{"item_id": nc.ItemID, "agent": nc.Agent, "held_by": nc.HeldBy}
	case errors.As(err, &busy):
		status, details = http.StatusConflict, map[string]any{"item_id": busy.ItemID, "held_by": busy.HeldBy}
	case errors.As(err, &nf):
		status, details = http.StatusUnprocessableEntity, map[string]any{"item_id": nf.ItemID, "depends_on": nf.DependsOn, "missing": nf.Missing}
	case errors.As(err, &cyc):
		status, details = http.StatusUnprocessableEntity, map[string]any{"item_id": cyc.ItemID, "depends_on": cyc.DependsOn}
	case errors.As(err, &ims):
		status, details = http.StatusConflict, map[string]any{"mission_id": ims.MissionID, "state": ims.State, "operation": ims.Operation, "expected": ims.Expected}
	case errors.As(err, &active):
		status, details = http.StatusConflict, map[string]any{"mission_id": active.ID, "state": active.State}
	case errors.As(err, &checks):
		status, details = http.StatusUnprocessableEntity, map[string]any{"phase": checks.Phase, "blockers": checks.Blockers}
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	default:
		lowered := strings.ToLower(msg)
		for _, hint := range []string{"required", "invalid", "unknown", "cannot", "has no", "must"} {
			if strings.Contains(lowered, hint) {
				return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
			}
		}
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
	return newAPIError(status, engine.ErrorCode(err), msg, details)
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

type identityKey struct{}

type requestIdentity struct {
	signal guard.IdentitySignal
	actor  string
}

func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestIdentity{
			signal: guard.IdentitySignal{
				AgentType:    r.Header.Get(HeaderAgentType),
				TeammateName: r.Header.Get(HeaderTeammateName),
			},
			actor: strings.TrimSpace(r.Header.Get(HeaderActorID)),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFromContext(ctx context.Context) requestIdentity {
	id, _ := ctx.Value(identityKey{}).(requestIdentity)
	return id
}

// authorize gates a board operation on the caller's identity and returns the
// acting agent: the resolved identity, else the fallback, else X-Actor-Id.
func (s *service) authorize(ctx context.Context, operation, fallback string) (string, huma.StatusError) {
	id := identityFromContext(ctx)
	var agent string
	if s.g != nil {
		if err := s.g.Enforce(ctx, id.signal, guard.BoardAction(operation)); err != nil {
			return "", handleError(err)
		}
		agent, _ = s.g.Resolve(id.signal)
	} else {
		agent, _ = guard.Resolver{}.Resolve(id.signal)
	}
	switch {
	case agent != "":
		return agent, nil
	case strings.TrimSpace(fallback) != "":
		return strings.TrimSpace(fallback), nil
	}
	return id.actor, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Missionboard API Docs</title>
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
      Agents identify themselves with X-Agent-Type or X-Teammate-Name.
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

func requireBody(ctx context.Context) huma.StatusError {
	if len(bytes.TrimSpace(bodyBytes(ctx))) == 0 {
		return newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	return nil
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
