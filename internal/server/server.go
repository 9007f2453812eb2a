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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/ledger"
	"escrowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_unmet"`
	Message string         `json:"message" example:"milestone m2: dependency m1 not terminal (status submitted)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Escrowline API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerSettlement(group, cfg.Engine)
	registerOpLog(group, cfg.Engine)
	registerMirror(group, cfg.Engine)
	registerDeviceKeys(group, cfg.Engine)
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
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"milestone_id": te.MilestoneID, "from": string(te.From)})
	}
	var de engine.DependencyError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "dependency_unmet", err.Error(), map[string]any{"milestone_id": de.MilestoneID, "dependency_id": de.DependencyID})
	}
	var re engine.RevisionLimitError
	if errors.As(err, &re) {
		return newAPIError(http.StatusConflict, "revision_limit", err.Error(), map[string]any{"milestone_id": re.MilestoneID, "limit": re.Limit})
	}
	var xe engine.DisputeExistsError
	if errors.As(err, &xe) {
		return newAPIError(http.StatusConflict, "dispute_exists", err.Error(), map[string]any{"milestone_id": xe.MilestoneID})
	}
	var se engine.ScopeError
	if errors.As(err, &se) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"actor": se.Actor})
	}
	var mnf engine.MilestoneNotFoundError
	if errors.As(err, &mnf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var dnf engine.DisputeNotFoundError
	if errors.As(err, &dnf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, engine.ErrNoSession):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadySettled):
		return newAPIError(http.StatusConflict, "already_settled", err.Error(), nil)
	case errors.Is(err, ledger.ErrSignatureDeclined):
		return newAPIError(http.StatusConflict, "signature_declined", err.Error(), nil)
	case errors.Is(err, engine.ErrVersionMismatch):
		return newAPIError(http.StatusConflict, "version_mismatch", err.Error(), nil)
	case errors.Is(err, auth.ErrNoWallet):
		return newAPIError(http.StatusServiceUnavailable, "wallet_unavailable", err.Error(), nil)
	case errors.Is(err, ledger.ErrDisconnected):
		return newAPIError(http.StatusBadGateway, "ledger_unavailable", err.Error(), nil)
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
	case http.StatusForbidden:
		return "forbidden"
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
	oas.Components.SecuritySchemes["deviceKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Device-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"deviceKeyAuth": {}},
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
    <title>Escrowline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Device-Key.
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type milestonePath struct {
	ProjectID   string `path:"project_id"`
	MilestoneID string `path:"milestone_id"`
}

type disputePath struct {
	ProjectID   string `path:"project_id"`
	MilestoneID string `path:"milestone_id"`
	DisputeID   string `path:"dispute_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if projects == nil {
			projects = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: projects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectStatusResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ProjectStatusResponse{ProjectID: p.ID, Status: p.Status}
		if s, err := e.Repo.GetSession(ctx, p.ID); err == nil {
			resp.StateVersion = s.StateVersion
			resp.SessionClosed = s.Closed
		}
		if saved, err := e.GasSaved(ctx, p.ID); err == nil {
			resp.GasSaved = saved
		}
		return &struct {
			Body ProjectStatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create or resume the project session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, authErr := addressFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSession(ctx, engine.SessionCreateOptions{
			ProjectID:   input.Body.ProjectID,
			Client:      input.Body.Client,
			Workers:     input.Body.Workers,
			Milestones:  specsFromRequest(input.Body.Milestones),
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: toSessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/session",
		Summary:     "Get the project session",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.ResumeSession(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: toSessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/session/close",
		Summary:     "Notify the ledger that the session is finished",
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CloseSessionRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := e.CloseSession(ctx, input.ProjectID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-work",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/milestones/{milestone_id}/submit",
		Summary:     "Submit milestone work",
	}, func(ctx context.Context, input *struct {
		ProjectID   string            `path:"project_id"`
		MilestoneID string            `path:"milestone_id"`
		Body        SubmitWorkRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := addressFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SubmitWork(ctx, input.ProjectID, input.MilestoneID, actor, input.Body.WorkProofHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: toSessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/milestones/{milestone_id}/approve",
		Summary:     "Approve submitted work",
	}, func(ctx context.Context, input *milestonePath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := addressFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ApproveMilestone(ctx, input.ProjectID, input.MilestoneID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: toSessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/milestones/{milestone_id}/revise",
		Summary:     "Send submitted work back for revision",
	}, func(ctx context.Context, input *struct {
		ProjectID   string                 `path:"project_id"`
		MilestoneID string                 `path:"milestone_id"`
		Body        RequestRevisionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := addressFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RequestRevision(ctx, input.ProjectID, input.MilestoneID, actor, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: toSessionResponse(s)}, nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "raise-dispute",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/milestones/{milestone_id}/disputes",
		Summary:       "Raise a dispute on a milestone",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID   string              `path:"project_id"`
		MilestoneID string              `path:"milestone_id"`
		Body        RaiseDisputeRequest `json:"body"`
	}) (*struct {
		Body DisputeRaisedResponse `json:"body"`
	}, error) {
		actor, authErr := addressFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, disputeID, err := e.RaiseDispute(ctx, input.ProjectID, input.MilestoneID, actor, input.Body.Type, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DisputeRaisedResponse `json:"body"`
		}{Body: DisputeRaisedResponse{DisputeID: disputeID, Session: toSessionResponse(s)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/milestones/{milestone_id}/disputes/{dispute_id}/resolve",
		Summary:     "Resolve an open dispute",
	}, func(ctx context.Context, input *struct {
		ProjectID   string                `path:"project_id"`
		MilestoneID string                `path:"milestone_id"`
		DisputeID   string                `path:"dispute_id"`
		Body        ResolveDisputeRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := addressFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ResolveDispute(ctx, input.ProjectID, input.MilestoneID, input.DisputeID, actor, domain.Resolution(input.Body.Resolution))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: toSessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-dispute",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/milestones/{milestone_id}/disputes/{dispute_id}/cancel",
		Summary:     "Withdraw an open dispute",
	}, func(ctx context.Context, input *disputePath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := addressFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CancelDispute(ctx, input.ProjectID, input.MilestoneID, input.DisputeID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: toSessionResponse(s)}, nil
	})
}

func registerSettlement(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "settle",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/settle",
		Summary:     "Batch-settle all matured milestones on-chain",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.SettlementReceipt `json:"body"`
	}, error) {
		if _, authErr := addressFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		receipt, err := e.Settle(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SettlementReceipt `json:"body"`
		}{Body: receipt}, nil
	})
}

func registerOpLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-oplog",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/log",
		Summary:     "Operation log, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		Type        string `query:"type"`
		MilestoneID string `query:"milestone_id"`
		Status      string `query:"status"`
		Limit       int    `query:"limit"`
		Cursor      int64  `query:"cursor"`
	}) (*struct {
		Body []OpLogEntryResponse `json:"body"`
	}, error) {
		entries, err := e.Repo.ListOpLog(ctx, repo.OpLogFilters{
			ProjectID:   input.ProjectID,
			Type:        input.Type,
			MilestoneID: input.MilestoneID,
			Status:      input.Status,
			Limit:       input.Limit,
			Cursor:      input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OpLogEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, toOpLogResponse(entry))
		}
		return &struct {
			Body []OpLogEntryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-verification",
		Method:      http.MethodPost,
		Path:        "/log/{id}/verification",
		Summary:     "Attach asynchronous verification metadata to a log entry",
	}, func(ctx context.Context, input *struct {
		ID   int64                     `path:"id"`
		Body AttachVerificationRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		raw, err := json.Marshal(input.Body.Verification)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.AttachVerification(ctx, input.ID, now, string(raw)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})
}

func registerMirror(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-mirror",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/mirror",
		Summary:     "Durable mirror state for a project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body MirrorResponse `json:"body"`
	}, error) {
		milestones, err := e.Repo.ListMirror(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		disputes, err := e.Repo.ListMirrorDisputes(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MirrorResponse `json:"body"`
		}{Body: MirrorResponse{Milestones: milestones, Disputes: disputes}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-mirror",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/mirror/refresh",
		Summary:     "Fold externally-resolved disputes into the mirror",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := e.RefreshMirror(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})
}

func registerDeviceKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-device-key",
		Method:        http.MethodPost,
		Path:          "/device-keys",
		Summary:       "Register a device key for a wallet address",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateDeviceKeyRequest `json:"body"`
	}) (*struct {
		Body struct {
			ID        string `json:"id"`
			Key       string `json:"key"`
			Address   string `json:"address"`
			ExpiresAt string `json:"expires_at" format:"date-time"`
		} `json:"body"`
	}, error) {
		if _, authErr := addressFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		now := time.Now().UTC()
		expires := input.Body.ExpiresAt
		if expires == "" {
			expires = now.AddDate(1, 0, 0).Format(time.RFC3339)
		}
		// The raw key is returned exactly once; only its hash is stored.
		rawKey := "esc_" + uuid.NewString()
		key := domain.DeviceKey{
			ID:        uuid.NewString(),
			Address:   input.Body.Address,
			Name:      input.Body.Name,
			KeyHash:   repo.HashDeviceKey(rawKey),
			CreatedAt: now.Format(time.RFC3339),
			ExpiresAt: expires,
		}
		if err := e.Repo.InsertDeviceKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				ID        string `json:"id"`
				Key       string `json:"key"`
				Address   string `json:"address"`
				ExpiresAt string `json:"expires_at" format:"date-time"`
			} `json:"body"`
		}{}
		resp.Body.ID = key.ID
		resp.Body.Key = rawKey
		resp.Body.Address = key.Address
		resp.Body.ExpiresAt = key.ExpiresAt
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-device-keys",
		Method:      http.MethodGet,
		Path:        "/device-keys",
		Summary:     "List registered device keys",
	}, func(ctx context.Context, input *struct {
		Address string `query:"address"`
	}) (*struct {
		Body []domain.DeviceKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListDeviceKeys(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			keys = []domain.DeviceKey{}
		}
		return &struct {
			Body []domain.DeviceKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-device-key",
		Method:      http.MethodDelete,
		Path:        "/device-keys/{id}",
		Summary:     "Revoke a device key",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := e.Repo.DeleteDeviceKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})
}
