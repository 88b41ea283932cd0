// Package server exposes the agreement engine over HTTP with an OpenAPI
// surface. Authentication is bearer JWT or hashed API keys; errors use the
// {code, message, details} envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: agreement draft -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pactline API and starts the
// webhook dispatcher when hooks are configured.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	hcfg := huma.DefaultConfig("Pactline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAgreements(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerKPIs(group, cfg.Engine)
	registerEscrow(group, cfg.Engine)
	registerClauses(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth, cfg.Engine)
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
	var ce *engine.ClauseActionError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "clause_action_failed", err.Error(), map[string]any{"clause_id": ce.ClauseID, "action": ce.Action})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), nil)
	case errors.Is(err, engine.ErrFundingIncomplete):
		return newAPIError(http.StatusUnprocessableEntity, "funding_incomplete", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidDisputeAmount):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_dispute_amount", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateExecution):
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "exceed") || strings.Contains(lowered, "out of range") ||
		strings.Contains(lowered, "must"):
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Pactline API Docs</title>
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

type agreementPath struct {
	AgreementID string `path:"agreement_id"`
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agreement",
		Method:        http.MethodPost,
		Path:          "/agreements",
		Summary:       "Create agreement draft",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAgreementRequest `json:"body"`
	}) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AgreementCreateOptions{
			IssuerID:       input.Body.IssuerID,
			CounterpartyID: input.Body.CounterpartyID,
			Title:          input.Body.Title,
			Currency:       input.Body.Currency,
			TotalFunding:   input.Body.TotalFunding,
			StartsAt:       input.Body.StartsAt,
			EndsAt:         input.Body.EndsAt,
			NoticeDays:     input.Body.NoticeDays,
			Compensation:   input.Body.Compensation,
			ActorID:        actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		a, err := e.CreateAgreement(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agreements",
		Method:      http.MethodGet,
		Path:        "/agreements",
		Summary:     "List agreements",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		PartyID string `query:"party_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Agreement `json:"body"`
	}, error) {
		list, err := e.Repo.ListAgreements(ctx, repo.AgreementFilters{
			Status:  input.Status,
			PartyID: input.PartyID,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agreement `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}",
		Summary:     "Get agreement",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agreement-status",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/status",
		Summary:     "Agreement status summary",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body AgreementStatusResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		es, err := e.EscrowStatus(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		milestones, err := e.Repo.ListMilestones(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		for _, m := range milestones {
			counts[m.Status]++
		}
		disputes, err := e.Repo.ListDisputes(ctx, a.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		openDisputes := 0
		for _, d := range disputes {
			if d.Status != "resolved" {
				openDisputes++
			}
		}
		approvals, err := e.Repo.ListApprovals(ctx, a.ID, "pending")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementStatusResponse `json:"body"`
		}{Body: AgreementStatusResponse{
			AgreementID: a.ID,
			Status:      a.Status,
			Escrow: map[string]any{
				"currency":      es.Currency,
				"total_funding": es.TotalFunding,
				"funded":        es.Funded,
				"released":      es.Released,
				"frozen":        es.Frozen,
				"releasable":    es.Releasable,
				"pending_bps":   es.PendingBps,
			},
			MilestoneCounts:  counts,
			OpenDisputes:     openDisputes,
			PendingApprovals: len(approvals),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "sign-agreement",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/signatures",
		Summary:       "Record a signature",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body SignRequest `json:"body"`
	}) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		log.Printf("DEBUG sign: agreement_id=%q signer=%q", input.AgreementID, input.Body.SignerID)
		a, err := e.RecordSignature(ctx, input.AgreementID, input.Body.SignerID, input.Body.Role, input.Body.SignatureHash, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/fund",
		Summary:     "Fund escrow",
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body FundRequest `json:"body"`
	}) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Fund(ctx, input.AgreementID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/activate",
		Summary:     "Activate agreement",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Activate(ctx, input.AgreementID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/complete",
		Summary:     "Complete agreement",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Complete(ctx, input.AgreementID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/terminate",
		Summary:     "Terminate agreement",
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body TerminateRequest `json:"body"`
	}) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Terminate(ctx, input.AgreementID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/milestones",
		Summary:       "Add milestone",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MilestoneCreateOptions{
			AgreementID:  input.AgreementID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			DueAt:        input.Body.DueAt,
			PayoutBps:    input.Body.PayoutBps,
			Deliverables: input.Body.Deliverables,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		m, err := e.AddMilestone(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/milestones",
		Summary:     "List milestones",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		list, err := e.Repo.ListMilestones(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: list}, nil
	})

	type milestonePath struct {
		MilestoneID string `path:"milestone_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "add-deliverable",
		Method:        http.MethodPost,
		Path:          "/milestones/{milestone_id}/deliverables",
		Summary:       "Add deliverable",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		milestonePath
		Body AddDeliverableRequest `json:"body"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.AddDeliverable(ctx, input.MilestoneID, input.Body.Title, input.Body.Acceptance, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/milestones/{milestone_id}/deliverables",
		Summary:     "List deliverables",
	}, func(ctx context.Context, input *milestonePath) (*struct {
		Body []domain.Deliverable `json:"body"`
	}, error) {
		list, err := e.Repo.ListDeliverables(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Deliverable `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-deliverable",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/submit",
		Summary:     "Submit deliverable content",
	}, func(ctx context.Context, input *struct {
		DeliverableID string                   `path:"deliverable_id"`
		Body          SubmitDeliverableRequest `json:"body"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SubmitDeliverable(ctx, input.DeliverableID, []byte(input.Body.Content), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/approve",
		Summary:     "Approve milestone",
	}, func(ctx context.Context, input *milestonePath) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ApproveMilestone(ctx, input.MilestoneID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/cancel",
		Summary:     "Cancel milestone",
	}, func(ctx context.Context, input *milestonePath) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CancelMilestone(ctx, input.MilestoneID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-revision",
		Method:        http.MethodPost,
		Path:          "/milestones/{milestone_id}/revisions",
		Summary:       "Request revision",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		milestonePath
		Body RevisionRequest `json:"body"`
	}) (*struct {
		Body domain.Revision `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rev, err := e.RequestRevision(ctx, input.MilestoneID, input.Body.Deadline, input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Revision `json:"body"`
		}{Body: rev}, nil
	})
}

func registerKPIs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-kpi",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/kpis",
		Summary:       "Define KPI",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body CreateKPIRequest `json:"body"`
	}) (*struct {
		Body domain.KPIDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.KPICreateOptions{
			AgreementID: input.AgreementID,
			Name:        input.Body.Name,
			Unit:        input.Body.Unit,
			Target:      input.Body.Target,
			Weight:      input.Body.Weight,
			Method:      input.Body.Method,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		d, err := e.DefineKPI(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KPIDefinition `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-kpis",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/kpis",
		Summary:     "List KPIs",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body []domain.KPIDefinition `json:"body"`
	}, error) {
		list, err := e.Repo.ListKPIDefinitions(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.KPIDefinition `json:"body"`
		}{Body: list}, nil
	})

	type kpiPath struct {
		KPIID string `path:"kpi_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "record-observation",
		Method:        http.MethodPost,
		Path:          "/kpis/{kpi_id}/observations",
		Summary:       "Record KPI observation",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		kpiPath
		Body RecordObservationRequest `json:"body"`
	}) (*struct {
		Body domain.KPIObservation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.RecordObservation(ctx, engine.ObservationOptions{
			KPIID:    input.KPIID,
			Value:    input.Body.Value,
			TS:       input.Body.TS,
			Source:   input.Body.Source,
			Verified: input.Body.Verified,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KPIObservation `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-observations",
		Method:      http.MethodGet,
		Path:        "/kpis/{kpi_id}/observations",
		Summary:     "List KPI observations",
	}, func(ctx context.Context, input *struct {
		kpiPath
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.KPIObservation `json:"body"`
	}, error) {
		list, err := e.Repo.ListKPIObservations(ctx, input.KPIID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.KPIObservation `json:"body"`
		}{Body: list}, nil
	})
}

func registerEscrow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-condition",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/conditions",
		Summary:       "Add release condition",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body CreateConditionRequest `json:"body"`
	}) (*struct {
		Body domain.ReleaseCondition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ConditionCreateOptions{
			AgreementID:  input.AgreementID,
			Type:         input.Body.Type,
			MilestoneID:  input.Body.MilestoneID,
			ReleaseAt:    input.Body.ReleaseAt,
			KPIID:        input.Body.KPIID,
			KPIThreshold: input.Body.KPIThreshold,
			DisputeID:    input.Body.DisputeID,
			RecipientID:  input.Body.RecipientID,
			Bps:          input.Body.Bps,
			Automated:    input.Body.Automated,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.AddReleaseCondition(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReleaseCondition `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conditions",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/conditions",
		Summary:     "List release conditions",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body []domain.ReleaseCondition `json:"body"`
	}, error) {
		list, err := e.Repo.ListReleaseConditions(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReleaseCondition `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escrow-status",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/escrow",
		Summary:     "Escrow balances",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body domain.EscrowStatus `json:"body"`
	}, error) {
		es, err := e.EscrowStatus(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscrowStatus `json:"body"`
		}{Body: es}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/evaluate",
		Summary:     "Evaluate clauses and escrow conditions",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		fires, err := e.EvaluateClauses(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		releases, err := e.EvaluateEscrow(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: EvaluationResponse{ClauseFires: fires, ConditionReleases: releases}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-releases",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/releases",
		Summary:     "List releases",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body []domain.Release `json:"body"`
	}, error) {
		list, err := e.Repo.ListReleases(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Release `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/reconcile",
		Summary:     "Reconcile unsettled releases with the ledger",
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := e.Reconcile(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"resubmitted": n}}, nil
	})
}

func registerClauses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-clause",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/clauses",
		Summary:       "Add clause",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body CreateClauseRequest `json:"body"`
	}) (*struct {
		Body domain.Clause `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ClauseCreateOptions{
			AgreementID:      input.AgreementID,
			Name:             input.Body.Name,
			TriggerType:      input.Body.TriggerType,
			ScheduleAt:       input.Body.ScheduleAt,
			EverySeconds:     input.Body.EverySeconds,
			MilestoneID:      input.Body.MilestoneID,
			KPIID:            input.Body.KPIID,
			Comparator:       input.Body.Comparator,
			Threshold:        input.Body.Threshold,
			EventName:        input.Body.EventName,
			ActionType:       input.Body.ActionType,
			RecipientID:      input.Body.RecipientID,
			Amount:           input.Body.Amount,
			Message:          input.Body.Message,
			ParamsJSON:       input.Body.ParamsJSON,
			RequiresApproval: input.Body.RequiresApproval,
			Reversible:       input.Body.Reversible,
			ActorID:          actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.AddClause(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Clause `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clauses",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/clauses",
		Summary:     "List clauses",
	}, func(ctx context.Context, input *struct {
		agreementPath
		Active bool `query:"active"`
	}) (*struct {
		Body []domain.Clause `json:"body"`
	}, error) {
		list, err := e.Repo.ListClauses(ctx, input.AgreementID, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Clause `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-clause-active",
		Method:      http.MethodPost,
		Path:        "/clauses/{clause_id}/active",
		Summary:     "Enable or disable clause",
	}, func(ctx context.Context, input *struct {
		ClauseID string                 `path:"clause_id"`
		Body     SetClauseActiveRequest `json:"body"`
	}) (*struct {
		Body domain.Clause `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetClauseActive(ctx, input.ClauseID, input.Body.Active, actorID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetClause(ctx, input.ClauseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Clause `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "confirm",
		Method:        http.MethodPost,
		Path:          "/confirmations",
		Summary:       "Record a mutual-agreement confirmation",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ConfirmRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Confirm(ctx, input.Body.SubjectKind, input.Body.SubjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "recorded"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "external-event",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/events/external",
		Summary:       "Record an external event",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body ExternalEventRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RecordExternalEvent(ctx, input.AgreementID, input.Body.Name, input.Body.Payload, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "recorded"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/executions",
		Summary:     "List clause executions",
	}, func(ctx context.Context, input *struct {
		agreementPath
		ClauseID string `query:"clause_id"`
	}) (*struct {
		Body []domain.ClauseExecution `json:"body"`
	}, error) {
		list, err := e.Repo.ListExecutions(ctx, input.AgreementID, input.ClauseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ClauseExecution `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/retry",
		Summary:     "Retry a failed execution",
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RetryExecution(ctx, input.ExecutionID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "retried"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/approvals",
		Summary:     "List clause approvals",
	}, func(ctx context.Context, input *struct {
		agreementPath
		Status string `query:"status"`
	}) (*struct {
		Body []domain.ClauseApproval `json:"body"`
	}, error) {
		list, err := e.Repo.ListApprovals(ctx, input.AgreementID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ClauseApproval `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decide",
		Summary:     "Decide a pending approval",
	}, func(ctx context.Context, input *struct {
		ApprovalID string                `path:"approval_id"`
		Body       DecideApprovalRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ApprovePending(ctx, input.ApprovalID, input.Body.Approve, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "decided"}}, nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-dispute",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/disputes",
		Summary:       "Open dispute",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		agreementPath
		Body OpenDisputeRequest `json:"body"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DisputeOptions{
			AgreementID: input.AgreementID,
			Type:        input.Body.Type,
			Description: input.Body.Description,
			Amount:      input.Body.Amount,
			InitiatorID: actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		d, err := e.OpenDispute(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/disputes",
		Summary:     "List disputes",
	}, func(ctx context.Context, input *struct {
		agreementPath
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Dispute `json:"body"`
	}, error) {
		list, err := e.Repo.ListDisputes(ctx, input.AgreementID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dispute `json:"body"`
		}{Body: list}, nil
	})

	type disputePath struct {
		DisputeID string `path:"dispute_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "review-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/review",
		Summary:     "Move dispute under review",
	}, func(ctx context.Context, input *disputePath) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReviewDispute(ctx, input.DisputeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/escalate",
		Summary:     "Escalate dispute",
	}, func(ctx context.Context, input *disputePath) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.EscalateDispute(ctx, input.DisputeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/resolve",
		Summary:     "Resolve dispute with a split",
	}, func(ctx context.Context, input *struct {
		disputePath
		Body ResolveDisputeRequest `json:"body"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ResolveDispute(ctx, input.DisputeID, input.Body.ToIssuer, input.Body.ToCounterparty, input.Body.ToEscrow, input.Body.Resolution, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-evidence",
		Method:        http.MethodPost,
		Path:          "/disputes/{dispute_id}/evidence",
		Summary:       "Attach evidence",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		disputePath
		Body AddEvidenceRequest `json:"body"`
	}) (*struct {
		Body domain.Evidence `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.AddEvidence(ctx, input.DisputeID, input.Body.Kind, []byte(input.Body.Content), input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Evidence `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/disputes/{dispute_id}/evidence",
		Summary:     "List evidence",
	}, func(ctx context.Context, input *disputePath) (*struct {
		Body []domain.Evidence `json:"body"`
	}, error) {
		list, err := e.Repo.ListEvidence(ctx, input.DisputeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Evidence `json:"body"`
		}{Body: list}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		agreementPath
		Limit int    `query:"limit"`
		Type  string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		list, err := e.Repo.LatestEvents(ctx, limit, input.AgreementID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: list}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyIssuedResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		secret := uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyIssuedResponse `json:"body"`
		}{Body: APIKeyIssuedResponse{ID: key.ID, ActorID: key.ActorID, Key: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		list, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}

func registerDevAuth(api huma.API, auth AuthConfig, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development JWT",
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if !auth.AllowDevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := issueJWT(input.Body.ActorID, auth.JWTSecret, 24*time.Hour, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
}
