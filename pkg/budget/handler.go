package budget

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/taskowl/internal/audit"
	"github.com/wisbric/taskowl/internal/auth"
	"github.com/wisbric/taskowl/internal/httpserver"
)

// Handler exposes the budget endpoints.
type Handler struct {
	service *Service
	auditor auth.AuditLogger
	logger  *slog.Logger
}

// NewHandler creates a budget handler.
func NewHandler(service *Service, auditor auth.AuditLogger, logger *slog.Logger) *Handler {
	return &Handler{service: service, auditor: auditor, logger: logger}
}

// Routes returns the router for /budget. Every route requires budget.view.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireCapability(auth.CapBudgetView))
	r.Post("/request", httpserver.Handle(h.handleRequest))
	r.Post("/commit", httpserver.Handle(h.handleCommit))
	r.Post("/release", httpserver.Handle(h.handleRelease))
	r.Get("/state", httpserver.Handle(h.handleState))
	return r
}

type requestBody struct {
	TenantID        string `json:"tenant_id" validate:"required"`
	ProjectID       string `json:"project_id" validate:"required"`
	TaskID          string `json:"task_id" validate:"required"`
	Model           string `json:"model"`
	Purpose         string `json:"purpose"`
	EstimatedTokens int64  `json:"estimated_tokens" validate:"required,gt=0"`
	RequestID       string `json:"request_id"`
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) error {
	var req requestBody
	if err := httpserver.DecodeAndValidate(r, &req); err != nil {
		return err
	}

	decision, err := h.service.Request(r.Context(), Request{
		TenantID:        req.TenantID,
		ProjectID:       req.ProjectID,
		TaskID:          req.TaskID,
		Purpose:         req.Purpose,
		Model:           req.Model,
		EstimatedTokens: req.EstimatedTokens,
		RequestID:       req.RequestID,
	})
	if err != nil {
		return err
	}

	switch {
	case decision.Approved:
		httpserver.Respond(w, http.StatusOK, decision)
	case decision.Reason == ReasonInsufficientBudget:
		return httpserver.NewError(http.StatusConflict,
			availableMessage(decision.Available, req.EstimatedTokens)).
			WithCode("budget.insufficient").
			WithDetails(map[string]any{
				"available": decision.Available,
				"requested": req.EstimatedTokens,
			})
	case decision.Reason == ReasonDuplicateInFlight:
		return httpserver.NewError(http.StatusConflict, "a request with this request_id is already in progress").
			WithCode("idempotency.conflict")
	default:
		// reservation_failed: the scope was depleted concurrently.
		return httpserver.NewError(http.StatusConflict, "reservation failed due to concurrent depletion").
			WithCode("budget.insufficient")
	}
	return nil
}

type commitBody struct {
	TenantID      string `json:"tenant_id" validate:"required"`
	ProjectID     string `json:"project_id" validate:"required"`
	ReservationID string `json:"reservation_id" validate:"required,uuid"`
	ActualTokens  int64  `json:"actual_tokens" validate:"required,gt=0"`
}

type commitResponse struct {
	Status string `json:"status"`
	Tokens int64  `json:"tokens"`
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	var req commitBody
	if err := httpserver.DecodeAndValidate(r, &req); err != nil {
		return err
	}

	result, err := h.service.Commit(r.Context(), req.TenantID, req.ProjectID, req.ReservationID, req.ActualTokens)
	if errors.Is(err, ErrReservationNotFound) {
		return httpserver.NewError(http.StatusNotFound, "reservation not found or expired; re-request budget")
	}
	if errors.Is(err, ErrBudgetOverflow) {
		return httpserver.NewError(http.StatusConflict, "commit would exceed the budget limit; reservation kept for triage").
			WithCode("state.conflict")
	}
	if err != nil {
		return err
	}

	p := auth.FromContext(r.Context())
	details := map[string]any{
		"tenant_id":  req.TenantID,
		"project_id": req.ProjectID,
		"tokens":     req.ActualTokens,
		"reserved":   result.Reserved,
	}
	if result.Overshoot {
		details["overshoot"] = true
	}
	h.auditor.Log(audit.Event{
		PrincipalID:  p.ID,
		Role:         p.Role,
		Action:       "budget.commit",
		ResourceType: "reservation",
		ResourceID:   req.ReservationID,
		Details:      details,
	})

	httpserver.Respond(w, http.StatusOK, commitResponse{Status: "committed", Tokens: result.Tokens})
	return nil
}

type releaseBody struct {
	TenantID      string `json:"tenant_id" validate:"required"`
	ProjectID     string `json:"project_id" validate:"required"`
	ReservationID string `json:"reservation_id" validate:"required,uuid"`
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	var req releaseBody
	if err := httpserver.DecodeAndValidate(r, &req); err != nil {
		return err
	}

	if err := h.service.Release(r.Context(), req.TenantID, req.ProjectID, req.ReservationID); err != nil {
		return err
	}

	p := auth.FromContext(r.Context())
	h.auditor.Log(audit.Event{
		PrincipalID:  p.ID,
		Role:         p.Role,
		Action:       "budget.release",
		ResourceType: "reservation",
		ResourceID:   req.ReservationID,
		Details: map[string]any{
			"tenant_id":  req.TenantID,
			"project_id": req.ProjectID,
		},
	})

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "released"})
	return nil
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) error {
	tenant := r.URL.Query().Get("tenant_id")
	project := r.URL.Query().Get("project_id")
	if tenant == "" || project == "" {
		return httpserver.NewError(http.StatusBadRequest, "tenant_id and project_id are required")
	}

	state, err := h.service.State(r.Context(), tenant, project)
	if err != nil {
		return err
	}

	httpserver.Respond(w, http.StatusOK, state)
	return nil
}
