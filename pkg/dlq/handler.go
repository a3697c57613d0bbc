package dlq

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/taskowl/internal/audit"
	"github.com/wisbric/taskowl/internal/auth"
	"github.com/wisbric/taskowl/internal/httpserver"
	"github.com/wisbric/taskowl/internal/telemetry"
)

// Handler exposes the DLQ inspection and resolution endpoints.
type Handler struct {
	store   Store
	auditor auth.AuditLogger
	logger  *slog.Logger
}

// NewHandler creates a DLQ handler.
func NewHandler(store Store, auditor auth.AuditLogger, logger *slog.Logger) *Handler {
	return &Handler{store: store, auditor: auditor, logger: logger}
}

// Routes returns the router for /dlq.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireCapability(auth.CapDLQRead)).Get("/", httpserver.Handle(h.handleList))
	r.With(auth.RequireCapability(auth.CapDLQRead)).Get("/{id}", httpserver.Handle(h.handleGet))
	r.With(auth.RequireCapability(auth.CapSystemAdmin)).Post("/{id}/resolve", httpserver.Handle(h.handleResolve))
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	page, err := httpserver.ParseLimitOffset(r)
	if err != nil {
		return err
	}

	filter := ListFilter{Limit: page.Limit, Offset: page.Offset}
	if v := r.URL.Query().Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			return httpserver.NewError(http.StatusBadRequest, "resolved must be a boolean")
		}
		filter.Resolved = &resolved
	}

	messages, err := h.store.List(r.Context(), filter)
	if err != nil {
		return err
	}

	httpserver.Respond(w, http.StatusOK, messages)
	return nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}

	msg, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		return httpserver.NewError(http.StatusNotFound, "dlq message not found")
	}
	if err != nil {
		return err
	}

	httpserver.Respond(w, http.StatusOK, msg)
	return nil
}

type resolveRequest struct {
	Note    string `json:"note" validate:"required"`
	Requeue bool   `json:"requeue"`
}

type resolveResponse struct {
	Status  string   `json:"status"`
	Message *Message `json:"message"`
	Requeue bool     `json:"requeue"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}

	var req resolveRequest
	if err := httpserver.DecodeAndValidate(r, &req); err != nil {
		return err
	}

	msg, err := h.store.Resolve(r.Context(), id, req.Note)
	if errors.Is(err, ErrNotFound) {
		return httpserver.NewError(http.StatusNotFound, "dlq message not found")
	}
	if errors.Is(err, ErrAlreadyResolved) {
		return httpserver.NewError(http.StatusConflict, "dlq message already resolved").
			WithCode("dlq.already_resolved")
	}
	if err != nil {
		return err
	}

	p := auth.FromContext(r.Context())
	h.auditor.Log(audit.Event{
		PrincipalID:  p.ID,
		Role:         p.Role,
		Action:       "dlq.resolve",
		ResourceType: "dlq_message",
		ResourceID:   strconv.FormatInt(id, 10),
		Details:      map[string]any{"note": req.Note, "requeue": req.Requeue},
	})
	telemetry.DLQResolvedTotal.Inc()

	// The requeue flag is recorded for the operator's records only;
	// republishing is a manual step.
	httpserver.Respond(w, http.StatusOK, resolveResponse{
		Status:  "resolved",
		Message: msg,
		Requeue: req.Requeue,
	})
	return nil
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, httpserver.NewError(http.StatusBadRequest, "id must be a positive integer")
	}
	return id, nil
}
