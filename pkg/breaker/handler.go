package breaker

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/taskowl/internal/audit"
	"github.com/wisbric/taskowl/internal/auth"
	"github.com/wisbric/taskowl/internal/httpserver"
	"github.com/wisbric/taskowl/internal/telemetry"
)

// Handler exposes circuit breaker administration endpoints.
type Handler struct {
	registry *Registry
	auditor  auth.AuditLogger
	logger   *slog.Logger
}

// NewHandler creates a breaker admin handler.
func NewHandler(registry *Registry, auditor auth.AuditLogger, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, auditor: auditor, logger: logger}
}

// Routes returns the router for /circuit-breakers.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", httpserver.Handle(h.handleStats))
	r.With(auth.RequireCapability(auth.CapSystemAdmin)).
		Post("/reset_all", httpserver.Handle(h.handleResetAll))
	return r
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) error {
	httpserver.Respond(w, http.StatusOK, h.registry.StatsAll())
	return nil
}

type resetAllResponse struct {
	ResetCount int      `json:"reset_count"`
	Breakers   []string `json:"breakers"`
}

func (h *Handler) handleResetAll(w http.ResponseWriter, r *http.Request) error {
	names := h.registry.ResetAll()

	p := auth.FromContext(r.Context())
	h.auditor.Log(audit.Event{
		PrincipalID:  p.ID,
		Role:         p.Role,
		Action:       "breakers.reset_all",
		ResourceType: "circuit_breaker",
		Details:      map[string]any{"breakers": names},
	})
	telemetry.BreakerResetsTotal.Inc()

	h.logger.Info("circuit breakers reset", "count", len(names), "principal", p.ID)

	httpserver.Respond(w, http.StatusOK, resetAllResponse{
		ResetCount: len(names),
		Breakers:   names,
	})
	return nil
}
