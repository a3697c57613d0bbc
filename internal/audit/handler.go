package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/taskowl/internal/httpserver"
)

// Record is an audit_log row as returned by the query API.
type Record struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	Role         string          `json:"role"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Details      json.RawMessage `json:"details"`
	TS           time.Time       `json:"ts"`
}

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	pool *pgxpool.Pool
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", httpserver.Handle(h.handleList))
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	page, err := httpserver.ParseLimitOffset(r)
	if err != nil {
		return err
	}

	query := `SELECT id, user_id, role, action, resource_type, resource_id, details, ts
	          FROM audit_log`
	args := []any{}
	if action := r.URL.Query().Get("action"); action != "" {
		query += " WHERE action = $1"
		args = append(args, action)
	}
	query += " ORDER BY ts DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, page.Limit, page.Offset)

	rows, err := h.pool.Query(r.Context(), query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	records := make([]Record, 0, page.Limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Role, &rec.Action,
			&rec.ResourceType, &rec.ResourceID, &rec.Details, &rec.TS); err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	httpserver.Respond(w, http.StatusOK, records)
	return nil
}
