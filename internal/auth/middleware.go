package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wisbric/taskowl/internal/httpserver"
)

// Middleware returns an HTTP middleware that authenticates the caller via
// bearer token and stores the resulting Principal in the request context.
// Requests without a valid token are rejected with 401.
func Middleware(sessions *SessionManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") && !strings.HasPrefix(authHeader, "bearer ") {
				httpserver.RespondError(w, r, http.StatusUnauthorized, "bearer token required")
				return
			}

			rawToken := strings.TrimSpace(authHeader[len("Bearer "):])

			principal, err := sessions.Verify(rawToken)
			if err != nil {
				logger.Warn("token verification failed", "error", err,
					"request_id", httpserver.RequestIDFromContext(r.Context()))
				if errors.Is(err, ErrTokenExpired) {
					httpserver.RespondError(w, r, http.StatusUnauthorized, "token expired")
					return
				}
				httpserver.RespondError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := NewContext(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability returns middleware that rejects requests whose principal
// does not hold every listed capability. The 403 response names the missing
// capabilities.
func RequireCapability(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			if p == nil {
				httpserver.RespondError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}

			if missing := p.MissingCapabilities(required); len(missing) > 0 {
				httpserver.Respond(w, http.StatusForbidden, httpserver.ErrorResponse{
					ErrorCode: httpserver.CodeForStatus(http.StatusForbidden),
					Message:   "insufficient permissions: missing " + strings.Join(missing, ", "),
					Details:   map[string]any{"missing_capabilities": missing},
					RequestID: httpserver.RequestIDFromContext(r.Context()),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
