package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/taskowl/internal/audit"
	"github.com/wisbric/taskowl/internal/httpserver"
	"github.com/wisbric/taskowl/internal/telemetry"
)

// dummyHash is a bcrypt hash (cost 12) compared against when the user does
// not exist, keeping login latency uniform and preventing user enumeration.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// ErrInvalidCredentials covers both unknown user and wrong password; the two
// cases are indistinguishable to the caller.
var ErrInvalidCredentials = errors.New("invalid credentials")

// LockedOutError is returned while the lockout window is active. No
// verification happens in this state.
type LockedOutError struct {
	RetryAfter time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("too many failed login attempts, try again in %d minutes", e.Minutes())
}

// Minutes returns the time to window reset, rounded up.
func (e *LockedOutError) Minutes() int {
	return int(math.Ceil(e.RetryAfter.Minutes()))
}

// AuditLogger records audit events; satisfied by *audit.Writer.
type AuditLogger interface {
	Log(audit.Event)
}

// Service implements credential verification with lockout.
type Service struct {
	users    UserStore
	lockout  *Lockout
	sessions *SessionManager
	auditor  AuditLogger
	logger   *slog.Logger
}

// NewService creates the authentication service.
func NewService(users UserStore, lockout *Lockout, sessions *SessionManager, auditor AuditLogger, logger *slog.Logger) *Service {
	return &Service{
		users:    users,
		lockout:  lockout,
		sessions: sessions,
		auditor:  auditor,
		logger:   logger,
	}
}

// Login verifies a username/password pair and mints a bearer token.
//
// Every call counts against the lockout window up front, and the counter only
// clears on success, so an attacker cannot probe credentials faster than the
// window allows. Past the threshold the failure is absorbing: no verification
// runs until the TTL expires.
func (s *Service) Login(ctx context.Context, username, password, clientIP string) (token string, p *Principal, err error) {
	principalID := strings.ToLower(strings.TrimSpace(username))

	locked, retryAfter, err := s.lockout.Hit(ctx, principalID, clientIP)
	if err != nil {
		return "", nil, fmt.Errorf("recording login attempt: %w", err)
	}
	if locked {
		telemetry.AuthLoginsTotal.WithLabelValues("fail").Inc()
		return "", nil, &LockedOutError{RetryAfter: retryAfter}
	}

	user, err := s.users.GetUser(ctx, principalID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return "", nil, fmt.Errorf("looking up user: %w", err)
	}

	// The hash comparison runs even for unknown users so that the two
	// failure paths take the same time.
	storedHash := dummyHash
	if user != nil {
		storedHash = user.PasswordHash
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password))

	if user == nil {
		s.auditor.Log(audit.Event{
			PrincipalID:  principalID,
			Action:       "auth.login.fail",
			ResourceType: "user",
			ResourceID:   principalID,
			Details:      map[string]any{"reason": "user_not_found"},
		})
		telemetry.AuthLoginsTotal.WithLabelValues("fail").Inc()
		return "", nil, ErrInvalidCredentials
	}

	if compareErr != nil {
		s.auditor.Log(audit.Event{
			PrincipalID:  principalID,
			Role:         user.Role,
			Action:       "auth.login.fail",
			ResourceType: "user",
			ResourceID:   principalID,
			Details:      map[string]any{"reason": "invalid_password"},
		})
		telemetry.AuthLoginsTotal.WithLabelValues("fail").Inc()
		return "", nil, ErrInvalidCredentials
	}

	if err := s.lockout.Clear(ctx, principalID, clientIP); err != nil {
		s.logger.Warn("clearing lockout counter", "error", err, "principal", principalID)
	}

	principal := NewPrincipal(principalID, user.Role)
	token, err = s.sessions.Issue(principal)
	if err != nil {
		return "", nil, fmt.Errorf("issuing token: %w", err)
	}

	s.auditor.Log(audit.Event{
		PrincipalID:  principalID,
		Role:         principal.Role,
		Action:       "auth.login.success",
		ResourceType: "user",
		ResourceID:   principalID,
	})
	telemetry.AuthLoginsTotal.WithLabelValues("success").Inc()

	return token, principal, nil
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the JSON response for a successful login.
type LoginResponse struct {
	Token       string   `json:"token"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// Handler exposes the login endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a login handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// HandleLogin authenticates a user with username/password and returns a bearer token.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	var req LoginRequest
	if err := httpserver.DecodeAndValidate(r, &req); err != nil {
		return err
	}

	token, principal, err := h.service.Login(r.Context(), req.Username, req.Password, clientIP(r))

	var lockedErr *LockedOutError
	switch {
	case errors.As(err, &lockedErr):
		return httpserver.NewError(http.StatusTooManyRequests,
			fmt.Sprintf("too many failed login attempts, try again in %d minutes", lockedErr.Minutes()))
	case errors.Is(err, ErrInvalidCredentials):
		return httpserver.NewError(http.StatusUnauthorized, "invalid username or password").
			WithCode("auth.invalid_credentials")
	case err != nil:
		return err
	}

	httpserver.Respond(w, http.StatusOK, LoginResponse{
		Token:       token,
		Role:        principal.Role,
		Permissions: principal.Capabilities,
	})
	return nil
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
