package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// statusCodes maps HTTP statuses to the generic dotted error codes of the
// error envelope. Specialised codes on an Error override these.
var statusCodes = map[int]string{
	http.StatusBadRequest:          "validation.invalid_request",
	http.StatusUnauthorized:        "auth.unauthorized",
	http.StatusForbidden:           "auth.forbidden",
	http.StatusNotFound:            "resource.not_found",
	http.StatusConflict:            "state.conflict",
	http.StatusUnprocessableEntity: "validation.unprocessable_entity",
	http.StatusTooManyRequests:     "rate_limit.exceeded",
	http.StatusInternalServerError: "internal.error",
	http.StatusServiceUnavailable:  "service.unavailable",
}

// CodeForStatus returns the generic error code for an HTTP status.
func CodeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return "internal.error"
}

// Error is a taxonomy-classified error that handlers and services return
// instead of writing responses themselves. The top-level mapping in Handle
// turns it into the error envelope.
type Error struct {
	Status  int
	Code    string // empty means: derive from Status
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates an Error with the generic code for the status.
func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// WithCode overrides the generic status code with a specialised marker
// (e.g. "budget.insufficient", "dlq.already_resolved").
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetails attaches structured details to the envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCause records the underlying error for logging without leaking it
// to the response body.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// HandlerFunc is an http handler that reports failures as error returns.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handle adapts a HandlerFunc into an http.HandlerFunc, performing the
// taxonomy → envelope mapping in one place. Internal errors are logged with
// the request ID and never leak their cause to the client.
func Handle(fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		requestID := RequestIDFromContext(r.Context())

		var appErr *Error
		if !errors.As(err, &appErr) {
			appErr = NewError(http.StatusInternalServerError, "internal server error").WithCause(err)
		}

		code := appErr.Code
		if code == "" {
			code = CodeForStatus(appErr.Status)
		}

		if appErr.Status >= http.StatusInternalServerError {
			slog.Error("request failed", "error", err, "status", appErr.Status,
				"path", r.URL.Path, "request_id", requestID)
		} else {
			slog.Warn("request rejected", "error", appErr.Message, "status", appErr.Status,
				"code", code, "path", r.URL.Path, "request_id", requestID)
		}

		Respond(w, appErr.Status, ErrorResponse{
			ErrorCode: code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: requestID,
		})
	}
}
