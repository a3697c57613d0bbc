package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, "validation.invalid_request"},
		{http.StatusUnauthorized, "auth.unauthorized"},
		{http.StatusForbidden, "auth.forbidden"},
		{http.StatusNotFound, "resource.not_found"},
		{http.StatusConflict, "state.conflict"},
		{http.StatusUnprocessableEntity, "validation.unprocessable_entity"},
		{http.StatusTooManyRequests, "rate_limit.exceeded"},
		{http.StatusInternalServerError, "internal.error"},
		{http.StatusServiceUnavailable, "service.unavailable"},
		{http.StatusTeapot, "internal.error"}, // unmapped statuses fall back
	}
	for _, tt := range tests {
		if got := CodeForStatus(tt.status); got != tt.want {
			t.Errorf("CodeForStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return e
}

func TestHandleMapsAppErrors(t *testing.T) {
	h := Handle(func(w http.ResponseWriter, r *http.Request) error {
		return NewError(http.StatusConflict, "budget exhausted").
			WithCode("budget.insufficient").
			WithDetails(map[string]any{"available": float64(50)})
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	e := decodeEnvelope(t, rec)
	if e.ErrorCode != "budget.insufficient" {
		t.Errorf("ErrorCode = %q", e.ErrorCode)
	}
	if e.Message != "budget exhausted" {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Details["available"] != float64(50) {
		t.Errorf("Details = %v", e.Details)
	}
}

func TestHandleHidesInternalErrors(t *testing.T) {
	h := Handle(func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("pq: connection refused at 10.0.0.3")
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	e := decodeEnvelope(t, rec)
	if e.ErrorCode != "internal.error" {
		t.Errorf("ErrorCode = %q", e.ErrorCode)
	}
	if e.Message != "internal server error" {
		t.Errorf("internal details leaked: %q", e.Message)
	}
}

func TestHandlePropagatesRequestID(t *testing.T) {
	inner := Handle(func(w http.ResponseWriter, r *http.Request) error {
		return NewError(http.StatusNotFound, "nope")
	})
	h := RequestID(inner)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("response header = %q", got)
	}
	e := decodeEnvelope(t, rec)
	if e.RequestID != "req-abc" {
		t.Errorf("envelope request_id = %q", e.RequestID)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("expected a generated request id")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Error("header and context request ids differ")
	}
}

func TestHandleSuccessWritesNothingExtra(t *testing.T) {
	h := Handle(func(w http.ResponseWriter, r *http.Request) error {
		Respond(w, http.StatusOK, map[string]string{"status": "ok"})
		return nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
