package httpserver

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type sampleRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"tenant_id":"t","amount":5,"extra":1}`))
	var dst sampleRequest
	if err := Decode(r, &dst); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeRejectsEmptyBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var dst sampleRequest
	if err := Decode(r, &dst); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"tenant_id":"t","amount":5}{"again":true}`))
	var dst sampleRequest
	if err := Decode(r, &dst); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int // 0 means success
	}{
		{"valid", `{"tenant_id":"t","amount":5}`, 0},
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing field", `{"amount":5}`, http.StatusUnprocessableEntity},
		{"non-positive amount", `{"tenant_id":"t","amount":0}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst sampleRequest
			err := DecodeAndValidate(r, &dst)

			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var appErr *Error
			if !errors.As(err, &appErr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if appErr.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", appErr.Status, tt.wantStatus)
			}
		})
	}
}

func TestValidateFieldErrors(t *testing.T) {
	errs := Validate(sampleRequest{Amount: 5})
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	if errs[0].Field == "" {
		t.Error("expected a field name")
	}
	if errs[0].Message != "this field is required" {
		t.Errorf("message = %q", errs[0].Message)
	}
}
