package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, "")

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightSkipsAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodOptions, "/api/v1/sales", nil, "")
	expectStatus(t, rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected allowed origin *, got %q", got)
	}
}

func TestManagerPINAttemptsAreRateLimited(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "op-7", RoleCashier)

	for i := 0; i < 9; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/sale-x/void", strings.NewReader(`{"manager_pin":"000000"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.RemoteAddr = "127.0.0.1:5000"
		rec := httptest.NewRecorder()

		env.handler.ServeHTTP(rec, req)

		if i < 8 && rec.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before limit, got %d", i+1, rec.Code)
		}
		if i == 8 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 9 expected 429, got %d", rec.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "op-7", RoleCashier)
	veryLong := strings.Repeat("a", (1<<20)+1024)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(`{"terminal_id":"`+veryLong+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rec.Code)
	}
}

func TestStatusForMapsServerErrorsToGenericMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusInternalServerError, errTestInternal)
	if strings.Contains(rec.Body.String(), "disk") {
		t.Fatalf("expected internal details to be hidden, got %s", rec.Body.String())
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTestInternal = testError("sqlite: disk I/O error at /var/lib/kiosk.db")
