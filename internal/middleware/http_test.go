package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"yorkiexchange/internal/auth"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/rate"
)

func TestClientIPTrustProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.5")

	if got := ClientIP(r, false); got != "10.0.0.5" {
		t.Fatalf("unexpected direct IP: %s", got)
	}
	if got := ClientIP(r, true); got != "1.2.3.4" {
		t.Fatalf("unexpected proxied IP: %s", got)
	}
}

func TestClientIPUnknown(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = ""
	if got := ClientIP(r, true); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	l := rate.NewSlidingWindow(2, time.Minute)
	h := RequestIDMiddleware(RateLimit(l, "admin_action", true)(okHandler))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/admin/action", nil)
		r.Header.Set("X-Forwarded-For", "9.9.9.9")
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: unexpected status %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/admin/action", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9")
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("unexpected Retry-After: %q", got)
	}
	body := decodeError(t, rec)
	if body["error"] != "rate_limited" || body["request_id"] == nil {
		t.Fatalf("unexpected body: %v", body)
	}

	// Another client is unaffected.
	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/admin/action", nil)
	r.Header.Set("X-Forwarded-For", "8.8.8.8")
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("other client: unexpected status %d", rec.Code)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Admit(context.Context, string) (rate.Decision, error) {
	return rate.Decision{}, errors.New("redis: connection refused")
}

func TestRateLimitFailsOpen(t *testing.T) {
	rec := httptest.NewRecorder()
	RateLimit(brokenLimiter{}, "admin_action", false)(okHandler).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected request to pass, got %d", rec.Code)
	}
}

type fixedLimiter rate.Decision

func (f fixedLimiter) Admit(context.Context, string) (rate.Decision, error) {
	return rate.Decision(f), nil
}

func TestRateLimitRetryAfterFollowsLimiter(t *testing.T) {
	cases := map[time.Duration]string{
		12300 * time.Millisecond: "13",
		30 * time.Second:         "30",
		0:                        "1",
	}
	for wait, want := range cases {
		rec := httptest.NewRecorder()
		RateLimit(fixedLimiter{RetryAfter: wait}, "admin_action", false)(okHandler).
			ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("retry %s: expected 429, got %d", wait, rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != want {
			t.Fatalf("retry %s: expected Retry-After %q, got %q", wait, want, got)
		}
	}
}

type fakeResolver struct {
	actor models.Actor
	uid   string
	err   error
}

func (f fakeResolver) Authorize(context.Context, string) (models.Actor, error) { return f.actor, f.err }
func (f fakeResolver) Authenticate(context.Context, string) (string, error)    { return f.uid, f.err }

func TestRequireAdmin(t *testing.T) {
	cases := []struct {
		name   string
		header string
		err    error
		status int
		code   string
	}{
		{"missing", "", nil, http.StatusUnauthorized, "missing_token"},
		{"wrong scheme", "Basic abc", nil, http.StatusUnauthorized, "missing_token"},
		{"invalid", "Bearer t", auth.ErrInvalidCredential, http.StatusUnauthorized, "invalid_token"},
		{"forbidden", "Bearer t", auth.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"backend", "Bearer t", fmt.Errorf("%w: %s", auth.ErrBackend, "JWT expired"), http.StatusBadRequest, "JWT expired"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := RequireAdmin(fakeResolver{err: tc.err})(okHandler)
			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			h.ServeHTTP(rec, r)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := decodeError(t, rec)["error"]; got != tc.code {
				t.Fatalf("expected %q, got %v", tc.code, got)
			}
		})
	}
}

func TestRequireAdminStoresActor(t *testing.T) {
	var got models.Actor
	h := RequireAdmin(fakeResolver{actor: models.Actor{ID: "admin-1", Role: models.RoleAdmin, Privileged: true}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = Actor(r.Context())
		}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer tok")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got.ID != "admin-1" || !got.Privileged {
		t.Fatalf("unexpected actor: %+v", got)
	}
}

func TestAuthnStoresUserID(t *testing.T) {
	var uid string
	h := Authn(fakeResolver{uid: "u1"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid = UserID(r.Context())
	}))
	r := httptest.NewRequest(http.MethodPost, "/api/v1/me/avatar", nil)
	r.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if uid != "u1" {
		t.Fatalf("unexpected user id: %q", uid)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	var rid string
	h := RequestIDMiddleware(SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid = RequestID(r.Context())
	})))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rid == "" || rec.Header().Get("X-Request-ID") != rid {
		t.Fatalf("request id not propagated: ctx=%q header=%q", rid, rec.Header().Get("X-Request-ID"))
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
}
