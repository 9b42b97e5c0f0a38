package authgate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sandrunner/sandrunner/internal/apikey"
	"github.com/sandrunner/sandrunner/internal/kvstore"
)

func testGate(t *testing.T) (*Gate, *apikey.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv := kvstore.NewFake()
	svc := apikey.NewService(kv, []string{"sk-env-key"}, true, logger)
	return New(svc, kv, logger), svc
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.5" {
		t.Errorf("ClientIP() = %q, want 203.0.113.5", got)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Real-IP", "198.51.100.7")
	if got := ClientIP(r2); got != "198.51.100.7" {
		t.Errorf("ClientIP() = %q, want 198.51.100.7", got)
	}

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.RemoteAddr = "192.0.2.9:54321"
	if got := ClientIP(r3); got != "192.0.2.9" {
		t.Errorf("ClientIP() = %q, want 192.0.2.9", got)
	}
}

func TestExtractKeyPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("x-api-key", "sk-from-header")
	r.Header.Set("Authorization", "Bearer sk-from-bearer")
	if got := extractKey(r); got != "sk-from-header" {
		t.Errorf("extractKey() = %q, want sk-from-header", got)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Authorization", "Bearer sk-from-bearer")
	if got := extractKey(r2); got != "sk-from-bearer" {
		t.Errorf("extractKey() = %q, want sk-from-bearer", got)
	}

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "ApiKey sk-from-apikey")
	if got := extractKey(r3); got != "sk-from-apikey" {
		t.Errorf("extractKey() = %q, want sk-from-apikey", got)
	}
}

func TestMiddlewareExemptPathsBypassAuth(t *testing.T) {
	gate, _ := testGate(t)
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(w, r)

	if !called || w.Code != http.StatusOK {
		t.Fatalf("exempt path was blocked: called=%v code=%d", called, w.Code)
	}
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	gate, _ := testGate(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r := httptest.NewRequest(http.MethodGet, "/execute", nil)
	w := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Middleware() status = %d, want 401", w.Code)
	}
}

func TestMiddlewareAcceptsValidKeyAndAttachesIdentity(t *testing.T) {
	gate, svc := testGate(t)
	full, _, err := svc.Create(context.Background(), "ci", apikey.RateLimits{}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var gotIdentity Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity, _ = FromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/execute", nil)
	r.Header.Set("x-api-key", full)
	w := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("Middleware() status = %d, want 200", w.Code)
	}
	if !gotIdentity.Authenticated || gotIdentity.APIKey != full {
		t.Fatalf("Middleware() identity = %+v, want authenticated with matching key", gotIdentity)
	}
}

func TestMiddlewareThrottlesRepeatedFailures(t *testing.T) {
	gate, _ := testGate(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	for i := 0; i < failureThrottleLimit; i++ {
		r := httptest.NewRequest(http.MethodGet, "/execute", nil)
		r.Header.Set("x-api-key", "sk-bad")
		r.RemoteAddr = "203.0.113.50:1234"
		w := httptest.NewRecorder()
		gate.Middleware(next).ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("iteration %d status = %d, want 401", i, w.Code)
		}
	}

	r := httptest.NewRequest(http.MethodGet, "/execute", nil)
	r.Header.Set("x-api-key", "sk-bad")
	r.RemoteAddr = "203.0.113.50:1234"
	w := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(w, r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled request status = %d, want 429", w.Code)
	}
}

func TestRequireMasterKeyRejectsWrongKey(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	r := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	r.Header.Set("x-admin-key", "wrong")
	w := httptest.NewRecorder()
	RequireMasterKey("correct-master-key")(next).ServeHTTP(w, r)

	if called || w.Code != http.StatusUnauthorized {
		t.Fatalf("RequireMasterKey() called=%v code=%d, want blocked", called, w.Code)
	}
}

func TestRequireMasterKeyAcceptsCorrectKey(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	r := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	r.Header.Set("x-admin-key", "correct-master-key")
	w := httptest.NewRecorder()
	RequireMasterKey("correct-master-key")(next).ServeHTTP(w, r)

	if !called || w.Code != http.StatusOK {
		t.Fatalf("RequireMasterKey() called=%v code=%d, want allowed", called, w.Code)
	}
}
