package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckAcceptsMatchingBearerToken(t *testing.T) {
	checker := New("secret-token")

	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("Authorization", "Bearer secret-token")

	if err := checker.Check(req); err != nil {
		t.Fatalf("expected matching token to pass, got %v", err)
	}
}

func TestCheckRejectsMissingHeader(t *testing.T) {
	checker := New("secret-token")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)

	if err := checker.Check(req); err == nil {
		t.Fatal("expected error for missing Authorization header")
	}
}

func TestCheckRejectsWrongScheme(t *testing.T) {
	checker := New("secret-token")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("Authorization", "Basic secret-token")

	if err := checker.Check(req); err == nil {
		t.Fatal("expected error for non-bearer scheme")
	}
}

func TestCheckRejectsMismatchedToken(t *testing.T) {
	checker := New("secret-token")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")

	if err := checker.Check(req); err == nil {
		t.Fatal("expected error for mismatched token")
	}
}

func TestCheckAcceptsMatchingQueryToken(t *testing.T) {
	checker := New("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/progress/upload-1?token=secret-token", nil)

	if err := checker.Check(req); err != nil {
		t.Fatalf("expected matching query token to pass, got %v", err)
	}
}

func TestCheckRejectsMismatchedQueryToken(t *testing.T) {
	checker := New("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/progress/upload-1?token=wrong-token", nil)

	if err := checker.Check(req); err == nil {
		t.Fatal("expected error for mismatched query token")
	}
}

func TestCheckPrefersHeaderOverQueryToken(t *testing.T) {
	checker := New("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/progress/upload-1?token=wrong-token", nil)
	req.Header.Set("Authorization", "Bearer secret-token")

	if err := checker.Check(req); err != nil {
		t.Fatalf("expected header token to take precedence and pass, got %v", err)
	}
}

func TestMiddlewareRejectsUnauthenticatedRequests(t *testing.T) {
	checker := New("secret-token")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	rr := httptest.NewRecorder()

	checker.Middleware(next).ServeHTTP(rr, req)

	if called {
		t.Fatal("expected downstream handler not to run for an unauthenticated request")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header on rejection")
	}
}

func TestMiddlewarePassesThroughAuthenticatedRequests(t *testing.T) {
	checker := New("secret-token")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rr := httptest.NewRecorder()

	checker.Middleware(next).ServeHTTP(rr, req)

	if !called {
		t.Fatal("expected downstream handler to run for an authenticated request")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
