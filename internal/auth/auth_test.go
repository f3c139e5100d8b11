package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer secret-key")
	if !Check(r, "secret-key") {
		t.Fatalf("expected valid bearer to pass")
	}
}

func TestCheckXAPIKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", "secret-key")
	if !Check(r, "secret-key") {
		t.Fatalf("expected valid x-api-key to pass")
	}
}

func TestCheckBearerTakesPrecedenceOverXAPIKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer wrong-key")
	r.Header.Set("x-api-key", "secret-key")
	if Check(r, "secret-key") {
		t.Fatalf("expected invalid bearer to fail even with a valid x-api-key present")
	}
}

func TestCheckRejectsMissingCredential(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if Check(r, "secret-key") {
		t.Fatalf("expected missing credential to fail")
	}
}

func TestCheckRejectsMalformedAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if Check(r, "secret-key") {
		t.Fatalf("expected non-Bearer Authorization scheme to fail")
	}
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	handlerCalled := false
	h := Middleware("secret-key", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", w.Code)
	}
	if handlerCalled {
		t.Fatalf("expected wrapped handler not to run")
	}
}

func TestMiddlewareAllowsAuthenticated(t *testing.T) {
	handlerCalled := false
	h := Middleware("secret-key", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", "secret-key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if !handlerCalled {
		t.Fatalf("expected wrapped handler to run")
	}
}
