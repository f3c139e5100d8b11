package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexusgate/dialectproxy/internal/config"
	"github.com/nexusgate/dialectproxy/internal/conversation"
	"github.com/nexusgate/dialectproxy/internal/multiturn"
	"github.com/nexusgate/dialectproxy/internal/router"
	"github.com/nexusgate/dialectproxy/internal/types"
	"github.com/nexusgate/dialectproxy/internal/upstream"
)

type fakeClient struct {
	resp *types.UpstreamResponse
	err  error
}

func (f *fakeClient) Send(ctx context.Context, req *types.UpstreamRequest) (*types.UpstreamResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) Stream(ctx context.Context, req *types.UpstreamRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
}

func testServer(t *testing.T, client *fakeClient) *Server {
	t.Helper()
	cfg := config.DefaultFromEnv()
	cfg.ProxyAPIKey = "secret"
	cfg.MaxRequestSize = 1 << 20
	cfg.UpstreamTimeout = 5 * time.Second

	r := router.NewRouter(map[string]router.Route{
		"fast": {Provider: types.ProviderPrimary, BackendModel: "backend-fast"},
	})
	turns := multiturn.NewHandler(conversation.NewSimpleRegistry(100, time.Minute))

	return NewServer(cfg, slog.Default(), r, turns, map[types.Provider]upstream.Client{types.ProviderPrimary: client})
}

func TestHandleUnaryRoundTrip(t *testing.T) {
	client := &fakeClient{resp: &types.UpstreamResponse{
		ID:     "resp-1",
		Output: []types.OutputItem{{Type: types.OutputText, Text: "hi there"}},
		Usage:  types.Usage{PromptTokens: 1, CompletionTokens: 2},
	}}
	s := testServer(t, client)

	body := strings.NewReader(`{"model":"fast","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions", body)
	req.Header.Set("x-api-key", "secret")
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("got status %d, body %s", w.Code, w.Body.String())
	}
	var decoded map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if decoded["object"] != "chat.completion" {
		t.Fatalf("unexpected response shape: %+v", decoded)
	}
}

func TestHandleRejectsUnauthenticated(t *testing.T) {
	s := testServer(t, &fakeClient{})
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("got status %d, want 401", w.Code)
	}
}

func TestHandleUnknownModelReturns400(t *testing.T) {
	s := testServer(t, &fakeClient{})
	body := strings.NewReader(`{"model":"nonexistent","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions", body)
	req.Header.Set("x-api-key", "secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("got status %d, want 400, body: %s", w.Code, w.Body.String())
	}
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	s := testServer(t, &fakeClient{})
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("got status %d, want 200", w.Code)
	}
}

func TestModelsEndpointListsRoutedAliases(t *testing.T) {
	s := testServer(t, &fakeClient{})
	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("x-api-key", "secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("got status %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "fast") {
		t.Fatalf("expected models list to contain known alias, got %s", w.Body.String())
	}
}
