// Package upstream implements the two provider clients the Model Router
// can select between (spec.md §3, §4.9): Primary, talking the
// Responses-API dialect via the openai-go SDK, and Secondary, a plain HTTP
// client refreshing its bearer token through golang.org/x/oauth2. Both are
// wrapped by an internal/breaker.Breaker and a bounded retry loop. Grounded
// on the teacher's internal/upstream/client.go (SDK-backed Do()) and
// internal/upstream/retry.go (DoWithRetry backoff loop).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"golang.org/x/oauth2"

	"github.com/nexusgate/dialectproxy/internal/breaker"
	"github.com/nexusgate/dialectproxy/internal/proxyerr"
	"github.com/nexusgate/dialectproxy/internal/types"
)

// Client is the common interface both providers satisfy, so the Universal
// Request Processor can dispatch on types.Provider without a type switch
// over concrete client structs.
type Client interface {
	Send(ctx context.Context, req *types.UpstreamRequest) (*types.UpstreamResponse, error)
	Stream(ctx context.Context, req *types.UpstreamRequest) (io.ReadCloser, error)
}

// retryableRequest runs fn under breaker gating with bounded exponential
// backoff, mirroring the teacher's DoWithRetry (internal/upstream/retry.go):
// a CircuitOpen error short-circuits immediately without consuming a retry
// attempt, since the breaker itself is the rate limiter.
func retryableRequest(ctx context.Context, b *breaker.Breaker, maxRetries int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !b.Allow() {
			return proxyerr.New(proxyerr.CircuitOpen, "upstream circuit is open")
		}
		err := fn()
		if err == nil {
			b.OnSuccess()
			return nil
		}
		b.OnFailure(err)
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(attempt)):
		}
	}
	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
}

func isRetryable(err error) bool {
	pe, ok := err.(*proxyerr.Error)
	if !ok {
		return true
	}
	switch pe.Kind {
	case proxyerr.NetworkError, proxyerr.NetworkTimeout, proxyerr.UpstreamServerError:
		return true
	default:
		return false
	}
}

// --- Primary provider (openai-go Responses API) ---

// PrimaryClient talks to the Primary provider's Responses API.
type PrimaryClient struct {
	sdk        openai.Client
	breaker    *breaker.Breaker
	maxRetries int
}

// NewPrimaryClient builds a PrimaryClient. apiKey and baseURL configure the
// underlying SDK transport (spec.md §6.3 provider credentials).
func NewPrimaryClient(apiKey, baseURL string, maxRetries int, b *breaker.Breaker) *PrimaryClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &PrimaryClient{sdk: openai.NewClient(opts...), breaker: b, maxRetries: maxRetries}
}

// Send performs one unary Responses-API call.
func (c *PrimaryClient) Send(ctx context.Context, req *types.UpstreamRequest) (*types.UpstreamResponse, error) {
	params := buildResponseParams(req)

	var out *types.UpstreamResponse
	err := retryableRequest(ctx, c.breaker, c.maxRetries, func() error {
		resp, err := c.sdk.Responses.New(ctx, params)
		if err != nil {
			return classifySDKError(err)
		}
		out = projectSDKResponse(resp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream opens a streaming Responses-API call and returns its raw SSE body
// for internal/stream.Reader to decode. The circuit breaker gates the
// initial connection attempt only; mid-stream failures are handled by the
// caller's streaming state machine, not by retrying a half-sent stream.
func (c *PrimaryClient) Stream(ctx context.Context, req *types.UpstreamRequest) (io.ReadCloser, error) {
	params := buildResponseParams(req)

	var body io.ReadCloser
	err := retryableRequest(ctx, c.breaker, c.maxRetries, func() error {
		s := c.sdk.Responses.NewStreaming(ctx, params)
		if s.Err() != nil {
			return classifySDKError(s.Err())
		}
		body = s.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func buildResponseParams(req *types.UpstreamRequest) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: req.Model,
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	if req.MaxOutputTokens != nil {
		params.MaxOutputTokens = openai.Int(int64(*req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	params.Reasoning = responses.ReasoningParam{Effort: responses.ReasoningEffort(req.ReasoningEffort.String())}

	var items []responses.ResponseInputItemUnionParam
	for _, m := range req.Input {
		items = append(items, responses.ResponseInputItemParamOfMessage(m.Text(), responses.EasyInputMessageRole(m.Role)))
	}
	params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}
	return params
}

func classifySDKError(err error) error {
	return proxyerr.New(proxyerr.UpstreamServerError, "primary provider request failed: "+err.Error())
}

func projectSDKResponse(resp *responses.Response) *types.UpstreamResponse {
	out := &types.UpstreamResponse{
		ID:      resp.ID,
		Created: int64(resp.CreatedAt),
		Model:   resp.Model,
		Usage: types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
			ReasoningTokens:  int(resp.Usage.OutputTokensDetails.ReasoningTokens),
		},
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				out.Output = append(out.Output, types.OutputItem{Type: types.OutputText, Text: c.Text})
			}
		case "reasoning":
			out.Output = append(out.Output, types.OutputItem{Type: types.OutputReasoning, Status: "completed"})
		}
	}
	return out
}

// --- Secondary provider (plain HTTP + oauth2 token refresh) ---

// SecondaryClient talks to the Secondary provider over plain HTTP,
// refreshing its bearer token via golang.org/x/oauth2's client-credentials
// flow rather than a long-lived static key.
type SecondaryClient struct {
	httpClient *http.Client
	baseURL    string
	breaker    *breaker.Breaker
	maxRetries int
}

// NewSecondaryClient builds a SecondaryClient whose transport wraps an
// oauth2.TokenSource so every outbound request carries a fresh token.
func NewSecondaryClient(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token, baseURL string, maxRetries int, b *breaker.Breaker) *SecondaryClient {
	httpClient := cfg.Client(ctx, token)
	return &SecondaryClient{httpClient: httpClient, baseURL: baseURL, breaker: b, maxRetries: maxRetries}
}

type secondaryWireRequest struct {
	Model              string          `json:"model"`
	Input              []secondaryItem `json:"input"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	ReasoningEffort    string          `json:"reasoning_effort"`
	Stream             bool            `json:"stream"`
}

type secondaryItem struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func buildSecondaryBody(req *types.UpstreamRequest) secondaryWireRequest {
	body := secondaryWireRequest{
		Model:              req.Model,
		PreviousResponseID: req.PreviousResponseID,
		ReasoningEffort:    req.ReasoningEffort.String(),
		Stream:             req.Stream,
	}
	for _, m := range req.Input {
		body.Input = append(body.Input, secondaryItem{Role: string(m.Role), Text: m.Text()})
	}
	return body
}

// Send performs one unary call against the Secondary provider.
func (c *SecondaryClient) Send(ctx context.Context, req *types.UpstreamRequest) (*types.UpstreamResponse, error) {
	var out *types.UpstreamResponse
	err := retryableRequest(ctx, c.breaker, c.maxRetries, func() error {
		resp, err := c.do(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return proxyerr.New(proxyerr.UpstreamServerError, fmt.Sprintf("secondary provider returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return proxyerr.New(proxyerr.UpstreamClientError, fmt.Sprintf("secondary provider returned %d", resp.StatusCode))
		}
		var wire struct {
			ID     string `json:"id"`
			Output []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"output"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
			StopReason string `json:"stop_reason"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return proxyerr.New(proxyerr.UpstreamServerError, "malformed secondary provider response")
		}
		up := &types.UpstreamResponse{ID: wire.ID, StopReason: wire.StopReason, Usage: types.Usage{
			PromptTokens: wire.Usage.PromptTokens, CompletionTokens: wire.Usage.CompletionTokens, TotalTokens: wire.Usage.TotalTokens,
		}}
		for _, item := range wire.Output {
			up.Output = append(up.Output, types.OutputItem{Type: types.OutputItemType(item.Type), Text: item.Text})
		}
		out = up
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream opens a streaming call against the Secondary provider, returning
// its raw SSE body for internal/stream.Reader.
func (c *SecondaryClient) Stream(ctx context.Context, req *types.UpstreamRequest) (io.ReadCloser, error) {
	req.Stream = true
	var body io.ReadCloser
	err := retryableRequest(ctx, c.breaker, c.maxRetries, func() error {
		resp, err := c.do(ctx, req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return proxyerr.New(proxyerr.UpstreamServerError, fmt.Sprintf("secondary provider stream returned %d", resp.StatusCode))
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *SecondaryClient) do(ctx context.Context, req *types.UpstreamRequest) (*http.Response, error) {
	payload, err := json.Marshal(buildSecondaryBody(req))
	if err != nil {
		return nil, proxyerr.New(proxyerr.Internal, "failed to encode secondary provider request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, proxyerr.New(proxyerr.Internal, "failed to build secondary provider request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, proxyerr.New(proxyerr.NetworkTimeout, "secondary provider request timed out")
		}
		return nil, proxyerr.New(proxyerr.NetworkError, "secondary provider request failed: "+err.Error())
	}
	return resp, nil
}
