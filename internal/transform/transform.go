// Package transform implements the Dialect Transformers (spec.md §4.7):
// the four directions that carry a request from its client dialect into
// Dialect-R, and a unary Dialect-R response back into the client's dialect.
// Grounded on the teacher's internal/transform/messages.go and
// internal/codec/anthropic.go, which built the equivalent Anthropic<->
// Responses-API unary transforms; the streaming direction lives in
// internal/sseout since it needs the state-machine shape rather than a
// single-pass function.
package transform

import (
	"github.com/nexusgate/dialectproxy/internal/sanitize"
	"github.com/nexusgate/dialectproxy/internal/types"
)

// ToUpstream builds the unified Dialect-R request from a normalized client
// request, the routed backend model name, the resolved reasoning effort,
// and the continuation id if this turn continues a tracked conversation
// (spec.md §4.7.1/§4.7.2 — the two directions collapse into one function
// since both dialects feed the same NormalizedRequest shape).
func ToUpstream(req *types.NormalizedRequest, backendModel string, effort types.ReasoningEffort, previousResponseID string) *types.UpstreamRequest {
	input := make([]types.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		input = append(input, types.Message{Role: types.RoleSystem, String: req.System})
	}
	input = append(input, req.Messages...)

	return &types.UpstreamRequest{
		Model:              backendModel,
		Input:              input,
		ReasoningEffort:    effort,
		PreviousResponseID: previousResponseID,
		MaxOutputTokens:    req.Sampling.MaxOutputTokens,
		Temperature:        req.Sampling.Temperature,
		TopP:               req.Sampling.TopP,
		Tools:              req.Tools,
		Stream:             req.Stream,
	}
}

// AnthropicResponse is the Dialect-A unary response shape (spec.md §4.7.3).
type AnthropicResponse struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Role       string                 `json:"role"`
	Model      string                 `json:"model"`
	Content    []types.ContentBlock   `json:"content"`
	StopReason string                 `json:"stop_reason"`
	Usage      AnthropicUsage         `json:"usage"`
}

// AnthropicUsage is Dialect-A's token accounting field names.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// OpenAIResponse is the Dialect-O unary response shape (spec.md §4.7.4).
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

// OpenAIChoice is one entry of Dialect-O's choices array.
type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// OpenAIMessage is Dialect-O's flat assistant message shape.
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIUsage is Dialect-O's token accounting field names.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// anthropicStopReason maps a provider-raw stop signal to Dialect-A's
// vocabulary (spec.md §4.7.3).
func anthropicStopReason(raw string) string {
	switch raw {
	case "length":
		return "max_tokens"
	case "content_filter":
		return "end_turn"
	case "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// openAIFinishReason maps a provider-raw stop signal to Dialect-O's
// vocabulary (spec.md §4.7.4).
func openAIFinishReason(raw string) string {
	switch raw {
	case "length":
		return "length"
	case "content_filter":
		return "content_filter"
	case "":
		return "stop"
	default:
		return "stop"
	}
}

// extractText concatenates every OutputText item's text, the inverse of
// transform.ToUpstream's system+messages flattening.
func extractText(output []types.OutputItem) string {
	out := ""
	for _, item := range output {
		if item.Type != types.OutputText {
			continue
		}
		out += item.Text
	}
	return out
}

// CompletionLength returns the rune length of the concatenated output text,
// consumed by the response-integrity check (spec.md §4.7.5) before a unary
// response is written to the client.
func CompletionLength(resp *types.UpstreamResponse) int {
	return len([]rune(extractText(resp.Output)))
}

// ChoicesCount returns the number of distinct text output items in resp, or
// 1 when there are none, for the response-integrity check (spec.md §4.7.5).
// FromUpstreamToOpenAI itself always renders a single choice holding the
// concatenated text, whatever this count is.
func ChoicesCount(resp *types.UpstreamResponse) int {
	n := 0
	for _, item := range resp.Output {
		if item.Type == types.OutputText {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// ChunkTextLength returns the rune length of one stream chunk's text output,
// for the response-integrity check (spec.md §4.7.5) to accumulate across a
// streaming response the same way CompletionLength measures a unary one.
func ChunkTextLength(output []types.OutputItem) int {
	return len([]rune(extractText(output)))
}

// FromUpstreamToAnthropic renders a unary Dialect-R response into Dialect-A
// shape, applying the outbound sensitive-data redaction pass (spec.md
// §4.7.6) to every text field before it leaves the process.
func FromUpstreamToAnthropic(resp *types.UpstreamResponse, clientModel string) *AnthropicResponse {
	text := sanitize.RedactText(extractText(resp.Output))
	return &AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      clientModel,
		Content:    []types.ContentBlock{{Type: "text", Text: text}},
		StopReason: anthropicStopReason(resp.StopReason),
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

// FromUpstreamToOpenAI renders a unary Dialect-R response into Dialect-O
// shape, with the same redaction pass applied.
func FromUpstreamToOpenAI(resp *types.UpstreamResponse, clientModel string, createdUnix int64) *OpenAIResponse {
	text := sanitize.RedactText(extractText(resp.Output))
	return &OpenAIResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   clientModel,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      OpenAIMessage{Role: "assistant", Content: text},
			FinishReason: openAIFinishReason(resp.StopReason),
		}},
		Usage: OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// ErrorEnvelope is the shared shape of a client-facing error body (spec.md
// §7). Both dialects wrap it identically at the JSON top level; only the
// surrounding HTTP status differs, which proxyerr.HTTPStatus resolves.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object.
type ErrorBody struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
