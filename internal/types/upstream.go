package types

// UpstreamRequest is the unified Dialect-R request sent to whichever
// provider the Model Router selects (spec.md §3).
type UpstreamRequest struct {
	Model              string // backend model name, post-routing
	Input              []Message
	ReasoningEffort    ReasoningEffort
	PreviousResponseID string
	MaxOutputTokens    *int
	Temperature        *float64
	TopP               *float64
	Tools              []any
	Stream             bool
}

// OutputItemType distinguishes the two Dialect-R output item kinds.
type OutputItemType string

const (
	OutputText      OutputItemType = "text"
	OutputReasoning OutputItemType = "reasoning"
)

// OutputItem is one item in a Dialect-R response's output sequence.
type OutputItem struct {
	Type   OutputItemType
	Text   string // populated when Type == OutputText
	Status string // "completed" on the terminal reasoning item of a stream
}

// Usage is upstream token accounting, copied verbatim into client responses
// with dialect-specific field names (spec.md §4.7.3/§4.7.4).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ReasoningTokens  int
}

// UpstreamError carries a provider-reported error inside a stream chunk;
// the streaming writer (internal/sseout) turns it into the client's error
// frame (spec.md §4.7.5).
type UpstreamError struct {
	Type    string
	Message string
}

// UpstreamResponse is the unified Dialect-R unary response (spec.md §3).
type UpstreamResponse struct {
	ID      string
	Created int64
	Model   string
	Output  []OutputItem
	Usage   Usage
	Error   *UpstreamError

	// StopReason is the provider's raw finish signal: "stop", "length",
	// "content_filter", or "" when absent. Mapped per dialect in §4.7.3/§4.7.4.
	StopReason string
}

// UpstreamStreamChunk mirrors UpstreamResponse but represents one SSE frame
// from the provider (spec.md §3). A terminal chunk carries a reasoning
// output item with Status == "completed".
type UpstreamStreamChunk struct {
	ID         string
	Output     []OutputItem
	Usage      *Usage
	Error      *UpstreamError
	StopReason string
}

// IsTerminal reports whether this chunk is the stream's terminal frame.
func (c *UpstreamStreamChunk) IsTerminal() bool {
	for _, item := range c.Output {
		if item.Type == OutputReasoning && item.Status == "completed" {
			return true
		}
	}
	return false
}
