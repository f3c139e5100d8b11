// Package stream reads the upstream Dialect-R SSE stream into
// types.UpstreamStreamChunk values. Grounded on the teacher's
// internal/stream/reader.go and event.go, which parsed the same "data: "
// line framing from the Responses API's raw event stream; adapted here to
// decode directly into the proxy's own UpstreamStreamChunk shape instead of
// the SDK's raw event type.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/nexusgate/dialectproxy/internal/types"
)

// doneSentinel is the upstream stream terminator line, mirrored from the
// teacher's reader (internal/stream/reader.go), which treated it as
// end-of-stream rather than a chunk to decode.
const doneSentinel = "[DONE]"

// ErrStreamDone is returned by Next once the upstream stream has sent its
// sentinel or the underlying reader reached EOF.
var ErrStreamDone = errors.New("stream: done")

// wireChunk is the raw JSON shape of one upstream SSE data line, decoded
// before being projected into types.UpstreamStreamChunk.
type wireChunk struct {
	ID     string `json:"id"`
	Output []struct {
		Type   string `json:"type"`
		Text   string `json:"text"`
		Status string `json:"status"`
	} `json:"output"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
		ReasoningTokens  int `json:"reasoning_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	StopReason string `json:"stop_reason"`
}

// Reader wraps a bufio.Scanner over an upstream SSE body, yielding decoded
// chunks one "data: " line at a time.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r, sizing the scanner's buffer generously since a single
// reasoning-heavy chunk can carry several kilobytes of text.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: sc}
}

// Next returns the next decoded chunk, ErrStreamDone at the sentinel or
// EOF, or a decode error for a malformed data line.
func (r *Reader) Next() (*types.UpstreamStreamChunk, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == doneSentinel {
			return nil, ErrStreamDone
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(payload), &wc); err != nil {
			return nil, err
		}
		return projectChunk(wc), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, ErrStreamDone
}

func projectChunk(wc wireChunk) *types.UpstreamStreamChunk {
	chunk := &types.UpstreamStreamChunk{ID: wc.ID, StopReason: wc.StopReason}
	for _, item := range wc.Output {
		chunk.Output = append(chunk.Output, types.OutputItem{
			Type:   types.OutputItemType(item.Type),
			Text:   item.Text,
			Status: item.Status,
		})
	}
	if wc.Usage != nil {
		chunk.Usage = &types.Usage{
			PromptTokens:     wc.Usage.PromptTokens,
			CompletionTokens: wc.Usage.CompletionTokens,
			TotalTokens:      wc.Usage.TotalTokens,
			ReasoningTokens:  wc.Usage.ReasoningTokens,
		}
	}
	if wc.Error != nil {
		chunk.Error = &types.UpstreamError{Type: wc.Error.Type, Message: wc.Error.Message}
	}
	return chunk
}
