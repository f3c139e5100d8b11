package sseout

import (
	"bytes"
	"strings"
	"testing"

	"github.com/nexusgate/dialectproxy/internal/types"
)

type nopFlusher struct{}

func (nopFlusher) Flush() {}

func TestDialectAEmitsFullEventSequence(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectA, "claude-alias")

	if err := w.Open("resp-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Delta(&types.UpstreamStreamChunk{Output: []types.OutputItem{{Type: types.OutputText, Text: "hi"}}}); err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if err := w.Complete(&types.UpstreamStreamChunk{StopReason: "", Usage: &types.Usage{PromptTokens: 1, CompletionTokens: 2}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestExactlyOneTerminalFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectO, "gpt-alias")
	w.Open("resp-1")
	if err := w.Complete(&types.UpstreamStreamChunk{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	before := buf.Len()
	if err := w.Complete(&types.UpstreamStreamChunk{}); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if err := w.Error("should not appear"); err != nil {
		t.Fatalf("Error after Complete: %v", err)
	}
	if buf.Len() != before {
		t.Fatalf("expected no further bytes written after terminal frame, got %d new bytes", buf.Len()-before)
	}
}

func TestMalformedChunkDropped(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectO, "gpt-alias")
	w.Open("resp-1")
	if err := w.Delta(&types.UpstreamStreamChunk{}); err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected malformed/empty chunk to be dropped, got %q", buf.String())
	}
}

func TestErrorChunkEmitsTerminalErrorFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectA, "claude-alias")
	w.Open("resp-1")
	if err := w.Delta(&types.UpstreamStreamChunk{Error: &types.UpstreamError{Message: "boom"}}); err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if !strings.Contains(buf.String(), "upstream_error") {
		t.Fatalf("expected error frame, got %q", buf.String())
	}
	// subsequent Complete must not add a second terminal frame
	before := buf.Len()
	w.Complete(&types.UpstreamStreamChunk{})
	if buf.Len() != before {
		t.Fatalf("expected no frame after error terminal, got extra bytes")
	}
}

func TestCancelEmitsBestEffortTerminalFramesDialectA(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectA, "claude-alias")
	w.Open("resp-1")
	w.Delta(&types.UpstreamStreamChunk{Output: []types.OutputItem{{Type: types.OutputText, Text: "partial"}}})
	buf.Reset()
	w.Cancel()

	out := buf.String()
	for _, want := range []string{"content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected cancellation output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestCancelEmitsBestEffortTerminalFramesDialectO(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectO, "gpt-alias")
	w.Open("resp-1")
	buf.Reset()
	w.Cancel()

	out := buf.String()
	if !strings.Contains(out, "finish_reason") || !strings.Contains(out, "[DONE]") {
		t.Fatalf("expected cancellation output to contain a finish_reason chunk and [DONE], got:\n%s", out)
	}
}

func TestCancelAfterTerminalEmitsNothing(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectA, "claude-alias")
	w.Open("resp-1")
	w.Complete(&types.UpstreamStreamChunk{})
	before := buf.Len()
	w.Cancel()
	if buf.Len() != before {
		t.Fatalf("expected no further bytes written after an existing terminal frame")
	}
}

func TestContentBlockStartEmittedOnceAcrossMultipleDeltas(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectA, "claude-alias")
	w.Open("resp-1")
	w.Delta(&types.UpstreamStreamChunk{Output: []types.OutputItem{{Type: types.OutputText, Text: "one"}}})
	w.Delta(&types.UpstreamStreamChunk{Output: []types.OutputItem{{Type: types.OutputText, Text: "two"}}})

	if got := strings.Count(buf.String(), "content_block_start"); got != 1 {
		t.Fatalf("got %d content_block_start events across two deltas, want exactly 1", got)
	}
}

func TestDeltaRedactsSensitiveText(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nopFlusher{}, types.DialectO, "gpt-alias")
	w.Open("resp-1")
	if err := w.Delta(&types.UpstreamStreamChunk{Output: []types.OutputItem{{Type: types.OutputText, Text: "mail jane@example.com"}}}); err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if strings.Contains(buf.String(), "jane@example.com") {
		t.Fatalf("expected email redacted in stream delta, got %q", buf.String())
	}
}
