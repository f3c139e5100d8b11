// Package sseout implements the client-facing Streaming State Machine
// (spec.md §4.8): it consumes types.UpstreamStreamChunk values and emits
// dialect-specific SSE frames to the client connection, guaranteeing
// exactly one terminal frame regardless of how the upstream stream ends.
// Grounded directly on the teacher's internal/codec/anthropic.go
// anthropicStreamTranslator, which drove the identical
// message_start -> content_block_start -> content_block_delta ->
// content_block_stop -> message_delta -> message_stop sequence from a raw
// upstream event stream.
package sseout

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/nexusgate/dialectproxy/internal/sanitize"
	"github.com/nexusgate/dialectproxy/internal/types"
)

// state is the streaming state machine's position (spec.md §4.8).
type state int

const (
	stateInitial state = iota
	stateOpened
	stateStreaming
	stateCompleted
	stateErrored
	stateCancelled
)

func (s state) terminal() bool {
	return s == stateCompleted || s == stateErrored || s == stateCancelled
}

// Writer drives one client-facing SSE stream for a single request. Not
// safe for concurrent use — one Writer belongs to exactly one HTTP
// handler goroutine (spec.md §5 "structured concurrency, no shared
// mutable stream state").
type Writer struct {
	w       io.Writer
	flusher flusher
	dialect types.Dialect
	model   string

	st           state
	frameEmitted bool // guards the exactly-one-terminal-frame invariant
	blockOpened  bool // whether content_block_start has already been sent
}

// flusher is satisfied by http.ResponseWriter; declared locally so this
// package doesn't import net/http just for the Flush method set.
type flusher interface {
	Flush()
}

// NewWriter builds a Writer targeting w (normally an http.ResponseWriter),
// rendering frames in the given client dialect.
func NewWriter(w io.Writer, flusher flusher, dialect types.Dialect, model string) *Writer {
	return &Writer{w: w, flusher: flusher, dialect: dialect, model: model, st: stateInitial}
}

// Open transitions Initial -> Opened and emits the dialect's preamble frame
// (Dialect-A's message_start; Dialect-O has none and moves straight to
// Streaming on the first delta).
func (sw *Writer) Open(responseID string) error {
	if sw.st != stateInitial {
		return fmt.Errorf("sseout: Open called from state other than Initial")
	}
	sw.st = stateOpened
	if sw.dialect == types.DialectA {
		return sw.emitAnthropicMessageStart(responseID)
	}
	return nil
}

// Delta handles one non-terminal upstream chunk: malformed chunks (no
// output items and no error) are dropped silently per spec.md §4.8, never
// surfaced to the client and never counted as a terminal frame.
func (sw *Writer) Delta(chunk *types.UpstreamStreamChunk) error {
	if sw.st.terminal() {
		return nil // a terminal frame has already been sent; ignore stragglers
	}
	if chunk.Error != nil {
		return sw.Error(chunk.Error.Message)
	}
	if len(chunk.Output) == 0 {
		return nil // malformed/empty chunk: dropped, not forwarded
	}

	text := extractDeltaText(chunk.Output)
	if text == "" {
		return nil
	}
	text = sanitize.RedactText(text)

	sw.st = stateStreaming
	if sw.dialect == types.DialectA {
		return sw.emitAnthropicDelta(text)
	}
	return sw.emitOpenAIDelta(text)
}

// Complete sends the terminal success frame and transitions to Completed.
// Safe to call more than once; only the first call emits a frame.
func (sw *Writer) Complete(chunk *types.UpstreamStreamChunk) error {
	if sw.frameEmitted {
		return nil
	}
	sw.frameEmitted = true
	sw.st = stateCompleted

	if sw.dialect == types.DialectA {
		return sw.emitAnthropicTerminal(chunk)
	}
	return sw.emitOpenAITerminal(chunk)
}

// Error sends the terminal error frame and transitions to Errored. Safe to
// call more than once; only the first call emits a frame, preserving the
// exactly-one-terminal-frame guarantee even if the upstream connection
// fails after a content error was already reported.
func (sw *Writer) Error(message string) error {
	if sw.frameEmitted {
		return nil
	}
	sw.frameEmitted = true
	sw.st = stateErrored

	message = sanitize.RedactText(message)
	if sw.dialect == types.DialectA {
		return sw.writeEvent("error", map[string]any{
			"type":  "error",
			"error": map[string]string{"type": "upstream_error", "message": message},
		})
	}
	return sw.writeRaw(fmt.Sprintf(`{"error":{"message":%q,"type":"upstream_error"}}`, message))
}

// Cancel marks the stream Cancelled and makes a best-effort attempt to send
// terminal frames before giving up the connection (spec.md §4.8's
// exactly-one-terminal-frame guarantee extends to cancellation: a client
// watching for a finish_reason/message_stop should still see one even when
// the request context was cancelled mid-stream). Write errors are ignored —
// if the connection is already gone there is nothing left to do.
func (sw *Writer) Cancel() {
	if sw.frameEmitted {
		return
	}
	sw.frameEmitted = true
	sw.st = stateCancelled

	if sw.dialect == types.DialectA {
		sw.closeContentBlock()
		sw.writeEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]string{"stop_reason": "end_turn"},
			"usage": map[string]int{"input_tokens": 0, "output_tokens": 0},
		})
		sw.writeEvent("message_stop", map[string]any{"type": "message_stop"})
		return
	}
	sw.writeRaw(mustJSON(map[string]any{
		"object": "chat.completion.chunk",
		"model":  sw.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]string{},
			"finish_reason": "stop",
		}},
	}))
	sw.writeRaw("[DONE]")
}

func extractDeltaText(output []types.OutputItem) string {
	out := ""
	for _, item := range output {
		if item.Type != types.OutputText {
			continue
		}
		out += item.Text
	}
	return out
}

// --- Dialect-A (content-block event sequence) ---

func (sw *Writer) emitAnthropicMessageStart(responseID string) error {
	if responseID == "" {
		responseID = "msg_" + uuid.New().String()
	}
	return sw.writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    responseID,
			"type":  "message",
			"role":  "assistant",
			"model": sw.model,
		},
	})
}

func (sw *Writer) emitAnthropicDelta(text string) error {
	if !sw.blockOpened {
		if err := sw.writeEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		}); err != nil {
			return err
		}
		sw.blockOpened = true
	}
	return sw.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
}

func (sw *Writer) emitAnthropicTerminal(chunk *types.UpstreamStreamChunk) error {
	if err := sw.closeContentBlock(); err != nil {
		return err
	}

	stopReason := "end_turn"
	usage := types.Usage{}
	if chunk != nil {
		stopReason = mapAnthropicStop(chunk.StopReason)
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}
	if err := sw.writeEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]string{"stop_reason": stopReason},
		"usage": map[string]int{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
		},
	}); err != nil {
		return err
	}
	return sw.writeEvent("message_stop", map[string]any{"type": "message_stop"})
}

// closeContentBlock emits content_block_start first if no delta ever opened
// one (an empty-output stream still needs one content block closed, per
// Dialect-A's message shape), then content_block_stop.
func (sw *Writer) closeContentBlock() error {
	if !sw.blockOpened {
		if err := sw.writeEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		}); err != nil {
			return err
		}
		sw.blockOpened = true
	}
	return sw.writeEvent("content_block_stop", map[string]any{
		"type": "content_block_stop", "index": 0,
	})
}

func mapAnthropicStop(raw string) string {
	switch raw {
	case "length":
		return "max_tokens"
	case "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// --- Dialect-O (flat chat.completion.chunk sequence) ---

func (sw *Writer) emitOpenAIDelta(text string) error {
	return sw.writeRaw(mustJSON(map[string]any{
		"object": "chat.completion.chunk",
		"model":  sw.model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]string{"content": text},
		}},
	}))
}

func (sw *Writer) emitOpenAITerminal(chunk *types.UpstreamStreamChunk) error {
	finish := "stop"
	if chunk != nil && chunk.StopReason == "length" {
		finish = "length"
	}
	if err := sw.writeRaw(mustJSON(map[string]any{
		"object": "chat.completion.chunk",
		"model":  sw.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]string{},
			"finish_reason": finish,
		}},
	})); err != nil {
		return err
	}
	return sw.writeRaw("[DONE]")
}

// --- low-level framing ---

func (sw *Writer) writeEvent(eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventName, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *Writer) writeRaw(data string) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
