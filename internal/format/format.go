// Package format implements the Format Detector (spec.md §4.1): the first
// pipeline stage, classifying an inbound HTTP request as Dialect-A or
// Dialect-O before anything else touches it. Grounded on the teacher's
// codec.Format enum (internal/codec/codec.go), trimmed to the two dialects
// this proxy actually serves.
package format

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nexusgate/dialectproxy/internal/types"
)

// Detect classifies a decoded JSON request body given the request path it
// arrived on. Path is authoritative when it unambiguously names one
// dialect's endpoint; otherwise detection falls back to body shape signals.
//
// Resolves spec.md's Open Question on ambiguous bodies: when no shape
// signal fires, the request is treated as Dialect-O — the flatter, more
// permissive shape — since an empty or minimal body round-trips losslessly
// through the Dialect-O transformer but not necessarily through Dialect-A's
// required content-block structure.
func Detect(body []byte, path string) types.Dialect {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return types.DialectA
	case strings.HasPrefix(path, "/v1/chat/completions"), strings.HasPrefix(path, "/v1/completions"):
		return types.DialectO
	}

	doc := gjson.ParseBytes(body)

	// Dialect-O shape signals (spec.md §4.1): any of these fields is
	// exclusive to the flat chat-completions wire format.
	if doc.Get("response_format").Exists() ||
		doc.Get("max_completion_tokens").Exists() ||
		doc.Get("tool_choice").Exists() ||
		doc.Get("n").Exists() ||
		doc.Get("logprobs").Exists() {
		return types.DialectO
	}

	// Dialect-A shape signals: a top-level system string, max_tokens, or a
	// messages array whose content is itself an array of typed blocks.
	if doc.Get("system").Type == gjson.String {
		return types.DialectA
	}
	if doc.Get("max_tokens").Exists() {
		return types.DialectA
	}
	if msgs := doc.Get("messages"); msgs.IsArray() {
		for _, m := range msgs.Array() {
			if m.Get("content").IsArray() {
				return types.DialectA
			}
		}
	}

	// Legacy prompt-only bodies ({"prompt": "..."}) fold into Dialect-O; the
	// Normalizer synthesizes a single user message from it (spec.md §4.2).
	if doc.Get("prompt").Exists() {
		return types.DialectO
	}

	return types.DialectO
}
