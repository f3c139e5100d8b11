// Package normalize implements the Request Normalizer/Validator (spec.md
// §4.2): the second pipeline stage, turning a raw decoded body plus its
// detected Dialect into a types.NormalizedRequest, or a tagged
// proxyerr.Error when the body is malformed, oversized, or fails the
// content-security screen. Grounded on the teacher's candidate-struct
// pattern (internal/normalize/input.go): each possible input source is
// probed for Present/Valid/Usable before one is chosen.
package normalize

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/nexusgate/dialectproxy/internal/config"
	"github.com/nexusgate/dialectproxy/internal/proxyerr"
	"github.com/nexusgate/dialectproxy/internal/sanitize"
	"github.com/nexusgate/dialectproxy/internal/types"
)

// candidate is one possible source of message content within a body,
// probed independently before the Normalizer commits to one (spec.md §4.2
// step 2: "exactly one input source wins").
type candidate struct {
	name    string
	present bool
	usable  bool
	build   func() ([]types.Message, error)
}

// Normalize validates and reshapes a raw request body into the internal
// neutral form. cfg governs size limits and whether content-security
// screening is enabled.
func Normalize(cfg *config.ServerConfig, body []byte, dialect types.Dialect) (*types.NormalizedRequest, error) {
	if int64(len(body)) > cfg.MaxRequestSize {
		return nil, proxyerr.New(proxyerr.InvalidRequest, fmt.Sprintf("request body exceeds maximum size of %d bytes", cfg.MaxRequestSize))
	}
	if !gjson.ValidBytes(body) {
		return nil, proxyerr.New(proxyerr.InvalidRequest, "request body is not valid JSON")
	}
	doc := gjson.ParseBytes(body)

	messages, system, err := selectInputSource(doc, dialect)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, proxyerr.New(proxyerr.InvalidRequest, "request contains no usable message content").WithField("messages")
	}

	if cfg.EnableContentSecurityValidation {
		if finding := screenMessages(messages); finding != "" {
			return nil, proxyerr.New(proxyerr.InvalidRequest, "request content failed content-security screening: "+finding).WithField("messages")
		}
	}

	for i := range messages {
		messages[i].String = sanitize.Sanitize(messages[i].String)
		for j := range messages[i].Blocks {
			messages[i].Blocks[j].Text = sanitize.Sanitize(messages[i].Blocks[j].Text)
		}
	}
	system = sanitize.Sanitize(system)

	sampling, err := parseSampling(doc)
	if err != nil {
		return nil, err
	}

	stream, err := parseStream(doc)
	if err != nil {
		return nil, err
	}

	req := &types.NormalizedRequest{
		Dialect:  dialect,
		Messages: messages,
		System:   system,
		Sampling: sampling,
		Stream:   stream,
		Model:    doc.Get("model").String(),
	}
	if tools := doc.Get("tools"); tools.IsArray() {
		for _, t := range tools.Array() {
			req.Tools = append(req.Tools, t.Value())
		}
	}
	return req, nil
}

// selectInputSource tries, in order: a messages array (both dialects), then
// a legacy flat "prompt" string (Dialect-O only, folded into a single user
// message per spec.md §4.2 step 1).
func selectInputSource(doc gjson.Result, dialect types.Dialect) (messages []types.Message, system string, err error) {
	candidates := []candidate{
		{
			name:    "messages",
			present: doc.Get("messages").IsArray(),
			build: func() ([]types.Message, error) {
				return parseMessages(doc.Get("messages"))
			},
		},
		{
			name:    "prompt",
			present: doc.Get("prompt").Exists() && dialect == types.DialectO,
			build: func() ([]types.Message, error) {
				p := doc.Get("prompt")
				if p.Type != gjson.String || p.String() == "" {
					return nil, proxyerr.New(proxyerr.InvalidRequest, "prompt must be a non-empty string").WithField("prompt")
				}
				return []types.Message{{Role: types.RoleUser, String: p.String()}}, nil
			},
		},
	}

	for _, c := range candidates {
		if !c.present {
			continue
		}
		messages, err = c.build()
		if err != nil {
			return nil, "", err
		}
		if len(messages) > 0 {
			if s := doc.Get("system"); dialect == types.DialectA && s.Type == gjson.String {
				system = s.String()
			}
			return messages, system, nil
		}
	}
	return nil, "", nil
}

func parseMessages(arr gjson.Result) ([]types.Message, error) {
	var out []types.Message
	for _, m := range arr.Array() {
		role := types.Role(m.Get("role").String())
		switch role {
		case types.RoleUser, types.RoleAssistant, types.RoleSystem:
		default:
			return nil, proxyerr.New(proxyerr.InvalidRequest, "message role must be one of user, assistant, system").WithField("messages.role")
		}

		content := m.Get("content")
		msg := types.Message{Role: role}
		switch {
		case content.Type == gjson.String:
			msg.String = content.String()
		case content.IsArray():
			for _, block := range content.Array() {
				msg.Blocks = append(msg.Blocks, types.ContentBlock{
					Type: block.Get("type").String(),
					Text: block.Get("text").String(),
				})
			}
		default:
			return nil, proxyerr.New(proxyerr.InvalidRequest, "message content must be a string or content-block array").WithField("messages.content")
		}
		out = append(out, msg)
	}
	return out, nil
}

// maxTokenCap bounds any of the max-tokens aliases (spec.md §4.2 step 4:
// sampling-parameter range validation); requests asking for more than this
// are rejected rather than silently clamped.
const maxTokenCap = 131072

// parseSampling extracts and range-validates the sampling parameters (spec.md
// §4.2 step 4): temperature in [0, 2], top_p in [0, 1], and any max-tokens
// alias in [1, maxTokenCap]. A present-but-non-numeric field or an
// out-of-range value is rejected rather than silently clamped or ignored.
func parseSampling(doc gjson.Result) (types.SamplingParams, error) {
	var sp types.SamplingParams

	if t := doc.Get("temperature"); t.Exists() {
		if t.Type != gjson.Number {
			return sp, proxyerr.New(proxyerr.InvalidRequest, "temperature must be a number").WithField("temperature")
		}
		v := t.Float()
		if v < 0 || v > 2 {
			return sp, proxyerr.New(proxyerr.InvalidRequest, "temperature must be between 0 and 2").WithField("temperature")
		}
		sp.Temperature = &v
	}

	if p := doc.Get("top_p"); p.Exists() {
		if p.Type != gjson.Number {
			return sp, proxyerr.New(proxyerr.InvalidRequest, "top_p must be a number").WithField("top_p")
		}
		v := p.Float()
		if v < 0 || v > 1 {
			return sp, proxyerr.New(proxyerr.InvalidRequest, "top_p must be between 0 and 1").WithField("top_p")
		}
		sp.TopP = &v
	}

	for _, key := range []string{"max_tokens", "max_completion_tokens", "max_output_tokens"} {
		v := doc.Get(key)
		if !v.Exists() {
			continue
		}
		if v.Type != gjson.Number {
			return sp, proxyerr.New(proxyerr.InvalidRequest, key+" must be a number").WithField(key)
		}
		n := int(v.Int())
		if n < 1 || n > maxTokenCap {
			return sp, proxyerr.New(proxyerr.InvalidRequest, fmt.Sprintf("%s must be between 1 and %d", key, maxTokenCap)).WithField(key)
		}
		if sp.MaxOutputTokens == nil {
			sp.MaxOutputTokens = &n
		}
	}

	return sp, nil
}

// parseStream requires the "stream" field, when present, to be a genuine
// JSON boolean (spec.md §4.2 step 4) — a truthy string like "true" is a
// client bug, not a request for streaming, and silently coercing it would
// hide that.
func parseStream(doc gjson.Result) (bool, error) {
	v := doc.Get("stream")
	if !v.Exists() {
		return false, nil
	}
	if v.Type != gjson.True && v.Type != gjson.False {
		return false, proxyerr.New(proxyerr.InvalidRequest, "stream must be a boolean").WithField("stream")
	}
	return v.Bool(), nil
}

// screenMessages runs the content-security screen over every text field in
// the request (spec.md §4.2 step 3). Returns the first matched pattern
// name, or "" if clean.
func screenMessages(messages []types.Message) string {
	for _, m := range messages {
		if name, matched := sanitize.ScreenString(m.String); matched {
			return name
		}
		for _, b := range m.Blocks {
			if name, matched := sanitize.ScreenString(b.Text); matched {
				return name
			}
		}
	}
	return ""
}
