package format

import (
	"testing"

	"github.com/nexusgate/dialectproxy/internal/types"
)

func TestDetectByPath(t *testing.T) {
	if got := Detect([]byte(`{}`), "/v1/messages"); got != types.DialectA {
		t.Fatalf("got %v, want DialectA", got)
	}
	if got := Detect([]byte(`{}`), "/v1/chat/completions"); got != types.DialectO {
		t.Fatalf("got %v, want DialectO", got)
	}
}

func TestDetectByShapeDialectO(t *testing.T) {
	cases := []string{
		`{"response_format":{"type":"json_object"}}`,
		`{"max_completion_tokens":100}`,
		`{"tool_choice":"auto"}`,
		`{"n":2}`,
	}
	for _, body := range cases {
		if got := Detect([]byte(body), "/proxy"); got != types.DialectO {
			t.Fatalf("body %s: got %v, want DialectO", body, got)
		}
	}
}

func TestDetectByShapeDialectA(t *testing.T) {
	cases := []string{
		`{"system":"be nice","messages":[]}`,
		`{"max_tokens":256,"messages":[]}`,
		`{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`,
	}
	for _, body := range cases {
		if got := Detect([]byte(body), "/proxy"); got != types.DialectA {
			t.Fatalf("body %s: got %v, want DialectA", body, got)
		}
	}
}

func TestDetectAmbiguousDefaultsToDialectO(t *testing.T) {
	if got := Detect([]byte(`{}`), "/proxy"); got != types.DialectO {
		t.Fatalf("got %v, want DialectO default", got)
	}
	if got := Detect([]byte(`{"prompt":"hello"}`), "/proxy"); got != types.DialectO {
		t.Fatalf("got %v, want DialectO for legacy prompt", got)
	}
}
