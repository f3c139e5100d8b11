package sanitize

import "testing"

func TestScreenString(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		matched bool
	}{
		{"clean", "just some plain text about Go channels", "", false},
		{"script tag", `hello <script>alert(1)</script> world`, "script_tag", true},
		{"js protocol", `<a href= javascript:alert(1)>x</a>`, "javascript_protocol", true},
		{"data uri", "data:text/html,<h1>hi</h1>", "data_uri", true},
		{"event handler", `<img src=x onerror="alert(1)">`, "event_handler_attribute", true},
		{"template injection", "{{constructor.constructor('return process')()}}", "template_injection", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			name, matched := ScreenString(c.in)
			if matched != c.matched {
				t.Fatalf("matched = %v, want %v", matched, c.matched)
			}
			if matched && name != c.want {
				t.Fatalf("pattern = %q, want %q", name, c.want)
			}
		})
	}
}

func TestSanitizeStripsTagsButPreservesLiteralComparators(t *testing.T) {
	out := Sanitize("if (a < b) { return true }")
	if out == "" {
		t.Fatalf("sanitize emptied a legitimate payload")
	}
}

func TestSanitizeRemovesScriptAndControlChars(t *testing.T) {
	in := "hello\x00<script>bad()</script> world\tok\n"
	out := Sanitize(in)
	if out == in {
		t.Fatalf("expected sanitize to change input")
	}
	for _, r := range out {
		if r == 0x00 {
			t.Fatalf("control char survived sanitize")
		}
	}
}

func TestMatchesKeyword(t *testing.T) {
	if !MatchesKeyword("please refactor this SQL query", "sql") {
		t.Fatalf("expected case-insensitive substring match")
	}
	if !MatchesKeyword("compile the kernel module", "kern*") {
		t.Fatalf("expected glob match")
	}
	if MatchesKeyword("nothing relevant here", "database") {
		t.Fatalf("unexpected match")
	}
}

func TestRedactText(t *testing.T) {
	in := "contact me at jane.doe@example.com or call, ssn 123-45-6789, Bearer abcDEF123.xyz"
	out := RedactText(in)
	if out == in {
		t.Fatalf("expected redaction to change input")
	}
	for _, want := range []string{"[EMAIL_REDACTED]", "[SSN_REDACTED]", "Bearer [TOKEN_REDACTED]"} {
		if !contains(out, want) {
			t.Fatalf("expected %q in redacted output, got %q", want, out)
		}
	}
}

func TestRedactTextPreservesApiKeyPrefix(t *testing.T) {
	out := RedactText("config: api_key=sk-abcdefgh12345678")
	if !contains(out, "api_key=[KEY_REDACTED]") {
		t.Fatalf("expected api_key= prefix preserved with redacted value, got %q", out)
	}
}

func TestRedactTextRedactsCardNumbers(t *testing.T) {
	out := RedactText("card on file: 4111 1111 1111 1111")
	if !contains(out, "[CARD_REDACTED]") {
		t.Fatalf("expected card number redacted, got %q", out)
	}
}

func TestRedactJSONWalksNestedStrings(t *testing.T) {
	doc := `{"output":[{"type":"text","text":"email jane@example.com now"}],"meta":{"note":"no secrets here"}}`
	out := RedactJSON(doc)
	if !contains(out, "[EMAIL_REDACTED]") {
		t.Fatalf("expected nested string to be redacted, got %q", out)
	}
	if !contains(out, "no secrets here") {
		t.Fatalf("expected unaffected string to survive, got %q", out)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
