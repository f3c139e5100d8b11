// Package sanitize implements the two text-safety passes of spec.md: the
// inbound content-security screen (§4.2 step 3) and the outbound
// sensitive-data redaction applied to every response before it reaches a
// client (§4.7.6). Patterns are compiled once as package-level vars, in the
// teacher's style (internal/codec/error.go builds its extraction rules the
// same way: small composable regexp/string helpers, no framework).
package sanitize

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/match"
	"github.com/tidwall/sjson"
)

// Finding describes one content-security match for an InvalidContent error
// (spec.md §4.2 step 3). The offending Value is never surfaced to the
// client; callers must redact it before using Finding in an error body.
type Finding struct {
	FieldPath string
	Pattern   string
	Value     string
}

var (
	scriptTagPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	jsProtocolPattern = regexp.MustCompile(`(?i)(^|\s)javascript:`)
	dataURIPattern    = regexp.MustCompile(`(?i)^\s*data:text/`)
	templateInjectionPattern = regexp.MustCompile(`(?i)\{\{\s*(constructor|__proto__|prototype|eval|Function|require|import|process|global)\b`)
)

// eventHandlerAttrs is the closed set from spec.md §4.2 step 3.
var eventHandlerAttrs = []string{
	"click", "load", "error", "focus", "blur", "change", "submit",
	"keydown", "keyup", "mouseover", "mouseout",
}

var eventHandlerPattern = regexp.MustCompile(`(?i)\son(` + strings.Join(eventHandlerAttrs, "|") + `)\s*=`)

// ScreenString checks one string value against the closed content-security
// pattern set. Returns the first matching pattern name, or "" if clean.
func ScreenString(s string) (patternName string, matched bool) {
	if scriptTagPattern.MatchString(s) {
		return "script_tag", true
	}
	if jsProtocolPattern.MatchString(s) {
		return "javascript_protocol", true
	}
	if dataURIPattern.MatchString(s) {
		return "data_uri", true
	}
	if eventHandlerPattern.MatchString(s) {
		return "event_handler_attribute", true
	}
	if templateInjectionPattern.MatchString(s) {
		return "template_injection", true
	}
	return "", false
}

// MatchesKeyword reports whether text contains the glob-style keyword kw,
// case-folded. Used by the Reasoning Analyzer for domain-keyword detection
// (spec.md §4.3). Keywords with a '*' or '?' are matched with tidwall/match
// (pulled in by sjson for its own glob-style key matching); the others with
// a plain strings.Contains.
func MatchesKeyword(text, kw string) bool {
	text = strings.ToLower(text)
	kw = strings.ToLower(kw)
	if !strings.Contains(kw, "*") && !strings.Contains(kw, "?") {
		return strings.Contains(text, kw)
	}
	return match.Match(text, "*"+kw+"*")
}

// Sanitize strips <script>…</script> blocks, remaining HTML tags (text
// preserved), and ASCII control characters except tab/newline (spec.md §4.2
// step 5). If sanitization would empty a previously non-empty string, the
// original is returned unchanged — this protects legitimate payloads such
// as a code review containing a literal "<" comparison operator.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	out := scriptTagPattern.ReplaceAllString(s, "")
	out = stripTags(out)
	out = stripControlChars(out)
	if strings.TrimSpace(out) == "" && strings.TrimSpace(s) != "" {
		return s
	}
	return out
}

var tagPattern = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	ssnPattern    = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	bearerPattern = regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	apiKeyPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token)\b(\s*[:=]\s*)['"]?[A-Za-z0-9\-._~+/]{8,}['"]?`)
)

// redactionRules is applied in order; each match is replaced by its
// replacement template, which carries forward any captured literal prefix
// (e.g. "Bearer " or "api_key=") so the surrounding text still reads
// naturally. Order matters: bearerPattern and apiKeyPattern must run before
// cardPattern, which would otherwise treat embedded digit runs as card
// numbers.
var redactionRules = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{bearerPattern, "${1}[TOKEN_REDACTED]"},
	{apiKeyPattern, "${1}${2}[KEY_REDACTED]"},
	{emailPattern, "[EMAIL_REDACTED]"},
	{ssnPattern, "[SSN_REDACTED]"},
	{cardPattern, "[CARD_REDACTED]"},
}

// RedactText applies the outbound sensitive-data redaction rules of spec.md
// §4.7.6 to a single string.
func RedactText(s string) string {
	for _, rule := range redactionRules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// RedactJSON walks every string leaf of a JSON document and applies
// RedactText, returning the rewritten document. Built on gjson/sjson so
// nested string leaves are reached without a bespoke unmarshal-into-any
// walker. The response paths do not call it: the transformers and the
// streaming writer apply RedactText to the output text directly.
func RedactJSON(doc string) string {
	var paths []string
	collectStringPaths(gjson.Parse(doc), "", &paths)
	for _, p := range paths {
		v := gjson.Get(doc, p).String()
		redacted := RedactText(v)
		if redacted == v {
			continue
		}
		var err error
		doc, err = sjson.Set(doc, p, redacted)
		if err != nil {
			continue
		}
	}
	return doc
}

func collectStringPaths(v gjson.Result, prefix string, out *[]string) {
	switch {
	case v.IsArray():
		i := 0
		v.ForEach(func(_, val gjson.Result) bool {
			collectStringPaths(val, joinPath(prefix, itoa(i)), out)
			i++
			return true
		})
	case v.IsObject():
		v.ForEach(func(key, val gjson.Result) bool {
			collectStringPaths(val, joinPath(prefix, key.String()), out)
			return true
		})
	case v.Type == gjson.String:
		*out = append(*out, prefix)
	}
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
