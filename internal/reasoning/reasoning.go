// Package reasoning covers two related concerns that share one home because
// they both operate on the reasoning-effort concept: the Analyzer that
// computes a tier from complexity signals (spec.md §4.3), and the wire-level
// param formatter that renders a tier into the shape the upstream Responses
// API expects — adapted from the teacher's internal/reasoning/reasoning.go
// and format.go, which build the same kind of provider-facing param from a
// model name and a configured default.
package reasoning

import (
	"strings"

	"github.com/nexusgate/dialectproxy/internal/sanitize"
	"github.com/nexusgate/dialectproxy/internal/types"
)

// domainKeywords seeds the Reasoning Analyzer's domain-signal check
// (spec.md §4.3): presence of any of these (case-insensitive, glob-capable)
// in the concatenated user text shifts the tier as shiftForDomainKeyword
// describes (minimal to low, medium to high).
var domainKeywords = []string{
	"proof", "prove", "theorem", "algorithm", "architecture",
	"security", "vulnerabilit*", "race condition", "concurrency",
	"optimi*", "distributed system*", "compiler", "kernel",
}

// codeFencePattern-equivalent check is done with a simple substring test
// ("```") since it's cheaper than a regexp and just as precise for this
// signal (spec.md §4.3 "code-fence density").
const codeFenceMarker = "```"

// Signals is the set of inputs the Analyzer reduces to a single tier.
type Signals struct {
	Complexity       types.Complexity
	TurnCount        int // conversation history length so far
	HistoryTokens    int // cumulative tokens spent on this conversation so far
	MessageCount     int // messages in this request alone
	HasTools         bool
	ContentLength    int // rune length of concatenated user text
	CodeFenceCount   int
	DomainKeywordHit bool
	ClientRequested  *types.ReasoningEffort // explicit client override, if any
}

// AnalyzeSignals derives Signals from a normalized request, the running turn
// count for its conversation (0 if new), and the cumulative token usage
// recorded so far for that conversation (spec.md §4.3 history-size signal).
func AnalyzeSignals(req *types.NormalizedRequest, turnCount, historyTokens int, clientRequested *types.ReasoningEffort) Signals {
	text := req.ConcatenatedUserText()
	s := Signals{
		Complexity:      classifyComplexity(text, len(req.Messages), req.Tools),
		TurnCount:       turnCount,
		HistoryTokens:   historyTokens,
		MessageCount:    len(req.Messages),
		HasTools:        len(req.Tools) > 0,
		ContentLength:   len([]rune(text)),
		CodeFenceCount:  strings.Count(text, codeFenceMarker) / 2,
		ClientRequested: clientRequested,
	}
	for _, kw := range domainKeywords {
		if sanitize.MatchesKeyword(text, kw) {
			s.DomainKeywordHit = true
			break
		}
	}
	return s
}

// classifyComplexity buckets a request by its shape: few short messages and
// no tools is simple; tool use or long multi-turn history is complex;
// everything else is medium. This resolves spec.md's Open Question on the
// simple-complexity tier mapping: a simple request starts from the
// configured default capped at EffortLow (EffortMinimal only when that
// default is minimal), and the other signals in Analyze can still raise it —
// a one-line message asking for a security audit still gets more than
// minimal effort.
func classifyComplexity(text string, messageCount int, tools []any) types.Complexity {
	if len(tools) > 0 || messageCount > 6 {
		return types.ComplexityComplex
	}
	if messageCount > 2 || len([]rune(text)) > 800 {
		return types.ComplexityMedium
	}
	return types.ComplexitySimple
}

// Analyzer computes the final reasoning-effort tier for a request. It has
// no mutable state; an Analyzer is safe for concurrent use from every
// request goroutine.
type Analyzer struct {
	defaultEffort types.ReasoningEffort
}

// NewAnalyzer builds an Analyzer seeded with the server's configured
// default tier (spec.md §6.3 DefaultReasoningEffort), used when a request
// carries no signals strong enough to move off the base complexity tier.
func NewAnalyzer(defaultEffort types.ReasoningEffort) *Analyzer {
	return &Analyzer{defaultEffort: defaultEffort}
}

// Analyze reduces Signals to a single ReasoningEffort tier (spec.md §4.3).
// An explicit client-requested tier always wins. Otherwise the base tier
// comes from Complexity, then each additional signal can raise (never
// lower) the tier by one step, or two for a message count of 20 or more
// and for history tokens of 25000 or more, capped at EffortHigh; a domain
// keyword hit is applied last.
func (a *Analyzer) Analyze(s Signals) types.ReasoningEffort {
	if s.ClientRequested != nil {
		return *s.ClientRequested
	}

	tier := a.baseTier(s.Complexity)

	boosts := 0
	if s.HasTools {
		boosts++
	}
	if s.TurnCount > 10 {
		boosts++
	}
	if s.ContentLength > 4000 {
		boosts++
	}
	if s.CodeFenceCount > 0 {
		boosts++
	}
	if s.MessageCount >= 20 {
		boosts += 2
	}
	switch {
	case s.HistoryTokens >= 25000:
		boosts += 2
	case s.HistoryTokens >= 8000:
		boosts++
	}

	for i := 0; i < boosts && tier < types.EffortHigh; i++ {
		tier++
	}

	if s.DomainKeywordHit {
		tier = shiftForDomainKeyword(tier)
	}
	return tier
}

// shiftForDomainKeyword applies the domain-keyword signal's tier shift
// (spec.md §4.3): minimal moves to low and medium moves to high, while low
// and high are left as-is since each already sits adjacent to the tier a
// keyword hit would otherwise push it toward.
func shiftForDomainKeyword(tier types.ReasoningEffort) types.ReasoningEffort {
	switch tier {
	case types.EffortMinimal:
		return types.EffortLow
	case types.EffortMedium:
		return types.EffortHigh
	default:
		return tier
	}
}

func (a *Analyzer) baseTier(c types.Complexity) types.ReasoningEffort {
	switch c {
	case types.ComplexitySimple:
		if a.defaultEffort > types.EffortLow {
			return types.EffortLow
		}
		return a.defaultEffort
	case types.ComplexityMedium:
		return types.EffortMedium
	case types.ComplexityComplex:
		return types.EffortHigh
	default:
		return a.defaultEffort
	}
}

// ReasoningParam is the shape sent to the upstream Responses API's
// "reasoning" field, adapted from the teacher's BuildReasoningParam (which
// built the same struct from a model-name suffix instead of an Analyzer
// tier).
type ReasoningParam struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary,omitempty"`
}

// BuildReasoningParam renders a tier into the upstream wire param. summary
// mirrors the teacher's "auto" default, requesting a reasoning summary only
// at medium effort and above — minimal/low tiers skip it to save tokens.
func BuildReasoningParam(effort types.ReasoningEffort) ReasoningParam {
	p := ReasoningParam{Effort: effort.String()}
	if effort >= types.EffortMedium {
		p.Summary = "auto"
	}
	return p
}

// ExtractFromModelName splits a model alias like "fast-high" into its base
// name and an explicit effort suffix, mirroring the teacher's
// ExtractFromModelName (internal/reasoning/format.go), which let ChatGPT
// model names like "gpt-5-high" carry their own effort override.
func ExtractFromModelName(model string) (base string, effort *types.ReasoningEffort, ok bool) {
	for _, suffix := range []string{"-minimal", "-low", "-medium", "-high"} {
		if strings.HasSuffix(model, suffix) {
			e := types.ParseReasoningEffort(strings.TrimPrefix(suffix, "-"))
			return strings.TrimSuffix(model, suffix), &e, true
		}
	}
	return model, nil, false
}
