package reasoning

import (
	"testing"

	"github.com/nexusgate/dialectproxy/internal/types"
)

func TestAnalyzeSimpleRequestIsLowOrBelow(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	s := Signals{Complexity: types.ComplexitySimple}
	if got := a.Analyze(s); got > types.EffortLow {
		t.Fatalf("got %v, want <= low for a quiet simple request", got)
	}
}

func TestAnalyzeComplexRequestIsHigh(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	s := Signals{Complexity: types.ComplexityComplex}
	if got := a.Analyze(s); got != types.EffortHigh {
		t.Fatalf("got %v, want high", got)
	}
}

func TestAnalyzeMonotonicInBoosts(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	base := a.Analyze(Signals{Complexity: types.ComplexityMedium})
	boosted := a.Analyze(Signals{Complexity: types.ComplexityMedium, HasTools: true, DomainKeywordHit: true})
	if boosted < base {
		t.Fatalf("boosted tier %v should never be lower than base tier %v", boosted, base)
	}
}

func TestAnalyzeNeverExceedsHigh(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	s := Signals{
		Complexity:      types.ComplexityComplex,
		HasTools:        true,
		TurnCount:       50,
		ContentLength:   10000,
		CodeFenceCount:  5,
		DomainKeywordHit: true,
	}
	if got := a.Analyze(s); got != types.EffortHigh {
		t.Fatalf("got %v, want capped at high", got)
	}
}

func TestAnalyzeClientOverrideWins(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	wanted := types.EffortMinimal
	s := Signals{Complexity: types.ComplexityComplex, ClientRequested: &wanted}
	if got := a.Analyze(s); got != types.EffortMinimal {
		t.Fatalf("got %v, want client override minimal", got)
	}
}

func TestBuildReasoningParamSummaryOnlyAtMediumAndAbove(t *testing.T) {
	if p := BuildReasoningParam(types.EffortLow); p.Summary != "" {
		t.Fatalf("expected no summary at low effort, got %q", p.Summary)
	}
	if p := BuildReasoningParam(types.EffortHigh); p.Summary == "" {
		t.Fatalf("expected summary at high effort")
	}
}

func TestAnalyzeHistoryTokenThresholds(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	base := a.Analyze(Signals{Complexity: types.ComplexitySimple})
	mid := a.Analyze(Signals{Complexity: types.ComplexitySimple, HistoryTokens: 8000})
	high := a.Analyze(Signals{Complexity: types.ComplexitySimple, HistoryTokens: 25000})
	if mid <= base {
		t.Fatalf("got %v, want a boost at >=8000 history tokens over base %v", mid, base)
	}
	if high <= mid {
		t.Fatalf("got %v, want a larger boost at >=25000 history tokens than %v", high, mid)
	}
}

func TestAnalyzeMessageCountThreshold(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	base := a.Analyze(Signals{Complexity: types.ComplexitySimple})
	boosted := a.Analyze(Signals{Complexity: types.ComplexitySimple, MessageCount: 20})
	if boosted <= base {
		t.Fatalf("got %v, want a boost at >=20 messages over base %v", boosted, base)
	}
}

func TestAnalyzeSingleCodeFenceBoosts(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	base := a.Analyze(Signals{Complexity: types.ComplexitySimple})
	boosted := a.Analyze(Signals{Complexity: types.ComplexitySimple, CodeFenceCount: 1})
	if boosted <= base {
		t.Fatalf("got %v, want a single code fence to already boost over base %v", boosted, base)
	}
}

func TestDomainKeywordShiftsMinimalToLow(t *testing.T) {
	a := NewAnalyzer(types.EffortMinimal)
	s := Signals{Complexity: types.ComplexitySimple, DomainKeywordHit: true}
	if got := a.Analyze(s); got != types.EffortLow {
		t.Fatalf("got %v, want minimal shifted to low by a domain keyword hit", got)
	}
}

func TestDomainKeywordShiftsMediumToHigh(t *testing.T) {
	a := NewAnalyzer(types.EffortMedium)
	s := Signals{Complexity: types.ComplexityMedium, DomainKeywordHit: true}
	if got := a.Analyze(s); got != types.EffortHigh {
		t.Fatalf("got %v, want medium shifted to high by a domain keyword hit", got)
	}
}

func TestAnalyzeSignalsPopulatesHistoryAndMessageCount(t *testing.T) {
	req := &types.NormalizedRequest{Messages: []types.Message{
		{Role: types.RoleUser, String: "hello"},
		{Role: types.RoleAssistant, String: "hi"},
	}}
	s := AnalyzeSignals(req, 3, 12000, nil)
	if s.TurnCount != 3 {
		t.Fatalf("got turn count %d, want 3", s.TurnCount)
	}
	if s.HistoryTokens != 12000 {
		t.Fatalf("got history tokens %d, want 12000", s.HistoryTokens)
	}
	if s.MessageCount != 2 {
		t.Fatalf("got message count %d, want 2", s.MessageCount)
	}
}

func TestExtractFromModelName(t *testing.T) {
	base, effort, ok := ExtractFromModelName("fast-high")
	if !ok || base != "fast" || effort == nil || *effort != types.EffortHigh {
		t.Fatalf("unexpected extraction: base=%q effort=%v ok=%v", base, effort, ok)
	}
	if _, _, ok := ExtractFromModelName("fast"); ok {
		t.Fatalf("expected no suffix match for plain model name")
	}
}
