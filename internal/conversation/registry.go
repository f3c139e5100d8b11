// Package conversation implements the Conversation Manager (spec.md §4.4):
// a bounded, TTL+LRU-evicted registry keyed by conversation id, aggregating
// each conversation's turn history and usage metrics so the Reasoning
// Analyzer and Multi-Turn Handler can reason about a conversation's running
// complexity rather than just its current request. Directly adapted from the
// teacher's internal/responses-state/store.go, which used the identical
// container/list LRU + TTL + background cleanup shape, extended here with
// the bounded per-conversation history and metric aggregation this spec
// requires.
package conversation

import (
	"container/list"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexusgate/dialectproxy/internal/types"
)

// maxArchivedConversations bounds the best-effort archive buffer described
// on Archive below; it is not a durable store and does not need to scale
// with the active registry's capacity.
const maxArchivedConversations = 256

// HistoryEntry records one completed turn's outcome for a conversation
// (spec.md §3), bounded per conversation by Config.MaxHistoryLength and
// Config.MaxHistoryAge.
type HistoryEntry struct {
	ResponseID      string
	Complexity      types.Complexity
	TokensUsed      int
	ReasoningTokens int
	ResponseTimeMs  int64
	Errored         bool
	RecordedAt      time.Time
}

// TurnMetrics is the per-turn outcome the Universal Request Processor
// reports after an upstream call completes (spec.md §4.4 "track").
type TurnMetrics struct {
	TokensUsed      int
	ReasoningTokens int
	ResponseTimeMs  int64
	Errored         bool
}

// ConversationState is one conversation's full tracked state (spec.md §3).
type ConversationState struct {
	Key                string
	PreviousResponseID string
	TurnCount          int
	Complexity         types.Complexity
	History            []HistoryEntry

	TotalTokensUsed     int
	ReasoningTokensUsed int
	TotalResponseTimeMs int64
	ErrorCount          int

	CreatedAt  time.Time
	LastAccess time.Time
}

// averageResponseTime is the mean response time across every recorded turn,
// used by analyzeComplexity's latency threshold (spec.md §4.4).
func (s *ConversationState) averageResponseTime() float64 {
	if s.TurnCount == 0 {
		return 0
	}
	return float64(s.TotalResponseTimeMs) / float64(s.TurnCount)
}

// analyzeComplexity escalates a conversation's complexity bucket once its
// aggregated metrics cross spec.md §4.4's thresholds: more than 20000
// cumulative tokens, more than 3 errored turns, or an average response time
// over 10000ms each independently push the conversation to
// ComplexityComplex, regardless of what the Reasoning Analyzer classified
// any single request as.
func (s *ConversationState) analyzeComplexity() types.Complexity {
	if s.TotalTokensUsed > 20000 || s.ErrorCount > 3 || s.averageResponseTime() > 10000 {
		return types.ComplexityComplex
	}
	if s.Complexity == types.ComplexityComplex {
		// a conversation never de-escalates once a single turn was complex;
		// only the aggregate thresholds above can force a change in the
		// opposite direction this method checks for.
		return types.ComplexityComplex
	}
	return s.Complexity
}

// entry is one conversation's tracked state, plus its position in the LRU
// list for O(1) touch/evict.
type entry struct {
	state    ConversationState
	listElem *list.Element
}

// Stats reports registry-wide counters for operational metrics/logging.
type Stats struct {
	ActiveConversations   int
	ArchivedConversations int
}

// Snapshot is a point-in-time read of one conversation's aggregated metrics,
// consumed by the Reasoning Analyzer's history-size signal (spec.md §4.3).
type Snapshot struct {
	TurnCount           int
	Complexity          types.Complexity
	TotalTokensUsed     int
	ReasoningTokensUsed int
	AverageResponseTime float64
	ErrorCount          int
}

// Config bounds the registry's capacity, per-conversation history, and
// cleanup cadence (spec.md §4.4, §6.3).
type Config struct {
	MaxEntries                 int
	MaxAge                     time.Duration
	MaxHistoryLength           int
	MaxHistoryAge              time.Duration
	MaxConcurrentConversations int
}

// Registry is the process-wide conversation store. Zero value is not
// usable; build with NewRegistry.
type Registry struct {
	mu sync.Mutex

	cfg   Config
	lru   *list.List // front = most recently used
	byKey map[string]*entry

	archiveMu sync.Mutex
	archived  map[string]ConversationState

	cron *cron.Cron
}

// NewRegistry builds a Registry bounded by cfg, starting a background
// cleanup schedule via robfig/cron (the teacher instead used a plain
// time.Ticker goroutine; cron/v3 is adopted here so cleanup cadence can be
// expressed and reconfigured as a standard schedule expression rather than a
// raw duration).
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		cfg:      cfg,
		lru:      list.New(),
		byKey:    make(map[string]*entry),
		archived: make(map[string]ConversationState),
		cron:     cron.New(),
	}
	_, _ = r.cron.AddFunc("@every 30s", func() { r.cleanupOld() })
	r.cron.Start()
	return r
}

// NewSimpleRegistry builds a Registry with only capacity and TTL bounds,
// for callers that don't need history/concurrency tuning, such as most
// tests; main.go builds its registry with NewRegistry and the full Config.
func NewSimpleRegistry(maxEntries int, maxAge time.Duration) *Registry {
	return NewRegistry(Config{MaxEntries: maxEntries, MaxAge: maxAge})
}

// Stop halts the background cleanup schedule. Safe to call once at server
// shutdown.
func (r *Registry) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Track records or refreshes a conversation, returning its updated turn
// count and the conversation's complexity bucket after aggregate-metric
// escalation (spec.md §4.4 "track"). If this is the first turn for key, the
// entry is created fresh, subject to the MaxConcurrentConversations/
// MaxEntries capacity bound.
func (r *Registry) Track(key, previousResponseID string, complexity types.Complexity, m TurnMetrics) (turnCount int, escalated types.Complexity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[key]
	if !ok {
		e = &entry{state: ConversationState{Key: key, CreatedAt: time.Now()}}
		e.listElem = r.lru.PushFront(e)
		r.byKey[key] = e
		r.enforceCapacityLocked()
	} else {
		r.lru.MoveToFront(e.listElem)
	}

	s := &e.state
	now := time.Now()
	s.PreviousResponseID = previousResponseID
	if s.Complexity != types.ComplexityComplex {
		s.Complexity = complexity
	}
	s.TurnCount++
	s.LastAccess = now
	s.TotalTokensUsed += m.TokensUsed
	s.ReasoningTokensUsed += m.ReasoningTokens
	s.TotalResponseTimeMs += m.ResponseTimeMs
	if m.Errored {
		s.ErrorCount++
	}

	s.History = appendHistory(s.History, HistoryEntry{
		ResponseID:      previousResponseID,
		Complexity:      complexity,
		TokensUsed:      m.TokensUsed,
		ReasoningTokens: m.ReasoningTokens,
		ResponseTimeMs:  m.ResponseTimeMs,
		Errored:         m.Errored,
		RecordedAt:      now,
	}, r.cfg.MaxHistoryLength, r.cfg.MaxHistoryAge)

	s.Complexity = s.analyzeComplexity()
	return s.TurnCount, s.Complexity
}

// appendHistory appends e, then drops anything older than maxAge before e
// was recorded, then keeps only the most recent maxLen entries. A zero
// maxAge or maxLen disables that bound.
func appendHistory(hist []HistoryEntry, e HistoryEntry, maxLen int, maxAge time.Duration) []HistoryEntry {
	hist = append(hist, e)
	if maxAge > 0 {
		cutoff := e.RecordedAt.Add(-maxAge)
		i := 0
		for i < len(hist) && hist[i].RecordedAt.Before(cutoff) {
			i++
		}
		hist = hist[i:]
	}
	if maxLen > 0 && len(hist) > maxLen {
		hist = hist[len(hist)-maxLen:]
	}
	return hist
}

// PreviousResponseID returns the last recorded upstream response id for
// key, and whether an entry exists at all (spec.md §4.5 continuity lookup).
func (r *Registry) PreviousResponseID(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[key]
	if !ok {
		return "", false
	}
	r.lru.MoveToFront(e.listElem)
	e.state.LastAccess = time.Now()
	return e.state.PreviousResponseID, true
}

// Metrics reports a snapshot of key's aggregated metrics for the Reasoning
// Analyzer's history-size signal (spec.md §4.3).
func (r *Registry) Metrics(key string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[key]
	if !ok {
		return Snapshot{}, false
	}
	s := &e.state
	return Snapshot{
		TurnCount:           s.TurnCount,
		Complexity:          s.Complexity,
		TotalTokensUsed:     s.TotalTokensUsed,
		ReasoningTokensUsed: s.ReasoningTokensUsed,
		AverageResponseTime: s.averageResponseTime(),
		ErrorCount:          s.ErrorCount,
	}, true
}

// Len reports the number of tracked conversations, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// Stats reports registry-wide counters for operational logging.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	active := r.lru.Len()
	r.mu.Unlock()

	r.archiveMu.Lock()
	archived := len(r.archived)
	r.archiveMu.Unlock()

	return Stats{ActiveConversations: active, ArchivedConversations: archived}
}

// Archive removes key from active tracking and retains its terminal state
// in a small recently-archived buffer, for a client asking about a
// conversation it has just closed. The archive is best-effort and bounded by
// maxArchivedConversations; it is not a durable store.
func (r *Registry) Archive(key string) (ConversationState, bool) {
	r.mu.Lock()
	e, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return ConversationState{}, false
	}
	state := e.state
	r.evictLocked(e.listElem)
	r.mu.Unlock()

	r.archiveMu.Lock()
	defer r.archiveMu.Unlock()
	if len(r.archived) >= maxArchivedConversations {
		for k := range r.archived {
			delete(r.archived, k)
			break
		}
	}
	r.archived[key] = state
	return state, true
}

// ArchivedState returns a previously archived conversation's terminal state.
func (r *Registry) ArchivedState(key string) (ConversationState, bool) {
	r.archiveMu.Lock()
	defer r.archiveMu.Unlock()
	s, ok := r.archived[key]
	return s, ok
}

// capLocked resolves the effective active-conversation cap from MaxEntries
// and MaxConcurrentConversations, whichever is tighter. Caller must hold
// r.mu.
func (r *Registry) capLocked() int {
	limit := r.cfg.MaxEntries
	if r.cfg.MaxConcurrentConversations > 0 && (limit <= 0 || r.cfg.MaxConcurrentConversations < limit) {
		limit = r.cfg.MaxConcurrentConversations
	}
	return limit
}

// enforceCapacityLocked evicts the least-recently-used entries until the
// registry is at or under its effective cap. Caller must hold r.mu.
func (r *Registry) enforceCapacityLocked() {
	limit := r.capLocked()
	if limit <= 0 {
		return
	}
	for r.lru.Len() > limit {
		oldest := r.lru.Back()
		if oldest == nil {
			return
		}
		r.evictLocked(oldest)
	}
}

func (r *Registry) evictLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(r.byKey, e.state.Key)
	r.lru.Remove(elem)
}

// cleanupOld removes entries whose LastAccess exceeds cfg.MaxAge (spec.md
// §4.4 "bounded by age"), returning the number removed. Invoked on the cron
// schedule.
func (r *Registry) cleanupOld() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-r.cfg.MaxAge)
	removed := 0
	for elem := r.lru.Back(); elem != nil; {
		e := elem.Value.(*entry)
		if e.state.LastAccess.After(cutoff) {
			break // list is ordered MRU-front; anything newer means we're done
		}
		prev := elem.Prev()
		r.evictLocked(elem)
		removed++
		elem = prev
	}
	return removed
}
