// Package multiturn implements the Multi-Turn Handler (spec.md §4.5): the
// thin layer between a request and the Conversation Manager that derives a
// stable conversation key, looks up continuity state, and records the turn
// once the upstream call completes.
package multiturn

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nexusgate/dialectproxy/internal/conversation"
	"github.com/nexusgate/dialectproxy/internal/types"
)

// Handler wraps a conversation.Registry with the key-derivation rule from
// spec.md §4.5: an explicit client-supplied identifier wins whenever present,
// falling back to a correlation-id-derived key and finally to a stable
// content fingerprint. Grounded on the teacher's SessionStore.EnsureSessionID
// (internal/session/session.go), which hashed instructions + first user
// message the same way, falling back to uuid.New() when no stable
// fingerprint could be formed.
type Handler struct {
	registry *conversation.Registry
}

// NewHandler builds a Handler backed by registry.
func NewHandler(registry *conversation.Registry) *Handler {
	return &Handler{registry: registry}
}

// conversationHeaders lists the request headers checked for an explicit
// conversation identifier, in priority order (spec.md §4.5).
var conversationHeaders = []string{"x-conversation-id", "conversation-id", "x-session-id"}

// ConversationKey derives the stable key for req, checking headers in the
// priority order x-conversation-id > conversation-id > x-session-id before
// falling back to a correlation-id-derived key and finally to a SHA-256
// fingerprint of the system preamble and first user message. A request with
// no usable fingerprint input (blank system and blank first user text) gets
// a fresh uuid instead, so that distinct empty-content requests never
// collide into one conversation.
func (h *Handler) ConversationKey(headers http.Header, correlationID string, req *types.NormalizedRequest) string {
	for _, name := range conversationHeaders {
		if v := strings.TrimSpace(headers.Get(name)); v != "" {
			return v
		}
	}
	if correlationID != "" {
		return "conv-" + correlationID
	}

	fingerprint := req.System + "\x00" + req.FirstUserText()
	if fingerprint == "\x00" {
		return uuid.New().String()
	}
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// PreviousResponseID returns the previous upstream response id to continue
// from, if this conversation has been seen before.
func (h *Handler) PreviousResponseID(key string) (string, bool) {
	return h.registry.PreviousResponseID(key)
}

// RecordTurn stores the upstream response id, complexity bucket, and outcome
// metrics for this turn, returning the conversation's updated turn count and
// its complexity bucket after aggregate-metric escalation (spec.md §4.4).
func (h *Handler) RecordTurn(key, upstreamResponseID string, complexity types.Complexity, metrics conversation.TurnMetrics) (int, types.Complexity) {
	return h.registry.Track(key, upstreamResponseID, complexity, metrics)
}

// TurnCount reports the conversation's turn count so far (0 if unseen),
// used by the Reasoning Analyzer's history-length signal.
func (h *Handler) TurnCount(key string) int {
	snap, ok := h.registry.Metrics(key)
	if !ok {
		return 0
	}
	return snap.TurnCount
}

// Metrics reports the conversation's aggregated metrics, used by the
// Reasoning Analyzer's history-size signal (spec.md §4.3) and by operational
// status endpoints.
func (h *Handler) Metrics(key string) (conversation.Snapshot, bool) {
	return h.registry.Metrics(key)
}
