// Package proxy implements the Universal Request Processor (spec.md §4.10):
// the orchestrator that wires together every other component behind a set
// of HTTP handlers. Grounded on the teacher's internal/proxy/server.go,
// which built the same kind of Server struct (mux + CORS + auth + verbose
// logging middleware) in front of its own translation pipeline.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/google/uuid"

	"github.com/nexusgate/dialectproxy/internal/auth"
	"github.com/nexusgate/dialectproxy/internal/config"
	"github.com/nexusgate/dialectproxy/internal/conversation"
	"github.com/nexusgate/dialectproxy/internal/format"
	"github.com/nexusgate/dialectproxy/internal/multiturn"
	"github.com/nexusgate/dialectproxy/internal/normalize"
	"github.com/nexusgate/dialectproxy/internal/proxyerr"
	"github.com/nexusgate/dialectproxy/internal/reasoning"
	"github.com/nexusgate/dialectproxy/internal/router"
	"github.com/nexusgate/dialectproxy/internal/sanitize"
	"github.com/nexusgate/dialectproxy/internal/sseout"
	"github.com/nexusgate/dialectproxy/internal/stream"
	"github.com/nexusgate/dialectproxy/internal/transform"
	"github.com/nexusgate/dialectproxy/internal/types"
	"github.com/nexusgate/dialectproxy/internal/upstream"
)

// Server holds every long-lived component the Universal Request Processor
// dispatches across. Built once at startup and shared by every request
// goroutine; every field here is either immutable after construction or
// internally synchronized (spec.md §5).
type Server struct {
	cfg *config.ServerConfig
	log *slog.Logger

	router   *router.Router
	analyzer *reasoning.Analyzer
	turns    *multiturn.Handler

	clients map[types.Provider]upstream.Client

	mux *http.ServeMux
}

// NewServer wires every component together. clients must have an entry for
// every provider the router's table can resolve to.
func NewServer(cfg *config.ServerConfig, log *slog.Logger, r *router.Router, turns *multiturn.Handler, clients map[types.Provider]upstream.Client) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		router:   r,
		analyzer: reasoning.NewAnalyzer(types.ParseReasoningEffort(cfg.DefaultReasoningEffort)),
		turns:    turns,
		clients:  clients,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the fully wrapped handler (auth + CORS + verbose
// logging), ready to pass to http.Server. GET /health is served ahead of
// the auth check; every other route requires the credential.
func (s *Server) Handler() http.Handler {
	outer := http.NewServeMux()
	outer.HandleFunc("GET /health", s.handleHealth)
	outer.Handle("/", auth.Middleware(s.cfg.ProxyAPIKey, s.mux))
	var h http.Handler = outer
	h = s.corsMiddleware(h)
	if s.cfg.Verbose {
		h = s.verboseMiddleware(h)
	}
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/messages", s.handleDialectA)
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleDialectO)
	s.mux.HandleFunc("POST /v1/completions", s.handleDialectO)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// corsMiddleware mirrors the teacher's permissive CORS stance for a
// browser-embeddable proxy (spec.md's supplemented CORS-preflight
// feature): every origin is allowed since the credential lives in a header
// the browser app controls, not a cookie.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, x-api-key, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verboseMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dump, err := httputil.DumpRequest(r, s.cfg.Debug); err == nil {
			s.log.Debug("inbound request", "dump", string(dump))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": modelsList(s.router.Aliases())})
}

func modelsList(aliases []string) []map[string]any {
	out := make([]map[string]any, 0, len(aliases))
	for _, a := range aliases {
		out = append(out, map[string]any{"id": a, "object": "model"})
	}
	return out
}

func (s *Server) handleDialectA(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, types.DialectA)
}

func (s *Server) handleDialectO(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, types.DialectO)
}

// handle implements spec.md §4.10's per-request pipeline: detect ->
// normalize -> route -> look up continuity -> analyze reasoning -> build
// upstream request -> call provider (through its breaker) -> transform
// response -> write.
func (s *Server) handle(w http.ResponseWriter, r *http.Request, fallbackDialect types.Dialect) {
	correlationID := uuid.New().String()
	w.Header().Set("X-Correlation-Id", correlationID)

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		s.writeError(w, fallbackDialect, proxyerr.New(proxyerr.InvalidRequest, "failed to read request body").WithCorrelationID(correlationID))
		return
	}

	dialect := format.Detect(body, r.URL.Path)

	normalized, err := normalize.Normalize(s.cfg, body, dialect)
	if err != nil {
		s.writeError(w, dialect, proxyerr.As(err, correlationID))
		return
	}

	route, err := s.router.Route(normalized.Model)
	if err != nil {
		s.writeError(w, dialect, proxyerr.As(err, correlationID))
		return
	}

	client, ok := s.clients[route.Provider]
	if !ok {
		s.writeError(w, dialect, proxyerr.New(proxyerr.Internal, "no client configured for routed provider").WithCorrelationID(correlationID))
		return
	}

	convKey := s.turns.ConversationKey(r.Header, correlationID, normalized)
	previousResponseID, _ := s.turns.PreviousResponseID(convKey)
	turnCount := s.turns.TurnCount(convKey)
	historyTokens := 0
	if snap, ok := s.turns.Metrics(convKey); ok {
		historyTokens = snap.TotalTokensUsed
	}

	signals := reasoning.AnalyzeSignals(normalized, turnCount, historyTokens, clientRequestedEffort(normalized))
	effort := s.analyzer.Analyze(signals)

	upReq := transform.ToUpstream(normalized, route.BackendModel, effort, previousResponseID)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	if normalized.Stream {
		s.handleStreaming(ctx, w, client, upReq, normalized, convKey, signals.Complexity, correlationID, start)
		return
	}
	s.handleUnary(ctx, w, client, upReq, normalized, convKey, signals.Complexity, correlationID, start)
}

func clientRequestedEffort(req *types.NormalizedRequest) *types.ReasoningEffort {
	_, effort, ok := reasoning.ExtractFromModelName(req.Model)
	if !ok {
		return nil
	}
	return effort
}

func (s *Server) handleUnary(ctx context.Context, w http.ResponseWriter, client upstream.Client, upReq *types.UpstreamRequest, normalized *types.NormalizedRequest, convKey string, complexity types.Complexity, correlationID string, start time.Time) {
	resp, err := client.Send(ctx, upReq)
	if err != nil {
		s.turns.RecordTurn(convKey, "", complexity, conversation.TurnMetrics{ResponseTimeMs: time.Since(start).Milliseconds(), Errored: true})
		s.writeError(w, normalized.Dialect, proxyerr.As(err, correlationID))
		return
	}

	if pe := s.checkResponseIntegrity(resp, correlationID); pe != nil {
		s.turns.RecordTurn(convKey, resp.ID, complexity, conversation.TurnMetrics{ResponseTimeMs: time.Since(start).Milliseconds(), Errored: true})
		s.writeError(w, normalized.Dialect, pe)
		return
	}

	s.turns.RecordTurn(convKey, resp.ID, complexity, conversation.TurnMetrics{
		TokensUsed:      resp.Usage.TotalTokens,
		ReasoningTokens: resp.Usage.ReasoningTokens,
		ResponseTimeMs:  time.Since(start).Milliseconds(),
	})

	var body any
	if normalized.Dialect == types.DialectA {
		body = transform.FromUpstreamToAnthropic(resp, normalized.Model)
	} else {
		body = transform.FromUpstreamToOpenAI(resp, normalized.Model, time.Now().Unix())
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		s.writeError(w, normalized.Dialect, proxyerr.New(proxyerr.Internal, "failed to encode response").WithCorrelationID(correlationID))
		return
	}
	if int64(len(encoded)) > s.cfg.MaxResponseSize {
		s.writeError(w, normalized.Dialect, proxyerr.New(proxyerr.ResponseSizeViolation, "response exceeds maximum size").WithCorrelationID(correlationID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Correlation-Id", correlationID)
	w.Write(encoded)
}

// checkResponseIntegrity enforces spec.md §4.7.5's response-integrity
// limits against the raw upstream response before it is ever rendered into
// a client dialect: a completion longer than MaxCompletionLen or more
// choices than MaxChoicesCount than the server is configured to return both
// indicate a misbehaving or compromised upstream, not a client error.
func (s *Server) checkResponseIntegrity(resp *types.UpstreamResponse, correlationID string) *proxyerr.Error {
	if n := transform.CompletionLength(resp); s.cfg.MaxCompletionLen > 0 && n > s.cfg.MaxCompletionLen {
		return proxyerr.New(proxyerr.ResponseSizeViolation, "upstream completion exceeds maximum length").WithCorrelationID(correlationID)
	}
	if n := transform.ChoicesCount(resp); s.cfg.MaxChoicesCount > 0 && n > s.cfg.MaxChoicesCount {
		return proxyerr.New(proxyerr.ResponseSizeViolation, "upstream returned more choices than allowed").WithCorrelationID(correlationID)
	}
	return nil
}

func (s *Server) handleStreaming(ctx context.Context, w http.ResponseWriter, client upstream.Client, upReq *types.UpstreamRequest, normalized *types.NormalizedRequest, convKey string, complexity types.Complexity, correlationID string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.turns.RecordTurn(convKey, "", complexity, conversation.TurnMetrics{ResponseTimeMs: time.Since(start).Milliseconds(), Errored: true})
		s.writeError(w, normalized.Dialect, proxyerr.New(proxyerr.Internal, "response writer does not support streaming").WithCorrelationID(correlationID))
		return
	}

	body, err := client.Stream(ctx, upReq)
	if err != nil {
		s.turns.RecordTurn(convKey, "", complexity, conversation.TurnMetrics{ResponseTimeMs: time.Since(start).Milliseconds(), Errored: true})
		s.writeError(w, normalized.Dialect, proxyerr.As(err, correlationID))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Correlation-Id", correlationID)
	w.WriteHeader(http.StatusOK)

	sw := sseout.NewWriter(w, flusher, normalized.Dialect, normalized.Model)
	reader := stream.NewReader(body)

	var lastResponseID string
	completionLen := 0
	if err := sw.Open(""); err != nil {
		return
	}
	for {
		chunk, err := reader.Next()
		if err != nil {
			metrics := conversation.TurnMetrics{ResponseTimeMs: time.Since(start).Milliseconds()}
			if err == stream.ErrStreamDone {
				sw.Complete(&types.UpstreamStreamChunk{ID: lastResponseID})
				s.turns.RecordTurn(convKey, lastResponseID, complexity, metrics)
				return
			}
			metrics.Errored = true
			sw.Error("upstream stream decode failure")
			s.turns.RecordTurn(convKey, lastResponseID, complexity, metrics)
			return
		}
		if chunk.ID != "" {
			lastResponseID = chunk.ID
		}

		completionLen += transform.ChunkTextLength(chunk.Output)
		if s.cfg.MaxCompletionLen > 0 && completionLen > s.cfg.MaxCompletionLen {
			sw.Error("upstream completion exceeds maximum length")
			s.turns.RecordTurn(convKey, lastResponseID, complexity, conversation.TurnMetrics{ResponseTimeMs: time.Since(start).Milliseconds(), Errored: true})
			return
		}

		if chunk.IsTerminal() {
			sw.Complete(chunk)
			s.turns.RecordTurn(convKey, lastResponseID, complexity, conversation.TurnMetrics{ResponseTimeMs: time.Since(start).Milliseconds()})
			return
		}
		if ctx.Err() != nil {
			sw.Cancel()
			s.turns.RecordTurn(convKey, lastResponseID, complexity, conversation.TurnMetrics{ResponseTimeMs: time.Since(start).Milliseconds(), Errored: true})
			return
		}
		sw.Delta(chunk)
	}
}

func (s *Server) writeError(w http.ResponseWriter, dialect types.Dialect, pe *proxyerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(proxyerr.HTTPStatus(pe.Kind))
	json.NewEncoder(w).Encode(transform.ErrorEnvelope{
		Error: transform.ErrorBody{
			Type:          string(pe.Kind),
			Message:       sanitize.RedactText(pe.Message),
			CorrelationID: pe.CorrelationID,
		},
	})
	_ = dialect // both dialects share one error envelope shape (spec.md §7)
}
