package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/nexusgate/dialectproxy/internal/breaker"
	"github.com/nexusgate/dialectproxy/internal/config"
	"github.com/nexusgate/dialectproxy/internal/conversation"
	"github.com/nexusgate/dialectproxy/internal/multiturn"
	"github.com/nexusgate/dialectproxy/internal/proxy"
	"github.com/nexusgate/dialectproxy/internal/router"
	"github.com/nexusgate/dialectproxy/internal/types"
	"github.com/nexusgate/dialectproxy/internal/upstream"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: dialectproxy <command> [flags]")
		fmt.Fprintln(os.Stderr, "Commands: serve")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(cmdServe())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Commands: serve")
		os.Exit(1)
	}
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg := config.DefaultFromEnv()

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose request logging")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Include request bodies in verbose logging")
	fs.StringVar(&cfg.DefaultReasoningEffort, "reasoning-effort", cfg.DefaultReasoningEffort, "Default reasoning effort (minimal|low|medium|high)")
	fs.Parse(os.Args[2:])

	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	routeTable, err := loadRouteTable()
	if err != nil {
		log.Error("failed to load routing table", "error", err)
		return 1
	}
	r := router.NewRouter(routeTable)

	registry := conversation.NewRegistry(conversation.Config{
		MaxEntries:                 cfg.MaxStoredConversations,
		MaxAge:                     cfg.MaxConversationAge,
		MaxHistoryLength:           cfg.MaxHistoryLength,
		MaxHistoryAge:              cfg.MaxHistoryAge,
		MaxConcurrentConversations: cfg.MaxConcurrentConversations,
	})
	defer registry.Stop()
	turns := multiturn.NewHandler(registry)

	clients := buildClients(cfg)

	srv := proxy.NewServer(cfg, log, r, turns, clients)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	log.Info("dialectproxy starting", "host", cfg.Host, "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		return 1
	}
	return 0
}

// routeTableEnv names the environment variable carrying the JSON-encoded
// alias table: {"alias": {"provider": "primary|secondary", "backend_model": "..."}}.
// Absent configuration falls back to one alias per provider so the server
// is usable out of the box in development (spec.md §6.3).
const routeTableEnv = "DIALECTPROXY_ROUTES"

func loadRouteTable() (map[string]router.Route, error) {
	raw := os.Getenv(routeTableEnv)
	if raw == "" {
		return map[string]router.Route{
			"fast":    {Provider: types.ProviderPrimary, BackendModel: "primary-default"},
			"careful": {Provider: types.ProviderSecondary, BackendModel: "secondary-default"},
		}, nil
	}

	var wire map[string]struct {
		Provider     string `json:"provider"`
		BackendModel string `json:"backend_model"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", routeTableEnv, err)
	}
	out := make(map[string]router.Route, len(wire))
	for alias, entry := range wire {
		out[alias] = router.Route{Provider: types.Provider(entry.Provider), BackendModel: entry.BackendModel}
	}
	return out, nil
}

func buildClients(cfg *config.ServerConfig) map[types.Provider]upstream.Client {
	clients := map[types.Provider]upstream.Client{}

	primaryKey := os.Getenv("DIALECTPROXY_PRIMARY_API_KEY")
	primaryBaseURL := os.Getenv("DIALECTPROXY_PRIMARY_BASE_URL")
	primaryBreaker := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout, cfg.BreakerMaxBackoff)
	clients[types.ProviderPrimary] = upstream.NewPrimaryClient(primaryKey, primaryBaseURL, cfg.UpstreamMaxRetries, primaryBreaker)

	if clientID := os.Getenv("DIALECTPROXY_SECONDARY_CLIENT_ID"); clientID != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: os.Getenv("DIALECTPROXY_SECONDARY_CLIENT_SECRET"),
			Endpoint: oauth2.Endpoint{
				TokenURL: os.Getenv("DIALECTPROXY_SECONDARY_TOKEN_URL"),
			},
		}
		token := &oauth2.Token{RefreshToken: os.Getenv("DIALECTPROXY_SECONDARY_REFRESH_TOKEN")}
		secondaryBreaker := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout, cfg.BreakerMaxBackoff)
		clients[types.ProviderSecondary] = upstream.NewSecondaryClient(
			context.Background(), oauthCfg, token,
			os.Getenv("DIALECTPROXY_SECONDARY_BASE_URL"),
			cfg.UpstreamMaxRetries, secondaryBreaker,
		)
	}

	return clients
}
