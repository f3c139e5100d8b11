// Package config holds the frozen server configuration, built once at
// startup (spec.md §6.3). Loading mechanics (env vars, flags, files) are an
// external collaborator per spec.md §1; this package only defines the shape
// and the env-var defaults, matching the teacher's DefaultFromEnv idiom.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig is the frozen configuration produced once at startup and
// injected into every process-scope component (spec.md §5).
type ServerConfig struct {
	Host    string
	Port    int
	Verbose bool
	Debug   bool

	Environment string // development | production | test

	ProxyAPIKey string // shared bearer credential clients authenticate with (§6.2)

	UpstreamTimeout    time.Duration
	UpstreamMaxRetries int

	DefaultReasoningEffort string

	EnableContentSecurityValidation bool

	MaxRequestSize    int64
	MaxResponseSize   int64
	MaxCompletionLen  int
	MaxChoicesCount   int

	MaxConversationAge         time.Duration
	MaxStoredConversations     int
	MaxHistoryLength           int
	MaxHistoryAge              time.Duration
	MaxConcurrentConversations int

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerMaxBackoff       time.Duration
}

// DefaultFromEnv builds a ServerConfig from environment variables, falling
// back to spec.md §6.3's documented defaults for anything unset.
func DefaultFromEnv() *ServerConfig {
	return &ServerConfig{
		Host:        envOrDefault("DIALECTPROXY_HOST", "0.0.0.0"),
		Port:        envInt("DIALECTPROXY_PORT", 8080),
		Verbose:     envBool("DIALECTPROXY_VERBOSE"),
		Debug:       envBool("DIALECTPROXY_DEBUG"),
		Environment: envOrDefault("DIALECTPROXY_ENV", "production"),

		ProxyAPIKey: strings.TrimSpace(os.Getenv("DIALECTPROXY_API_KEY")),

		UpstreamTimeout:    envDurationMs("DIALECTPROXY_UPSTREAM_TIMEOUT_MS", 120_000),
		UpstreamMaxRetries: envInt("DIALECTPROXY_UPSTREAM_MAX_RETRIES", 3),

		DefaultReasoningEffort: envOrDefault("DIALECTPROXY_DEFAULT_REASONING_EFFORT", "medium"),

		EnableContentSecurityValidation: envBoolDefault("DIALECTPROXY_ENABLE_CONTENT_SECURITY", true),

		MaxRequestSize:   envInt64("DIALECTPROXY_MAX_REQUEST_SIZE", 10*1024*1024),
		MaxResponseSize:  envInt64("DIALECTPROXY_MAX_RESPONSE_SIZE", 5*1024*1024),
		MaxCompletionLen: envInt("DIALECTPROXY_MAX_COMPLETION_LENGTH", 200_000),
		MaxChoicesCount:  envInt("DIALECTPROXY_MAX_CHOICES", 16),

		MaxConversationAge:         envDurationSec("DIALECTPROXY_MAX_CONVERSATION_AGE_SEC", 300),
		MaxStoredConversations:     envInt("DIALECTPROXY_MAX_STORED_CONVERSATIONS", 10_000),
		MaxHistoryLength:           envInt("DIALECTPROXY_MAX_HISTORY_LENGTH", 50),
		MaxHistoryAge:              envDurationSec("DIALECTPROXY_MAX_HISTORY_AGE_SEC", 300),
		MaxConcurrentConversations: envInt("DIALECTPROXY_MAX_CONCURRENT_CONVERSATIONS", 5_000),

		BreakerFailureThreshold: envInt("DIALECTPROXY_BREAKER_FAILURE_THRESHOLD", 4),
		BreakerRecoveryTimeout:  envDurationMs("DIALECTPROXY_BREAKER_RECOVERY_TIMEOUT_MS", 1_000),
		BreakerMaxBackoff:       envDurationSec("DIALECTPROXY_BREAKER_MAX_BACKOFF_SEC", 60),
	}
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDurationMs(key string, defMs int64) time.Duration {
	return time.Duration(envInt64(key, defMs)) * time.Millisecond
}

func envDurationSec(key string, defSec int64) time.Duration {
	return time.Duration(envInt64(key, defSec)) * time.Second
}
