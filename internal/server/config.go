// Package server implements the tellurd agent server — the glue that connects
// WebSocket clients to the tool executor, rate limiters, and result cache.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server, loaded from environment variables.
type Config struct {
	// Server
	Port int    // HTTP + WS listen port (default: 8080)
	Host string // Bind address (default: "0.0.0.0")

	// Redis
	RedisURL          string // Redis connection URL (empty = start embedded miniredis)
	EmbeddedRedis     bool   // True if using embedded miniredis (set by main)
	EmbeddedRedisAddr string // Address of embedded miniredis if started

	// Sessions
	MaxConnections       int           // Hard cap on active sessions (default: 100)
	InactiveTimeout      time.Duration // Idle time before a session is hibernated (default: 30m)
	HibernationRetention time.Duration // How long hibernated session records are kept (default: 2h)
	SessionSweepInterval time.Duration // Session monitor cadence (default: 5m)

	// Rate limiting — query limiter governs planned queries, tool limiter
	// governs direct tool invocations. Batches and pipelines cost one token
	// per call/step.
	QueryRate   float64       // Tokens added per period (default: 10)
	QueryPeriod time.Duration // Refill period (default: 60s)
	QueryBurst  float64       // Bucket capacity (default: 15)
	ToolRate    float64       // (default: 20)
	ToolPeriod  time.Duration // (default: 60s)
	ToolBurst   float64       // (default: 25)

	// Cache
	CacheDefaultTTL    time.Duration            // Fallback TTL for tools without an override (default: 30m)
	CacheErrorTTL      time.Duration            // Cap for failure results (default: 5m)
	CacheSweepInterval time.Duration            // Expired-entry sweep cadence (default: 10m)
	ToolTTLOverrides   map[string]time.Duration // From TELLUR_TOOL_TTL__{TOOL}=<duration>

	// Execution
	ToolTimeout time.Duration // Per-invocation cap (default: 30s)
}

// LoadConfig reads configuration from environment variables. Unset or
// malformed values fall back to their defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:     envInt("TELLUR_PORT", 8080),
		Host:     envStr("TELLUR_HOST", "0.0.0.0"),
		RedisURL: os.Getenv("TELLUR_REDIS_URL"), // Empty string = use embedded miniredis

		MaxConnections:       envInt("TELLUR_MAX_CONNECTIONS", 100),
		InactiveTimeout:      envDuration("TELLUR_INACTIVE_TIMEOUT", 30*time.Minute),
		HibernationRetention: envDuration("TELLUR_HIBERNATION_RETENTION", 2*time.Hour),
		SessionSweepInterval: envDuration("TELLUR_SESSION_SWEEP_INTERVAL", 5*time.Minute),

		QueryRate:   envFloat("TELLUR_QUERY_RATE", 10),
		QueryPeriod: envDuration("TELLUR_QUERY_PERIOD", time.Minute),
		QueryBurst:  envFloat("TELLUR_QUERY_BURST", 15),
		ToolRate:    envFloat("TELLUR_TOOL_RATE", 20),
		ToolPeriod:  envDuration("TELLUR_TOOL_PERIOD", time.Minute),
		ToolBurst:   envFloat("TELLUR_TOOL_BURST", 25),

		CacheDefaultTTL:    envDuration("TELLUR_CACHE_DEFAULT_TTL", 30*time.Minute),
		CacheErrorTTL:      envDuration("TELLUR_CACHE_ERROR_TTL", 5*time.Minute),
		CacheSweepInterval: envDuration("TELLUR_CACHE_SWEEP_INTERVAL", 10*time.Minute),
		ToolTTLOverrides:   parseToolTTLOverrides(os.Environ()),

		ToolTimeout: envDuration("TELLUR_TOOL_TIMEOUT", 30*time.Second),
	}
	return cfg, nil
}

// parseToolTTLOverrides collects per-tool cache TTLs from environment
// variables of the form TELLUR_TOOL_TTL__{TOOL_NAME}=<duration>.
// Example: TELLUR_TOOL_TTL__GET_CURRENT_WEATHER=15m overrides the TTL of the
// get_current_weather tool. A value of "0" disables caching for the tool.
func parseToolTTLOverrides(environ []string) map[string]time.Duration {
	const prefix = "TELLUR_TOOL_TTL__"
	overrides := make(map[string]time.Duration)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.Index(kv, "=")
		if eq < 0 {
			continue
		}
		tool := strings.ToLower(kv[len(prefix):eq])
		if tool == "" {
			continue
		}
		raw := kv[eq+1:]
		if raw == "0" {
			overrides[tool] = 0
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			continue
		}
		overrides[tool] = d
	}
	if len(overrides) == 0 {
		return nil
	}
	return overrides
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// envFloat reads an env var as a float with a default value.
func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// envDuration reads an env var as a duration string (e.g., "15s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
