package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tellurhq/tellur/pkg/cache"
	"github.com/tellurhq/tellur/pkg/executor"
	"github.com/tellurhq/tellur/pkg/ratelimit"
	"github.com/tellurhq/tellur/pkg/session"
)

// Server is the top-level agent server that owns all subsystems.
type Server struct {
	config      *Config
	httpServer  *http.Server
	wsHandler   *WSHandler
	sessions    *session.Manager
	cache       *cache.Cache
	maintainer  *cache.Maintainer
	executor    *executor.Executor
	redisClient *redis.Client
	logger      *slog.Logger
	started     time.Time
}

// NewServer creates a fully wired server from configuration.
//
// Architecture:
//   - Each client is a WebSocket session tracked by the session.Manager
//   - The WSHandler reads client messages and dispatches to the executor
//   - Two token-bucket limiters meter planned queries and direct tool calls
//   - Tool results live in a two-tier cache (in-process + Redis)
//   - Background loops hibernate idle sessions and sweep expired cache entries
func NewServer(cfg *Config, registry *executor.Registry, planner Planner, logger *slog.Logger) (*Server, error) {
	// --- Redis ---
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	// --- Cache ---
	store := cache.NewRedisStore(redisClient, "tellur:cache:")
	resultCache := cache.New(store, cfg.CacheDefaultTTL, logger.With("component", "cache"))
	maintainer := cache.NewMaintainer(resultCache, cfg.CacheSweepInterval, logger.With("component", "cache_sweeper"))

	ttl := executor.DefaultTTLPolicy()
	ttl.Default = cfg.CacheDefaultTTL
	ttl.Error = cfg.CacheErrorTTL
	for tool, d := range cfg.ToolTTLOverrides {
		ttl.PerTool[tool] = d
	}

	// --- Executor ---
	exec := executor.New(registry, resultCache, ttl, cfg.ToolTimeout, logger.With("component", "executor"))

	// --- Sessions ---
	sessions := session.NewManager(session.Config{
		MaxConnections:       cfg.MaxConnections,
		InactiveTimeout:      cfg.InactiveTimeout,
		HibernationRetention: cfg.HibernationRetention,
		SweepInterval:        cfg.SessionSweepInterval,
	}, logger.With("component", "sessions"))

	// --- Rate limiting ---
	queryLimiter := ratelimit.New(cfg.QueryRate, cfg.QueryPeriod, cfg.QueryBurst)
	toolLimiter := ratelimit.New(cfg.ToolRate, cfg.ToolPeriod, cfg.ToolBurst)

	// --- Handlers ---
	wsHandler := NewWSHandler(
		sessions,
		exec,
		planner,
		queryLimiter,
		toolLimiter,
		logger.With("component", "ws"),
	)

	srv := &Server{
		config:      cfg,
		wsHandler:   wsHandler,
		sessions:    sessions,
		cache:       resultCache,
		maintainer:  maintainer,
		executor:    exec,
		redisClient: redisClient,
		logger:      logger,
		started:     time.Now(),
	}

	// --- HTTP mux ---
	mux := http.NewServeMux()

	// WebSocket endpoint for agent clients
	mux.Handle("/ws", wsHandler)

	// Health check (no auth — infrastructure endpoint)
	mux.HandleFunc("/health", srv.handleHealth)

	// Catch-all
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
	})

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// Start begins serving HTTP connections and starts the background loops.
// It blocks until the context is cancelled or the server encounters an error.
func (s *Server) Start(ctx context.Context) error {
	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	go s.sessions.Run(loopCtx)
	go s.maintainer.Run(loopCtx)

	s.logger.Info("tellurd starting",
		"addr", s.httpServer.Addr,
		"redis", s.config.RedisURL,
		"tools", len(s.executor.Registry().Names()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and cleans up resources.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Redis close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// handleHealth reports server liveness and subsystem occupancy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, hibernated := s.sessions.Counts()
	stats := s.cache.Stats()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":              "ok",
		"uptime_seconds":      int(time.Since(s.started).Seconds()),
		"active_sessions":     active,
		"hibernated_sessions": hibernated,
		"tools":               s.executor.Registry().Names(),
		"cache":               stats,
	})
}

// writeErrorJSON writes a JSON error response body with the given status.
func writeErrorJSON(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
