// Command tellurd is the tellur agent server.
//
// It accepts WebSocket connections from agent clients, dispatches their tool
// calls through a cached, rate-limited executor, and hibernates idle
// sessions so short disconnects don't lose session state.
//
// Usage:
//
//	# Start the server (TELLUR_REDIS_URL optional — embedded redis by default)
//	tellurd
//
//	# List the built-in tools
//	tellurd tools
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"

	"github.com/tellurhq/tellur/internal/server"
	"github.com/tellurhq/tellur/pkg/geotools"
	"github.com/tellurhq/tellur/pkg/logutil"
)

func main() {
	// Load .env if present (silently ignore if missing).
	// Environment variables already set take precedence over .env values.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(
		logutil.Writer(),
		&slog.HandlerOptions{Level: slogLevel()},
	))

	registry := geotools.DefaultRegistry()

	// Check for subcommands
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "tools":
			for _, def := range registry.Definitions() {
				fmt.Printf("%-32s %s\n", def.Name, def.Description)
			}
			return
		case "version":
			fmt.Println("tellurd v0.1.0")
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	// --- Main server ---
	cfg, err := server.LoadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	// Start embedded miniredis if no REDIS_URL provided
	var miniRedis *miniredis.Miniredis
	if cfg.RedisURL == "" {
		var err error
		miniRedis, err = miniredis.Run()
		if err != nil {
			logger.Error("failed to start embedded redis", "error", err)
			os.Exit(1)
		}
		cfg.RedisURL = "redis://" + miniRedis.Addr()
		cfg.EmbeddedRedis = true
		cfg.EmbeddedRedisAddr = miniRedis.Addr()
		logger.Info("started embedded redis", "addr", miniRedis.Addr())
	}
	defer func() {
		if miniRedis != nil {
			miniRedis.Close()
		}
	}()

	// Miniredis TTLs don't decrease automatically — we must advance time
	// ourselves so durable cache entries actually expire.
	if miniRedis != nil {
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				miniRedis.FastForward(1 * time.Second)
			}
		}()
	}

	// No planner is wired in the OSS build: queries are rejected with
	// planner_unavailable while direct tool calls, batches, and pipelines
	// work. Deployments supply their own Planner via a custom main.
	srv, err := server.NewServer(cfg, registry, nil, logger)
	if err != nil {
		logger.Error("server initialization failed", "error", err)
		os.Exit(1)
	}

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`tellurd — agent tool-dispatch server

Usage:
  tellurd            Start the server
  tellurd tools      List the built-in tools
  tellurd version    Print the version
  tellurd help       Show this help

Configuration (environment variables, .env supported):
  TELLUR_PORT                    Listen port (default 8080)
  TELLUR_HOST                    Bind address (default 0.0.0.0)
  TELLUR_REDIS_URL               Redis URL (empty = embedded redis)
  TELLUR_MAX_CONNECTIONS         Active session cap (default 100)
  TELLUR_INACTIVE_TIMEOUT        Idle time before hibernation (default 30m)
  TELLUR_HIBERNATION_RETENTION   Hibernated session retention (default 2h)
  TELLUR_QUERY_RATE/PERIOD/BURST Query limiter (default 10 per 60s, burst 15)
  TELLUR_TOOL_RATE/PERIOD/BURST  Tool limiter (default 20 per 60s, burst 25)
  TELLUR_CACHE_DEFAULT_TTL       Default result cache TTL (default 30m)
  TELLUR_CACHE_ERROR_TTL         Failure result TTL cap (default 5m)
  TELLUR_TOOL_TTL__<TOOL>        Per-tool TTL override, e.g.
                                 TELLUR_TOOL_TTL__GET_CURRENT_WEATHER=15m
  TELLUR_TOOL_TIMEOUT            Per-invocation timeout (default 30s)
  TELLUR_LOG_LEVEL               debug | info | warn | error (default info)`)
}

func slogLevel() slog.Level {
	switch os.Getenv("TELLUR_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
