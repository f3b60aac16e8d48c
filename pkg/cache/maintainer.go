package cache

import (
	"context"
	"log/slog"
	"time"
)

// Maintainer periodically sweeps expired entries out of both cache tiers.
//
// The loop is owned by the process lifecycle: Run blocks until ctx is
// cancelled, and a failing sweep never stops future sweeps.
type Maintainer struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger
}

// NewMaintainer creates a maintenance loop for the cache.
func NewMaintainer(cache *Cache, interval time.Duration, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{cache: cache, interval: interval, logger: logger}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	m.logger.Info("cache maintainer starting", "interval", m.interval.String())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("cache maintainer stopping")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Maintainer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cache sweep panicked", "panic", r)
		}
	}()

	removed := m.cache.CleanExpired(ctx)
	if removed > 0 {
		m.logger.Info("cache sweep completed", "removed", removed)
	}
}
