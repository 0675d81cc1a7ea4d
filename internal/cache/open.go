package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"staff-portal/internal/observability"
	"staff-portal/pkg/utils"
)

// Backend names accepted by Open.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and tunes the cache backend.
type Config struct {
	Backend string
	Redis   utils.RedisConfig

	OpTimeout       time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	MemoryEntries   int
}

// Open builds the Store chosen by cfg.Backend. The returned close func is never nil.
//
// A Redis backend that cannot be reached at boot is still returned: it
// degrades to misses until the server comes back.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (Store, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", BackendNone:
		logger.Warn("permission cache unconfigured; every check recomputes")
		return Unconfigured{}, noop, nil
	case BackendMemory:
		return NewMemory(cfg.MemoryEntries), noop, nil
	case BackendRedis:
		rdb, err := utils.NewRedis(cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		if err := utils.PingRedis(ctx, rdb, cfg.Redis); err != nil {
			logger.Warn("redis unreachable at startup; cache degraded", "addr", cfg.Redis.Addr, "cause", err)
		}
		store := NewRedis(rdb, RedisOptions{
			OpTimeout:       cfg.OpTimeout,
			BreakerFailures: cfg.BreakerFailures,
			BreakerCooldown: cfg.BreakerCooldown,
			Logger:          logger,
			Metrics:         metrics,
		})
		return store, rdb.Close, nil
	default:
		return nil, noop, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
