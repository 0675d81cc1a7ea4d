package rbac

import (
	"context"
	"log/slog"
	"time"

	"staff-portal/internal/cache"
	"staff-portal/internal/observability"
)

// invalidateTimeout bounds an invalidation that has been detached from its caller.
const invalidateTimeout = 2 * time.Second

// Invalidator drops cached permissions. The Role Provider must call Invalidate
// after every role change; otherwise the old permissions stay live until the
// entry's TTL runs out.
type Invalidator struct {
	store    cache.Store
	resolver *Resolver
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewInvalidator busts entries written by resolver. resolver may be nil when
// only the store is shared.
func NewInvalidator(store cache.Store, resolver *Resolver, logger *slog.Logger, metrics *observability.Metrics) *Invalidator {
	if store == nil {
		store = cache.Unconfigured{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{store: store, resolver: resolver, logger: logger, metrics: metrics}
}

// Invalidate runs to completion even if ctx is cancelled: it usually follows a
// committed role change, and dropping it would leave the old permissions live
// for the full TTL. A cache fault is logged and the entry expires on its own.
func (i *Invalidator) Invalidate(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	if i.resolver != nil {
		i.resolver.invalidated(userID)
	}
	confirmed := i.store.Delete(ctx, CacheKey(userID))
	i.metrics.RecordInvalidation(confirmed)
	if !confirmed {
		i.logger.Warn("permission cache invalidation unconfirmed; entry may live until ttl",
			"user_id", userID, "cause", causeLabel(ErrCacheUnavailable))
		return
	}
	i.logger.Info("permission cache invalidated", "user_id", userID)
}

// FlushAll drops every permission entry when the store supports it and
// returns the number removed.
func (i *Invalidator) FlushAll(ctx context.Context) int {
	f, ok := i.store.(cache.Flusher)
	if !ok {
		return 0
	}
	n := f.Flush(context.WithoutCancel(ctx), CacheKeyPrefix())
	i.logger.Info("permission cache flushed", "removed", n)
	return n
}
