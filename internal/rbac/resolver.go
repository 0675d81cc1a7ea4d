package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"staff-portal/internal/cache"
	"staff-portal/internal/observability"
)

const (
	// DefaultPermissionTTL bounds how long a derived permission set may outlive
	// a role change that skipped invalidation.
	DefaultPermissionTTL = time.Hour
	// DefaultRoleLookupTimeout bounds a single Role Provider call.
	DefaultRoleLookupTimeout = 2 * time.Second

	cacheKeyPrefix = "rbac:permissions:"
)

// Operation names used in logs and metrics.
const (
	OpHasPermission = "has_permission"
	OpCanAccessPage = "can_access_page"
	OpCanAccessAPI  = "can_access_api"
	OpCanManageUser = "can_manage_user"
	OpEffective     = "effective_permissions"
	OpRepopulate    = "repopulate"
)

var errNoRole = errors.New("rbac: user has no role")

// RoleProvider is the source of truth for a user's current role.
// found=false means the user has no role; err is an operational failure.
type RoleProvider interface {
	RoleOf(ctx context.Context, userID string) (role Role, found bool, err error)
}

// RoleProviderFunc adapts a function to RoleProvider.
type RoleProviderFunc func(ctx context.Context, userID string) (Role, bool, error)

func (f RoleProviderFunc) RoleOf(ctx context.Context, userID string) (Role, bool, error) {
	return f(ctx, userID)
}

// CacheKey is the cache key holding the derived permissions of userID.
func CacheKey(userID string) string { return cacheKeyPrefix + userID }

// CacheKeyPrefix is shared by every permission entry; used for cache-wide flushes.
func CacheKeyPrefix() string { return cacheKeyPrefix }

// Options tunes a Resolver. Zero values get defaults.
type Options struct {
	PermissionTTL     time.Duration
	RoleLookupTimeout time.Duration

	// UniformCaching makes page and API checks read the cached profile as well.
	// Off, they recompute from the Role Provider on every call.
	UniformCaching bool

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Clock   func() time.Time
}

// cachedEntry is the JSON document stored per user. While unexpired it equals
// what the catalog derived for the user's role when it was written.
type cachedEntry struct {
	UserID      string    `json:"user_id"`
	Permissions []string  `json:"permissions"`
	Pages       []string  `json:"pages"`
	APIPatterns []string  `json:"api_patterns"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Resolver answers authorization questions for staff users, cache-aside in
// front of the Catalog. Every decision is a plain bool; infrastructure faults
// are logged and resolve to deny or recompute, never to allow.
type Resolver struct {
	catalog *Catalog
	roles   RoleProvider
	cache   cache.Store

	ttl           time.Duration
	lookupTimeout time.Duration
	uniform       bool

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	inflight       singleflight.Group
	generations    sync.Map // userID -> *generation
	reportedMisses sync.Map
}

// generation counts invalidations of one user. A derivation records the count
// before it reads the role and writes only if the count is unchanged, so an
// entry derived from a role that has since been invalidated is never stored.
type generation struct {
	mu sync.Mutex
	n  uint64
}

func (g *generation) current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func (g *generation) bump() {
	g.mu.Lock()
	g.n++
	g.mu.Unlock()
}

// NewResolver wires the resolver. A nil store behaves as an unconfigured cache;
// a nil catalog grants nothing.
func NewResolver(catalog *Catalog, roles RoleProvider, store cache.Store, opts Options) *Resolver {
	if catalog == nil {
		catalog = &Catalog{}
	}
	if store == nil {
		store = cache.Unconfigured{}
	}
	if opts.PermissionTTL <= 0 {
		opts.PermissionTTL = DefaultPermissionTTL
	}
	if opts.RoleLookupTimeout <= 0 {
		opts.RoleLookupTimeout = DefaultRoleLookupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Resolver{
		catalog:       catalog,
		roles:         roles,
		cache:         store,
		ttl:           opts.PermissionTTL,
		lookupTimeout: opts.RoleLookupTimeout,
		uniform:       opts.UniformCaching,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Clock,
	}
}

// Catalog returns the catalog the resolver derives from.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Store returns the cache the resolver writes to.
func (r *Resolver) Store() cache.Store { return r.cache }

// HasPermission reports whether userID currently holds permission.
func (r *Resolver) HasPermission(ctx context.Context, userID, permission string) bool {
	allowed := false
	if userID != "" && permission != "" {
		if e, ok := r.entry(ctx, userID, OpHasPermission); ok {
			allowed = slices.Contains(e.Permissions, permission)
		}
	}
	r.metrics.RecordDecision(OpHasPermission, allowed)
	return allowed
}

// CanAccessPage reports whether path is inside one of the user's page prefixes.
func (r *Resolver) CanAccessPage(ctx context.Context, userID, path string) bool {
	allowed := false
	if userID != "" && path != "" {
		if r.uniform {
			if e, ok := r.entry(ctx, userID, OpCanAccessPage); ok {
				allowed = MatchPage(e.Pages, path)
			}
		} else if role, ok := r.lookupRole(ctx, userID, OpCanAccessPage); ok {
			r.checkCatalog(role)
			allowed = MatchPage(r.catalog.PagesFor(role), path)
		}
	}
	r.metrics.RecordDecision(OpCanAccessPage, allowed)
	return allowed
}

// CanAccessAPI reports whether endpoint matches one of the user's API patterns.
func (r *Resolver) CanAccessAPI(ctx context.Context, userID, endpoint string) bool {
	allowed := false
	if userID != "" && endpoint != "" {
		if r.uniform {
			if e, ok := r.entry(ctx, userID, OpCanAccessAPI); ok {
				allowed = MatchAPI(e.APIPatterns, endpoint)
			}
		} else if role, ok := r.lookupRole(ctx, userID, OpCanAccessAPI); ok {
			r.checkCatalog(role)
			allowed = MatchAPI(r.catalog.APIPatternsFor(role), endpoint)
		}
	}
	r.metrics.RecordDecision(OpCanAccessAPI, allowed)
	return allowed
}

// CanManageUser reports whether managerID strictly outranks targetID.
func (r *Resolver) CanManageUser(ctx context.Context, managerID, targetID string) bool {
	allowed := false
	if managerID != "" && targetID != "" {
		a, okA := r.lookupRole(ctx, managerID, OpCanManageUser)
		if okA {
			if b, okB := r.lookupRole(ctx, targetID, OpCanManageUser); okB {
				allowed = CanManage(a, b)
			}
		}
	}
	r.metrics.RecordDecision(OpCanManageUser, allowed)
	return allowed
}

// EffectivePermissions returns the user's sorted permission keys; empty when
// the user has no role or the lookup failed.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) []string {
	if userID == "" {
		return []string{}
	}
	e, ok := r.entry(ctx, userID, OpEffective)
	if !ok {
		return []string{}
	}
	out := slices.Clone(e.Permissions)
	slices.Sort(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// Repopulate re-derives the user's entry and writes it without reading the cache.
// It reports whether the user has a role.
func (r *Resolver) Repopulate(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := r.populate(ctx, userID, OpRepopulate)
	return ok
}

// RoleOf is the role lookup used by the resolver, exposed for handlers that
// need to display the role. It never caches.
func (r *Resolver) RoleOf(ctx context.Context, userID string) (Role, bool) {
	return r.lookupRole(ctx, userID, "role_of")
}

// invalidated fences off derivations already running for userID and makes the
// next call start a fresh one. The caller deletes the cached entry afterwards.
func (r *Resolver) invalidated(userID string) {
	r.generationOf(userID).bump()
	r.inflight.Forget(userID)
}

func (r *Resolver) generationOf(userID string) *generation {
	if g, ok := r.generations.Load(userID); ok {
		return g.(*generation)
	}
	g, _ := r.generations.LoadOrStore(userID, &generation{})
	return g.(*generation)
}

func (r *Resolver) entry(ctx context.Context, userID, op string) (cachedEntry, bool) {
	if e, ok := r.lookupCache(ctx, userID, op); ok {
		return e, true
	}
	return r.populate(ctx, userID, op)
}

func (r *Resolver) lookupCache(ctx context.Context, userID, op string) (cachedEntry, bool) {
	key := CacheKey(userID)
	raw, ok := r.cache.Get(ctx, key)
	if !ok {
		r.metrics.RecordCacheLookup("miss")
		return cachedEntry{}, false
	}
	var e cachedEntry
	if err := json.Unmarshal(raw, &e); err != nil || e.UserID != userID {
		r.metrics.RecordCacheLookup("corrupt")
		r.logger.Warn("discarding unreadable permission entry",
			"user_id", userID, "operation", op, "cause", causeLabel(ErrCacheUnavailable), "err", err)
		r.cache.Delete(ctx, key)
		return cachedEntry{}, false
	}
	if !r.now().Before(e.ExpiresAt) {
		r.metrics.RecordCacheLookup("expired")
		return cachedEntry{}, false
	}
	r.metrics.RecordCacheLookup("hit")
	return e, true
}

// populate derives the entry from the Role Provider and the catalog, then
// writes it through. Concurrent misses for one user share a single derivation
// that keeps running if the first caller goes away.
func (r *Resolver) populate(ctx context.Context, userID, op string) (cachedEntry, bool) {
	if r.roles == nil {
		r.reportLookupError(userID, op, ErrRoleLookup)
		return cachedEntry{}, false
	}
	ch := r.inflight.DoChan(userID, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()

		gen := r.generationOf(userID)
		seen := gen.current()

		role, found, err := r.roles.RoleOf(lookupCtx, userID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errNoRole
		}
		e := r.derive(userID, role)
		r.writeIfCurrent(lookupCtx, gen, seen, e)
		return e, nil
	})

	select {
	case <-ctx.Done():
		r.logger.Debug("authorization abandoned", "user_id", userID, "operation", op, "cause", ctx.Err())
		return cachedEntry{}, false
	case res := <-ch:
		if res.Err != nil {
			r.reportLookupError(userID, op, res.Err)
			return cachedEntry{}, false
		}
		return res.Val.(cachedEntry), true
	}
}

func (r *Resolver) derive(userID string, role Role) cachedEntry {
	r.checkCatalog(role)
	p := r.catalog.Profile(role)
	return cachedEntry{
		UserID:      userID,
		Permissions: p.Permissions,
		Pages:       p.Pages,
		APIPatterns: p.APIPatterns,
		ExpiresAt:   r.now().Add(r.ttl).UTC(),
	}
}

// writeIfCurrent stores e unless userID was invalidated after seen was read.
// The check and the write share the generation lock; an invalidation that
// lands after the write is followed by its own delete.
func (r *Resolver) writeIfCurrent(ctx context.Context, gen *generation, seen uint64, e cachedEntry) {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.n != seen {
		r.logger.Debug("dropping permission entry derived before invalidation", "user_id", e.UserID)
		return
	}
	r.write(ctx, e)
}

func (r *Resolver) write(ctx context.Context, e cachedEntry) {
	raw, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("encode permission entry", "user_id", e.UserID, "err", err)
		return
	}
	r.cache.SetWithTTL(ctx, CacheKey(e.UserID), raw, r.ttl)
}

// lookupRole asks the Role Provider directly, bounded by the lookup timeout.
func (r *Resolver) lookupRole(ctx context.Context, userID, op string) (Role, bool) {
	if r.roles == nil {
		r.reportLookupError(userID, op, ErrRoleLookup)
		return 0, false
	}
	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	role, found, err := r.roles.RoleOf(lookupCtx, userID)
	if err != nil {
		r.reportLookupError(userID, op, err)
		return 0, false
	}
	if !found {
		r.reportLookupError(userID, op, errNoRole)
		return 0, false
	}
	return role, true
}

func (r *Resolver) reportLookupError(userID, op string, err error) {
	if errors.Is(err, errNoRole) {
		r.logger.Debug("no role for user", "user_id", userID, "operation", op)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	cause := classify(err)
	r.metrics.RecordRoleLookupFailure(causeLabel(cause))
	r.logger.Warn("role lookup failed; denying",
		"user_id", userID, "operation", op, "cause", causeLabel(cause), "err", err)
}

// checkCatalog reports a role with no catalog profile the first time it is seen.
func (r *Resolver) checkCatalog(role Role) {
	if r.catalog.Has(role) {
		return
	}
	r.metrics.RecordCatalogMiss()
	if _, seen := r.reportedMisses.LoadOrStore(role, struct{}{}); seen {
		return
	}
	r.logger.Error("role has no catalog profile; granting nothing",
		"role", role.String(), "level", int(role), "cause", causeLabel(ErrConfiguration))
}
