package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staff-portal/internal/cache"
	"staff-portal/internal/observability"
)

type fakeRoles struct {
	mu    sync.Mutex
	roles map[string]Role
	err   error
	delay time.Duration
	calls atomic.Int64
}

func newFakeRoles(roles map[string]Role) *fakeRoles {
	return &fakeRoles{roles: roles}
}

func (f *fakeRoles) RoleOf(ctx context.Context, userID string) (Role, bool, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false, f.err
	}
	r, ok := f.roles[userID]
	return r, ok, nil
}

func (f *fakeRoles) set(userID string, r Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[userID] = r
}

func staffRoles() map[string]Role {
	return map[string]Role{
		"newbie": RoleNew,
		"agent":  RoleSupport,
		"mgr":    RoleManager,
		"boss":   RoleAdmin,
		"root":   RoleSuperAdmin,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestResolver(t *testing.T, roles RoleProvider, store cache.Store, opts Options) *Resolver {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return NewResolver(mustDefaultCatalog(t), roles, store, opts)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestResolver_Scenarios(t *testing.T) {
	r := newTestResolver(t, newFakeRoles(staffRoles()), cache.NewMemory(100), Options{})
	ctx := context.Background()

	assert.True(t, r.HasPermission(ctx, "agent", "users:view"))
	assert.False(t, r.HasPermission(ctx, "agent", "users:delete"))

	assert.False(t, r.CanAccessPage(ctx, "mgr", "/admin/staff"))
	assert.False(t, r.CanAccessPage(ctx, "mgr", "/portal/admin/staff"))
	assert.True(t, r.CanAccessPage(ctx, "mgr", "/portal/reports/q1"))
	assert.True(t, r.CanAccessPage(ctx, "boss", "/portal/admin/staff/42"))
	assert.True(t, r.CanAccessPage(ctx, "root", "/portal/anything"))

	assert.False(t, r.CanAccessAPI(ctx, "agent", "/api/admin/cards/abc123"))
	assert.True(t, r.CanAccessAPI(ctx, "agent", "/api/admin/support/tickets/9"))
	assert.True(t, r.CanAccessAPI(ctx, "boss", "/api/admin/cards/abc123"))
	assert.True(t, r.CanAccessAPI(ctx, "mgr", "/api/admin/users/123/edit"))
	assert.False(t, r.CanAccessAPI(ctx, "mgr", "/api/admin/userstuff"))
}

func TestResolver_SuperAdminHoldsEveryPermission(t *testing.T) {
	r := newTestResolver(t, newFakeRoles(staffRoles()), cache.NewMemory(100), Options{})
	for _, p := range r.Catalog().Universe() {
		assert.True(t, r.HasPermission(context.Background(), "root", p), p)
	}
}

func TestResolver_NoRoleDeniesEverything(t *testing.T) {
	r := newTestResolver(t, newFakeRoles(staffRoles()), cache.NewMemory(100), Options{})
	ctx := context.Background()

	assert.False(t, r.HasPermission(ctx, "stranger", "dashboard:view"))
	assert.False(t, r.CanAccessPage(ctx, "stranger", "/portal/dashboard"))
	assert.False(t, r.CanAccessAPI(ctx, "stranger", "/api/me"))
	assert.False(t, r.CanManageUser(ctx, "stranger", "newbie"))
	assert.False(t, r.CanManageUser(ctx, "root", "stranger"))
	assert.Equal(t, []string{}, r.EffectivePermissions(ctx, "stranger"))
	assert.False(t, r.Repopulate(ctx, "stranger"))

	_, ok := r.Store().Get(ctx, CacheKey("stranger"))
	assert.False(t, ok, "no entry for a user without a role")
}

func TestResolver_EmptyInputsDeny(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	r := newTestResolver(t, roles, cache.NewMemory(100), Options{})
	ctx := context.Background()

	assert.False(t, r.HasPermission(ctx, "", "dashboard:view"))
	assert.False(t, r.HasPermission(ctx, "root", ""))
	assert.False(t, r.CanAccessPage(ctx, "root", ""))
	assert.False(t, r.CanAccessAPI(ctx, "root", ""))
	assert.False(t, r.CanManageUser(ctx, "", "agent"))
	assert.Zero(t, roles.calls.Load())
}

func TestResolver_CanManageUser(t *testing.T) {
	r := newTestResolver(t, newFakeRoles(staffRoles()), nil, Options{})
	ctx := context.Background()

	assert.True(t, r.CanManageUser(ctx, "boss", "agent"))
	assert.False(t, r.CanManageUser(ctx, "agent", "boss"))
	assert.False(t, r.CanManageUser(ctx, "boss", "boss"))
	assert.True(t, r.CanManageUser(ctx, "root", "boss"))
}

func TestResolver_PermissionChecksAreCached(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	r := newTestResolver(t, roles, cache.NewMemory(100), Options{})
	ctx := context.Background()

	require.True(t, r.HasPermission(ctx, "agent", "users:view"))
	require.False(t, r.HasPermission(ctx, "agent", "users:delete"))
	require.True(t, r.HasPermission(ctx, "agent", "tickets:reply"))
	assert.Equal(t, int64(1), roles.calls.Load())

	raw, ok := r.Store().Get(ctx, CacheKey("agent"))
	require.True(t, ok)
	var e cachedEntry
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, "agent", e.UserID)
	assert.Contains(t, e.Permissions, "users:view")
	assert.Contains(t, e.Pages, "/portal/support")
}

func TestResolver_PageAndAPIChecksRecomputeByDefault(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	r := newTestResolver(t, roles, cache.NewMemory(100), Options{})
	ctx := context.Background()

	require.True(t, r.HasPermission(ctx, "agent", "users:view"))
	require.True(t, r.CanAccessPage(ctx, "agent", "/portal/users"))
	require.True(t, r.CanAccessAPI(ctx, "agent", "/api/me"))
	assert.Equal(t, int64(3), roles.calls.Load())
}

func TestResolver_UniformCachingServesPagesFromCache(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	r := newTestResolver(t, roles, cache.NewMemory(100), Options{UniformCaching: true})
	ctx := context.Background()

	require.True(t, r.HasPermission(ctx, "agent", "users:view"))
	require.True(t, r.CanAccessPage(ctx, "agent", "/portal/users"))
	require.False(t, r.CanAccessPage(ctx, "agent", "/portal/cards"))
	require.True(t, r.CanAccessAPI(ctx, "agent", "/api/me"))
	require.False(t, r.CanAccessAPI(ctx, "agent", "/api/admin/cards/1"))
	assert.Equal(t, int64(1), roles.calls.Load())
}

func TestResolver_ExpiredEntryIsRecomputed(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := newTestResolver(t, roles, cache.NewMemory(100), Options{PermissionTTL: time.Hour, Clock: clock})
	ctx := context.Background()

	require.True(t, r.HasPermission(ctx, "agent", "users:view"))
	require.True(t, r.HasPermission(ctx, "agent", "users:view"))
	require.Equal(t, int64(1), roles.calls.Load())

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	require.True(t, r.HasPermission(ctx, "agent", "users:view"))
	assert.Equal(t, int64(2), roles.calls.Load())
}

func TestResolver_StaleUntilInvalidated(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	store := cache.NewMemory(100)
	r := newTestResolver(t, roles, store, Options{})
	inv := NewInvalidator(store, r, quietLogger(), nil)
	ctx := context.Background()

	require.True(t, r.HasPermission(ctx, "agent", "tickets:reply"))

	// Without invalidation the cached entry keeps answering for the old role.
	roles.set("agent", RoleNew)
	assert.True(t, r.HasPermission(ctx, "agent", "tickets:reply"))

	inv.Invalidate(ctx, "agent")
	assert.False(t, r.HasPermission(ctx, "agent", "tickets:reply"))
	assert.True(t, r.HasPermission(ctx, "agent", "dashboard:view"))
}

func TestResolver_InvalidateThenRoleChangeIsFresh(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	store := cache.NewMemory(100)
	r := newTestResolver(t, roles, store, Options{})
	inv := NewInvalidator(store, r, quietLogger(), nil)
	ctx := context.Background()

	require.False(t, r.HasPermission(ctx, "agent", "transactions:refund"))

	inv.Invalidate(ctx, "agent")
	roles.set("agent", RoleManager)
	assert.True(t, r.HasPermission(ctx, "agent", "transactions:refund"))
}

func TestResolver_InvalidationDiscardsInFlightDerivation(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	read := make(chan struct{})
	release := make(chan struct{})
	var hold atomic.Bool
	hold.Store(true)
	// The first lookup reads the role, then stalls until released.
	provider := RoleProviderFunc(func(ctx context.Context, userID string) (Role, bool, error) {
		role, found, err := roles.RoleOf(ctx, userID)
		if hold.CompareAndSwap(true, false) {
			close(read)
			<-release
		}
		return role, found, err
	})
	store := cache.NewMemory(100)
	r := newTestResolver(t, provider, store, Options{})
	inv := NewInvalidator(store, r, quietLogger(), nil)
	ctx := context.Background()

	done := make(chan bool)
	go func() { done <- r.HasPermission(ctx, "mgr", "transactions:refund") }()
	<-read

	roles.set("mgr", RoleSupport)
	inv.Invalidate(ctx, "mgr")
	close(release)
	assert.True(t, <-done, "a check that began before the demotion answers for the old role")

	_, cached := store.Get(ctx, CacheKey("mgr"))
	assert.False(t, cached, "the stale derivation must not be written")
	assert.False(t, r.HasPermission(ctx, "mgr", "transactions:refund"))
	assert.True(t, r.HasPermission(ctx, "mgr", "tickets:reply"))
}

func TestResolver_ConcurrentMissesAgree(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	roles.delay = 20 * time.Millisecond
	r := newTestResolver(t, roles, cache.NewMemory(100), Options{})
	ctx := context.Background()

	const n = 100
	results := make([]bool, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = r.HasPermission(ctx, "mgr", "transactions:refund")
		}(i)
	}
	close(start)
	wg.Wait()

	for i, got := range results {
		assert.True(t, got, "call %d", i)
	}
	assert.GreaterOrEqual(t, roles.calls.Load(), int64(1))
	assert.Less(t, roles.calls.Load(), int64(n), "concurrent misses share lookups")
}

func TestResolver_RoleLookupFailureDenies(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	roles.err = errors.New("db down")
	m := observability.NewMetrics(prometheus.NewRegistry())
	r := newTestResolver(t, roles, cache.NewMemory(100), Options{Metrics: m})
	ctx := context.Background()

	assert.False(t, r.HasPermission(ctx, "boss", "dashboard:view"))
	assert.False(t, r.CanAccessPage(ctx, "boss", "/portal/dashboard"))
	assert.False(t, r.CanAccessAPI(ctx, "boss", "/api/me"))
	assert.False(t, r.CanManageUser(ctx, "boss", "agent"))

	_, ok := r.Store().Get(ctx, CacheKey("boss"))
	assert.False(t, ok, "failures are not cached")
	assert.Equal(t, float64(4), counterValue(t, m.RoleLookupFailures.WithLabelValues("role_lookup")))
	assert.Equal(t, float64(1), counterValue(t, m.DecisionsTotal.WithLabelValues(OpHasPermission, "deny")))

	roles.mu.Lock()
	roles.err = nil
	roles.mu.Unlock()
	assert.True(t, r.HasPermission(ctx, "boss", "dashboard:view"))
}

func TestResolver_RoleLookupTimeoutDenies(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	roles.delay = time.Second
	m := observability.NewMetrics(prometheus.NewRegistry())
	r := newTestResolver(t, roles, nil, Options{RoleLookupTimeout: 20 * time.Millisecond, Metrics: m})

	start := time.Now()
	assert.False(t, r.HasPermission(context.Background(), "boss", "dashboard:view"))
	assert.False(t, r.CanAccessAPI(context.Background(), "boss", "/api/me"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, float64(2), counterValue(t, m.RoleLookupFailures.WithLabelValues("timeout")))
}

func TestResolver_CancelledRequestDeniesButStillPopulates(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	roles.delay = 50 * time.Millisecond
	store := cache.NewMemory(100)
	r := newTestResolver(t, roles, store, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, r.HasPermission(ctx, "boss", "dashboard:view"))

	require.Eventually(t, func() bool {
		_, ok := store.Get(context.Background(), CacheKey("boss"))
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestResolver_CorruptEntryIsReplaced(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	store := cache.NewMemory(100)
	r := newTestResolver(t, roles, store, Options{})
	ctx := context.Background()

	store.SetWithTTL(ctx, CacheKey("agent"), []byte("{not json"), time.Hour)
	assert.True(t, r.HasPermission(ctx, "agent", "users:view"))

	raw, ok := store.Get(ctx, CacheKey("agent"))
	require.True(t, ok)
	assert.True(t, json.Valid(raw))
}

func TestResolver_EntryForAnotherUserIsIgnored(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	store := cache.NewMemory(100)
	r := newTestResolver(t, roles, store, Options{})
	ctx := context.Background()

	forged, err := json.Marshal(cachedEntry{
		UserID:      "root",
		Permissions: []string{"users:delete"},
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	store.SetWithTTL(ctx, CacheKey("agent"), forged, time.Hour)

	assert.False(t, r.HasPermission(ctx, "agent", "users:delete"))
}

func TestResolver_CatalogMissFailsClosedAndLogsOnce(t *testing.T) {
	partial, err := ParseCatalog([]byte(`
permissions:
  - key: dashboard:view
roles:
  support:
    permissions: ["dashboard:view"]
    pages: ["/portal/dashboard"]
    api: ["/api/me"]
`))
	require.NoError(t, err)

	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil))
	r := NewResolver(partial, newFakeRoles(staffRoles()), cache.NewMemory(100), Options{Logger: logger})
	ctx := context.Background()

	assert.True(t, r.HasPermission(ctx, "agent", "dashboard:view"))
	for i := 0; i < 3; i++ {
		assert.False(t, r.CanAccessPage(ctx, "boss", "/portal/dashboard"))
		assert.False(t, r.CanAccessAPI(ctx, "boss", "/api/me"))
	}
	assert.False(t, r.HasPermission(ctx, "boss", "dashboard:view"))
	assert.Equal(t, []string{}, r.EffectivePermissions(ctx, "boss"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, strings.Count(buf.String(), "role has no catalog profile"))
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestResolver_UnconfiguredStoreAlwaysRecomputes(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	r := newTestResolver(t, roles, cache.Unconfigured{}, Options{})
	ctx := context.Background()

	assert.True(t, r.HasPermission(ctx, "agent", "users:view"))
	assert.True(t, r.HasPermission(ctx, "agent", "users:view"))
	assert.Equal(t, int64(2), roles.calls.Load())
	assert.Equal(t, cache.ModeUnconfigured, r.Store().Mode())
}

func TestResolver_NilRoleProviderDenies(t *testing.T) {
	r := newTestResolver(t, nil, cache.NewMemory(10), Options{})
	ctx := context.Background()
	assert.False(t, r.HasPermission(ctx, "root", "dashboard:view"))
	assert.False(t, r.CanAccessAPI(ctx, "root", "/api/me"))
}

func TestResolver_EffectivePermissionsSorted(t *testing.T) {
	r := newTestResolver(t, newFakeRoles(staffRoles()), cache.NewMemory(100), Options{})
	got := r.EffectivePermissions(context.Background(), "agent")
	assert.Equal(t, []string{"dashboard:view", "tickets:reply", "tickets:view", "transactions:view", "users:view"}, got)
}

func TestResolver_RepopulateOverwritesStaleEntry(t *testing.T) {
	roles := newFakeRoles(staffRoles())
	r := newTestResolver(t, roles, cache.NewMemory(100), Options{})
	ctx := context.Background()

	require.False(t, r.HasPermission(ctx, "agent", "reports:view"))
	roles.set("agent", RoleManager)
	require.False(t, r.HasPermission(ctx, "agent", "reports:view"), "still cached")

	assert.True(t, r.Repopulate(ctx, "agent"))
	assert.True(t, r.HasPermission(ctx, "agent", "reports:view"))
}

func TestResolver_DeadRedisDegradesToRecompute(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	store := cache.NewRedis(client, cache.RedisOptions{OpTimeout: 50 * time.Millisecond, Logger: quietLogger()})
	roles := newFakeRoles(staffRoles())
	r := newTestResolver(t, roles, store, Options{})
	ctx := context.Background()

	require.True(t, r.HasPermission(ctx, "agent", "users:view"))
	require.True(t, r.HasPermission(ctx, "agent", "users:view"))
	require.Equal(t, int64(1), roles.calls.Load())

	mr.Close()

	start := time.Now()
	assert.True(t, r.HasPermission(ctx, "agent", "users:view"))
	assert.False(t, r.HasPermission(ctx, "agent", "users:delete"))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, store.IsHealthy(ctx))
}
