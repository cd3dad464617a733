package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	cache := NewRedisCache(client, "")

	resolvedAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	entry := SharedEntry{Allowed: true, Source: SourceStaffRow, ResolvedAt: resolvedAt}
	require.NoError(t, cache.Set(ctx, "/admin/rooms", auth.RoleAccountant, entry, time.Minute))
	require.NoError(t, cache.Set(ctx, "/admin/rooms", auth.RoleStaff, entry, time.Minute))
	require.NoError(t, cache.Set(ctx, "/admin/finance", auth.RoleStaff, entry, time.Minute))

	assert.True(t, mr.Exists("dormgate:perm:/admin/rooms|accountant"))
	assert.Equal(t, time.Minute, mr.TTL("dormgate:perm:/admin/rooms|accountant"))

	got, found, err := cache.Get(ctx, "/admin/rooms", auth.RoleAccountant)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Allowed)
	assert.Equal(t, SourceStaffRow, got.Source)
	assert.True(t, resolvedAt.Equal(got.ResolvedAt))

	_, found, err = cache.Get(ctx, "/admin/rooms", auth.RoleHousekeeper)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.DeletePath(ctx, "/admin/rooms"))
	assert.False(t, mr.Exists("dormgate:perm:/admin/rooms|accountant"))
	assert.False(t, mr.Exists("dormgate:perm:/admin/rooms|staff"))
	assert.True(t, mr.Exists("dormgate:perm:/admin/finance|staff"))

	require.NoError(t, cache.DeleteAll(ctx))
	assert.Empty(t, mr.Keys())
}

func TestRedisCache_MalformedValue(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	cache := NewRedisCache(client, "test:")

	require.NoError(t, mr.Set("test:/admin|staff", "garbage"))

	_, found, err := cache.Get(ctx, "/admin", auth.RoleStaff)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("test:/admin|staff"))
}

func unreachableRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisCache_Unavailable(t *testing.T) {
	cache := NewRedisCache(unreachableRedis(t), "")

	_, _, err := cache.Get(context.Background(), "/admin", auth.RoleStaff)
	assert.Error(t, err)
}

func TestChecker_SharedCache(t *testing.T) {
	ctx := context.Background()
	_, client := setupRedis(t)
	shared := NewRedisCache(client, "")
	check := RouteCheck{
		Path:          "/admin/rooms",
		Role:          auth.RoleStaff,
		AllowedRoles:  auth.Roles{auth.RoleStaff},
		CheckDatabase: true,
	}

	storeA := newFakeStore()
	storeA.set("/admin/rooms", auth.RoleStaff, false)
	replicaA := NewChecker(storeA, Options{Shared: shared, RetryInterval: time.Millisecond})

	storeB := newFakeStore()
	replicaB := NewChecker(storeB, Options{Shared: shared, RetryInterval: time.Millisecond})

	assert.False(t, replicaA.Check(ctx, check).Allowed)

	d := replicaB.Check(ctx, check)
	assert.Equal(t, Decision{Allowed: false, Source: SourceExplicit, Cached: true}, d)
	assert.Zero(t, storeB.totalCalls(), "second replica is served by the shared cache")

	replicaA.Invalidate(ctx, "/admin/rooms")
	replicaB.InvalidateAll(ctx)
	d = replicaB.Check(ctx, check)
	assert.Equal(t, Decision{Allowed: true, Source: SourceStatic}, d)
	assert.Equal(t, 1, storeB.totalCalls())
}

func TestChecker_SharedCacheFailsOpen(t *testing.T) {
	store := newFakeStore()
	store.set("/admin", auth.RoleStaff, true)
	c := NewChecker(store, Options{Shared: NewRedisCache(unreachableRedis(t), ""), RetryInterval: time.Millisecond})

	d := c.Check(context.Background(), RouteCheck{Path: "/admin", Role: auth.RoleStaff, CheckDatabase: true})
	assert.Equal(t, Decision{Allowed: true, Source: SourceExplicit}, d)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `/a\*b\?\[c\]`, escapeGlob("/a*b?[c]"))
}
