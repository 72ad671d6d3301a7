package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFallbackRemote(t *testing.T) *RemoteStore {
	t.Helper()
	r := NewRemoteStore(context.Background(), RemoteConfig{}, nil)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRemoteStore_FallbackSelection(t *testing.T) {
	t.Parallel()

	r := newFallbackRemote(t)
	assert.Equal(t, ModeFallback, r.Mode())
	assert.NoError(t, r.Ping(context.Background()))

	unreachable := NewRemoteStore(context.Background(), RemoteConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}, nil)
	defer unreachable.Close()
	assert.Equal(t, ModeFallback, unreachable.Mode())
	assert.Equal(t, ModeFallback, unreachable.Stats(context.Background()).Mode)
}

func TestRemoteStore_FallbackStrings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newFallbackRemote(t)

	require.True(t, r.Set(ctx, "users:1", map[string]any{"id": 1}, 0))
	got, ok := r.Get(ctx, "users:1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": float64(1)}, got)

	require.True(t, r.Set(ctx, "short", "v", 100*time.Millisecond))
	time.Sleep(150 * time.Millisecond)
	_, ok = r.Get(ctx, "short")
	assert.False(t, ok)

	assert.True(t, r.Delete(ctx, "users:1"))
	assert.False(t, r.Delete(ctx, "users:1"))

	stats := r.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.False(t, stats.Connected)
}

func TestRemoteStore_FallbackInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newFallbackRemote(t)

	r.Set(ctx, "contracts:1", 1, 0)
	r.Set(ctx, "contracts:2", 2, 0)
	r.Set(ctx, "users:1", 3, 0)
	r.HSet(ctx, "contracts:meta", "owner", "ana")
	r.LPush(ctx, "contracts:log", "created")

	assert.Equal(t, 4, r.Invalidate(ctx, "contracts:*"))
	_, ok := r.HGet(ctx, "contracts:meta", "owner")
	assert.False(t, ok)
	assert.Empty(t, r.LRange(ctx, "contracts:log", 0, -1))

	assert.True(t, r.Clear(ctx, ""))
	_, ok = r.Get(ctx, "users:1")
	assert.False(t, ok)
}

func TestRemoteStore_FallbackStructures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newFallbackRemote(t)

	t.Run("hash", func(t *testing.T) {
		require.True(t, r.HSet(ctx, "h", "a", 1))
		require.True(t, r.HSet(ctx, "h", "b", "two"))
		v, ok := r.HGet(ctx, "h", "b")
		require.True(t, ok)
		assert.Equal(t, "two", v)
		assert.Equal(t, 1, r.HDel(ctx, "h", "a", "missing"))
		_, ok = r.HGet(ctx, "h", "a")
		assert.False(t, ok)
	})

	t.Run("list", func(t *testing.T) {
		assert.Equal(t, 2, r.LPush(ctx, "l", "a", "b"))
		assert.Equal(t, 3, r.LPush(ctx, "l", "c"))
		assert.Equal(t, []any{"c", "b", "a"}, r.LRange(ctx, "l", 0, -1))
		assert.Equal(t, []any{"b"}, r.LRange(ctx, "l", 1, 1))
		assert.Equal(t, []any{"b", "a"}, r.LRange(ctx, "l", -2, 10))
		assert.Empty(t, r.LRange(ctx, "l", 5, 10))
	})

	t.Run("set", func(t *testing.T) {
		assert.Equal(t, 2, r.SAdd(ctx, "s", "x", "y"))
		assert.Equal(t, 1, r.SAdd(ctx, "s", "y", "z"))
		assert.ElementsMatch(t, []string{"x", "y", "z"}, r.SMembers(ctx, "s"))
		assert.Empty(t, r.SMembers(ctx, "nope"))
	})
}

func TestRemoteStore_SyncFromMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newFallbackRemote(t)

	n := r.SyncFromMemory(ctx, []SnapshotEntry{
		{Key: "a", Value: 1, TTL: time.Minute},
		{Key: "b", Value: "two", TTL: 0},
	})
	assert.Equal(t, 2, n)

	v, ok := r.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, "two", v)
	assert.Equal(t, 0, r.SyncFromMemory(ctx, nil))
}

func TestRedisPattern(t *testing.T) {
	tests := []struct {
		prefix  string
		pattern string
		want    string
	}{
		{"querycache:", "*", "querycache:*"},
		{"querycache:", "contracts:*", "querycache:contracts:*"},
		{"querycache:", "users:?[1]", `querycache:users:\?\[1\]`},
		{"q*:", "a*", `q\*:a*`},
		{"p:", `back\slash`, `p:back\\slash`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, redisPattern(tt.prefix, tt.pattern))
	}
}

func TestNormalizeRange(t *testing.T) {
	tests := []struct {
		n, start, stop int64
		from, to       int64
		ok             bool
	}{
		{3, 0, -1, 0, 2, true},
		{3, -2, -1, 1, 2, true},
		{3, 1, 100, 1, 2, true},
		{3, -100, 0, 0, 0, true},
		{3, 2, 1, 0, 0, false},
		{0, 0, -1, 0, 0, false},
		{3, 3, 5, 0, 0, false},
	}
	for _, tt := range tests {
		from, to, ok := normalizeRange(tt.n, tt.start, tt.stop)
		assert.Equal(t, tt.ok, ok, "n=%d start=%d stop=%d", tt.n, tt.start, tt.stop)
		if tt.ok {
			assert.Equal(t, tt.from, from)
			assert.Equal(t, tt.to, to)
		}
	}
}

// TestRemoteStore_Redis runs against a real server when REDIS_ADDR is set.
func TestRemoteStore_Redis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "querycache-test-" + uuid.NewString() + ":"
	r := NewRemoteStore(ctx, RemoteConfig{Addr: addr, KeyPrefix: prefix}, nil)
	defer r.Close()
	defer r.Clear(ctx, "")
	require.Equal(t, ModeRedis, r.Mode())

	require.True(t, r.Set(ctx, "contracts:1", []any{"a"}, time.Minute))
	require.True(t, r.Set(ctx, "contracts:2", 2, time.Minute))
	v, ok := r.Get(ctx, "contracts:1")
	require.True(t, ok)
	assert.Equal(t, []any{"a"}, v)

	assert.Equal(t, 2, r.Invalidate(ctx, "contracts:*"))
	assert.Equal(t, 2, r.LPush(ctx, "log", "x", "y"))
	assert.Equal(t, []any{"y", "x"}, r.LRange(ctx, "log", 0, -1))
	assert.Equal(t, 2, r.SyncFromMemory(ctx, []SnapshotEntry{{Key: "s1", Value: 1}, {Key: "s2", Value: 2}}))
	assert.Equal(t, "closed", r.Stats(ctx).BreakerState)
}
