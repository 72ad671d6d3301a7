package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fallbackStrings(r *RemoteStore) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fallback.strings)
}

// Every tier keeps an entry for its whole TTL and drops it right after.
func TestExpiryBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name  string
		store func(t *testing.T, clock *manualClock) Store
		step  time.Duration
	}{
		{
			name: "memory",
			store: func(t *testing.T, clock *manualClock) Store {
				m := newTestMemory(t, 1024*1024)
				m.now = clock.Now
				return m
			},
			step: time.Nanosecond,
		},
		{
			name: "remote fallback",
			store: func(t *testing.T, clock *manualClock) Store {
				r := newFallbackRemote(t)
				r.now = clock.Now
				return r
			},
			step: time.Nanosecond,
		},
		{
			name: "persistent",
			store: func(t *testing.T, clock *manualClock) Store {
				p := newTestPersistent(t, NewMemoryStorage(0), PersistentConfig{})
				p.now = clock.Now
				return p
			},
			// persistent timestamps are milliseconds
			step: time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newManualClock()
			s := tt.store(t, clock)

			require.True(t, s.Set(ctx, "k", "v", time.Second))
			clock.Advance(time.Second)
			_, ok := s.Get(ctx, "k")
			assert.True(t, ok, "alive at exactly its TTL")

			clock.Advance(tt.step)
			_, ok = s.Get(ctx, "k")
			assert.False(t, ok, "gone once past its TTL")
		})
	}
}

func TestInvalidateSkipsExpiredEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stores := map[string]func(t *testing.T, clock *manualClock) Store{
		"memory": func(t *testing.T, clock *manualClock) Store {
			m := newTestMemory(t, 1024*1024)
			m.now = clock.Now
			return m
		},
		"remote fallback": func(t *testing.T, clock *manualClock) Store {
			r := newFallbackRemote(t)
			r.now = clock.Now
			return r
		},
		"persistent": func(t *testing.T, clock *manualClock) Store {
			p := newTestPersistent(t, NewMemoryStorage(0), PersistentConfig{})
			p.now = clock.Now
			return p
		},
	}
	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			clock := newManualClock()
			s := build(t, clock)

			require.True(t, s.Set(ctx, "contracts:1", 1, 10*time.Millisecond))
			require.True(t, s.Set(ctx, "contracts:2", 2, time.Hour))
			clock.Advance(30 * time.Millisecond)

			assert.Equal(t, 1, s.Invalidate(ctx, "contracts:*"))
			assert.Equal(t, 0, s.Invalidate(ctx, "contracts:*"), "expired entry was removed too")
		})
	}
}

func TestRemoteStore_FallbackCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newManualClock()
	r := newFallbackRemote(t)
	r.now = clock.Now

	require.True(t, r.Set(ctx, "short", 1, time.Second))
	require.True(t, r.Set(ctx, "long", 2, time.Hour))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, r.Cleanup())
	assert.Equal(t, 1, fallbackStrings(r))
	_, ok := r.Get(ctx, "long")
	assert.True(t, ok)
}

func TestManager_SweepsRemoteFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{
		Memory: MemoryConfig{MaxSize: 1024 * 1024, MaxAge: time.Minute, CleanupInterval: 10 * time.Millisecond},
	})

	// written and never read again
	require.True(t, m.Set(ctx, "contracts:1", 1, 5*time.Millisecond, StrategyRemote))
	require.Equal(t, 1, fallbackStrings(m.Remote()))

	assert.Eventually(t, func() bool {
		return fallbackStrings(m.Remote()) == 0
	}, time.Second, 5*time.Millisecond)
}
