package analytics

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingPruner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (p *countingPruner) CleanOldMetrics(maxAge time.Duration) int {
	p.calls.Add(1)
	p.maxAge.Store(int64(maxAge))
	return 0
}

func TestRunRetention(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, b := &countingPruner{}, &countingPruner{}
	done := make(chan struct{})
	go func() {
		RunRetention(ctx, 5*time.Millisecond, time.Hour, a, b)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return a.calls.Load() >= 2 && b.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(time.Hour), a.maxAge.Load())

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestRunRetention_Disabled(t *testing.T) {
	p := &countingPruner{}
	RunRetention(context.Background(), 0, time.Hour, p)
	assert.Zero(t, p.calls.Load())
}

func TestRunRetention_PrunesKeyTable(t *testing.T) {
	now := time.Now()
	ca := NewCacheAnalytics(DefaultCacheConfig(), nil, nil)
	ca.now = fixedClock(now)
	for i := 0; i < 50; i++ {
		ca.LogCacheAccess(CacheAccess{Key: fmt.Sprintf("contracts:%d", i), Timestamp: now.Add(-48 * time.Hour)})
	}
	ca.LogCacheAccess(CacheAccess{Key: "contracts:live", Timestamp: now})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunRetention(ctx, 5*time.Millisecond, 24*time.Hour, ca)

	assert.Eventually(t, func() bool {
		ca.mu.Lock()
		defer ca.mu.Unlock()
		return len(ca.keys) == 1
	}, time.Second, 5*time.Millisecond)
}
