package analytics

import (
	"context"
	"time"
)

// Pruner drops records older than maxAge and reports how many went.
type Pruner interface {
	CleanOldMetrics(maxAge time.Duration) int
}

// RunRetention prunes every collector once per interval until ctx is done.
// A non-positive interval disables it.
func RunRetention(ctx context.Context, interval, maxAge time.Duration, collectors ...Pruner) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range collectors {
				c.CleanOldMetrics(maxAge)
			}
		}
	}
}
