// Package retry holds the backoff arithmetic and clock-aware sleeping shared
// by the clients that call external services.
package retry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Delay returns base * 2^(attempt-1), capped at maxDelay when maxDelay > 0.
func Delay(attempt int, base, maxDelay time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// Sleep waits for d on clock or until ctx is done.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
