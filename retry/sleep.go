package retry

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is closed, whichever comes first, and
// returns ctx.Err() in the latter case. Non-positive d returns at once.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
