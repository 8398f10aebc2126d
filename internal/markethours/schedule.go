package markethours

import (
	"context"
	"time"
)

// Daily calls fn lead before every market open until ctx ends. A warm-up
// already missed for the current session is skipped, not run late.
func (c *Calendar) Daily(ctx context.Context, lead time.Duration, fn func(context.Context)) {
	for {
		now := c.now()
		next := c.NextOpen(now).Add(-lead)
		for !next.After(now) {
			next = c.NextOpen(next.Add(lead)).Add(-lead)
		}

		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		fn(ctx)
	}
}
