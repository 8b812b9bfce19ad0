package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds store operations whose context carries no deadline.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout applies d (or DefaultQueryTimeout) unless ctx already has a deadline.
func withQueryTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	if d <= 0 {
		d = DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, d)
}
