package utils

import (
	"context"
	"time"
)

// Every runs fn immediately and then every interval until ctx is done.
// Runs never overlap.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
