package util

import (
	"context"
	"time"
)

// ContextTick calls onTick every d until ctx is done.
func ContextTick(ctx context.Context, d time.Duration, onTick func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onTick()
		}
	}
}
