package main

import (
	"context"
	"os"

	"github.com/kimhsiao/receiptsync/internal/logging"
)

type triggerer interface {
	TriggerSync() bool
}

// triggerOnSignal requests a background sync for every signal received
// until ctx ends or signals is closed.
func triggerOnSignal(ctx context.Context, signals <-chan os.Signal, t triggerer) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			accepted := t.TriggerSync()
			logging.Info("Manual sync requested", map[string]interface{}{
				"signal":   sig.String(),
				"accepted": accepted,
			})
		}
	}
}
