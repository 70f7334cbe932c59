// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/config"
	"go.uber.org/zap"
)

// SizeFunc reports a queue's current depth. jobqueue.Queue.Size matches
// this signature directly.
type SizeFunc func() int

// StartQueueLengthUpdater samples named queue depths on an interval and
// publishes them to the QueueLength gauge — adapted from polling Redis
// LLen per queue key to calling an in-process SizeFunc per lane.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, queues map[string]SizeFunc, log *zap.Logger) {
	interval := cfg.Observability.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, sizeOf := range queues {
					QueueLength.WithLabelValues(name).Set(float64(sizeOf()))
				}
			}
		}
	}()
	log.Debug("queue length updater started", Int("lanes", len(queues)))
}
