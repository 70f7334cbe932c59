// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/config"
	"github.com/kcenon/messaging-system-sub004/internal/jobqueue"
	"github.com/kcenon/messaging-system-sub004/internal/obs"
	"go.uber.org/zap"
)

// Requeuer accepts a job that the reaper has decided to reclaim. A bus's
// worker pool queue satisfies this directly.
type Requeuer interface {
	Enqueue(ctx context.Context, j jobqueue.Job) error
}

// PoolMonitor is the subset of worker.Pool the reaper needs: a way to pull
// jobs whose worker has gone quiet for longer than a given duration.
type PoolMonitor interface {
	ReapStale(after time.Duration) []jobqueue.Job
}

// Reaper periodically scans a worker pool for jobs that have been in-flight
// far longer than expected — the in-process analogue of the teacher's
// Redis processing-list scan, since there is no separate worker process
// whose absence a heartbeat key can detect.
type Reaper struct {
	cfg   config.ReaperConfig
	pool  PoolMonitor
	queue Requeuer
	log   *zap.Logger
}

func New(cfg config.ReaperConfig, pool PoolMonitor, queue Requeuer, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, pool: pool, queue: queue, log: log}
}

// Run blocks, scanning on cfg.ScanInterval, until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	stale := r.pool.ReapStale(r.cfg.StaleAfter)
	for _, job := range stale {
		if err := r.queue.Enqueue(ctx, job); err != nil {
			r.log.Error("reaper requeue failed", obs.Err(err), obs.String("id", job.ID))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued stalled job",
			obs.String("id", job.ID),
			obs.String("name", job.Name),
			obs.String("trace_id", job.TraceID),
			obs.String("span_id", job.SpanID),
		)
	}
}
