// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/bus"
	"github.com/kcenon/messaging-system-sub004/internal/jobqueue"
	"github.com/kcenon/messaging-system-sub004/internal/worker"
)

// Dependencies are the in-process components the admin API reads from and
// operates on. There is no external datastore: every figure it reports is
// read directly off the running bus, worker pool and queues.
type Dependencies struct {
	Bus       *bus.Bus
	Pool      *worker.Pool
	MainQueue jobqueue.Queue
	DeadQueue jobqueue.Queue
}

// drainQueue removes and returns up to max jobs from q without blocking
// past a short grace period, giving peek/purge endpoints a bounded, non-
// destructive-feeling operation even though the underlying jobqueue.Queue
// interface has no dedicated peek primitive.
func drainQueue(q jobqueue.Queue, max int) []jobqueue.Job {
	if q == nil {
		return nil
	}
	var out []jobqueue.Job
	for i := 0; i < max; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		job, ok := q.Dequeue(ctx)
		cancel()
		if !ok {
			break
		}
		out = append(out, job)
	}
	return out
}

// requeue puts jobs back onto q, best-effort; a full queue silently drops
// the remainder rather than blocking the admin request indefinitely.
func requeue(q jobqueue.Queue, jobs []jobqueue.Job) int {
	requeued := 0
	for _, j := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		err := q.Enqueue(ctx, j)
		cancel()
		if err == nil {
			requeued++
		}
	}
	return requeued
}

// jobSummary is the admin-facing, Execute-stripped view of a job: the
// closure behind jobqueue.Job.Execute carries no JSON-safe representation,
// so only its metadata is surfaced.
type jobSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Priority  int       `json:"priority"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
	TraceID   string    `json:"trace_id,omitempty"`
}

func summarize(jobs []jobqueue.Job) []jobSummary {
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{
			ID:        j.ID,
			Name:      j.Name,
			Type:      j.Type.String(),
			Priority:  j.Priority,
			Retries:   j.Retries,
			CreatedAt: j.CreatedAt,
			TraceID:   j.TraceID,
		})
	}
	return out
}
