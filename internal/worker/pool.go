// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/breaker"
	"github.com/kcenon/messaging-system-sub004/internal/config"
	"github.com/kcenon/messaging-system-sub004/internal/jobqueue"
	"github.com/kcenon/messaging-system-sub004/internal/obs"
	"go.uber.org/zap"
)

// Sink receives a job that the pool could not complete (exhausted retries).
// The bus wires its dead-letter topic in here; tests can use a plain
// jobqueue.Queue or a recording stub.
type Sink interface {
	Enqueue(ctx context.Context, j jobqueue.Job) error
}

// inFlight is a job a worker goroutine is currently executing, tracked so
// the reaper can detect one that has run far longer than expected.
type inFlight struct {
	job   jobqueue.Job
	start time.Time
}

// Pool drains a jobqueue.Queue with a fixed number of worker goroutines,
// gating execution behind a circuit breaker and handling retry/backoff/
// dead-letter bookkeeping — generalized from the teacher's BRPOPLPUSH loop
// (breaker-gated dequeue, retry counter, dead-letter push) onto an
// in-process queue instead of Redis lists.
type Pool struct {
	cfg        config.PoolConfig
	queue      jobqueue.Queue
	deadLetter Sink
	log        *zap.Logger
	cb         *breaker.CircuitBreaker
	baseID     string

	mu       sync.Mutex
	inFlight map[string]inFlight
}

// New builds a Pool that drains q. deadLetter may be nil, in which case
// exhausted jobs are logged and dropped.
func New(cfg config.PoolConfig, cbCfg config.CircuitBreaker, q jobqueue.Queue, deadLetter Sink, log *zap.Logger) *Pool {
	cb := breaker.New(cbCfg.Window, cbCfg.CooldownPeriod, cbCfg.FailureThreshold, cbCfg.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Pool{
		cfg:        cfg,
		queue:      q,
		deadLetter: deadLetter,
		log:        log,
		cb:         cb,
		baseID:     base,
		inFlight:   make(map[string]inFlight),
	}
}

// BreakerState exposes the circuit breaker's current state for observability.
func (p *Pool) BreakerState() breaker.State {
	return p.cb.State()
}

// InFlightSnapshot returns a point-in-time view of every job a worker is
// currently executing, keyed by worker ID. Used by the admin API's stats
// endpoints.
func (p *Pool) InFlightSnapshot() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.inFlight))
	for id, f := range p.inFlight {
		out[id] = f.start
	}
	return out
}

// ReapStale removes and returns every in-flight job whose worker has been
// running it longer than after, so the caller can requeue it. The owning
// worker goroutine is not interrupted — if it eventually finishes the
// original job, that completion is simply discarded, since the queue has
// already handed out a fresh copy of the same job.
func (p *Pool) ReapStale(after time.Duration) []jobqueue.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stale []jobqueue.Job
	now := time.Now()
	for id, f := range p.inFlight {
		if now.Sub(f.start) > after {
			stale = append(stale, f.job)
			delete(p.inFlight, id)
		}
	}
	return stale
}

// Run starts cfg.Count worker goroutines and blocks until ctx is done and
// they all exit. When cfg.Typed is set and the queue implements
// jobqueue.TypedDequeuer, the first len(jobqueue.Types()) workers are each
// pinned to a single type and every remaining worker floats across all
// types (§3.6/§4.4's "one worker per enum value plus one floating worker").
// Typed assignment is skipped — falling back to the homogeneous pool — when
// the queue doesn't support type-filtered dequeue, or there are not more
// workers than types (no worker would be left to float).
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	_, supportsTyped := p.queue.(jobqueue.TypedDequeuer)
	types := jobqueue.Types()
	typedPool := p.cfg.Typed && supportsTyped && p.cfg.Count > len(types)

	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", p.baseID, i)
		var allowed []jobqueue.Type
		if typedPool && i < len(types) {
			allowed = []jobqueue.Type{types[i]}
		}
		go func(workerID string, allowed []jobqueue.Type) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			p.runOne(ctx, workerID, allowed)
		}(id, allowed)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch p.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()
}

func (p *Pool) runOne(ctx context.Context, workerID string, allowed []jobqueue.Type) {
	for ctx.Err() == nil {
		if !p.cb.Allow() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.BreakerPause):
			}
			continue
		}

		var job jobqueue.Job
		var ok bool
		if len(allowed) > 0 {
			typed, supportsTyped := p.queue.(jobqueue.TypedDequeuer)
			if supportsTyped {
				job, ok = typed.DequeueTypes(ctx, allowed...)
			} else {
				job, ok = p.queue.Dequeue(ctx)
			}
		} else {
			job, ok = p.queue.Dequeue(ctx)
		}
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		obs.JobsConsumed.Inc()
		p.track(workerID, job)

		jobCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.JobTimeout > 0 {
			jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		}
		start := time.Now()
		result := p.execute(jobCtx, workerID, job)
		if cancel != nil {
			cancel()
		}
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
		p.untrack(workerID, job.ID)

		prev := p.cb.State()
		p.cb.Record(result.Success)
		if curr := p.cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}

		if result.Success {
			obs.JobsCompleted.Inc()
			continue
		}
		p.handleFailure(ctx, workerID, job, result)
	}
}

func (p *Pool) execute(ctx context.Context, workerID string, job jobqueue.Job) (result jobqueue.Result) {
	ctx, span := obs.ContextWithJobSpan(ctx, job)
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("worker.id", workerID))

	defer func() {
		if r := recover(); r != nil {
			obs.RecordError(ctx, fmt.Errorf("job panicked: %v", r))
			result = jobqueue.Result{Success: false, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if job.Execute == nil {
		return jobqueue.Result{Success: false, Reason: "job has no execute function"}
	}
	result = job.Execute(ctx)
	if result.Success {
		obs.SetSpanSuccess(ctx)
	} else {
		obs.RecordError(ctx, fmt.Errorf("%s", result.Reason))
	}
	return result
}

func (p *Pool) handleFailure(ctx context.Context, workerID string, job jobqueue.Job, result jobqueue.Result) {
	obs.JobsFailed.Inc()
	p.log.Warn("job failed", obs.String("id", job.ID), obs.String("reason", result.Reason), obs.String("worker_id", workerID))

	if !job.CanRetry() {
		p.deadLetterJob(ctx, workerID, job)
		return
	}

	next := job.NextAttempt()
	d := Backoff(next.Retries, p.cfg.Backoff.Base, p.cfg.Backoff.Max)
	select {
	case <-ctx.Done():
		return
	case <-time.After(d):
	}

	if err := p.queue.Enqueue(ctx, next); err != nil {
		p.log.Error("requeue failed, dead-lettering instead", obs.Err(err), obs.String("id", job.ID))
		p.deadLetterJob(ctx, workerID, job)
		return
	}
	obs.JobsRetried.Inc()
	p.log.Info("job retried", obs.String("id", job.ID), obs.Int("retries", next.Retries), obs.String("worker_id", workerID))
}

func (p *Pool) deadLetterJob(ctx context.Context, workerID string, job jobqueue.Job) {
	obs.JobsDeadLetter.Inc()
	p.log.Error("job dead-lettered", obs.String("id", job.ID), obs.String("worker_id", workerID))
	if p.deadLetter == nil {
		return
	}
	if err := p.deadLetter.Enqueue(ctx, job); err != nil {
		p.log.Error("dead-letter enqueue failed", obs.Err(err), obs.String("id", job.ID))
	}
}

func (p *Pool) track(workerID string, job jobqueue.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[workerID] = inFlight{job: job, start: time.Now()}
}

// untrack clears the in-flight entry for workerID, but only if it still
// refers to jobID — a reaper may have already reclaimed the slot for a
// stale job by the time the original goroutine finishes it.
func (p *Pool) untrack(workerID, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.inFlight[workerID]; ok && f.job.ID == jobID {
		delete(p.inFlight, workerID)
	}
}

// Backoff computes an exponential delay capped at max, given a 1-based
// retry count.
func Backoff(retries int, base, max time.Duration) time.Duration {
	if retries <= 0 {
		return base
	}
	d := base
	for i := 1; i < retries; i++ {
		d *= 2
		if d > max || d < 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
