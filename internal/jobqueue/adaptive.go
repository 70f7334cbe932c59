// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Mode identifies which concrete strategy an AdaptiveQueue is currently
// delegating to.
type Mode int32

const (
	ModeMutex Mode = iota
	ModeLockFree
)

func (m Mode) String() string {
	if m == ModeLockFree {
		return "lock_free"
	}
	return "mutex"
}

type sample struct {
	t         time.Time
	contended bool
}

// AdaptiveQueue starts in mutex mode and promotes itself to the lock-free
// ring once observed Dequeue wait latency shows sustained contention,
// demoting back once contention subsides for a cooldown period. The
// transition policy (sliding window + rate threshold + cooldown hysteresis)
// is the same shape as the circuit breaker's Closed/Open/HalfOpen state
// machine, repurposed from failure-rate tracking to contention tracking
// (§4.3 "adaptive mode").
type AdaptiveQueue struct {
	mu sync.Mutex

	mode Mode

	mutexQ    *MutexQueue
	lockFreeQ *LockFreeQueue

	window         time.Duration
	cooldown       time.Duration
	highRate       float64
	lowRate        float64
	minSamples     int
	contentionLat  time.Duration
	lastTransition time.Time
	samples        []sample

	modeGauge atomic.Int32
}

// AdaptiveConfig tunes an AdaptiveQueue's transition policy.
type AdaptiveConfig struct {
	Capacity          int
	Window            time.Duration
	Cooldown          time.Duration
	PromoteRate       float64       // fraction of contended Dequeues that triggers mutex->lockfree
	DemoteRate        float64       // fraction below which lockfree->mutex is considered
	MinSamples        int
	ContentionLatency time.Duration // a Dequeue wait longer than this counts as contended
}

// DefaultAdaptiveConfig returns reasonable defaults for a moderate-throughput
// worker pool.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Capacity:          1024,
		Window:            2 * time.Second,
		Cooldown:          1 * time.Second,
		PromoteRate:       0.5,
		DemoteRate:        0.1,
		MinSamples:        20,
		ContentionLatency: 2 * time.Millisecond,
	}
}

// NewAdaptiveQueue builds an AdaptiveQueue starting in mutex mode.
func NewAdaptiveQueue(cfg AdaptiveConfig) *AdaptiveQueue {
	return &AdaptiveQueue{
		mode:           ModeMutex,
		mutexQ:         NewMutexQueue(cfg.Capacity),
		lockFreeQ:      NewLockFreeQueue(cfg.Capacity),
		window:         cfg.Window,
		cooldown:       cfg.Cooldown,
		highRate:       cfg.PromoteRate,
		lowRate:        cfg.DemoteRate,
		minSamples:     cfg.MinSamples,
		contentionLat:  cfg.ContentionLatency,
		lastTransition: time.Now(),
	}
}

// Mode reports the strategy currently in effect.
func (q *AdaptiveQueue) Mode() Mode {
	return Mode(q.modeGauge.Load())
}

func (q *AdaptiveQueue) active() Queue {
	q.mu.Lock()
	m := q.mode
	q.mu.Unlock()
	if m == ModeLockFree {
		return q.lockFreeQ
	}
	return q.mutexQ
}

func (q *AdaptiveQueue) Enqueue(ctx context.Context, j Job) error {
	return q.active().Enqueue(ctx, j)
}

func (q *AdaptiveQueue) Dequeue(ctx context.Context) (Job, bool) {
	start := time.Now()
	j, ok := q.active().Dequeue(ctx)
	q.record(time.Since(start) > q.contentionLat)
	return j, ok
}

func (q *AdaptiveQueue) Size() int {
	return q.mutexQ.Size() + q.lockFreeQ.Size()
}

func (q *AdaptiveQueue) Stop() {
	q.mutexQ.Stop()
	q.lockFreeQ.Stop()
}

func (q *AdaptiveQueue) record(contended bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-q.window)
	kept := q.samples[:0]
	for _, s := range q.samples {
		if s.t.After(cutoff) {
			kept = append(kept, s)
		}
	}
	q.samples = append(kept, sample{t: now, contended: contended})

	if len(q.samples) < q.minSamples {
		return
	}
	if now.Sub(q.lastTransition) < q.cooldown {
		return
	}

	hits := 0
	for _, s := range q.samples {
		if s.contended {
			hits++
		}
	}
	rate := float64(hits) / float64(len(q.samples))

	switch q.mode {
	case ModeMutex:
		if rate >= q.highRate {
			q.transitionLocked(ModeLockFree, now)
		}
	case ModeLockFree:
		if rate <= q.lowRate {
			q.transitionLocked(ModeMutex, now)
		}
	}
}

// transitionLocked drains every job currently sitting in the outgoing
// strategy's queue into the incoming one, then flips the active mode. Caller
// must hold q.mu.
func (q *AdaptiveQueue) transitionLocked(to Mode, now time.Time) {
	var from, dest Queue
	if to == ModeLockFree {
		from, dest = q.mutexQ, Queue(q.lockFreeQ)
	} else {
		from, dest = q.lockFreeQ, Queue(q.mutexQ)
	}
	for {
		j, ok := tryDrain(from)
		if !ok {
			break
		}
		_ = dest.Enqueue(context.Background(), j)
	}
	q.mode = to
	q.modeGauge.Store(int32(to))
	q.lastTransition = now
	q.samples = q.samples[:0]
}

// tryDrain pops a single job without blocking, used only during mode
// transitions where both queues are privately owned by this AdaptiveQueue.
func tryDrain(from Queue) (Job, bool) {
	switch fq := from.(type) {
	case *MutexQueue:
		fq.mu.Lock()
		if len(fq.items) == 0 {
			fq.mu.Unlock()
			return Job{}, false
		}
		j := fq.items[0]
		fq.items = fq.items[1:]
		fq.mu.Unlock()
		return j, true
	case *LockFreeQueue:
		return fq.TryDequeue()
	default:
		return Job{}, false
	}
}
