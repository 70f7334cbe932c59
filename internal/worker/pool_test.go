// Copyright 2025 James Ross
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/config"
	"github.com/kcenon/messaging-system-sub004/internal/jobqueue"
	"go.uber.org/zap"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		Count:        2,
		MaxRetries:   3,
		Backoff:      config.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
		JobTimeout:   50 * time.Millisecond,
		BreakerPause: 5 * time.Millisecond,
	}
}

func testBreakerConfig() config.CircuitBreaker {
	return config.CircuitBreaker{
		FailureThreshold: 0.5,
		Window:           time.Second,
		CooldownPeriod:   10 * time.Millisecond,
		MinSamples:       1000, // effectively disabled for most pool tests
	}
}

type recordingSink struct {
	mu   sync.Mutex
	jobs []jobqueue.Job
}

func (s *recordingSink) Enqueue(_ context.Context, j jobqueue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func TestPoolExecutesSuccessfulJob(t *testing.T) {
	q := jobqueue.NewMutexQueue(10)
	var done atomic.Bool
	job := jobqueue.New("j1", "test", jobqueue.TypeNormal, func(ctx context.Context) jobqueue.Result {
		done.Store(true)
		return jobqueue.Result{Success: true}
	})
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	p := New(testPoolConfig(), testBreakerConfig(), q, nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if !done.Load() {
		t.Fatalf("expected job to have executed")
	}
}

func TestPoolRetriesFailedJobThenDeadLetters(t *testing.T) {
	q := jobqueue.NewMutexQueue(10)
	sink := &recordingSink{}
	var attempts atomic.Int32
	job := jobqueue.New("j2", "test", jobqueue.TypeNormal, func(ctx context.Context) jobqueue.Result {
		attempts.Add(1)
		return jobqueue.Result{Success: false, Reason: "boom"}
	}).WithRetry(2)
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	cfg := testPoolConfig()
	cfg.Count = 1
	p := New(cfg, testBreakerConfig(), q, sink, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts (1 initial + 2 retries), got %d", got)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one dead-lettered job, got %d", sink.count())
	}
}

func TestPoolJobTimeoutCountsAsFailure(t *testing.T) {
	q := jobqueue.NewMutexQueue(10)
	sink := &recordingSink{}
	job := jobqueue.New("j3", "slow", jobqueue.TypeNormal, func(ctx context.Context) jobqueue.Result {
		<-ctx.Done()
		return jobqueue.Result{Success: false, Reason: "timed out"}
	})
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	cfg := testPoolConfig()
	cfg.Count = 1
	cfg.JobTimeout = 10 * time.Millisecond
	p := New(cfg, testBreakerConfig(), q, sink, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if sink.count() != 1 {
		t.Fatalf("expected job to be dead-lettered after exhausting retries, got %d", sink.count())
	}
}

func TestPoolInFlightSnapshotTracksRunningJob(t *testing.T) {
	q := jobqueue.NewMutexQueue(10)
	started := make(chan struct{})
	release := make(chan struct{})
	job := jobqueue.New("j4", "track", jobqueue.TypeNormal, func(ctx context.Context) jobqueue.Result {
		close(started)
		<-release
		return jobqueue.Result{Success: true}
	})
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	cfg := testPoolConfig()
	cfg.Count = 1
	cfg.JobTimeout = 0
	p := New(cfg, testBreakerConfig(), q, nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go p.Run(ctx)
	<-started

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(p.InFlightSnapshot()) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(p.InFlightSnapshot()) != 1 {
		t.Fatalf("expected one in-flight job while running")
	}
	close(release)
}

func TestPoolTypedAssignsOneWorkerPerTypePlusFloating(t *testing.T) {
	q := jobqueue.NewTypedQueue(jobqueue.StrategyStrict, nil, 0)
	var executed sync.Map
	for _, typ := range jobqueue.Types() {
		typ := typ
		job := jobqueue.New(typ.String(), "typed", typ, func(ctx context.Context) jobqueue.Result {
			executed.Store(typ, true)
			return jobqueue.Result{Success: true}
		})
		if err := q.Enqueue(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}

	cfg := testPoolConfig()
	cfg.Count = len(jobqueue.Types()) + 1 // one pinned worker per type, one floating
	cfg.Typed = true
	p := New(cfg, testBreakerConfig(), q, nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	for _, typ := range jobqueue.Types() {
		if _, ok := executed.Load(typ); !ok {
			t.Fatalf("expected a job of type %v to execute under the typed pool", typ)
		}
	}
}

func TestPoolTypedFallsBackWhenQueueDoesNotSupportFilteredDequeue(t *testing.T) {
	q := jobqueue.NewMutexQueue(10)
	job := jobqueue.New("j5", "untyped", jobqueue.TypeNormal, func(ctx context.Context) jobqueue.Result {
		return jobqueue.Result{Success: true}
	})
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	cfg := testPoolConfig()
	cfg.Count = len(jobqueue.Types()) + 1
	cfg.Typed = true // MutexQueue has no DequeueTypes; pool must still make progress
	p := New(cfg, testBreakerConfig(), q, nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if q.Size() != 0 {
		t.Fatalf("expected the single job to have been drained despite Typed=true on an untyped queue")
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	base := time.Millisecond
	max := 10 * time.Millisecond
	if d := Backoff(1, base, max); d != base {
		t.Fatalf("expected first backoff to equal base, got %v", d)
	}
	for _, r := range []int{10, 20, 63} {
		if d := Backoff(r, base, max); d != max {
			t.Fatalf("expected backoff for retries=%d to cap at max, got %v", r, d)
		}
	}
}
