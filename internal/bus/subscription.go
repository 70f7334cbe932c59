// Copyright 2025 James Ross
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/breaker"
	"github.com/kcenon/messaging-system-sub004/internal/config"
	"github.com/kcenon/messaging-system-sub004/internal/container"
	"github.com/kcenon/messaging-system-sub004/internal/jobqueue"
	"github.com/kcenon/messaging-system-sub004/internal/obs"
	"github.com/kcenon/messaging-system-sub004/internal/tracecontext"
	"go.uber.org/zap"
)

// HandlerResult is what a subscription handler reports back to the bus.
type HandlerResult struct {
	// Response, if non-nil, is published to the requester when the
	// delivered message carries a pending request correlation id.
	Response *container.Container
	Err      error
}

// HandlerFunc is the unit of work a subscriber registers. It must respect
// ctx cancellation/deadline, mirroring jobqueue.ExecuteFunc's contract.
type HandlerFunc func(ctx context.Context, topic string, payload *container.Container, tc tracecontext.Context) HandlerResult

// Subscription is a registered (pattern, handler) pair with its own
// delivery queue, worker goroutine and circuit breaker — grounded on the
// teacher's webhook subscription health tracking (success/failure counters
// gating delivery) generalized from an outbound-webhook concept to any
// in-process handler. A dedicated single worker per subscription preserves
// the per-(topic, subscription) FIFO ordering guarantee (§5).
type Subscription struct {
	id      uint64
	pattern string
	handler HandlerFunc
	queue   jobqueue.Queue
	cb      *breaker.CircuitBreaker
	policy  string // block | drop_oldest | reject

	successCount atomic.Uint64
	failureCount atomic.Uint64

	log *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func newSubscription(id uint64, pattern string, handler HandlerFunc, q jobqueue.Queue, cbCfg config.CircuitBreaker, policy string, log *zap.Logger) *Subscription {
	return &Subscription{
		id:      id,
		pattern: pattern,
		handler: handler,
		queue:   q,
		cb:      breaker.New(cbCfg.Window, cbCfg.CooldownPeriod, cbCfg.FailureThreshold, cbCfg.MinSamples),
		policy:  policy,
		log:     log,
		done:    make(chan struct{}),
	}
}

// ID returns the subscription's identifier, as handed back by Bus.Subscribe.
func (s *Subscription) ID() uint64 { return s.id }

// Health reports success/failure delivery counts and current breaker state.
type Health struct {
	Successes uint64
	Failures  uint64
	Breaker   breaker.State
}

// Health returns a point-in-time view of this subscription's delivery health.
func (s *Subscription) Health() Health {
	return Health{
		Successes: s.successCount.Load(),
		Failures:  s.failureCount.Load(),
		Breaker:   s.cb.State(),
	}
}

// run drains the subscription's queue until ctx is done or stop() is called.
func (s *Subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		job, ok := s.queue.Dequeue(ctx)
		if !ok {
			continue
		}
		if job.Execute == nil {
			continue
		}
		if !s.cb.Allow() {
			s.failureCount.Add(1)
			obs.BusMessagesDropped.WithLabelValues(s.pattern).Inc()
			continue
		}
		result := job.Execute(ctx)
		s.cb.Record(result.Success)
		if result.Success {
			s.successCount.Add(1)
		} else {
			s.failureCount.Add(1)
		}
	}
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.queue.Stop()
	})
}

// enqueue submits job honoring the subscription's backpressure policy.
func (s *Subscription) enqueue(ctx context.Context, job jobqueue.Job) error {
	switch s.policy {
	case "reject":
		err := s.queue.Enqueue(ctx, job)
		if err == jobqueue.ErrFull {
			return ErrOverflow
		}
		return err
	case "drop_oldest":
		for {
			err := s.queue.Enqueue(ctx, job)
			if err == nil {
				return nil
			}
			if err != jobqueue.ErrFull {
				return err
			}
			if _, ok := s.queue.Dequeue(ctx); !ok {
				return err
			}
			obs.BusMessagesDropped.WithLabelValues(s.pattern).Inc()
		}
	default: // "block"
		for {
			err := s.queue.Enqueue(ctx, job)
			if err == nil {
				return nil
			}
			if err != jobqueue.ErrFull {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
}
