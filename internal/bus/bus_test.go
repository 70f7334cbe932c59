// Copyright 2025 James Ross
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/config"
	"github.com/kcenon/messaging-system-sub004/internal/container"
	"github.com/kcenon/messaging-system-sub004/internal/tracecontext"
	"go.uber.org/zap"
)

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		Queue: config.QueueConfig{
			Strategy: "mutex",
			Capacity: 16,
		},
		MaxContainerSize:    1 << 20,
		RequestTimeout:      200 * time.Millisecond,
		SubscriberQueueSize: 16,
		BackpressurePolicy:  "block",
	}
}

func newTestBus(t *testing.T, cfg config.BusConfig) (*Bus, func()) {
	t.Helper()
	b := New(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	return b, func() {
		cancel()
		b.Stop()
	}
}

func payloadWithField(name, value string) *container.Container {
	c := container.New()
	c.SetValue(name, container.NewString(name, value))
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestBusPublishSubscribeRoundTrip(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	var got atomic.Bool
	var mu sync.Mutex
	var seenValue string
	_, err := b.Subscribe("orders.created", func(_ context.Context, topic string, payload *container.Container, _ tracecontext.Context) HandlerResult {
		if v, _ := payload.GetValue("id").ToString(); v != "" {
			mu.Lock()
			seenValue = v
			mu.Unlock()
		}
		got.Store(true)
		return HandlerResult{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_, err = b.Publish(context.Background(), "orders.created", payloadWithField("id", "order-1"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, time.Second, got.Load)
	mu.Lock()
	defer mu.Unlock()
	if seenValue != "order-1" {
		t.Fatalf("expected delivered payload id 'order-1', got %q", seenValue)
	}
}

func TestBusPublishFanOutToMultipleSubscribers(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("metrics.#", func(context.Context, string, *container.Container, tracecontext.Context) HandlerResult {
			count.Add(1)
			return HandlerResult{}
		})
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	receipt, err := b.Publish(context.Background(), "metrics.cpu.load", payloadWithField("v", "1"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if receipt.ExpectedDeliveries != 3 {
		t.Fatalf("expected 3 expected deliveries, got %d", receipt.ExpectedDeliveries)
	}
	waitFor(t, time.Second, func() bool { return count.Load() == 3 })
}

func TestBusPublishNoSubscribersStillSucceeds(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	receipt, err := b.Publish(context.Background(), "nobody.listening", payloadWithField("x", "1"))
	if err != nil {
		t.Fatalf("publish with no subscribers should not error: %v", err)
	}
	if receipt.ExpectedDeliveries != 0 {
		t.Fatalf("expected 0 deliveries, got %d", receipt.ExpectedDeliveries)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	var count atomic.Int32
	id, err := b.Subscribe("topic.x", func(context.Context, string, *container.Container, tracecontext.Context) HandlerResult {
		count.Add(1)
		return HandlerResult{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Publish(context.Background(), "topic.x", payloadWithField("a", "1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, time.Second, func() bool { return count.Load() == 1 })

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := b.Publish(context.Background(), "topic.x", payloadWithField("a", "2")); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if count.Load() != 1 {
		t.Fatalf("expected no further delivery after unsubscribe, got count=%d", count.Load())
	}

	if err := b.Unsubscribe(id); err != ErrUnknownSubscription {
		t.Fatalf("expected ErrUnknownSubscription on double unsubscribe, got %v", err)
	}
}

func TestBusRequestReplyHappyPath(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	_, err := b.Subscribe("echo", func(_ context.Context, _ string, payload *container.Container, _ tracecontext.Context) HandlerResult {
		v, _ := payload.GetValue("q").ToString()
		resp := payloadWithField("a", "echo:"+v)
		return HandlerResult{Response: resp}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	reply, err := b.Request(context.Background(), "echo", payloadWithField("q", "ping"), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	v, _ := reply.GetValue("a").ToString()
	if v != "echo:ping" {
		t.Fatalf("expected echo reply 'echo:ping', got %q", v)
	}
}

func TestBusRequestNoSubscriberReturnsError(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	_, err := b.Request(context.Background(), "nobody.home", payloadWithField("q", "1"), 50*time.Millisecond)
	if !errors.Is(err, ErrNoSubscriber) {
		t.Fatalf("expected ErrNoSubscriber, got %v", err)
	}
}

func TestBusRequestTimeoutWhenHandlerNeverReplies(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	_, err := b.Subscribe("silent", func(context.Context, string, *container.Container, tracecontext.Context) HandlerResult {
		return HandlerResult{} // no Response: never answers the request
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_, err = b.Request(context.Background(), "silent", payloadWithField("q", "1"), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBusRequestCancelledByCallerContext(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	_, err := b.Subscribe("slow", func(context.Context, string, *container.Container, tracecontext.Context) HandlerResult {
		return HandlerResult{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Request(ctx, "slow", payloadWithField("q", "1"), time.Second)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestBusPublishRejectsOversizedPayload(t *testing.T) {
	cfg := testBusConfig()
	cfg.MaxContainerSize = 1
	b, stop := newTestBus(t, cfg)
	defer stop()

	_, err := b.Publish(context.Background(), "any.topic", payloadWithField("field", "this payload is definitely bigger than one byte"))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

// TestBusBackpressureRejectPolicyCountsOverflowAsFailed confirms that a full
// reject-policy subscription queue causes Publish to count (and log) a
// failed delivery without returning an error itself — Publish's contract is
// "fire the fan-out", not "guarantee every subscriber received it".
func TestBusBackpressureRejectPolicyCountsOverflowAsFailed(t *testing.T) {
	cfg := testBusConfig()
	cfg.BackpressurePolicy = "reject"
	cfg.Queue.Capacity = 1
	b, stop := newTestBus(t, cfg)
	defer stop()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := b.Subscribe("backpressured", func(ctx context.Context, _ string, _ *container.Container, _ tracecontext.Context) HandlerResult {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return HandlerResult{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer close(release)

	// First publish is picked up by the worker and blocks it on release,
	// leaving the subscription's one queue slot free for the next message.
	if _, err := b.Publish(context.Background(), "backpressured", payloadWithField("n", "1")); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	// Second publish occupies the one free slot.
	if _, err := b.Publish(context.Background(), "backpressured", payloadWithField("n", "2")); err != nil {
		t.Fatalf("publish 2 should fit in the empty queue slot: %v", err)
	}

	// Third publish finds the worker busy and the queue full: reject policy
	// drops it, which Publish reports only via the Failed counter.
	before := b.Stats().Failed
	if _, err := b.Publish(context.Background(), "backpressured", payloadWithField("n", "3")); err != nil {
		t.Fatalf("Publish itself should not surface a per-subscriber overflow: %v", err)
	}
	if after := b.Stats().Failed; after != before+1 {
		t.Fatalf("expected Failed to increment by 1 on overflow, went from %d to %d", before, after)
	}
}

func TestBusStatsReportsCounters(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	done := make(chan struct{})
	_, err := b.Subscribe("stats.topic", func(context.Context, string, *container.Container, tracecontext.Context) HandlerResult {
		close(done)
		return HandlerResult{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), "stats.topic", payloadWithField("x", "1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	time.Sleep(10 * time.Millisecond)

	stats := b.Stats()
	if stats.Published == 0 {
		t.Fatalf("expected Published > 0, got %+v", stats)
	}
	if stats.Delivered == 0 {
		t.Fatalf("expected Delivered > 0, got %+v", stats)
	}
	if len(stats.QueueDepth) != 1 {
		t.Fatalf("expected one tracked subscription queue depth, got %+v", stats.QueueDepth)
	}
	if stats.WorkerUtilization != 1.0 {
		t.Fatalf("expected full utilization with a healthy subscription, got %v", stats.WorkerUtilization)
	}
}

func TestBusTracePropagationAcrossPublish(t *testing.T) {
	b, stop := newTestBus(t, testBusConfig())
	defer stop()

	var gotTrace tracecontext.Context
	done := make(chan struct{})
	_, err := b.Subscribe("traced", func(_ context.Context, _ string, _ *container.Container, tc tracecontext.Context) HandlerResult {
		gotTrace = tc
		close(done)
		return HandlerResult{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), "traced", payloadWithField("a", "1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	if !gotTrace.IsValid() {
		t.Fatalf("expected a valid trace context to be propagated, got %+v", gotTrace)
	}
}

func TestBusStopDrainsAndRejectsFurtherWork(t *testing.T) {
	cfg := testBusConfig()
	b := New(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	defer cancel()

	if _, err := b.Subscribe("x", func(context.Context, string, *container.Container, tracecontext.Context) HandlerResult {
		return HandlerResult{}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Stop()

	if _, err := b.Publish(context.Background(), "x", payloadWithField("a", "1")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
	if _, err := b.Subscribe("y", func(context.Context, string, *container.Container, tracecontext.Context) HandlerResult {
		return HandlerResult{}
	}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped on Subscribe after Stop, got %v", err)
	}
}
