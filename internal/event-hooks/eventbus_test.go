// Copyright 2025 James Ross
package eventhooks

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCircuitBreaker() config.CircuitBreaker {
	return config.CircuitBreaker{
		FailureThreshold: 0.5,
		Window:           time.Second,
		CooldownPeriod:   10 * time.Millisecond,
		MinSamples:       1000,
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestEventBusDeliversToMatchingWebhook(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultEventBusConfig()
	bus := NewEventBus(cfg, testLogger())
	if err := bus.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bus.Stop()

	sub := &WebhookSubscription{
		ID:         "wh1",
		Name:       "test",
		URL:        server.URL,
		Events:     []EventType{EventJobSucceeded},
		Queues:     []string{"*"},
		MaxRetries: 0,
		Timeout:    time.Second,
	}
	wd := NewWebhookDeliverer(testLogger())
	subscriber := wd.AddSubscription(sub)
	if err := bus.Subscribe(subscriber, testCircuitBreaker()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Emit(JobEvent{Event: EventJobSucceeded, JobID: "j1", Queue: "default"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt32(&hits) == 1 })
}

func TestEventBusSkipsNonMatchingEventType(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultEventBusConfig()
	bus := NewEventBus(cfg, testLogger())
	if err := bus.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bus.Stop()

	sub := &WebhookSubscription{
		ID:     "wh1",
		Name:   "test",
		URL:    server.URL,
		Events: []EventType{EventJobFailed},
		Queues: []string{"*"},
		Timeout: time.Second,
	}
	wd := NewWebhookDeliverer(testLogger())
	subscriber := wd.AddSubscription(sub)
	if err := bus.Subscribe(subscriber, testCircuitBreaker()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Emit(JobEvent{Event: EventJobSucceeded, JobID: "j1", Queue: "default"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no delivery for a non-subscribed event type")
	}
}

func TestEventBusSendsFailedDeliveryToDeadLetterHooks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := DefaultEventBusConfig()
	bus := NewEventBus(cfg, testLogger())
	if err := bus.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bus.Stop()

	sub := &WebhookSubscription{
		ID:         "wh1",
		Name:       "test",
		URL:        server.URL,
		Events:     []EventType{EventJobFailed},
		Queues:     []string{"*"},
		MaxRetries: 0,
		Timeout:    time.Second,
	}
	wd := NewWebhookDeliverer(testLogger())
	subscriber := wd.AddSubscription(sub)
	if err := bus.Subscribe(subscriber, testCircuitBreaker()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Emit(JobEvent{Event: EventJobFailed, JobID: "j1", Queue: "default"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(bus.GetDLHEntries("wh1", 10)) == 1
	})
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultEventBusConfig()
	bus := NewEventBus(cfg, testLogger())
	if err := bus.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bus.Stop()

	sub := &WebhookSubscription{
		ID:      "wh1",
		Name:    "test",
		URL:     server.URL,
		Events:  []EventType{EventJobSucceeded},
		Queues:  []string{"*"},
		Timeout: time.Second,
	}
	wd := NewWebhookDeliverer(testLogger())
	subscriber := wd.AddSubscription(sub)
	if err := bus.Subscribe(subscriber, testCircuitBreaker()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe("wh1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Unsubscribe("wh1"); err != ErrSubscriptionNotFound {
		t.Fatalf("expected ErrSubscriptionNotFound on double unsubscribe, got %v", err)
	}

	if err := bus.Emit(JobEvent{Event: EventJobSucceeded, JobID: "j1", Queue: "default"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no delivery after unsubscribe")
	}
}
