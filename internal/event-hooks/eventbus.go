// Copyright 2025 James Ross
package eventhooks

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kcenon/messaging-system-sub004/internal/breaker"
	"github.com/kcenon/messaging-system-sub004/internal/config"
)

// EventBus fans out job lifecycle and bus delivery events to webhook and
// NATS subscribers. It is additive instrumentation: a subscriber failing,
// or the bus itself being under load, never blocks or slows delivery on the
// messaging core. Every subscriber failure is isolated, logged and metered
// in place, and a tripped subscriber is simply skipped until it recovers.
type EventBus struct {
	config      EventBusConfig
	subscribers map[EventType][]*guardedSubscriber
	eventQueue  chan JobEvent
	retryQueue  chan *DeliveryAttempt
	dlhQueue    chan *DeadLetterHook

	metricsMu sync.RWMutex
	metrics   EventMetrics

	dlhMu  sync.RWMutex
	dlh    map[string][]*DeadLetterHook // subscriptionID -> entries, newest last
	dlhCap int

	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
}

// guardedSubscriber wraps an EventSubscriber with a circuit breaker so a
// misbehaving endpoint stops receiving traffic instead of accumulating
// goroutines blocked on a dead webhook or NATS server.
type guardedSubscriber struct {
	EventSubscriber
	cb *breaker.CircuitBreaker
}

func newGuardedSubscriber(sub EventSubscriber, cfg config.CircuitBreaker) *guardedSubscriber {
	return &guardedSubscriber{
		EventSubscriber: sub,
		cb:              breaker.New(cfg.Window, cfg.CooldownPeriod, cfg.FailureThreshold, cfg.MinSamples),
	}
}

func (g *guardedSubscriber) IsHealthy() bool {
	return g.cb.State() != breaker.Open && g.EventSubscriber.IsHealthy()
}

func (g *guardedSubscriber) ProcessEvent(event JobEvent) error {
	if !g.cb.Allow() {
		return ErrCircuitBreakerOpen
	}
	err := g.EventSubscriber.ProcessEvent(event)
	g.cb.Record(err == nil)
	return err
}

// NewEventBus creates a new event bus instance.
func NewEventBus(config EventBusConfig, logger *slog.Logger) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	return &EventBus{
		config:      config,
		subscribers: make(map[EventType][]*guardedSubscriber),
		eventQueue:  make(chan JobEvent, config.BufferSize),
		retryQueue:  make(chan *DeliveryAttempt, config.BufferSize/2+1),
		dlhQueue:    make(chan *DeadLetterHook, config.BufferSize/10+1),
		metrics:     EventMetrics{SubscriptionHealth: make(map[string]float64)},
		dlh:         make(map[string][]*DeadLetterHook),
		dlhCap:      200,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins event processing.
func (eb *EventBus) Start() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.isRunning {
		return fmt.Errorf("event bus is already running")
	}

	eb.logger.Info("starting event hooks bus",
		"worker_pool_size", eb.config.WorkerPoolSize,
		"buffer_size", eb.config.BufferSize)

	for i := 0; i < eb.config.WorkerPoolSize; i++ {
		eb.wg.Add(1)
		go eb.eventWorker(i)
	}

	eb.wg.Add(1)
	go eb.retryProcessor()

	eb.isRunning = true
	return nil
}

// Stop gracefully shuts down the event bus, draining in-flight deliveries.
func (eb *EventBus) Stop() error {
	eb.mu.Lock()
	if !eb.isRunning {
		eb.mu.Unlock()
		return fmt.Errorf("event bus is not running")
	}
	eb.isRunning = false
	eb.mu.Unlock()

	eb.logger.Info("stopping event hooks bus")
	eb.cancel()
	close(eb.eventQueue)
	eb.wg.Wait()
	eb.logger.Info("event hooks bus stopped")
	return nil
}

// Emit sends an event to all matching subscribers. It never blocks the
// caller beyond a full-queue check: a saturated buffer drops the event, logs
// a warning and returns an error, rather than letting a stalled webhook
// endpoint apply backpressure to job processing or bus delivery. Dropped
// events are not counted in EventMetrics.
func (eb *EventBus) Emit(event JobEvent) error {
	eb.mu.RLock()
	running := eb.isRunning
	eb.mu.RUnlock()
	if !running {
		return ErrEventBusShutdown
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Links = generateDeepLinks(event)

	select {
	case eb.eventQueue <- event:
		eb.metricsMu.Lock()
		eb.metrics.EventsEmitted++
		eb.metricsMu.Unlock()
		return nil
	default:
		eb.logger.Warn("event queue full, dropping event",
			"event_type", event.Event, "job_id", event.JobID)
		return fmt.Errorf("event queue full")
	}
}

// Subscribe adds a new subscriber to the event bus for every event type its
// filter names.
func (eb *EventBus) Subscribe(subscriber EventSubscriber, cb config.CircuitBreaker) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	guarded := newGuardedSubscriber(subscriber, cb)
	filter := subscriber.GetFilter()
	for _, eventType := range filter.Events {
		eb.subscribers[eventType] = append(eb.subscribers[eventType], guarded)
	}

	eb.logger.Info("event hooks subscriber added",
		"subscriber_id", subscriber.ID(), "subscriber_name", subscriber.Name(), "events", filter.Events)
	return nil
}

// Unsubscribe removes a subscriber from every event type it is registered
// under and closes its underlying transport.
func (eb *EventBus) Unsubscribe(subscriberID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	found := false
	for eventType, subs := range eb.subscribers {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.ID() == subscriberID {
				found = true
				if err := sub.Close(); err != nil {
					eb.logger.Warn("error closing subscriber", "subscriber_id", subscriberID, "error", err)
				}
				continue
			}
			kept = append(kept, sub)
		}
		eb.subscribers[eventType] = kept
	}
	if !found {
		return ErrSubscriptionNotFound
	}
	eb.logger.Info("event hooks subscriber removed", "subscriber_id", subscriberID)
	return nil
}

// GetMetrics returns a snapshot of current event bus metrics.
func (eb *EventBus) GetMetrics() EventMetrics {
	eb.metricsMu.RLock()
	defer eb.metricsMu.RUnlock()

	metrics := eb.metrics
	healthCopy := make(map[string]float64, len(eb.metrics.SubscriptionHealth))
	for k, v := range eb.metrics.SubscriptionHealth {
		healthCopy[k] = v
	}
	metrics.SubscriptionHealth = healthCopy

	eb.dlhMu.RLock()
	var dlhSize int64
	for _, entries := range eb.dlh {
		dlhSize += int64(len(entries))
	}
	eb.dlhMu.RUnlock()
	metrics.DLHSize = dlhSize

	return metrics
}

func (eb *EventBus) eventWorker(workerID int) {
	defer eb.wg.Done()
	eb.logger.Debug("event hooks worker started", "worker_id", workerID)
	for {
		select {
		case event, ok := <-eb.eventQueue:
			if !ok {
				return
			}
			eb.processEvent(event)
		case <-eb.ctx.Done():
			return
		}
	}
}

func (eb *EventBus) processEvent(event JobEvent) {
	eb.mu.RLock()
	subs := eb.subscribers[event.Event]
	eb.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		if !sub.IsHealthy() {
			continue
		}
		filter := sub.GetFilter()
		if !filter.Matches(event) {
			continue
		}

		go func(sub *guardedSubscriber, evt JobEvent) {
			if err := sub.ProcessEvent(evt); err != nil {
				eb.handleDeliveryFailure(sub, evt, err)
			} else {
				eb.handleDeliverySuccess(sub, evt)
			}
		}(sub, event)
	}
}

func (eb *EventBus) handleDeliveryFailure(sub *guardedSubscriber, event JobEvent, err error) {
	eb.logger.Warn("event hooks delivery failed",
		"subscriber_id", sub.ID(), "event_type", event.Event, "job_id", event.JobID, "error", err)

	eb.metricsMu.Lock()
	eb.metrics.WebhookFailures++
	eb.metricsMu.Unlock()

	webhookSub, ok := sub.EventSubscriber.(*WebhookSubscriber)
	if !ok {
		return
	}

	attempt := &DeliveryAttempt{
		ID:             uuid.New().String(),
		SubscriptionID: webhookSub.ID(),
		Event:          event,
		AttemptNumber:  1,
		ScheduledAt:    time.Now(),
		ErrorMessage:   err.Error(),
	}

	if IsRetryableError(err) && webhookSub.subscription.MaxRetries > 0 {
		select {
		case eb.retryQueue <- attempt:
		default:
			eb.sendToDLH(webhookSub.subscription, event, []*DeliveryAttempt{attempt}, err.Error())
		}
		return
	}
	eb.sendToDLH(webhookSub.subscription, event, []*DeliveryAttempt{attempt}, err.Error())
}

func (eb *EventBus) handleDeliverySuccess(sub *guardedSubscriber, event JobEvent) {
	eb.logger.Debug("event hooks delivery succeeded",
		"subscriber_id", sub.ID(), "event_type", event.Event, "job_id", event.JobID)
	eb.metricsMu.Lock()
	eb.metrics.WebhookDeliveries++
	eb.metricsMu.Unlock()
}

// retryProcessor drains the retry queue and, after the policy's backoff
// delay, re-attempts delivery or escalates to the dead letter store.
func (eb *EventBus) retryProcessor() {
	defer eb.wg.Done()
	policy := DefaultRetryPolicy()

	for {
		select {
		case attempt := <-eb.retryQueue:
			delay := calculateRetryDelay(policy, attempt.AttemptNumber)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
				eb.executeRetry(attempt)
			case <-eb.ctx.Done():
				timer.Stop()
				return
			}
		case <-eb.ctx.Done():
			return
		}
	}
}

func calculateRetryDelay(policy RetryPolicy, attempt int) time.Duration {
	var delay time.Duration
	switch policy.Strategy {
	case "exponential":
		delay = time.Duration(float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1)))
	case "linear":
		delay = time.Duration(float64(policy.InitialDelay) * float64(attempt))
	default:
		delay = policy.InitialDelay
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay/4) + 1))
	}
	return delay
}

func (eb *EventBus) executeRetry(attempt *DeliveryAttempt) {
	eb.mu.RLock()
	var webhookSub *WebhookSubscriber
	for _, subs := range eb.subscribers {
		for _, sub := range subs {
			if sub.ID() == attempt.SubscriptionID {
				if ws, ok := sub.EventSubscriber.(*WebhookSubscriber); ok {
					webhookSub = ws
				}
			}
		}
		if webhookSub != nil {
			break
		}
	}
	eb.mu.RUnlock()

	if webhookSub == nil {
		return
	}

	if err := webhookSub.ProcessEvent(attempt.Event); err != nil {
		if attempt.AttemptNumber < webhookSub.subscription.MaxRetries {
			attempt.AttemptNumber++
			attempt.ErrorMessage = err.Error()
			select {
			case eb.retryQueue <- attempt:
				eb.metricsMu.Lock()
				eb.metrics.RetryAttempts++
				eb.metricsMu.Unlock()
			default:
				eb.sendToDLH(webhookSub.subscription, attempt.Event, []*DeliveryAttempt{attempt}, err.Error())
			}
			return
		}
		eb.sendToDLH(webhookSub.subscription, attempt.Event, []*DeliveryAttempt{attempt}, err.Error())
		return
	}
	eb.metricsMu.Lock()
	eb.metrics.WebhookDeliveries++
	eb.metricsMu.Unlock()
}

func (eb *EventBus) sendToDLH(subscription *WebhookSubscription, event JobEvent, attempts []*DeliveryAttempt, finalError string) {
	dlh := &DeadLetterHook{
		ID:             uuid.New().String(),
		SubscriptionID: subscription.ID,
		Event:          event,
		FinalError:     finalError,
		CreatedAt:      time.Now(),
	}
	for _, attempt := range attempts {
		dlh.Attempts = append(dlh.Attempts, *attempt)
	}

	eb.dlhMu.Lock()
	entries := append(eb.dlh[subscription.ID], dlh)
	if len(entries) > eb.dlhCap {
		entries = entries[len(entries)-eb.dlhCap:]
	}
	eb.dlh[subscription.ID] = entries
	eb.dlhMu.Unlock()

	eb.logger.Info("sent to dead letter hooks",
		"dlh_id", dlh.ID, "subscription_id", subscription.ID, "event_type", event.Event, "job_id", event.JobID)
}

// GetDLHEntries returns the most recent dead letter hook entries for a
// subscription, newest first, bounded by limit.
func (eb *EventBus) GetDLHEntries(subscriptionID string, limit int) []*DeadLetterHook {
	eb.dlhMu.RLock()
	defer eb.dlhMu.RUnlock()

	entries := eb.dlh[subscriptionID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]*DeadLetterHook, limit)
	for i := 0; i < limit; i++ {
		out[i] = entries[len(entries)-1-i]
	}
	return out
}

func generateDeepLinks(event JobEvent) map[string]string {
	links := map[string]string{
		"job_details":     fmt.Sprintf("queue://jobs/%s", event.JobID),
		"queue_dashboard": fmt.Sprintf("queue://queues/%s", event.Queue),
	}
	if event.Event == EventJobFailed || event.Event == EventJobDLQ {
		links["retry_job"] = fmt.Sprintf("queue://jobs/%s/retry", event.JobID)
		links["dlq_browser"] = fmt.Sprintf("queue://dlq/%s", event.Queue)
	}
	return links
}
