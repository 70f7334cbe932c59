// Copyright 2025 James Ross
package eventhooks

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kcenon/messaging-system-sub004/internal/config"
)

// Manager owns the event bus and the webhook/NATS deliverers it feeds,
// wiring them from static configuration. Unlike the messaging core, it
// keeps no durable subscription store: a restart simply re-reads config.
type Manager struct {
	cfg    config.EventHooksConfig
	bus    *EventBus
	wd     *WebhookDeliverer
	nd     *NATSDeliverer
	logger *slog.Logger
	cb     config.CircuitBreaker
}

// NewManager builds a Manager from static event-hooks configuration. Any
// WebhookURLs/NATSURL present are registered as subscriptions listening to
// every event type; natsURL being empty disables the NATS deliverer
// entirely rather than attempting (and forever failing) a connection.
func NewManager(cfg config.EventHooksConfig, logger *slog.Logger) (*Manager, error) {
	busCfg := DefaultEventBusConfig()
	bus := NewEventBus(busCfg, logger)
	wd := NewWebhookDeliverer(logger)
	nd := NewNATSDeliverer(cfg.NATSURL, logger)

	cb := config.CircuitBreaker{
		FailureThreshold: 0.5,
		Window:           time.Minute,
		CooldownPeriod:   30 * time.Second,
		MinSamples:       5,
	}

	m := &Manager{cfg: cfg, bus: bus, wd: wd, nd: nd, logger: logger, cb: cb}

	allEvents := []EventType{
		EventJobEnqueued, EventJobStarted, EventJobSucceeded,
		EventJobFailed, EventJobDLQ, EventJobRetried,
	}

	for _, url := range cfg.WebhookURLs {
		sub := &WebhookSubscription{
			ID:             uuid.NewString(),
			Name:           url,
			URL:            url,
			Events:         allEvents,
			Queues:         []string{"*"},
			MaxRetries:     cfg.RetryMax,
			Timeout:        10 * time.Second,
			IncludePayload: true,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		subscriber := wd.AddSubscription(sub)
		if err := bus.Subscribe(subscriber, cb); err != nil {
			return nil, fmt.Errorf("registering webhook subscription %s: %w", url, err)
		}
	}

	if cfg.NATSURL != "" {
		sub := &NATSSubscription{
			ID:        uuid.NewString(),
			Name:      "default",
			Subject:   cfg.NATSSubject,
			Events:    allEvents,
			Queues:    []string{"*"},
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		publisher, err := nd.AddSubscription(sub)
		if err != nil {
			return nil, fmt.Errorf("registering NATS subscription: %w", err)
		}
		if err := bus.Subscribe(publisher, cb); err != nil {
			return nil, fmt.Errorf("registering NATS subscriber: %w", err)
		}
	}

	return m, nil
}

// Start begins event bus processing. A Manager built with no webhook or
// NATS targets still starts cleanly; it just has nothing to fan out to.
func (m *Manager) Start() error {
	if !m.cfg.Enabled {
		m.logger.Info("event hooks disabled, manager idle")
		return nil
	}
	return m.bus.Start()
}

// Stop shuts down the event bus and closes the NATS deliverer's connections.
// The webhook deliverer is not closed.
func (m *Manager) Stop() error {
	if !m.cfg.Enabled {
		return nil
	}
	err := m.bus.Stop()
	if closeErr := m.nd.Close(); closeErr != nil {
		m.logger.Warn("error closing NATS deliverer", "error", closeErr)
	}
	return err
}

// EmitJobEvent emits a raw JobEvent. Failures are logged and swallowed:
// event-hooks delivery never participates in the caller's error path.
func (m *Manager) EmitJobEvent(event JobEvent) {
	if !m.cfg.Enabled {
		return
	}
	if err := m.bus.Emit(event); err != nil {
		m.logger.Warn("failed to emit job event", "event_type", event.Event, "job_id", event.JobID, "error", err)
	}
}

func (m *Manager) emit(eventType EventType, jobID, queue string, priority, attempt int, opts func(*JobEvent)) {
	evt := JobEvent{
		Event:    eventType,
		JobID:    jobID,
		Queue:    queue,
		Priority: priority,
		Attempt:  attempt,
	}
	if opts != nil {
		opts(&evt)
	}
	m.EmitJobEvent(evt)
}

// EmitJobEnqueued reports that a job was accepted onto a queue lane.
func (m *Manager) EmitJobEnqueued(jobID, queue string, priority int) {
	m.emit(EventJobEnqueued, jobID, queue, priority, 0, nil)
}

// EmitJobStarted reports that a worker began executing a job.
func (m *Manager) EmitJobStarted(jobID, queue string, priority, attempt int, worker string) {
	m.emit(EventJobStarted, jobID, queue, priority, attempt, func(e *JobEvent) {
		e.Worker = worker
	})
}

// EmitJobSucceeded reports successful completion of a job.
func (m *Manager) EmitJobSucceeded(jobID, queue string, priority, attempt int, worker string, duration time.Duration) {
	m.emit(EventJobSucceeded, jobID, queue, priority, attempt, func(e *JobEvent) {
		e.Worker = worker
		e.Duration = &duration
	})
}

// EmitJobFailed reports a failed job attempt that may still be retried.
func (m *Manager) EmitJobFailed(jobID, queue string, priority, attempt int, worker, reason string) {
	m.emit(EventJobFailed, jobID, queue, priority, attempt, func(e *JobEvent) {
		e.Worker = worker
		e.Error = reason
	})
}

// EmitJobDLQ reports that a job exhausted its retries and moved to the
// dead-letter queue.
func (m *Manager) EmitJobDLQ(jobID, queue string, priority, attempt int, reason string) {
	m.emit(EventJobDLQ, jobID, queue, priority, attempt, func(e *JobEvent) {
		e.Error = reason
	})
}

// EmitJobRetried reports that a job was requeued for another attempt.
func (m *Manager) EmitJobRetried(jobID, queue string, priority, attempt int, scheduledAt time.Time) {
	m.emit(EventJobRetried, jobID, queue, priority, attempt, func(e *JobEvent) {
		e.ScheduledAt = &scheduledAt
	})
}

// GetMetrics returns current delivery metrics.
func (m *Manager) GetMetrics() EventMetrics {
	return m.bus.GetMetrics()
}

// GetDeadLetterHooks returns the most recent failed deliveries recorded for
// a webhook subscription.
func (m *Manager) GetDeadLetterHooks(subscriptionID string, limit int) []*DeadLetterHook {
	return m.bus.GetDLHEntries(subscriptionID, limit)
}

// GetSubscriptionHealthStatuses reports health for every webhook subscriber.
func (m *Manager) GetSubscriptionHealthStatuses() []SubscriptionHealthStatus {
	return m.wd.GetHealthStatuses()
}

// IsEnabled reports whether event hooks are configured to run.
func (m *Manager) IsEnabled() bool {
	return m.cfg.Enabled
}
