// Copyright 2025 James Ross
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kcenon/messaging-system-sub004/internal/breaker"
	"github.com/kcenon/messaging-system-sub004/internal/config"
	"github.com/kcenon/messaging-system-sub004/internal/container"
	"github.com/kcenon/messaging-system-sub004/internal/jobqueue"
	"github.com/kcenon/messaging-system-sub004/internal/obs"
	"github.com/kcenon/messaging-system-sub004/internal/tracecontext"
	"go.uber.org/zap"
)

// replyTopicPrefix is the reserved topic namespace a request's implicit
// reply subscription listens on (§4.5 "__reply/<correlation_id>").
const replyTopicPrefix = "__reply/"

// correlationField is the reserved container field a Request embeds so a
// handler can address its reply without the bus doing anything special.
const correlationField = "__correlation_id"

// PublishReceipt is returned immediately by Publish (§4.5 step 4).
type PublishReceipt struct {
	MessageID         string
	ExpectedDeliveries int
}

// Stats is the snapshot returned by Bus.Stats (§6).
type Stats struct {
	Published        uint64
	Delivered        uint64
	Failed           uint64
	PendingRequests  int
	QueueDepth       map[string]int
	WorkerUtilization float64
}

type pendingRequest struct {
	ch    chan *container.Container
	subID uint64
}

// Bus is the publish/subscribe core: a topic router fans a published
// container out to every matching subscription's own queue+worker,
// request/response rides on an ephemeral reply-topic subscription, and
// delivery is at-most-once with no persistence (§4.5).
type Bus struct {
	cfg config.BusConfig
	log *zap.Logger

	router *Router

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  atomic.Uint64
	running sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	stopped atomic.Bool
}

// New builds a Bus from cfg; call Start before Publish/Subscribe.
func New(cfg config.BusConfig, log *zap.Logger) *Bus {
	return &Bus{
		cfg:     cfg,
		log:     log,
		router:  NewRouter(),
		subs:    make(map[uint64]*Subscription),
		pending: make(map[string]*pendingRequest),
	}
}

// Start binds the bus's lifecycle context; call it once before Subscribe.
// The bus is otherwise ready to use as soon as New returns.
func (b *Bus) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
}

// Stop stops accepting new publishes, stops every subscription's worker,
// and fires no further deliveries — the in-process analogue of §4.5's
// "drains the pool, then fires on_bus_stopped hooks" (hooks are carried by
// internal/event-hooks, wired at the application layer).
func (b *Bus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	for _, s := range b.subs {
		s.stop()
	}
	b.mu.Unlock()
	b.running.Wait()

	b.pendingMu.Lock()
	for id, p := range b.pending {
		close(p.ch)
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()
}

func newQueue(cfg config.QueueConfig) jobqueue.Queue {
	switch cfg.Strategy {
	case "lock_free":
		return jobqueue.NewLockFreeQueue(cfg.Capacity)
	case "typed":
		strategy := jobqueue.StrategyStrict
		if cfg.TypedStrategy == "fair_weighted" {
			strategy = jobqueue.StrategyFairWeighted
		}
		weights := jobqueue.DefaultWeights()
		for name, w := range cfg.TypedWeights {
			if t, ok := typeFromName(name); ok {
				weights[t] = w
			}
		}
		return jobqueue.NewTypedQueue(strategy, weights, cfg.MaxWait)
	case "adaptive":
		ac := jobqueue.DefaultAdaptiveConfig()
		ac.Capacity = cfg.Capacity
		if cfg.AdaptiveWindow > 0 {
			ac.Window = cfg.AdaptiveWindow
		}
		if cfg.AdaptiveCooldown > 0 {
			ac.Cooldown = cfg.AdaptiveCooldown
		}
		if cfg.PromoteRate > 0 {
			ac.PromoteRate = cfg.PromoteRate
		}
		if cfg.DemoteRate > 0 {
			ac.DemoteRate = cfg.DemoteRate
		}
		if cfg.ContentionLatency > 0 {
			ac.ContentionLatency = cfg.ContentionLatency
		}
		return jobqueue.NewAdaptiveQueue(ac)
	default: // "mutex"
		return jobqueue.NewMutexQueue(cfg.Capacity)
	}
}

func typeFromName(name string) (jobqueue.Type, bool) {
	for _, t := range jobqueue.Types() {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}

// Subscribe registers handler for every topic matching pattern, returning
// a subscription id. O(K) amortized against the router (§4.5).
func (b *Bus) Subscribe(pattern string, handler HandlerFunc) (uint64, error) {
	if b.stopped.Load() {
		return 0, ErrStopped
	}
	id := b.nextID.Add(1)
	qcfg := b.cfg.Queue
	if qcfg.Capacity <= 0 {
		qcfg.Capacity = b.cfg.SubscriberQueueSize
	}
	q := newQueue(qcfg)
	sub := newSubscription(id, pattern, handler, q, config.CircuitBreaker{
		FailureThreshold: 0.5,
		Window:           30 * time.Second,
		CooldownPeriod:   5 * time.Second,
		MinSamples:       10,
	}, b.cfg.BackpressurePolicy, b.log)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	b.router.Insert(pattern, sub)

	runCtx := b.ctx
	if runCtx == nil {
		runCtx = context.Background()
	}
	b.running.Add(1)
	go func() {
		defer b.running.Done()
		sub.run(runCtx)
	}()
	obs.BusSubscribers.WithLabelValues(pattern).Inc()
	return id, nil
}

// Unsubscribe removes the subscription with the given id.
func (b *Bus) Unsubscribe(id uint64) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	b.router.Remove(sub.pattern, id)
	sub.stop()
	obs.BusSubscribers.WithLabelValues(sub.pattern).Dec()
	return nil
}

// Publish delivers payload to every subscription matching topic and
// returns immediately with a receipt (§4.5 publish steps 1-4).
func (b *Bus) Publish(ctx context.Context, topic string, payload *container.Container) (*PublishReceipt, error) {
	if b.stopped.Load() {
		return nil, ErrStopped
	}
	if b.cfg.MaxContainerSize > 0 {
		if blob, err := payload.Serialize(); err == nil && len(blob) > b.cfg.MaxContainerSize {
			return nil, ErrPayloadTooLarge
		}
	}

	tc, ok := tracecontext.Extract(payload)
	if !ok {
		tc = tracecontext.NewRoot(true)
	}
	child := tc.NewChild()

	msg := payload.Copy(true)
	tracecontext.Inject(child, msg)

	subs := b.router.Match(topic)
	b.published.Add(1)
	obs.BusMessagesPublished.WithLabelValues(topic).Inc()

	for _, sub := range subs {
		sub := sub
		// Execute runs asynchronously, on the subscription's own worker
		// goroutine, under that goroutine's run(ctx) — which is the bus's
		// lifecycle context, not this call's ctx. Binding it to the
		// caller's (often short-lived, deferred-cancel) ctx would let a
		// request-scoped cancel kill deliveries queued well after Publish
		// returns.
		job := jobqueue.New(uuid.NewString(), topic, jobqueue.TypeNormal, func(jobCtx context.Context) jobqueue.Result {
			result := sub.handler(jobCtx, topic, msg, child)
			if result.Err != nil {
				obs.RecordError(jobCtx, result.Err)
				return jobqueue.Result{Success: false, Reason: result.Err.Error()}
			}
			b.delivered.Add(1)
			obs.BusMessagesDelivered.WithLabelValues(topic).Inc()
			if result.Response != nil {
				if corr, err := msg.GetValue(correlationField).ToString(); err == nil && corr != "" {
					_ = b.Reply(jobCtx, corr, result.Response)
				}
			}
			return jobqueue.Result{Success: true}
		})
		// enqueue is the synchronous part of Publish (it may block or drop
		// under backpressure) and is rightly bound by the caller's ctx.
		if err := sub.enqueue(ctx, job); err != nil {
			b.failed.Add(1)
			if err != ErrOverflow {
				b.log.Warn("publish enqueue failed", obs.String("topic", topic), obs.Err(err))
			}
		}
	}

	return &PublishReceipt{MessageID: uuid.NewString(), ExpectedDeliveries: len(subs)}, nil
}

// Request publishes payload and waits for a reply published to its
// implicit correlation topic, or for timeout/cancellation (§4.5).
func (b *Bus) Request(ctx context.Context, topic string, payload *container.Container, timeout time.Duration) (*container.Container, error) {
	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}
	corrID := uuid.NewString()
	req := payload.Copy(true)
	req.SetValue(correlationField, container.NewString(correlationField, corrID))

	replyCh := make(chan *container.Container, 1)
	pr := &pendingRequest{ch: replyCh}

	replyPattern := replyTopicPrefix + corrID
	subID, err := b.Subscribe(replyPattern, func(_ context.Context, _ string, reply *container.Container, _ tracecontext.Context) HandlerResult {
		select {
		case replyCh <- reply:
		default:
		}
		return HandlerResult{}
	})
	if err != nil {
		return nil, err
	}
	pr.subID = subID
	defer b.finishPending(corrID)

	b.pendingMu.Lock()
	b.pending[corrID] = pr
	b.pendingMu.Unlock()

	receipt, err := b.Publish(ctx, topic, req)
	if err != nil {
		return nil, err
	}
	if receipt.ExpectedDeliveries == 0 {
		return nil, ErrNoSubscriber
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrCancelled
		}
		return reply, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

func (b *Bus) finishPending(corrID string) {
	b.pendingMu.Lock()
	pr, ok := b.pending[corrID]
	if ok {
		delete(b.pending, corrID)
	}
	b.pendingMu.Unlock()
	if ok {
		_ = b.Unsubscribe(pr.subID)
	}
}

// Reply fulfills a pending request directly when the correlation id is
// still tracked (bypassing routing, per §4.5), falling back to publishing
// on the reply topic so callers that only know the topic convention still
// work.
func (b *Bus) Reply(ctx context.Context, requestID string, payload *container.Container) error {
	b.pendingMu.Lock()
	pr, ok := b.pending[requestID]
	b.pendingMu.Unlock()
	if ok {
		select {
		case pr.ch <- payload:
		default:
		}
		return nil
	}
	_, err := b.Publish(ctx, replyTopicPrefix+requestID, payload)
	return err
}

// Stats returns a snapshot of bus-wide counters and per-subscription
// queue depth (§6 bus.stats()).
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	depth := make(map[string]int, len(b.subs))
	busy := 0
	for _, s := range b.subs {
		depth[fmt.Sprintf("%s#%d", s.pattern, s.id)] = s.queue.Size()
		if s.cb.State() != breaker.Open {
			busy++
		}
	}
	total := len(b.subs)
	b.mu.Unlock()

	b.pendingMu.Lock()
	pending := len(b.pending)
	b.pendingMu.Unlock()

	var utilization float64
	if total > 0 {
		utilization = float64(busy) / float64(total)
	}

	return Stats{
		Published:         b.published.Load(),
		Delivered:          b.delivered.Load(),
		Failed:             b.failed.Load(),
		PendingRequests:    pending,
		QueueDepth:         depth,
		WorkerUtilization:  utilization,
	}
}
