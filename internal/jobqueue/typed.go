// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"sync"
	"time"
)

// Strategy selects how TypedQueue picks among non-empty priority lanes.
type Strategy int

const (
	// StrategyStrict always serves the highest-priority non-empty lane;
	// a steady stream of realtime jobs can starve background jobs entirely.
	StrategyStrict Strategy = iota
	// StrategyFairWeighted runs a weighted round robin across non-empty
	// lanes (grounded on the token-bucket-per-priority fairness model) with
	// a starvation guard: a lane whose oldest job has waited past MaxWait
	// is served immediately regardless of its deficit.
	StrategyFairWeighted
)

// DefaultWeights mirrors the priority ordering: higher types get more of
// the fair share without starving lower ones outright.
func DefaultWeights() map[Type]float64 {
	return map[Type]float64{
		TypeRealtime:   8.0,
		TypeHigh:       4.0,
		TypeNormal:     2.0,
		TypeLow:        1.0,
		TypeBackground: 0.5,
	}
}

type typedLane struct {
	typ            Type
	weight         float64
	deficit        float64
	items          []Job
	oldestEnqueued time.Time
}

// TypedQueue fans work out into one lane per Type and serves them according
// to a Strategy (§4.3 "typed queue").
type TypedQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	lanes    []*typedLane // ordered highest to lowest priority
	byType   map[Type]*typedLane
	strategy Strategy
	maxWait  time.Duration
	cursor   int
	stopped  bool
}

// NewTypedQueue builds a TypedQueue. weights is only consulted in
// StrategyFairWeighted; nil uses DefaultWeights. maxWait of zero disables
// the starvation guard.
func NewTypedQueue(strategy Strategy, weights map[Type]float64, maxWait time.Duration) *TypedQueue {
	if weights == nil {
		weights = DefaultWeights()
	}
	tq := &TypedQueue{
		byType:   make(map[Type]*typedLane, len(Types())),
		strategy: strategy,
		maxWait:  maxWait,
	}
	tq.notEmpty = sync.NewCond(&tq.mu)
	for _, t := range Types() {
		w := weights[t]
		if w <= 0 {
			w = 1.0
		}
		l := &typedLane{typ: t, weight: w}
		tq.lanes = append(tq.lanes, l)
		tq.byType[t] = l
	}
	return tq
}

func (q *TypedQueue) Enqueue(ctx context.Context, j Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	l := q.byType[j.Type]
	if l == nil {
		l = q.byType[TypeNormal]
	}
	if len(l.items) == 0 {
		l.oldestEnqueued = time.Now()
	}
	l.items = append(l.items, j)
	q.notEmpty.Signal()
	return nil
}

func (q *TypedQueue) Dequeue(ctx context.Context) (Job, bool) {
	return q.dequeue(ctx, nil)
}

// DequeueTypes serves the next job from allowed lanes only, applying the
// same strategy (strict priority or fair-weighted) restricted to that
// subset — the filtered counterpart of §3.5's dequeue(allowed_types). A
// worker pinned to a single type passes a one-element allowed set; the
// floating worker passes none and falls back to the unfiltered behavior.
func (q *TypedQueue) DequeueTypes(ctx context.Context, allowed ...Type) (Job, bool) {
	if len(allowed) == 0 {
		return q.dequeue(ctx, nil)
	}
	set := make(map[Type]bool, len(allowed))
	for _, t := range allowed {
		set[t] = true
	}
	return q.dequeue(ctx, set)
}

func (q *TypedQueue) dequeue(ctx context.Context, allowed map[Type]bool) (Job, bool) {
	if ctx != nil && ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.notEmpty.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if l := q.pickLocked(allowed); l != nil {
			return q.popLocked(l), true
		}
		if q.stopped {
			return Job{}, false
		}
		if ctx != nil && ctx.Err() != nil {
			return Job{}, false
		}
		q.notEmpty.Wait()
	}
}

// pickLocked returns the lane to serve next, restricted to allowed when
// non-nil, or nil if every eligible lane is empty. Caller must hold q.mu.
func (q *TypedQueue) pickLocked(allowed map[Type]bool) *typedLane {
	if q.maxWait > 0 {
		now := time.Now()
		for _, l := range q.lanes {
			if allowed != nil && !allowed[l.typ] {
				continue
			}
			if len(l.items) > 0 && now.Sub(l.oldestEnqueued) > q.maxWait {
				return l
			}
		}
	}
	switch q.strategy {
	case StrategyStrict:
		for _, l := range q.lanes {
			if allowed != nil && !allowed[l.typ] {
				continue
			}
			if len(l.items) > 0 {
				return l
			}
		}
		return nil
	default:
		return q.pickFairLocked(allowed)
	}
}

// pickFairLocked implements deficit-weighted round robin: each call walks
// the lanes starting at the cursor, crediting every non-empty eligible lane
// its weight, and serves the first lane whose accumulated deficit reaches
// 1.0. allowed restricts eligibility when non-nil.
func (q *TypedQueue) pickFairLocked(allowed map[Type]bool) *typedLane {
	n := len(q.lanes)
	if n == 0 {
		return nil
	}
	eligible := func(l *typedLane) bool {
		return len(l.items) > 0 && (allowed == nil || allowed[l.typ])
	}
	anyNonEmpty := false
	for _, l := range q.lanes {
		if eligible(l) {
			anyNonEmpty = true
			break
		}
	}
	if !anyNonEmpty {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		l := q.lanes[idx]
		if !eligible(l) {
			continue
		}
		l.deficit += l.weight
		if l.deficit >= 1.0 {
			l.deficit -= 1.0
			q.cursor = (idx + 1) % n
			return l
		}
	}
	// no lane crossed threshold this pass (can happen with small weights
	// relative to lane count); serve the first eligible lane outright so
	// progress is always made.
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		l := q.lanes[idx]
		if eligible(l) {
			q.cursor = (idx + 1) % n
			return l
		}
	}
	return nil
}

// popLocked removes and returns the lane's head job. oldestEnqueued is left
// as-is when items remain (it understates freshness of the new head, which
// only makes the starvation guard fire earlier, never later). Enqueue resets
// it when a job arrives at an empty lane, so the next arrival starts its own
// clock.
func (q *TypedQueue) popLocked(l *typedLane) Job {
	j := l.items[0]
	l.items = l.items[1:]
	return j
}

func (q *TypedQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, l := range q.lanes {
		total += len(l.items)
	}
	return total
}

// SizeByType returns the current depth of a single priority lane.
func (q *TypedQueue) SizeByType(t Type) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l := q.byType[t]; l != nil {
		return len(l.items)
	}
	return 0
}

func (q *TypedQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.notEmpty.Broadcast()
}
