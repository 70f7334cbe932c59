// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"runtime"
	"sync/atomic"
)

// LockFreeQueue is a bounded MPMC ring buffer using per-slot sequence
// counters (Vyukov's algorithm): every producer and consumer races only on
// a single atomic increment per operation, never on a shared mutex. It is
// the high-contention strategy (§4.3 "lock-free mode") AdaptiveQueue
// switches to once mutex-mode wait times climb.
//
// Capacity is rounded up to the next power of two so slot selection is a
// mask instead of a modulo.
type LockFreeQueue struct {
	mask    uint64
	buf     []lfCell
	enqPos  atomic.Uint64
	deqPos  atomic.Uint64
	stopped atomic.Bool
}

type lfCell struct {
	seq atomic.Uint64
	job Job
}

// NewLockFreeQueue returns a LockFreeQueue with capacity rounded up to the
// next power of two (minimum 2).
func NewLockFreeQueue(capacity int) *LockFreeQueue {
	n := nextPow2(capacity)
	q := &LockFreeQueue{
		mask: uint64(n - 1),
		buf:  make([]lfCell, n),
	}
	for i := range q.buf {
		q.buf[i].seq.Store(uint64(i))
	}
	return q
}

func nextPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// TryEnqueue attempts a non-blocking push. It returns ErrFull if the ring is
// momentarily full and ErrStopped once Stop has been called.
func (q *LockFreeQueue) TryEnqueue(j Job) error {
	if q.stopped.Load() {
		return ErrStopped
	}
	pos := q.enqPos.Load()
	for {
		cell := &q.buf[pos&q.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if q.enqPos.CompareAndSwap(pos, pos+1) {
				cell.job = j
				cell.seq.Store(pos + 1)
				return nil
			}
			pos = q.enqPos.Load()
		case diff < 0:
			return ErrFull
		default:
			pos = q.enqPos.Load()
		}
	}
}

// TryDequeue attempts a non-blocking pop. ok is false if the ring is
// momentarily empty or stopped-and-drained.
func (q *LockFreeQueue) TryDequeue() (Job, bool) {
	pos := q.deqPos.Load()
	for {
		cell := &q.buf[pos&q.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if q.deqPos.CompareAndSwap(pos, pos+1) {
				j := cell.job
				cell.job = Job{}
				cell.seq.Store(pos + q.mask + 1)
				return j, true
			}
			pos = q.deqPos.Load()
		case diff < 0:
			return Job{}, false
		default:
			pos = q.deqPos.Load()
		}
	}
}

// Enqueue blocks, spinning with a bounded backoff, until the push succeeds,
// ctx is done, or the queue is stopped.
func (q *LockFreeQueue) Enqueue(ctx context.Context, j Job) error {
	spins := 0
	for {
		err := q.TryEnqueue(j)
		switch err {
		case nil:
			return nil
		case ErrStopped:
			return ErrStopped
		}
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		spins = backoff(spins)
	}
}

// Dequeue blocks, spinning with a bounded backoff, until a job is available,
// ctx is done, or the queue is stopped with nothing left to drain.
func (q *LockFreeQueue) Dequeue(ctx context.Context) (Job, bool) {
	spins := 0
	for {
		if j, ok := q.TryDequeue(); ok {
			return j, true
		}
		if q.stopped.Load() {
			if j, ok := q.TryDequeue(); ok {
				return j, true
			}
			return Job{}, false
		}
		if ctx != nil && ctx.Err() != nil {
			return Job{}, false
		}
		spins = backoff(spins)
	}
}

func backoff(spins int) int {
	switch {
	case spins < 32:
		// pure spin
	case spins < 64:
		runtime.Gosched()
	default:
		runtime.Gosched()
		return 64
	}
	return spins + 1
}

// Size is an approximation: under concurrent use it may be stale the instant
// it is read.
func (q *LockFreeQueue) Size() int {
	e := q.enqPos.Load()
	d := q.deqPos.Load()
	if e < d {
		return 0
	}
	return int(e - d)
}

// Stop marks the queue stopped; Enqueue thereafter fails with ErrStopped and
// Dequeue returns false once the ring is drained.
func (q *LockFreeQueue) Stop() {
	q.stopped.Store(true)
}
