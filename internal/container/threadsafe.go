// Copyright 2025 James Ross
package container

import "sync/atomic"

// SafeContainer wraps a Container with copy-on-write semantics (§4.2, §9
// design note "Thread-safe container via snapshots"): writers build a new
// immutable Container and publish it with a single atomic pointer swap;
// readers load the pointer and use the result freely without locking. No
// observer ever sees a partially applied SetValue.
type SafeContainer struct {
	p atomic.Pointer[Container]
}

// NewSafe wraps c (which the caller must not mutate afterwards) in a
// SafeContainer.
func NewSafe(c *Container) *SafeContainer {
	s := &SafeContainer{}
	s.p.Store(c)
	return s
}

// Snapshot returns an immutable deep copy safe to publish or read without
// further synchronization.
func (s *SafeContainer) Snapshot() *Container {
	return s.p.Load().Copy(true)
}

// Get returns the value for name (default index 0) as of the most recent
// write.
func (s *SafeContainer) Get(name string, index ...int) Value {
	return s.p.Load().GetValue(name, index...)
}

// Size returns the number of values currently held.
func (s *SafeContainer) Size() int {
	return s.p.Load().Size()
}

// Header returns the current header.
func (s *SafeContainer) Header() Header {
	return s.p.Load().Header()
}

// Set atomically replaces every value named `name` with v: it builds a new
// Container from the current snapshot plus the edit, then swaps the pointer.
// Concurrent readers in flight keep observing the prior, still-consistent
// Container.
func (s *SafeContainer) Set(name string, v Value) {
	for {
		old := s.p.Load()
		next := old.Copy(true)
		next.SetValue(name, v)
		if s.p.CompareAndSwap(old, next) {
			return
		}
	}
}

// Add atomically appends a value.
func (s *SafeContainer) Add(v Value) {
	for {
		old := s.p.Load()
		next := old.Copy(true)
		next.Add(v)
		if s.p.CompareAndSwap(old, next) {
			return
		}
	}
}

// Remove atomically deletes every value named `name`, returning the count
// removed.
func (s *SafeContainer) Remove(name string) int {
	for {
		old := s.p.Load()
		next := old.Copy(true)
		n := next.Remove(name)
		if s.p.CompareAndSwap(old, next) {
			return n
		}
	}
}

// SwapHeader atomically swaps source/target identity.
func (s *SafeContainer) SwapHeader() {
	for {
		old := s.p.Load()
		next := old.Copy(true)
		next.SwapHeader()
		if s.p.CompareAndSwap(old, next) {
			return
		}
	}
}
