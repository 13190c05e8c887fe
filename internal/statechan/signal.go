// Package statechan publishes shared state from many producers to a single
// consumer with last-write-wins coalescing.
package statechan

import (
	"context"
	"sync"
)

// Signal is a single-slot mailbox. Signal overwrites any payload that has not
// been taken yet, so a slow consumer only ever sees the latest one.
//
// Any number of goroutines may call Signal. Only one goroutine should wait.
type Signal[M any] struct {
	mu      sync.Mutex
	payload M
	pending bool
	ready   chan struct{} // holds one token while pending
}

// NewSignal returns an empty Signal.
func NewSignal[M any]() *Signal[M] {
	return &Signal[M]{ready: make(chan struct{}, 1)}
}

// Signal stores m, replacing any pending payload, and wakes the waiter.
func (s *Signal[M]) Signal(m M) {
	s.mu.Lock()
	s.payload = m
	s.pending = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Wait blocks until a payload is pending or ctx is done, and takes it.
func (s *Signal[M]) Wait(ctx context.Context) (M, error) {
	for {
		if m, ok := s.TryTake(); ok {
			return m, nil
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			var zero M
			return zero, ctx.Err()
		}
	}
}

// TryTake takes the pending payload without blocking.
func (s *Signal[M]) TryTake() (M, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero M
	if !s.pending {
		return zero, false
	}
	m := s.payload
	s.payload = zero
	s.pending = false
	return m, true
}

// Signaled reports whether a payload is pending.
func (s *Signal[M]) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Reset drops the pending payload, if any.
func (s *Signal[M]) Reset() {
	s.TryTake()
}
