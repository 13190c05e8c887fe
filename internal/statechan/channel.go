package statechan

import (
	"context"
	"sync"
)

// Channel pairs a state cell of type S with a Signal carrying M.
//
// Producers mutate the state through Update; the single consumer calls Wait
// and receives the latest message together with a copy of the state taken
// after that message was published. Messages published between two Waits are
// coalesced: only the last one is delivered.
//
// S is copied by value on every Wait, so it must not contain maps, slices or
// pointers that the consumer could use to reach the live state.
type Channel[S, M any] struct {
	mu    sync.Mutex
	state S
	sig   *Signal[M]
}

// New returns a Channel holding initial.
func New[S, M any](initial S) *Channel[S, M] {
	return &Channel[S, M]{
		state: initial,
		sig:   NewSignal[M](),
	}
}

// Update applies f to the state under the lock and signals the message it
// returns. f must not call back into the Channel.
func (c *Channel[S, M]) Update(f func(*S) M) {
	c.mu.Lock()
	m := f(&c.state)
	c.mu.Unlock()
	c.sig.Signal(m)
}

// Wait blocks until a message is pending or ctx is done.
func (c *Channel[S, M]) Wait(ctx context.Context) (M, S, error) {
	m, err := c.sig.Wait(ctx)
	if err != nil {
		var s S
		return m, s, err
	}
	return m, c.Snapshot(), nil
}

// Snapshot returns a copy of the current state without consuming a message.
func (c *Channel[S, M]) Snapshot() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports whether a message is waiting to be consumed.
func (c *Channel[S, M]) Pending() bool {
	return c.sig.Signaled()
}

// WaitFunc waits on c and applies f to the message and the state while the
// state lock is held.
func WaitFunc[S, M, T any](ctx context.Context, c *Channel[S, M], f func(M, S) T) (T, error) {
	m, err := c.sig.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return f(m, c.state), nil
}
