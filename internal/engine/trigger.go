package engine

import (
	"context"
	"sync"
)

// Trigger wakes one consumer. Any number of signals sent while the
// consumer is busy collapse into a single pending wakeup, so a burst of
// new ops costs one extra pass, not one pass per op.
//
// Signal and Close may be called from any goroutine. Listen must only be
// called by the owning consumer.
type Trigger struct {
	name   string
	mu     sync.Mutex
	closed bool
	signal chan struct{} // buffered, size 1
}

// NewTrigger creates an open trigger with no pending signal.
func NewTrigger(name string) *Trigger {
	return &Trigger{name: name, signal: make(chan struct{}, 1)}
}

// Name identifies the trigger in logs.
func (t *Trigger) Name() string {
	return t.name
}

// Signal requests a pass. Never blocks. A signal on a closed trigger is
// dropped.
func (t *Trigger) Signal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Pending reports whether a signal is waiting to be consumed.
func (t *Trigger) Pending() bool {
	return len(t.signal) > 0
}

// Listen blocks until the trigger is signalled, closed or ctx is done.
// A signal sent before Close is still delivered; after that Listen
// returns ErrTriggerClosed.
func (t *Trigger) Listen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-t.signal:
		if !ok {
			return ErrTriggerClosed
		}
		return nil
	}
}

// Close shuts the trigger down and wakes its listener.
func (t *Trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.signal)
}
