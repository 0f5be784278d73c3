package singleton

import (
	"context"
	"sync"
	"time"
)

// ActiveState is the process-wide "am I allowed to do work" flag. It is
// written only by the LockController (and the safety-net monitor) and read
// by the intake workers. Waiters are released on every change by closing
// and replacing a broadcast channel.
type ActiveState struct {
	mu      sync.Mutex
	active  bool
	reason  string
	changed chan struct{}
}

func NewActiveState() *ActiveState {
	return &ActiveState{
		reason:  "startup",
		changed: make(chan struct{}),
	}
}

// Set updates the flag. Idempotent when the value is unchanged; otherwise
// all current waiters are released.
func (a *ActiveState) Set(active bool, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == active {
		return
	}
	a.active = active
	a.reason = reason
	close(a.changed)
	a.changed = make(chan struct{})
}

// Get returns the current value.
func (a *ActiveState) Get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Reason returns why the flag last changed.
func (a *ActiveState) Reason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// WaitActive blocks until the flag is true, the timeout elapses, or ctx is
// cancelled, and returns the value observed at that point. Any number of
// goroutines may wait concurrently.
func (a *ActiveState) WaitActive(ctx context.Context, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		a.mu.Lock()
		if a.active {
			a.mu.Unlock()
			return true
		}
		ch := a.changed
		a.mu.Unlock()

		select {
		case <-ch:
			// Re-check: the change may have been true→false→... by the
			// time this waiter wakes.
		case <-deadline:
			return a.Get()
		case <-ctx.Done():
			return a.Get()
		}
	}
}
