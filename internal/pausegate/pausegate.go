// Package pausegate implements the pause/resume primitive observed at
// every copy-engine segment boundary (spec §4.2). It is a guarded
// single-slot completion handle: while paused, a channel exists and is
// unclosed; Resume closes it and clears the slot. Waiters that arrive
// during a pause attach to the existing channel, so Resume wakes everyone
// in one broadcast with no busy-waiting.
package pausegate

import (
	"context"
	"sync"
)

// Gate is a thread-safe, idempotent pause/resume latch.
type Gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{} // non-nil and open while paused
}

// New returns a Gate in the running (not paused) state.
func New() *Gate {
	return &Gate{}
}

// Pause transitions the gate to paused. Idempotent: pausing an
// already-paused gate is a no-op and does not create a second handle.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resume = make(chan struct{})
}

// Resume transitions the gate to running, waking every waiter parked in
// WaitWhilePaused. Idempotent: resuming an already-running gate is a no-op.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
	g.resume = nil
}

// Toggle flips the current state.
func (g *Gate) Toggle() {
	g.mu.Lock()
	wasPaused := g.paused
	g.mu.Unlock()
	if wasPaused {
		g.Resume()
	} else {
		g.Pause()
	}
}

// IsPaused reports the current state.
func (g *Gate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// WaitWhilePaused returns immediately if the gate is running. If paused, it
// parks on the current resume handle until Resume is called or ctx is
// done, without spinning. A cancellation race unregisters the waiter by
// simply returning; it never touches the gate's internal channel.
//
// Ordering: a Pause published before a caller enters WaitWhilePaused
// guarantees that call blocks. A Pause published concurrently with an
// in-flight WaitWhilePaused call may let that call observe the
// not-yet-paused state and return immediately — the caller is expected to
// check again at its next segment boundary, per spec §4.2/§5(d).
func (g *Gate) WaitWhilePaused(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return ctx.Err()
	}
	ch := g.resume
	g.mu.Unlock()

	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
