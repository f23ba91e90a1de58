package link

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

// Future is a decision being computed off the tick loop. The worker hands
// its single result over a one-slot channel; the tick loop polls it. After
// Cancel the result is discarded even if it arrives.
type Future struct {
	ch        chan Decision
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu       sync.Mutex
	resolved bool
	result   Decision
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{ch: make(chan Decision, 1), cancel: cancel}
}

// Resolved returns a future that already holds d.
func Resolved(d Decision) *Future {
	f := newFuture(func() {})
	f.ch <- d
	return f
}

// Poll returns the decision once it is available. It never blocks.
func (f *Future) Poll() (Decision, bool) {
	if f.cancelled.Load() {
		return Decision{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return f.result, true
	}
	select {
	case d := <-f.ch:
		f.resolved = true
		f.result = d
		return d, true
	default:
		return Decision{}, false
	}
}

// Wait blocks until the decision is available or ctx ends.
func (f *Future) Wait(ctx context.Context) (Decision, bool) {
	if d, ok := f.Poll(); ok {
		return d, true
	}
	select {
	case <-ctx.Done():
		return Decision{}, false
	case d := <-f.ch:
		if f.cancelled.Load() {
			return Decision{}, false
		}
		f.mu.Lock()
		f.resolved = true
		f.result = d
		f.mu.Unlock()
		return d, true
	}
}

// Cancel abandons the request. Its late result, if any, is never delivered.
func (f *Future) Cancel() {
	if f.cancelled.CompareAndSwap(false, true) {
		f.cancel()
	}
}

func (f *Future) Cancelled() bool { return f.cancelled.Load() }

// Go dispatches RequestAction on a worker goroutine and returns immediately.
// If a request is already pending the returned future is resolved at once
// with a fallback decision.
func (c *Client) Go(ctx context.Context, obs protocol.Observation) *Future {
	if !c.inFlight.CompareAndSwap(false, true) {
		d := c.fallbackDecision(obs, ErrInFlight, 0)
		c.record(d)
		return Resolved(d)
	}
	ctx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)
	obs = obs.Clone()
	go func() {
		defer cancel()
		d := c.requestAction(ctx, obs)
		c.inFlight.Store(false)
		if f.cancelled.Load() {
			return
		}
		f.ch <- d
	}()
	return f
}
