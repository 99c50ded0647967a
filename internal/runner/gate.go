package runner

import (
	"context"
	"sync"
)

// gate is the pause latch the stdout reader waits on between reads. An
// open gate lets reads proceed immediately; a closed gate blocks them
// until Open is called. Terminate force-opens so readers can drain.
type gate struct {
	mu sync.Mutex
	ch chan struct{} // closed channel means the gate is open
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

// Wait blocks while the gate is closed. It returns the context error if
// the context ends first.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Open lets waiters through. Idempotent.
func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Close makes subsequent Wait calls block. Idempotent.
func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// IsOpen reports whether waiters currently pass through.
func (g *gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}
