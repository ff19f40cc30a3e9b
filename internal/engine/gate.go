package engine

import (
	"context"
	"sync"
)

// gateSet serializes mutations per identity. A second mutation or an
// undo touching the same original path queues behind the first instead
// of racing it on disk.
type gateSet struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newGateSet() *gateSet {
	return &gateSet{held: make(map[string]chan struct{})}
}

// acquire blocks until the gate for id is free or ctx ends.
func (g *gateSet) acquire(ctx context.Context, id string) error {
	for {
		g.mu.Lock()
		ch, taken := g.held[id]
		if !taken {
			g.held[id] = make(chan struct{})
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *gateSet) release(id string) {
	g.mu.Lock()
	if ch, ok := g.held[id]; ok {
		close(ch)
		delete(g.held, id)
	}
	g.mu.Unlock()
}

// Held reports whether a mutation currently owns id. The watcher uses
// it to ignore events the engine caused itself.
func (g *gateSet) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[id]
	return ok
}
