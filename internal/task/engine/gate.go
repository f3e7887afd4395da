package engine

import "sync"

// keyGate admits one queued-or-running task per key.
type keyGate struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (g *keyGate) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return false
	}
	if g.held == nil {
		g.held = map[string]struct{}{}
	}
	g.held[key] = struct{}{}
	return true
}

func (g *keyGate) release(key string) {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
}

func (g *keyGate) busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}
