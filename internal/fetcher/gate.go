// internal/fetcher/gate.go
package fetcher

import (
	"context"
	"sync"
)

// tokenGates bounds in-flight calls per credential; calls sharing a
// credential share one GitLab rate-limit bucket. A gate lives only while
// some caller holds or waits on it.
type tokenGates struct {
	mu    sync.Mutex
	size  int
	gates map[string]*gate
}

type gate struct {
	slots chan struct{}
	refs  int
}

func newTokenGates(size int) *tokenGates {
	return &tokenGates{size: size, gates: make(map[string]*gate)}
}

func (t *tokenGates) ref(token string) *gate {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[token]
	if !ok {
		g = &gate{slots: make(chan struct{}, t.size)}
		t.gates[token] = g
	}
	g.refs++
	return g
}

func (t *tokenGates) unref(token string, g *gate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g.refs--
	if g.refs == 0 {
		delete(t.gates, token)
	}
}

// acquire blocks until a slot for token is free or ctx is done.
func (t *tokenGates) acquire(ctx context.Context, token string) (func(), error) {
	g := t.ref(token)
	select {
	case g.slots <- struct{}{}:
		return func() {
			<-g.slots
			t.unref(token, g)
		}, nil
	case <-ctx.Done():
		t.unref(token, g)
		return nil, ctx.Err()
	}
}

// live returns the number of gates currently referenced.
func (t *tokenGates) live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.gates)
}
