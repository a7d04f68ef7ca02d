// internal/syncer/lock.go
package syncer

import "sync"

// runLocks is a keyed try-lock allowing one run per identity.
type runLocks struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newRunLocks() *runLocks {
	return &runLocks{running: make(map[int64]struct{})}
}

// tryLock returns ok=false when a run for id is already held.
func (l *runLocks) tryLock(id int64) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.running[id]; busy {
		return nil, false
	}
	l.running[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.running, id)
		l.mu.Unlock()
	}, true
}
