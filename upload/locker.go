package upload

import "sync"

// lockRegistry hands out one mutex per session id. Entries are reference
// counted so the table shrinks back when sessions reach a terminal state,
// instead of growing without bound under session churn.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{
		locks: make(map[string]*sessionLock),
	}
}

// acquire blocks until the per-session lock is held. Every acquire must be
// paired with exactly one release.
func (r *lockRegistry) acquire(id string) *sessionLock {
	r.mu.Lock()

	l, ok := r.locks[id]
	if !ok {
		l = &sessionLock{}
		r.locks[id] = l
	}

	l.refs++

	r.mu.Unlock()

	l.mu.Lock()

	return l
}

// release unlocks the session lock and drops the registry entry once no
// goroutine holds or waits on it.
func (r *lockRegistry) release(id string, l *sessionLock) {
	l.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	l.refs--
	if l.refs <= 0 {
		delete(r.locks, id)
	}
}

// size reports the number of live entries, for tests and introspection.
func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.locks)
}
