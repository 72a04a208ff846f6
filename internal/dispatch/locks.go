package dispatch

import "sync"

// userLocks serializes inbound processing per phone number. Messages from
// different users proceed in parallel; two webhook deliveries for the same
// user queue behind one another so stage reads and conditional updates do
// not interleave.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// acquire blocks until the lock for key is held. The returned func releases
// it. Entries are reference counted and removed when the last holder leaves,
// so the map does not grow with the user population.
func (l *userLocks) acquire(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &userLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
