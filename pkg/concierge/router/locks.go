package router

import "sync"

// identityLocks serializes message handling per external identity without
// serializing unrelated tenants. Entries are kept for the process
// lifetime; the population is bounded by the credential pool size.
type identityLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[int64]*sync.Mutex)}
}

// lock acquires the mutex for one identity and returns its unlock func.
func (l *identityLocks) lock(chatID int64) func() {
	l.mu.Lock()
	m, ok := l.locks[chatID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[chatID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
