package cache

import "sync"

// keyedLocks serializes writers per content key. Callers performing a
// download-then-put hold the key for the whole sequence so a concurrent
// writer for the same key waits instead of downloading twice; Cleanup
// consults the busy set so it never evicts a key mid-write.
type keyedLocks struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]struct{}
}

func newKeyedLocks() *keyedLocks {
	l := &keyedLocks{held: make(map[string]struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *keyedLocks) lock(key string) {
	l.mu.Lock()
	for {
		if _, busy := l.held[key]; !busy {
			l.held[key] = struct{}{}
			l.mu.Unlock()
			return
		}
		l.cond.Wait()
	}
}

func (l *keyedLocks) unlock(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *keyedLocks) busy(key string) bool {
	l.mu.Lock()
	_, ok := l.held[key]
	l.mu.Unlock()
	return ok
}
