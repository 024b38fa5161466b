package mutation

import (
	"context"
	"sync"
)

// keyedLock serializes work per key. Waiters for the same key are admitted in
// arrival order; distinct keys never block each other.
type keyedLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{entries: make(map[string]*lockEntry)}
}

// acquire blocks until key is free or ctx is done. The returned func releases it.
func (l *keyedLock) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.sem
				l.forget(key, entry)
			})
		}, nil
	case <-ctx.Done():
		l.forget(key, entry)
		return nil, ctx.Err()
	}
}

func (l *keyedLock) forget(key string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
