package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/ingenious/core"
)

// keyedLock provides one binary semaphore per key. Entries are reference
// counted and removed once nobody holds or waits for them.
type keyedLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{entries: make(map[string]*lockEntry)}
}

// acquire takes the lock for key. With wait unset it fails immediately with
// a concurrency conflict when the key is held; otherwise it waits until the
// key is free or ctx ends.
func (l *keyedLock) acquire(ctx context.Context, key string, wait bool) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if wait {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			l.unref(key, e)
			return nil, err
		}
	} else if !e.sem.TryAcquire(1) {
		l.unref(key, e)
		return nil, core.Errorf(core.KindConcurrencyConflict, "advance", "conversation %s is already being advanced", key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}, nil
}

func (l *keyedLock) unref(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size returns the number of live entries.
func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
