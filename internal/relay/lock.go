// ABOUTME: Per-user mutual exclusion keyed by user identifier
// ABOUTME: Entries are reference counted and removed once no task holds or waits on them

package relay

import (
	"context"
	"sync"
)

// userLock is a one-slot semaphore plus the number of tasks holding or waiting on it.
type userLock struct {
	slot chan struct{}
	refs int
}

// keyedMutex serializes tasks that share a key while letting different keys
// proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*userLock)}
}

// Lock blocks until key is free or ctx is done. On success the returned
// function releases the key and must be called exactly once.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &userLock{slot: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.slot
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *userLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// size reports how many keys are currently tracked.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
