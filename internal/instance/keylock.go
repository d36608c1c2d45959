// Copyright 2025 James Ross
package instance

import "sync"

// keyLock serializes mutations to a single instanceId (spec.md §5
// "Per-instance: mutations ... are serialized"), without holding a lock per
// instance forever — entries are reference-counted and removed once idle.
type keyLock struct {
	mu      sync.Mutex
	locks   map[string]*refMutex
}

type refMutex struct {
	mu  sync.Mutex
	ref int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*refMutex)}
}

func (k *keyLock) Lock(key string) func() {
	k.mu.Lock()
	rm, ok := k.locks[key]
	if !ok {
		rm = &refMutex{}
		k.locks[key] = rm
	}
	rm.ref++
	k.mu.Unlock()

	rm.mu.Lock()
	return func() {
		rm.mu.Unlock()
		k.mu.Lock()
		rm.ref--
		if rm.ref == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
