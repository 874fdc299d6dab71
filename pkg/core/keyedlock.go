package core

import "sync"

// KeyedLock serializes operations per key. The orchestration engines use it
// to guarantee at most one in-flight state-changing operation per
// ContentUnit id, independent of database locking.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLock creates an empty keyed lock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key, blocking until it is available.
func (k *KeyedLock) Lock(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

// Unlock releases the lock for key. The entry is dropped once no goroutine
// holds or waits on it, so the map does not grow with the id space.
func (k *KeyedLock) Unlock(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("core: unlock of unheld key " + key)
	}
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}

// TryLock acquires the lock for key without blocking. It reports whether the
// lock was acquired. Workers use it to skip units that already have an
// operation in flight instead of queueing behind it.
func (k *KeyedLock) TryLock(key string) bool {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	if !entry.mu.TryLock() {
		k.mu.Unlock()
		return false
	}
	entry.refs++
	k.mu.Unlock()
	return true
}
