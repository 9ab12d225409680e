package mutex

import (
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes callers per key; different keys never block each other.
// Entries are dropped once no goroutine holds or waits for them.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	table map[K]*entry
}

func (m *KeyedMutex[K]) acquire(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		m.table = make(map[K]*entry)
	}
	e, ok := m.table[key]
	if !ok {
		e = &entry{}
		m.table[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex[K]) release(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.table, key)
	}
}

// Lock blocks until key is free and returns the matching unlock func.
func (m *KeyedMutex[K]) Lock(key K) (unlock func()) {
	e := m.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.release(key, e)
	}
}

// Len returns the number of keys currently tracked.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
