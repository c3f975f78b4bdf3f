// Package keylock provides per-key mutual exclusion with reference-counted
// lock entries, so the map does not grow with the number of keys ever seen.
package keylock

import (
	"context"
	"sync"
)

// Map hands out one lock per key.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// New returns an empty Map.
func New[K comparable]() *Map[K] {
	return &Map[K]{locks: make(map[K]*entry)}
}

func (m *Map[K]) acquire(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map[K]) release(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until key is held and returns the function that releases it.
func (m *Map[K]) Lock(key K) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// LockContext is Lock with cancellation. On error the key is not held.
func (m *Map[K]) LockContext(ctx context.Context, key K) (func(), error) {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
