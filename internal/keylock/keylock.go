// Package keylock serializes work per key without a global lock. Entries are
// created on first use and dropped once no holder or waiter remains.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Arena struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Arena {
	return &Arena{entries: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the matching unlock. Calling the
// returned func more than once is a no-op.
func (a *Arena) Lock(key string) (unlock func()) {
	a.mu.Lock()
	e, ok := a.entries[key]
	if !ok {
		e = &entry{}
		a.entries[key] = e
	}
	e.refs++
	a.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			a.release(key, e)
		})
	}
}

func (a *Arena) release(key string, e *entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(a.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
