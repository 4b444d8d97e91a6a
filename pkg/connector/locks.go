// Copyright 2024-2026 Aiku AI

package connector

import "sync"

// keyedMutex serializes work per string key. Entries are reference counted
// and removed as soon as the last holder unlocks, so the table does not
// grow with the number of portals ever seen.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the key is exclusively held and returns the matching
// unlock function.
func (km *keyedMutex) Lock(key string) (unlock func()) {
	km.mu.Lock()
	entry, ok := km.entries[key]
	if !ok {
		entry = &lockEntry{}
		km.entries[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		km.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
	}
}

// size returns the number of live lock entries.
func (km *keyedMutex) size() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.entries)
}
