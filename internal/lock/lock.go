// Package lock provides per-key mutexes shared across services.
// Independent scheduled jobs take the same key's mutex before a
// read-modify-write cycle on an entity, so an overlapping run can never
// clobber the other's write.
package lock

import "sync"

// Keyed hands out one mutex per key. Mutexes are never evicted; the key
// space (loans under active processing) stays small.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyed creates an empty lock registry.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// For returns the mutex for key, creating it on first use.
func (k *Keyed) For(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
