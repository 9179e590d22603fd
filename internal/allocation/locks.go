package allocation

import "sync"

// keyedLocks serializes allocation commits per (room, date). The overlap
// check and the allocation insert are separate store operations, so without
// this two concurrent calls could both see the room as free and both commit.
// Entries are never evicted; the key space is bounded by rooms times dates in
// active use within one process lifetime.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns an idempotent unlock.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	var once sync.Once
	return func() { once.Do(m.Unlock) }
}
