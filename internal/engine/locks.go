package engine

import "sync"

// lockMap hands out a mutex per entity id so per-task and per-annotator
// mutations are serialized without a global lock. Entries are refcounted and
// dropped once the last waiter releases, so the map does not grow with the
// total number of entities ever seen.
type lockMap struct {
	edit    sync.Mutex
	waiters map[string]int
	mutexes map[string]*sync.Mutex
}

func newLockMap() *lockMap {
	return &lockMap{
		waiters: make(map[string]int),
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *lockMap) Lock(key string) {
	m.edit.Lock()

	mu := m.mutexes[key]
	if mu == nil {
		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}
	m.waiters[key]++

	m.edit.Unlock()

	mu.Lock()
}

func (m *lockMap) Unlock(key string) {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu := m.mutexes[key]
	if mu == nil {
		return
	}

	mu.Unlock()
	m.waiters[key]--

	if m.waiters[key] <= 0 {
		delete(m.mutexes, key)
		delete(m.waiters, key)
	}
}
