package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockMapSerializesPerKey(t *testing.T) {
	locks := newLockMap()

	var a, b int
	counters := map[string]*int{"a": &a, "b": &b}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for key, counter := range counters {
			wg.Add(1)
			go func(key string, counter *int) {
				defer wg.Done()
				locks.Lock(key)
				defer locks.Unlock(key)
				*counter++
			}(key, counter)
		}
	}
	wg.Wait()

	assert.Equal(t, 10, a)
	assert.Equal(t, 10, b)
}

func TestLockMapReleasesEntries(t *testing.T) {
	locks := newLockMap()

	locks.Lock("a")
	locks.Lock("b")
	locks.Unlock("a")

	locks.edit.Lock()
	assert.Len(t, locks.mutexes, 1)
	locks.edit.Unlock()

	locks.Unlock("b")

	locks.edit.Lock()
	assert.Empty(t, locks.mutexes)
	assert.Empty(t, locks.waiters)
	locks.edit.Unlock()
}
