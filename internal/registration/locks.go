package registration

import (
	"sort"
	"sync"
)

type keyedLock struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// lockEntities locks groups before consumers, each set in sorted order.
func (k *keyedMutex) lockEntities(groups, consumers []string) func() {
	var keys []string
	for _, set := range []struct {
		prefix string
		names  []string
	}{{"group/", groups}, {"consumer/", consumers}} {
		names := append([]string(nil), set.names...)
		sort.Strings(names)
		for i, n := range names {
			if n == "" || (i > 0 && names[i-1] == n) {
				continue
			}
			keys = append(keys, set.prefix+n)
		}
	}
	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		unlocks = append(unlocks, k.lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
