package courier

import (
	"context"
	"sync"
)

// keyedMutex hands out one lock per key. Entries are reference counted
// and dropped once no goroutine holds or waits for them.
//
// Locks are reentrant through the context: Lock called with a context
// derived from one that holds key does not wait for that holder. Nested
// holders of the same depth still exclude each other, so goroutines
// sharing the outer context take turns.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	// levels[n] is taken by holders nested n deep.
	levels []*sync.Mutex
	refs   int
}

// heldLock records a key held through a context. parent links to the
// locks held by the enclosing contexts.
type heldLock struct {
	owner  *keyedMutex
	key    string
	depth  int
	parent *heldLock
}

type heldLockKey struct{}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free for ctx. It returns the context recording
// the hold, to be passed to nested work, and the function releasing it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (context.Context, func()) {
	parent, _ := ctx.Value(heldLockKey{}).(*heldLock)
	depth := 0
	for h := parent; h != nil; h = h.parent {
		if h.owner == k && h.key == key {
			depth = h.depth + 1
			break
		}
	}

	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	for len(e.levels) <= depth {
		e.levels = append(e.levels, new(sync.Mutex))
	}
	m := e.levels[depth]
	e.refs++
	k.mu.Unlock()

	m.Lock()
	held := &heldLock{owner: k, key: key, depth: depth, parent: parent}
	return context.WithValue(ctx, heldLockKey{}, held), func() {
		m.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// detachLocks returns ctx without the locks its callers hold. Work that
// outlives the holder must compete for keys like any other caller.
func detachLocks(ctx context.Context) context.Context {
	return context.WithValue(ctx, heldLockKey{}, (*heldLock)(nil))
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
