package costing

import (
	"context"
	"sync"
)

// =============================================================================
// KEY LOCKER - At most one writer in flight per key
// =============================================================================

// KeyLocker serializes writers per costing key. Different keys never block
// each other.
type KeyLocker interface {
	// Lock blocks until key is held or ctx is done. The returned function
	// releases the lock.
	Lock(ctx context.Context, key CostingKey) (unlock func(), err error)
}

// KeyMutex is an in-process KeyLocker. Entries are reference counted and
// removed when the last holder or waiter leaves.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[CostingKey]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[CostingKey]*keyLock)}
}

func (km *KeyMutex) Lock(ctx context.Context, key CostingKey) (func(), error) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		km.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			km.release(key, l)
		})
	}, nil
}

func (km *KeyMutex) release(key CostingKey, l *keyLock) {
	km.mu.Lock()
	defer km.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
}

// held reports how many keys currently have holders or waiters.
func (km *KeyMutex) held() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
