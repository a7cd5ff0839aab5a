// Package holderlock serializes mutation of a single holder's tasks.
//
// Group invalidation and the sweep both read-modify-append task histories,
// so two operations on the same holder must never overlap. Operations on
// different holders share nothing and run freely in parallel.
package holderlock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockNotAcquired is returned when the lock could not be taken before the
// context ended.
var ErrLockNotAcquired = errors.New("holder lock not acquired")

// Locker hands out exclusive per-holder locks.
type Locker interface {
	// Lock blocks until the holder is locked or ctx ends. The returned func
	// releases the lock and is safe to call more than once.
	Lock(ctx context.Context, holderID string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once no caller holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, holderID string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[holderID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[holderID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(holderID, e)
		return nil, errors.Join(ErrLockNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(holderID, e)
		})
	}, nil
}

func (k *KeyedMutex) release(holderID string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, holderID)
	}
}

// Len returns the number of holders currently locked or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
