package gocycle

import (
	"context"
	"sync"
)

// KeyedMutex is an in-process ClientLocker. Locks for different clients never
// contend; entries are dropped once nobody holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates a new in-process client locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// LockClient blocks until the client's lock is acquired or ctx is done.
func (k *KeyedMutex) LockClient(ctx context.Context, clientID string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[clientID]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[clientID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(clientID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(clientID, l)
		})
	}, nil
}

func (k *KeyedMutex) release(clientID string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, clientID)
	}
}

// size returns the number of tracked clients (tests only).
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
