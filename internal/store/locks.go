package store

import (
	"context"
	"sync"
)

// keyedLock is a scoped exclusive section over an entity id. It backs the
// Memory store's row locking: the Postgres store gets the same semantics
// from SELECT ... FOR UPDATE, the Memory store from this.
type keyedLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: map[string]chan struct{}{}}
}

// Acquire blocks until the key is free or ctx expires. The wait bound is
// the caller's context deadline; expiry surfaces ErrLockTimeout.
func (l *keyedLock) Acquire(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		ch, taken := l.held[key]
		if !taken {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		select {
		case <-ch:
			// holder released; contend again
		case <-ctx.Done():
			return ErrLockTimeout
		}
	}
}

// Release frees the key and wakes all waiters.
func (l *keyedLock) Release(key string) {
	l.mu.Lock()
	if ch, taken := l.held[key]; taken {
		delete(l.held, key)
		close(ch)
	}
	l.mu.Unlock()
}
