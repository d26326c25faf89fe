// Package lock provides per-key mutual exclusion for critical sections that
// must never run concurrently for the same key, such as token assignment for
// one doctor's daily queue.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding the lock for key. Implementations block until
// the lock is free or ctx is done.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Local is an in-process Locker. It is sufficient when a single instance
// serves all writes for a key space.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

func (l *Local) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := l.ref(key)
	defer l.unref(key, e)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

// Held reports how many keys currently have waiters or holders.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Local) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
