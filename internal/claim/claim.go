// Package claim serializes check-then-create sequences on a deduplication key.
package claim

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when a key stays claimed past the caller's patience.
var ErrBusy = errors.New("claim: key is busy")

// Claimer runs fn while holding an exclusive claim on key.
type Claimer interface {
	Claim(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Local is an in-process keyed mutex. It is sufficient when a single API
// process accepts triggers.
type Local struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process Claimer.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*keyLock)}
}

// Claim waits for key to be free, then runs fn. It returns ctx.Err() if the
// context ends first.
func (l *Local) Claim(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := l.acquire(key)
	defer l.release(key, lock)

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock.ch }()

	return fn(ctx)
}

func (l *Local) acquire(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[key]
	if !ok {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (l *Local) release(key string, lock *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

// held returns the number of keys with waiters or holders.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
