package usecase

import (
	"context"
	"sync"
)

// localLocker serializes critical sections inside one process. It is the
// default until a shared backend locker is wired in.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	slot chan struct{}
	refs int
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[string]*localLock)}
}

func (l *localLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &localLock{slot: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.slot <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.slot
			l.drop(key, lock)
		})
	}, nil
}

func (l *localLocker) drop(key string, lock *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

func dispatchLockKey(sessionID string) string { return "dispatch:" + sessionID }

func uploadLockKey(userID string) string { return "upload:" + userID }
