package gateway

import (
	"context"
	"sync"

	"github.com/SkynetNext/motd-gateway/internal/identity"
)

type recordKey struct {
	serverID string
	id       identity.ID
}

// recordLock serializes verify-and-rotate for one web record, so a token
// authenticates at most one round
type recordLock struct {
	sem  chan struct{}
	refs int
}

// recordLocks hands out one lock per (server id, identity). Entries are
// dropped once nobody holds or waits for them.
type recordLocks struct {
	mu    sync.Mutex
	locks map[recordKey]*recordLock
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[recordKey]*recordLock)}
}

// acquire blocks until the record is free or ctx is done
func (l *recordLocks) acquire(ctx context.Context, serverID string, id identity.ID) (func(), error) {
	key := recordKey{serverID: serverID, id: id}

	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &recordLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			l.unref(key, lock)
		})
	}, nil
}

func (l *recordLocks) unref(key recordKey, lock *recordLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *recordLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
