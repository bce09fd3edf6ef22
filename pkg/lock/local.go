package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statorio/stator/pkg/core/failfast"
)

// Local is an in-process lock service backed by a table of one-slot
// semaphores. Entries are reference counted and removed once the last
// waiter is gone, so the table does not grow with the number of
// machines ever touched.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocal creates an empty local lock service.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) retain(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) drop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Acquire takes the lock for key, waiting up to wait for the current
// holder to release it. A non-positive wait tries exactly once.
func (l *Local) Acquire(ctx context.Context, key string, wait time.Duration) (*Lease, error) {
	failfast.If(key != "", "lock key must not be empty")

	e := l.retain(key)
	lease := func() *Lease {
		return &Lease{key: key, owner: uuid.NewString(), release: func() error {
			<-e.sem
			l.drop(key)
			return nil
		}}
	}

	select {
	case e.sem <- struct{}{}:
		return lease(), nil
	default:
	}
	if wait <= 0 {
		l.drop(key)
		return nil, ErrNotAcquired
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case e.sem <- struct{}{}:
		return lease(), nil
	case <-ctx.Done():
		l.drop(key)
		return nil, ctx.Err()
	case <-timer.C:
		l.drop(key)
		return nil, ErrNotAcquired
	}
}

var _ Service = (*Local)(nil)
