// Package lock provides the keyed mutual exclusion the actor and the
// archiver take around a machine timeline before appending to it. Local
// serves single-process embedders; Advisory maps the same contract onto
// Postgres advisory locks for multi-process deployments.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when the lock stayed contended for the
// whole wait window.
var ErrNotAcquired = errors.New("lock: not acquired")

// Service hands out exclusive leases on string keys. A wait of zero or
// less makes Acquire a single try.
type Service interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (*Lease, error)
}

// Lease is one held lock. Release is idempotent.
type Lease struct {
	key     string
	owner   string
	once    sync.Once
	release func() error
}

// Key returns the locked key.
func (l *Lease) Key() string { return l.key }

// Owner returns the token identifying this acquisition.
func (l *Lease) Owner() string { return l.owner }

// Release gives the lock back. Calling it twice is a no-op.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() { err = l.release() })
	return err
}

// MachineKey is the lock key guarding one machine timeline.
func MachineKey(rootEventID string) string {
	return "machine:" + rootEventID
}
