package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statorio/stator/pkg/core/failfast"
)

// Advisory maps lock keys onto Postgres session advisory locks, for
// deployments where several processes step the same machines. The lock
// is held by a dedicated pooled connection until the lease is released,
// so leases must be short-lived.
type Advisory struct {
	pool  *pgxpool.Pool
	retry time.Duration
}

// AdvisoryOption customizes an Advisory service.
type AdvisoryOption func(*Advisory)

// WithRetryInterval sets how often a contended acquire retries.
func WithRetryInterval(d time.Duration) AdvisoryOption {
	return func(a *Advisory) {
		failfast.If(d > 0, "retry interval must be positive")
		a.retry = d
	}
}

// NewAdvisory creates an advisory lock service on the given pool.
func NewAdvisory(pool *pgxpool.Pool, opts ...AdvisoryOption) *Advisory {
	failfast.NotNil(pool, "advisory lock pool")
	a := &Advisory{pool: pool, retry: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// keyHash folds a lock key into the signed 64-bit space advisory locks
// live in. fnv-1a keeps the mapping stable across processes.
func keyHash(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Acquire tries pg_try_advisory_lock until it succeeds or the wait
// window closes. A non-positive wait tries exactly once.
func (a *Advisory) Acquire(ctx context.Context, key string, wait time.Duration) (*Lease, error) {
	failfast.If(key != "", "lock key must not be empty")

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire connection: %w", err)
	}
	id := keyHash(key)
	deadline := time.Now().Add(wait)
	for {
		var got bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&got); err != nil {
			conn.Release()
			return nil, fmt.Errorf("lock: try advisory lock %q: %w", key, err)
		}
		if got {
			return &Lease{key: key, owner: uuid.NewString(), release: func() error {
				defer conn.Release()
				// The unlock must run on the session that took the lock,
				// even when the caller's context is already gone.
				_, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", id)
				if err != nil {
					return fmt.Errorf("lock: advisory unlock %q: %w", key, err)
				}
				return nil
			}}, nil
		}
		if wait <= 0 || !time.Now().Before(deadline) {
			conn.Release()
			return nil, ErrNotAcquired
		}
		timer := time.NewTimer(a.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			conn.Release()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

var _ Service = (*Advisory)(nil)
