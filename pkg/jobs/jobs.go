// Package jobs runs keyed background work. Two runners share one
// contract: Pool executes jobs in-process on a bounded worker pool, and
// NATS fans them out over a JetStream work queue so any process in the
// deployment can pick them up. Keys deduplicate: while a job with a
// given key is in flight, submitting the same key again returns
// ErrDuplicate.
package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate means a job with the same key is already in flight.
	ErrDuplicate = errors.New("jobs: duplicate job key")

	// ErrBackpressure means the runner's queue is full.
	ErrBackpressure = errors.New("jobs: queue is full")

	// ErrStopped means the runner no longer accepts jobs.
	ErrStopped = errors.New("jobs: runner stopped")

	// ErrNotRunnable means an in-process runner got a job without a Run
	// function.
	ErrNotRunnable = errors.New("jobs: job carries no Run function")

	// ErrNoHandler means a distributed runner got a job without a wire
	// handler name.
	ErrNoHandler = errors.New("jobs: job carries no wire handler")
)

// Job is one unit of background work. Run executes in-process; Handler
// and Payload are the wire form for distributed runners, which cannot
// ship closures. Submitters that want to stay runner-agnostic set both.
type Job struct {
	// Key deduplicates in-flight jobs. Empty disables deduplication.
	Key string

	// Queue selects a named queue on runners that have them.
	Queue string

	// Handler names a registered handler for distributed runners.
	Handler string

	// Payload is the opaque argument delivered to the handler.
	Payload []byte

	// Timeout bounds each attempt's wall clock. Zero means no bound.
	Timeout time.Duration

	// Retries is the number of re-attempts after the first failure.
	Retries int

	// Backoff seeds the delay before the first retry; it doubles per
	// attempt. Zero defaults to one minute.
	Backoff time.Duration

	// Run executes the job in-process.
	Run func(ctx context.Context) error
}

// HandlerFunc executes the wire form of a job.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Runner accepts jobs for asynchronous execution. Submit returns once
// the job is queued; execution failures surface through the runner's
// logger and retry policy, not through Submit.
type Runner interface {
	Submit(ctx context.Context, j Job) error
}

// DefaultBackoff is the retry delay seed used when a job does not set
// its own.
const DefaultBackoff = time.Minute

func (j Job) backoff() time.Duration {
	if j.Backoff > 0 {
		return j.Backoff
	}
	return DefaultBackoff
}

// retryDelay returns the backoff for a 1-based failed attempt number.
func (j Job) retryDelay(attempt int) time.Duration {
	d := j.backoff()
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
