package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l core.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

type poolJob struct {
	ctx context.Context
	job Job
}

// Pool executes jobs on a fixed set of workers with a bounded queue.
// Submit never blocks: a full queue returns ErrBackpressure so callers
// shed load instead of stacking up.
type Pool struct {
	jobs chan poolJob
	stop chan struct{}
	wg   sync.WaitGroup
	log  core.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPool starts size workers over a queue of the given depth.
// Non-positive arguments fall back to 1 worker and a queue of 128.
func NewPool(size int, queue int, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = 128
	}
	p := &Pool{
		jobs:     make(chan poolJob, queue),
		stop:     make(chan struct{}),
		log:      core.NewNopLogger(),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Submit queues a job. The context travels with the job and cancels
// waits between retries; it does not cancel an attempt already past
// its own timeout handling.
func (p *Pool) Submit(ctx context.Context, j Job) error {
	if j.Run == nil {
		return ErrNotRunnable
	}
	select {
	case <-p.stop:
		return ErrStopped
	default:
	}
	if !p.reserve(j.Key) {
		return ErrDuplicate
	}
	select {
	case p.jobs <- poolJob{ctx: ctx, job: j}:
		return nil
	default:
		p.release(j.Key)
		return ErrBackpressure
	}
}

// Stop shuts the workers down and waits for in-flight attempts to
// finish. Queued jobs that never started are dropped.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case pj := <-p.jobs:
			p.run(pj.ctx, pj.job)
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, j Job) {
	defer p.release(j.Key)
	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, j)
		if err == nil {
			return
		}
		if attempt > j.Retries {
			p.log.Errorf("jobs: %s failed after %d attempts: %v", j.Key, attempt, err)
			return
		}
		delay := j.retryDelay(attempt)
		p.log.Warnf("jobs: %s attempt %d failed, retrying in %s: %v", j.Key, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			p.log.Warnf("jobs: %s abandoned between retries: %v", j.Key, ctx.Err())
			return
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) attempt(ctx context.Context, j Job) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	return j.Run(ctx)
}

func (p *Pool) reserve(key string) bool {
	if key == "" {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Pool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

var _ Runner = (*Pool)(nil)
