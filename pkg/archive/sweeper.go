package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/statorio/stator/pkg/config"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/core/failfast"
	"github.com/statorio/stator/pkg/eventlog"
	"github.com/statorio/stator/pkg/jobs"
)

// Handler names under which sweeper jobs run on distributed runners.
const (
	HandlerArchiveRoot = "archive.root"
	HandlerRetention   = "archive.retention"
)

const (
	// DefaultInterval between sweep ticks.
	DefaultInterval = 10 * time.Minute

	// Per-root jobs are bounded hard; a root that cannot archive in
	// this window needs operator attention, not more time.
	rootTimeout  = 5 * time.Minute
	batchTimeout = 30 * time.Minute
	jobRetries   = 3
	jobBackoff   = time.Minute
)

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithInterval sets the tick interval of Run.
func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		failfast.If(d > 0, "sweep interval must be positive")
		s.interval = d
	}
}

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(l core.Logger) SweeperOption {
	return func(s *Sweeper) {
		failfast.NotNil(l, "logger")
		s.log = l
	}
}

// WithSweeperMetrics sets the metrics sink.
func WithSweeperMetrics(m Metrics) SweeperOption {
	return func(s *Sweeper) {
		failfast.NotNil(m, "metrics")
		s.metrics = m
	}
}

// WithSweeperClock overrides the timestamp source, mostly for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		failfast.NotNil(now, "clock")
		s.clock = now
	}
}

// Sweeper periodically finds cold roots and dispatches one archival
// job per root through a runner. Machines with policy overrides are
// scanned separately with their own windows; the global scan excludes
// them.
type Sweeper struct {
	store    eventlog.FullStore
	arch     *Archiver
	runner   jobs.Runner
	cfg      config.ArchivalConfig
	interval time.Duration
	clock    func() time.Time
	log      core.Logger
	metrics  Metrics
}

// NewSweeper wires eligibility scanning to job dispatch. The runner
// may be in-process (jobs.Pool) or distributed (jobs.NATS); with the
// latter, register Handlers on every worker.
func NewSweeper(store eventlog.FullStore, arch *Archiver, runner jobs.Runner, cfg config.ArchivalConfig, opts ...SweeperOption) *Sweeper {
	failfast.NotNil(store, "store")
	failfast.NotNil(arch, "archiver")
	failfast.NotNil(runner, "runner")
	s := &Sweeper{
		store:    store,
		arch:     arch,
		runner:   runner,
		cfg:      cfg,
		interval: DefaultInterval,
		clock:    time.Now,
		log:      core.NewPrefixLogger("sweeper"),
		metrics:  nopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// overriddenMachines returns the machine ids carrying their own
// policy, in a stable order.
func (s *Sweeper) overriddenMachines() []string {
	ids := make([]string, 0, len(s.cfg.MachineOverrides))
	for id := range s.cfg.MachineOverrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EligibleRoots lists up to dispatch_limit roots that qualify for
// archival at now: one unfiltered scan with the global windows, then
// one scan per overridden machine with its own windows.
func (s *Sweeper) EligibleRoots(ctx context.Context, now time.Time) ([]string, error) {
	overridden := s.overriddenMachines()
	limit := s.cfg.DispatchLimit

	global := s.cfg.ForMachine("")
	roots, err := s.store.StaleRoots(ctx, eventlog.StaleQuery{
		InactiveBefore:  now.Add(-global.InactiveWindow()),
		RestoredBefore:  now.Add(-global.RestoreCooldown()),
		Limit:           limit,
		ExcludeMachines: overridden,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scanning stale roots: %w", err)
	}

	for _, id := range overridden {
		if len(roots) >= limit {
			break
		}
		policy := s.cfg.ForMachine(id)
		if !policy.Enabled {
			continue
		}
		more, err := s.store.StaleRoots(ctx, eventlog.StaleQuery{
			InactiveBefore: now.Add(-policy.InactiveWindow()),
			RestoredBefore: now.Add(-policy.RestoreCooldown()),
			Limit:          limit - len(roots),
			MachineID:      id,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: scanning stale roots of %s: %w", id, err)
		}
		roots = append(roots, more...)
	}
	return roots, nil
}

// Sweep runs one pass: dispatch an archival job per eligible root and,
// when retention is configured, one retention batch job. It does not
// consult archival.enabled; Run does.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock()
	roots, err := s.EligibleRoots(ctx, now)
	if err != nil {
		return err
	}
	s.metrics.SetEligibleRoots(len(roots))
	if len(roots) > 0 {
		s.log.Infof("dispatching %d archival jobs", len(roots))
	}

	for i, root := range roots {
		if err := s.dispatchRoot(ctx, root); errors.Is(err, jobs.ErrBackpressure) {
			s.log.Warnf("runner backpressure, deferring %d roots to the next sweep", len(roots)-i)
			break
		}
	}

	if _, ok := s.cfg.Retention(); ok {
		if err := s.dispatchRetention(ctx); errors.Is(err, jobs.ErrBackpressure) {
			s.log.Warnf("runner backpressure, skipping retention this sweep")
		}
	}
	return nil
}

func (s *Sweeper) dispatchRoot(ctx context.Context, root string) error {
	payload, _ := json.Marshal(rootPayload{RootEventID: root})
	err := s.runner.Submit(ctx, jobs.Job{
		Key:     "archive-" + root,
		Queue:   s.cfg.Queue,
		Handler: HandlerArchiveRoot,
		Payload: payload,
		Timeout: rootTimeout,
		Retries: jobRetries,
		Backoff: jobBackoff,
		Run: func(ctx context.Context) error {
			return s.arch.ArchiveRoot(ctx, root)
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrDuplicate):
		s.log.Debugf("archival of %s already queued", root)
	case errors.Is(err, jobs.ErrBackpressure):
		return err
	default:
		s.log.Errorf("dispatching archival of %s: %v", root, err)
	}
	return nil
}

func (s *Sweeper) dispatchRetention(ctx context.Context) error {
	err := s.runner.Submit(ctx, jobs.Job{
		Key:     "archive-retention",
		Queue:   s.cfg.Queue,
		Handler: HandlerRetention,
		Timeout: batchTimeout,
		Retries: jobRetries,
		Backoff: jobBackoff,
		Run: func(ctx context.Context) error {
			_, err := s.RunRetention(ctx)
			return err
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrDuplicate):
		s.log.Debugf("retention already queued")
	case errors.Is(err, jobs.ErrBackpressure):
		return err
	default:
		s.log.Errorf("dispatching retention: %v", err)
	}
	return nil
}

// RunRetention deletes live archives older than the retention window
// and returns how many went. Without a configured window it is a
// no-op.
func (s *Sweeper) RunRetention(ctx context.Context) (int, error) {
	window, ok := s.cfg.Retention()
	if !ok {
		return 0, nil
	}
	cutoff := s.clock().Add(-window)
	deleted := 0
	for {
		roots, err := s.store.StaleArchives(ctx, cutoff, s.cfg.DispatchLimit)
		if err != nil {
			return deleted, fmt.Errorf("archive: scanning stale archives: %w", err)
		}
		if len(roots) == 0 {
			break
		}
		for _, root := range roots {
			if err := s.store.DeleteArchive(ctx, root); err != nil {
				return deleted, fmt.Errorf("archive: deleting archive %s: %w", root, err)
			}
			deleted++
		}
		if len(roots) < s.cfg.DispatchLimit {
			break
		}
	}
	if deleted > 0 {
		s.metrics.AddArchivesDeleted(deleted)
		s.log.Infof("retention deleted %d archives older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

// Handlers returns the wire handlers a distributed worker registers,
// keyed by handler name.
func (s *Sweeper) Handlers() map[string]jobs.HandlerFunc {
	return map[string]jobs.HandlerFunc{
		HandlerArchiveRoot: func(ctx context.Context, payload []byte) error {
			var p rootPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("archive: decoding job payload: %w", err)
			}
			if p.RootEventID == "" {
				return fmt.Errorf("archive: job payload names no root")
			}
			return s.arch.ArchiveRoot(ctx, p.RootEventID)
		},
		HandlerRetention: func(ctx context.Context, payload []byte) error {
			_, err := s.RunRetention(ctx)
			return err
		},
	}
}

// Run sweeps immediately and then on every tick until ctx ends. When
// archival is disabled it returns right away.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Infof("archival disabled, sweeper not running")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.Sweep(ctx); err != nil {
			s.log.Errorf("sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// rootPayload is the wire payload of an archive.root job.
type rootPayload struct {
	RootEventID string `json:"root_event_id"`
}
