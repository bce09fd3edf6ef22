// Package actor couples a compiled machine definition to a durable
// event timeline: it locks the timeline, drives macro-steps through the
// engine, stamps the produced rows with ids and sequence numbers, and
// appends them transactionally or not as the event asks. One actor owns
// at most one timeline, identified by its root event id.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/core/failfast"
	"github.com/statorio/stator/pkg/eventlog"
	"github.com/statorio/stator/pkg/lock"
	"github.com/statorio/stator/pkg/machine"
)

// DefaultLockWait bounds how long a mutation waits for the per-machine
// lock before giving up.
const DefaultLockWait = 60 * time.Second

var (
	// ErrMachineRunning means the per-machine lock stayed held by
	// another mutation for the whole wait window.
	ErrMachineRunning = errors.New("actor: machine is already running")

	// ErrRestoringState means a timeline could not be replayed into a
	// consistent machine state.
	ErrRestoringState = errors.New("actor: error restoring state")

	// ErrAlreadyBound means the actor already owns a timeline.
	ErrAlreadyBound = errors.New("actor: machine is already bound to a timeline")

	// ErrNotStarted means the actor has no timeline yet; call Start or
	// Load first.
	ErrNotStarted = errors.New("actor: machine is not started")
)

var tracer = otel.Tracer("github.com/statorio/stator/pkg/actor")

// Restorer brings an archived timeline back into the event log. It is
// implemented by archive.Archiver; the actor only needs this slice of
// it for transparent restore during Load.
type Restorer interface {
	RestoreAndDelete(ctx context.Context, rootID string) ([]*eventlog.Event, error)
}

// Metrics receives actor measurements. observability/prometheus
// provides the production implementation.
type Metrics interface {
	ObserveSend(machineID, result string, seconds float64)
	ObserveLockWait(machineID string, seconds float64)
	AddAppended(machineID string, n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSend(string, string, float64) {}
func (nopMetrics) ObserveLockWait(string, float64)     {}
func (nopMetrics) AddAppended(string, int)             {}

// Option configures an actor.
type Option func(*Actor)

// WithLocks sets the lock service coordinating mutations on a root.
// Actors in one process share a local service by default.
func WithLocks(svc lock.Service) Option {
	return func(a *Actor) {
		failfast.NotNil(svc, "lock service")
		a.locks = svc
	}
}

// WithLockWait overrides the bounded lock wait.
func WithLockWait(d time.Duration) Option {
	return func(a *Actor) {
		failfast.If(d > 0, "lock wait must be positive")
		a.lockWait = d
	}
}

// WithArchive lets Load fall back to restoring an archived timeline
// when the event log holds no rows for the root.
func WithArchive(r Restorer) Option {
	return func(a *Actor) {
		failfast.NotNil(r, "restorer")
		a.restorer = r
	}
}

// WithLogger sets the actor and engine logger.
func WithLogger(l core.Logger) Option {
	return func(a *Actor) {
		failfast.NotNil(l, "logger")
		a.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(a *Actor) {
		failfast.NotNil(m, "metrics")
		a.metrics = m
	}
}

// WithClock overrides the timestamp source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Actor) {
		failfast.NotNil(now, "clock")
		a.clock = now
	}
}

// WithStrictUnhandled makes Send fail on events no active state
// handles instead of silently ignoring them.
func WithStrictUnhandled() Option {
	return func(a *Actor) {
		a.stepOpts = append(a.stepOpts, machine.WithStrictUnhandled())
	}
}

// WithEventlessLimit bounds consecutive eventless transitions per
// macro-step.
func WithEventlessLimit(n int) Option {
	return func(a *Actor) {
		a.stepOpts = append(a.stepOpts, machine.WithEventlessLimit(n))
	}
}

// defaultLocks serializes actors of one process that were not given an
// explicit lock service.
var defaultLocks = lock.NewLocal()

// Actor is the runtime wrapper around one machine timeline. All
// methods are safe for concurrent use; mutations additionally take the
// per-root lock so actors in other processes are excluded too.
type Actor struct {
	def      *machine.Definition
	store    eventlog.Store
	locks    lock.Service
	restorer Restorer
	log      core.Logger
	metrics  Metrics
	clock    func() time.Time
	lockWait time.Duration
	stepOpts []machine.StepperOption

	mu      sync.Mutex
	stepper *machine.Stepper
	rootID  string
	seq     uint64
	pending []*eventlog.Event
}

// New creates an unbound actor. Call Start for a fresh timeline or
// Load to replay an existing one.
func New(def *machine.Definition, store eventlog.Store, opts ...Option) *Actor {
	failfast.NotNil(def, "definition")
	failfast.NotNil(store, "event store")
	a := &Actor{
		def:      def,
		store:    store,
		locks:    defaultLocks,
		log:      core.NewNopLogger(),
		metrics:  nopMetrics{},
		clock:    time.Now,
		lockWait: DefaultLockWait,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.stepper = machine.NewStepper(a.def, a.stepperOpts()...)
	return a
}

func (a *Actor) stepperOpts() []machine.StepperOption {
	opts := []machine.StepperOption{machine.WithLogger(a.log)}
	return append(opts, a.stepOpts...)
}

// Definition returns the compiled definition the actor runs.
func (a *Actor) Definition() *machine.Definition { return a.def }

// RootID returns the timeline's root event id, empty before Start or
// Load.
func (a *Actor) RootID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rootID
}

// State returns the current snapshot. The contained context is the
// live one; callers keeping it across steps should Clone it.
func (a *Actor) State() *machine.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepper.State()
}

// Done reports whether the machine reached a top-level final state.
func (a *Actor) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepper.Done()
}

// Output returns the machine's result output once it is done.
func (a *Actor) Output() interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepper.Output()
}

// Can reports whether the current configuration handles the event
// type.
func (a *Actor) Can(eventType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepper.Can(eventType)
}

// AcceptedEvents returns the event types the current configuration
// handles. With a state id argument it answers for that state instead,
// walking its ancestor chain the way resolution would.
func (a *Actor) AcceptedEvents(stateID ...string) []string {
	if len(stateID) == 0 {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.stepper.AcceptedEvents()
	}
	s, ok := a.def.State(stateID[0])
	if !ok {
		return nil
	}
	verdict := make(map[string]bool)
	for n := s; n != nil; n = n.Parent {
		for key, td := range n.Transitions {
			if key == eventlog.AlwaysKey || key == eventlog.DoneKey {
				continue
			}
			if _, seen := verdict[key]; !seen {
				verdict[key] = !td.Forbidden
			}
		}
	}
	var out []string
	for key, ok := range verdict {
		if ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Start initializes a fresh timeline: the root start event, the entry
// cascade of the initial configuration, and any eventless follow-ups,
// appended as one transactional batch. The first event's id becomes
// the root event id.
func (a *Actor) Start(ctx context.Context) (*machine.State, error) {
	ctx, span := tracer.Start(ctx, "actor.start",
		trace.WithAttributes(attribute.String("machine.id", a.def.ID())))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rootID != "" {
		return nil, ErrAlreadyBound
	}

	var batch []*eventlog.Event
	err := a.store.InTx(ctx, func(txctx context.Context) error {
		rows, serr := a.stepper.Start(txctx)
		if serr != nil {
			return serr
		}
		batch = a.stamp(rows)
		return a.store.Append(txctx, batch)
	})
	if err != nil {
		// Nothing was persisted; throw the poisoned stepper away.
		a.resetLocked()
		return nil, spanError(span, err)
	}
	a.seq = batch[len(batch)-1].Sequence
	a.metrics.AddAppended(a.def.ID(), len(batch))
	span.SetAttributes(attribute.String("machine.root", a.rootID))
	return a.stepper.State(), nil
}

// Send applies one external event under the per-machine lock and
// returns the settled state. Transactional events append every
// produced row inside one store transaction that the event's behaviors
// join through their context; failures roll the whole step back.
// Non-transactional events keep rows recorded up to a failure,
// including the transition fail marker.
func (a *Actor) Send(ctx context.Context, w eventlog.Wire) (*machine.State, error) {
	ctx, span := tracer.Start(ctx, "actor.send", trace.WithAttributes(
		attribute.String("machine.id", a.def.ID()),
		attribute.String("event.type", w.Type),
	))
	defer span.End()
	began := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rootID == "" {
		return nil, spanError(span, ErrNotStarted)
	}
	span.SetAttributes(attribute.String("machine.root", a.rootID))

	lease, err := a.acquireLocked(ctx, a.rootID)
	if err != nil {
		a.metrics.ObserveSend(a.def.ID(), "lock_timeout", time.Since(began).Seconds())
		return nil, spanError(span, err)
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			a.log.Warnf("actor %s: releasing lock: %v", a.def.ID(), rerr)
		}
	}()

	state, err := a.sendLocked(ctx, w)
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.metrics.ObserveSend(a.def.ID(), result, time.Since(began).Seconds())
	if err != nil {
		return nil, spanError(span, err)
	}
	return state, nil
}

func (a *Actor) sendLocked(ctx context.Context, w eventlog.Wire) (*machine.State, error) {
	// Rows parked by an earlier non-transactional failure must land
	// first to keep sequences contiguous.
	if err := a.flushPendingLocked(ctx); err != nil {
		return nil, err
	}

	if w.Transactional() {
		var batch []*eventlog.Event
		produced := false
		err := a.store.InTx(ctx, func(txctx context.Context) error {
			rows, serr := a.stepper.Step(txctx, w)
			produced = len(rows) > 0
			if serr != nil {
				return serr
			}
			if len(rows) == 0 {
				return nil
			}
			batch = a.stamp(rows)
			return a.store.Append(txctx, batch)
		})
		if err != nil {
			if produced {
				// The in-memory machine advanced past the rolled-back
				// rows; rebuild it from the durable timeline.
				if rerr := a.reloadLocked(ctx); rerr != nil {
					a.log.Errorf("actor %s: reload after rollback: %v", a.def.ID(), rerr)
				}
			}
			return nil, err
		}
		if len(batch) > 0 {
			a.seq = batch[len(batch)-1].Sequence
			a.metrics.AddAppended(a.def.ID(), len(batch))
		}
		return a.stepper.State(), nil
	}

	rows, serr := a.stepper.Step(ctx, w)
	if len(rows) > 0 {
		a.pending = append(a.pending, a.stamp(rows)...)
		a.seq = a.pending[len(a.pending)-1].Sequence
	}
	if ferr := a.flushPendingLocked(ctx); ferr != nil {
		if serr != nil {
			a.log.Warnf("actor %s: flushing rows after failed step: %v", a.def.ID(), ferr)
		} else {
			serr = ferr
		}
	}
	if serr != nil {
		return nil, serr
	}
	return a.stepper.State(), nil
}

// Persist flushes rows a failed non-transactional append left behind.
// It is a no-op when nothing is pending.
func (a *Actor) Persist(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushPendingLocked(ctx)
}

func (a *Actor) flushPendingLocked(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	if err := a.store.Append(ctx, a.pending); err != nil {
		return fmt.Errorf("actor: flushing %d pending events: %w", len(a.pending), err)
	}
	a.metrics.AddAppended(a.def.ID(), len(a.pending))
	a.pending = nil
	return nil
}

// stamp turns engine rows into storable events: ULID ids, dense
// sequence numbers continuing the timeline, creation time, and the
// root id. The first stamped row of a fresh actor mints the root.
func (a *Actor) stamp(rows []machine.Row) []*eventlog.Event {
	if len(rows) == 0 {
		return nil
	}
	now := a.clock().UTC()
	events := make([]*eventlog.Event, len(rows))
	for i := range rows {
		r := &rows[i]
		e := &eventlog.Event{
			ID:        eventlog.NewID(),
			Sequence:  a.seq + uint64(i) + 1,
			CreatedAt: now,
			MachineID: a.def.ID(),
			Value:     r.Value,
			Source:    r.Source,
			Type:      r.Type,
			Payload:   r.Payload,
			Context:   r.Context,
			Meta:      r.Meta,
			Version:   r.Version,
		}
		if a.rootID == "" {
			a.rootID = e.ID
		}
		e.RootID = a.rootID
		events[i] = e
	}
	return events
}

func (a *Actor) acquireLocked(ctx context.Context, rootID string) (*lock.Lease, error) {
	began := time.Now()
	lease, err := a.locks.Acquire(ctx, lock.MachineKey(rootID), a.lockWait)
	a.metrics.ObserveLockWait(a.def.ID(), time.Since(began).Seconds())
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrMachineRunning
	}
	if err != nil {
		return nil, fmt.Errorf("actor: acquiring machine lock: %w", err)
	}
	return lease, nil
}

func (a *Actor) resetLocked() {
	a.stepper = machine.NewStepper(a.def, a.stepperOpts()...)
	a.rootID = ""
	a.seq = 0
	a.pending = nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
