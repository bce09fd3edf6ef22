package machine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/core/failfast"
	"github.com/statorio/stator/pkg/eventlog"
)

// DefaultEventlessLimit bounds consecutive eventless transitions inside
// one macro-step before the engine gives up on the definition as
// cyclic.
const DefaultEventlessLimit = 32

// Row is one event produced by the engine, not yet stamped with an id,
// sequence number, or timestamp. Persistence assigns those.
type Row struct {
	Source  eventlog.Source
	Type    string
	Payload map[string]interface{}
	Meta    map[string]interface{}
	Version uint

	// Value is the machine value after the micro-step that produced the
	// row, as relative leaf paths in document order.
	Value []string

	// Context is nil, a {"set":..,"del":..} delta against the previous
	// row, or a {"full":..} snapshot on the first row of a timeline.
	Context json.RawMessage
}

// StepperOption configures a Stepper.
type StepperOption func(*Stepper)

// WithLogger sets the engine logger.
func WithLogger(l core.Logger) StepperOption {
	return func(st *Stepper) { st.log = l }
}

// WithStrictUnhandled makes Step return an error when no active state
// handles the sent event. The default is to ignore the event and record
// nothing.
func WithStrictUnhandled() StepperOption {
	return func(st *Stepper) { st.strict = true }
}

// WithEventlessLimit overrides the bound on consecutive eventless
// transitions.
func WithEventlessLimit(n int) StepperOption {
	return func(st *Stepper) { st.limit = n }
}

// Stepper executes macro-steps against a compiled definition. It holds
// the live machine state between steps and buffers the event rows each
// step produces; callers persist the rows and own all locking. Not safe
// for concurrent use.
type Stepper struct {
	def    *Definition
	log    core.Logger
	strict bool
	limit  int

	started bool
	done    bool
	output  interface{}
	active  []*StateDefinition
	ctx     *Context

	rows          []Row
	queue         []eventlog.Wire
	pendingAlways map[*StateDefinition]bool
	pendingDone   map[*StateDefinition]bool
}

// NewStepper creates an engine for one machine instance.
func NewStepper(def *Definition, opts ...StepperOption) *Stepper {
	failfast.NotNil(def, "definition")
	st := &Stepper{
		def:           def,
		log:           core.NewNopLogger(),
		limit:         DefaultEventlessLimit,
		pendingAlways: make(map[*StateDefinition]bool),
		pendingDone:   make(map[*StateDefinition]bool),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Definition returns the compiled definition the stepper runs.
func (st *Stepper) Definition() *Definition { return st.def }

// Started reports whether the machine has been initialized.
func (st *Stepper) Started() bool { return st.started }

// Done reports whether a top-level final state has been reached.
func (st *Stepper) Done() bool { return st.done }

// Output returns the machine's result output, set once it is done and a
// result function is configured.
func (st *Stepper) Output() interface{} { return st.output }

// State returns the current snapshot. The contained context is the live
// one; callers that keep it across steps should Clone.
func (st *Stepper) State() *State {
	return &State{
		Value:   st.relValues(),
		Context: st.ctx,
		Done:    st.done,
		Output:  st.output,
	}
}

// Context returns the live machine context.
func (st *Stepper) Context() *Context { return st.ctx }

// Start initializes the machine from its initial configuration: entry
// actions of the initial path run and their rows are returned alongside
// everything produced by eventless follow-ups. On error the returned
// rows hold what was recorded up to the failure.
func (st *Stepper) Start(ctx context.Context) ([]Row, error) {
	if st.started {
		return nil, newError(ErrorCodeInvalidDefinition, "machine %q is already started", st.def.id)
	}
	st.ctx = NewContext(st.def.schema)
	if err := st.ctx.Seed(st.def.initialContext); err != nil {
		return nil, err
	}
	st.started = true

	// The first row of the timeline carries the full context snapshot;
	// every later row carries a delta.
	snap, err := st.ctx.Snapshot()
	if err != nil {
		return nil, err
	}
	st.ctx.ResetTracking()
	st.rows = append(st.rows, Row{
		Source:  eventlog.SourceInternal,
		Type:    evStart(st.def.id),
		Version: 1,
		Context: snap,
	})

	ev := st.syntheticEvent(evStart(st.def.id))
	if err := st.enterInitial(ctx, ev); err != nil {
		st.stampRows(0, st.relValues())
		return st.takeRows(), err
	}
	st.stampRows(0, st.relValues())
	if err := st.settle(ctx); err != nil {
		return st.takeRows(), err
	}
	return st.takeRows(), nil
}

// Step applies one external event and drains everything it causes:
// eventless follow-ups, parallel completions, and raised events. The
// returned rows are the events to append; a handled-but-rejected event
// returns rows ending in a transition fail row. An event no active
// state handles returns (nil, nil) unless strict mode is on.
func (st *Stepper) Step(ctx context.Context, w eventlog.Wire) ([]Row, error) {
	if !st.started {
		return nil, newError(ErrorCodeInvalidDefinition, "machine %q is not started", st.def.id)
	}
	if err := eventlog.ValidateWire(w, st.def.id); err != nil {
		return nil, newError(ErrorCodeEventValidation, "event rejected: %v", err).withEvent(w.Type).withCause(err)
	}
	if st.done {
		if st.strict {
			return nil, newError(ErrorCodeNoTransition, "machine %q is done and no longer handles events", st.def.id).withEvent(w.Type)
		}
		st.log.Debugf("machine %s is done, dropping event %s", st.def.id, w.Type)
		return nil, nil
	}
	owner, td := st.resolve(w.Type)
	if td == nil {
		if st.strict {
			return nil, newError(ErrorCodeNoTransition, "no active state handles event %q", w.Type).withEvent(w.Type)
		}
		st.log.Debugf("machine %s has no transition for %s, recording nothing", st.def.id, w.Type)
		return nil, nil
	}

	ev := st.wireEvent(&w, eventlog.SourceExternal)
	rollback := len(st.rows)
	if err := st.appendEventRow(&w, eventlog.SourceExternal); err != nil {
		return st.takeRows(), err
	}
	if err := st.runTransition(ctx, ev, owner, td, rollback); err != nil {
		return st.takeRows(), err
	}
	if err := st.settle(ctx); err != nil {
		return st.takeRows(), err
	}
	return st.takeRows(), nil
}

// Resume seeds the stepper from replayed state instead of running
// Start. The machine value entries must name leaf states forming a
// consistent configuration.
func (st *Stepper) Resume(ctx context.Context, value []string, data *Context) error {
	if st.started {
		return newError(ErrorCodeInvalidDefinition, "machine %q is already started", st.def.id)
	}
	if len(value) == 0 {
		return newError(ErrorCodeInvalidDefinition, "machine value is empty")
	}
	leaves := make([]*StateDefinition, 0, len(value))
	for _, rel := range value {
		s, ok := st.def.State(rel)
		if !ok {
			return newError(ErrorCodeInvalidDefinition, "machine value entry %q does not name a state", rel)
		}
		if !s.IsLeaf() {
			return newError(ErrorCodeInvalidDefinition, "machine value entry %q is not a leaf state", rel)
		}
		leaves = append(leaves, s)
	}
	sortDocument(leaves)
	if err := validateConfiguration(st.def, leaves); err != nil {
		return err
	}
	st.active = leaves
	if data == nil {
		data = NewContext(st.def.schema)
	}
	data.ResetTracking()
	st.ctx = data
	st.started = true
	if st.atTopLevelFinal() {
		st.done = true
		if st.def.result != "" {
			if err := st.computeOutput(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Can reports whether the current configuration handles the event type.
// Reserved keys and lifecycle types are never sendable.
func (st *Stepper) Can(eventType string) bool {
	if !st.started || st.done {
		return false
	}
	if eventlog.ValidateWire(eventlog.Wire{Type: eventType}, st.def.id) != nil {
		return false
	}
	_, td := st.resolve(eventType)
	return td != nil
}

// AcceptedEvents returns the event types the current configuration
// handles, sorted. Forbidden overrides are honored per leaf.
func (st *Stepper) AcceptedEvents() []string {
	if !st.started || st.done {
		return nil
	}
	union := make(map[string]bool)
	for _, leaf := range st.active {
		verdict := make(map[string]bool)
		for s := leaf; s != nil; s = s.Parent {
			for key, td := range s.Transitions {
				if key == eventlog.AlwaysKey || key == eventlog.DoneKey {
					continue
				}
				if _, seen := verdict[key]; !seen {
					verdict[key] = !td.Forbidden
				}
			}
		}
		for key, ok := range verdict {
			if ok {
				union[key] = true
			}
		}
	}
	out := make([]string, 0, len(union))
	for key := range union {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// --- macro-step internals ---

// resolve finds the transition definition handling eventType: for each
// active leaf in document order, the nearest ancestor (leaf included)
// owning a definition for the type wins, with a forbidden override
// canceling the search for that leaf.
func (st *Stepper) resolve(eventType string) (*StateDefinition, *TransitionDefinition) {
	for _, leaf := range st.active {
		for s := leaf; s != nil; s = s.Parent {
			td, ok := s.Transitions[eventType]
			if !ok {
				continue
			}
			if td.Forbidden {
				break
			}
			return s, td
		}
	}
	return nil, nil
}

// runTransition executes steps 2..6 of the micro-step protocol for one
// resolved transition: branch selection with calculators and guards,
// then exits, actions, and entries when the branch is targeted.
// rollback marks the first row of this micro-step, including the
// triggering event row when one was recorded.
func (st *Stepper) runTransition(ctx context.Context, ev *eventlog.Event, owner *StateDefinition, td *TransitionDefinition, rollback int) error {
	preValue := st.relValues()
	versionBefore := st.ctx.Version()
	snap, err := st.ctx.Snapshot()
	if err != nil {
		return err
	}
	ownerRel := st.def.Rel(owner)

	fail := func(cause error) error {
		if rerr := st.appendRow(Row{
			Source:  eventlog.SourceInternal,
			Type:    evTransitionFail(st.def.id, ownerRel, ev.Type),
			Version: 1,
		}); rerr != nil {
			st.log.Warnf("machine %s: recording transition failure: %v", st.def.id, rerr)
		}
		st.stampRows(rollback, preValue)
		st.log.Warnf("machine %s: transition %s on %s failed: %v", st.def.id, ev.Type, ownerRel, cause)
		return cause
	}

	var selected *Branch
	for i, branch := range td.Branches {
		if err := st.runCalculators(ctx, ev, owner, branch.Calculators); err != nil {
			return fail(err)
		}
		pass, verr := st.runGuards(ctx, ev, owner, branch.Guards)
		if verr != nil {
			if IsCode(verr, ErrorCodeEventValidation) {
				// A rejected event is erased entirely: rows are
				// dropped and context mutations are rolled back.
				restored := NewContext(st.def.schema)
				if aerr := restored.ApplyJSON(snap); aerr != nil {
					return aerr
				}
				restored.ResetTracking()
				st.ctx = restored
				st.rows = st.rows[:rollback]
				return verr
			}
			return fail(verr)
		}
		if pass {
			selected = td.Branches[i]
			break
		}
	}
	if selected == nil {
		// No branch passed: the event is recorded as a no-op.
		if err := st.appendRow(Row{
			Source:  eventlog.SourceInternal,
			Type:    evTransitionFail(st.def.id, ownerRel, ev.Type),
			Version: 1,
		}); err != nil {
			return err
		}
		st.stampRows(rollback, preValue)
		return nil
	}

	if selected.Internal() {
		if err := st.runActionRefs(ctx, ev, owner, selected.Actions); err != nil {
			return fail(err)
		}
		st.stampRows(rollback, preValue)
	} else {
		target := selected.Target
		if err := st.appendRow(Row{
			Source:  eventlog.SourceInternal,
			Type:    evTransitionStart(st.def.id, ownerRel, ev.Type),
			Version: 1,
		}); err != nil {
			return err
		}
		domain := LCA(owner, target)
		for _, s := range st.exitSet(domain) {
			if err := st.exitState(ctx, ev, s); err != nil {
				return fail(err)
			}
		}
		if err := st.runActionRefs(ctx, ev, owner, selected.Actions); err != nil {
			return fail(err)
		}
		entered := enterSet(domain, target)
		for _, s := range entered {
			if err := st.enterState(ctx, ev, s); err != nil {
				return fail(err)
			}
		}
		if err := st.appendRow(Row{
			Source:  eventlog.SourceInternal,
			Type:    evTransitionFinish(st.def.id, ownerRel, ev.Type),
			Version: 1,
		}); err != nil {
			return err
		}
		st.applyConfiguration(domain, entered)
		st.stampRows(rollback, st.relValues())
		for _, s := range entered {
			st.pendingAlways[s] = true
		}
		st.armDone()
	}

	if st.ctx.Version() != versionBefore {
		// Context changed: re-arm eventless checks across the active
		// chain.
		for s := range st.activeChain() {
			st.pendingAlways[s] = true
		}
	}
	return nil
}

func (st *Stepper) runCalculators(ctx context.Context, ev *eventlog.Event, owner *StateDefinition, refs []BehaviorRef) error {
	for _, ref := range refs {
		entry, err := st.def.registry.resolveCalculator(ref.Name)
		if err != nil {
			return err
		}
		if err := entry.meta.checkRequirements(st.ctx); err != nil {
			return withFrame(err, ref.Name, st.def.Rel(owner), ev.Type)
		}
		if err := entry.fn(ctx, st.call(ev, owner, ref.Args)); err != nil {
			if rerr := st.appendRow(Row{
				Source:  eventlog.SourceInternal,
				Type:    evCalculator(st.def.id, ref.Name, false),
				Version: 1,
			}); rerr != nil {
				return rerr
			}
			return wrapBehavior(err, ref.Name, st.def.Rel(owner), ev.Type)
		}
		if err := st.appendRow(Row{
			Source:  eventlog.SourceInternal,
			Type:    evCalculator(st.def.id, ref.Name, true),
			Version: 1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// runGuards evaluates one branch's guards. It returns pass=false with a
// nil error when an ordinary guard votes no, and an event validation
// error when a validation guard rejects.
func (st *Stepper) runGuards(ctx context.Context, ev *eventlog.Event, owner *StateDefinition, refs []BehaviorRef) (bool, error) {
	for _, ref := range refs {
		entry, err := st.def.registry.resolveGuard(ref.Name)
		if err != nil {
			return false, err
		}
		if err := entry.meta.checkRequirements(st.ctx); err != nil {
			return false, withFrame(err, ref.Name, st.def.Rel(owner), ev.Type)
		}
		ok, gerr := entry.fn(ctx, st.call(ev, owner, ref.Args))
		if gerr != nil {
			if rerr := st.appendRow(Row{
				Source:  eventlog.SourceInternal,
				Type:    evGuard(st.def.id, ref.Name, false),
				Version: 1,
			}); rerr != nil {
				return false, rerr
			}
			return false, wrapBehavior(gerr, ref.Name, st.def.Rel(owner), ev.Type)
		}
		if err := st.appendRow(Row{
			Source:  eventlog.SourceInternal,
			Type:    evGuard(st.def.id, ref.Name, ok),
			Version: 1,
		}); err != nil {
			return false, err
		}
		if !ok {
			if entry.validation {
				msg := entry.meta.message
				if msg == "" {
					msg = "event " + ev.Type + " rejected by " + ref.Name
				}
				return false, newError(ErrorCodeEventValidation, "%s", msg).
					withBehavior(ref.Name).withState(st.def.Rel(owner)).withEvent(ev.Type)
			}
			return false, nil
		}
	}
	return true, nil
}

// runActionRefs runs a behavior list with action start/finish rows.
// Entry and exit lists pass the owning state so Call.State names it.
func (st *Stepper) runActionRefs(ctx context.Context, ev *eventlog.Event, owner *StateDefinition, refs []BehaviorRef) error {
	for _, ref := range refs {
		entry, err := st.def.registry.resolveAction(ref.Name)
		if err != nil {
			return err
		}
		if err := entry.meta.checkRequirements(st.ctx); err != nil {
			return withFrame(err, ref.Name, st.def.Rel(owner), ev.Type)
		}
		if err := st.appendRow(Row{
			Source:  eventlog.SourceInternal,
			Type:    evActionStart(st.def.id, ref.Name),
			Version: 1,
		}); err != nil {
			return err
		}
		if err := entry.fn(ctx, st.call(ev, owner, ref.Args)); err != nil {
			return wrapBehavior(err, ref.Name, st.def.Rel(owner), ev.Type)
		}
		if err := st.appendRow(Row{
			Source:  eventlog.SourceInternal,
			Type:    evActionFinish(st.def.id, ref.Name),
			Version: 1,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (st *Stepper) enterState(ctx context.Context, ev *eventlog.Event, s *StateDefinition) error {
	rel := st.def.Rel(s)
	if err := st.appendRow(Row{Source: eventlog.SourceInternal, Type: evStateEnter(st.def.id, rel), Version: 1}); err != nil {
		return err
	}
	if err := st.appendRow(Row{Source: eventlog.SourceInternal, Type: evEntryStart(st.def.id, rel), Version: 1}); err != nil {
		return err
	}
	if err := st.runActionRefs(ctx, ev, s, s.Entry); err != nil {
		return err
	}
	return st.appendRow(Row{Source: eventlog.SourceInternal, Type: evEntryFinish(st.def.id, rel), Version: 1})
}

func (st *Stepper) exitState(ctx context.Context, ev *eventlog.Event, s *StateDefinition) error {
	rel := st.def.Rel(s)
	if err := st.appendRow(Row{Source: eventlog.SourceInternal, Type: evExitStart(st.def.id, rel), Version: 1}); err != nil {
		return err
	}
	if err := st.runActionRefs(ctx, ev, s, s.Exit); err != nil {
		return err
	}
	if err := st.appendRow(Row{Source: eventlog.SourceInternal, Type: evExitFinish(st.def.id, rel), Version: 1}); err != nil {
		return err
	}
	return st.appendRow(Row{Source: eventlog.SourceInternal, Type: evStateExit(st.def.id, rel), Version: 1})
}

// enterInitial activates the initial configuration during Start.
func (st *Stepper) enterInitial(ctx context.Context, ev *eventlog.Event) error {
	if err := st.runActionRefs(ctx, ev, st.def.root, st.def.root.Entry); err != nil {
		return err
	}
	entered := enterSet(st.def.root, st.def.root)
	for _, s := range entered {
		if err := st.enterState(ctx, ev, s); err != nil {
			return err
		}
	}
	var leaves []*StateDefinition
	for _, s := range entered {
		if s.IsLeaf() {
			leaves = append(leaves, s)
		}
	}
	sortDocument(leaves)
	st.active = leaves
	for _, s := range entered {
		st.pendingAlways[s] = true
	}
	st.pendingAlways[st.def.root] = true
	st.armDone()
	return nil
}

// settle drives the macro-step to quiescence: eventless transitions
// first, then parallel completions, then the raised-event queue, until
// nothing is pending or a top-level final state ends the machine.
func (st *Stepper) settle(ctx context.Context) error {
	steps := 0
	for {
		s := st.nextPending(st.pendingAlways, eventlog.AlwaysKey)
		if s != nil {
			steps++
			if steps > st.limit {
				return newError(ErrorCodeEventlessLoop,
					"machine %q exceeded %d consecutive eventless transitions", st.def.id, st.limit)
			}
			if err := st.eventlessStep(ctx, s, eventlog.AlwaysKey); err != nil {
				return err
			}
			continue
		}
		if p := st.nextPending(st.pendingDone, eventlog.DoneKey); p != nil {
			steps++
			if steps > st.limit {
				return newError(ErrorCodeEventlessLoop,
					"machine %q exceeded %d consecutive eventless transitions", st.def.id, st.limit)
			}
			if err := st.eventlessStep(ctx, p, eventlog.DoneKey); err != nil {
				return err
			}
			continue
		}
		if st.atTopLevelFinal() {
			return st.finish(ctx)
		}
		if len(st.queue) == 0 {
			return nil
		}
		w := st.queue[0]
		st.queue = st.queue[1:]
		steps = 0
		if err := st.drainOne(ctx, w); err != nil {
			return err
		}
	}
}

// eventlessStep fires a synthetic @always or @done transition owned by
// s. No event row is recorded; lifecycle rows are.
func (st *Stepper) eventlessStep(ctx context.Context, s *StateDefinition, key string) error {
	td := s.Transitions[key]
	ev := st.syntheticEvent(key)
	return st.runTransition(ctx, ev, s, td, len(st.rows))
}

// drainOne processes one raised event. Raised events nothing handles
// are dropped silently; their raised marker row already documents them.
func (st *Stepper) drainOne(ctx context.Context, w eventlog.Wire) error {
	owner, td := st.resolve(w.Type)
	if td == nil {
		st.log.Debugf("machine %s: raised event %s has no handler, dropping", st.def.id, w.Type)
		return nil
	}
	ev := st.wireEvent(&w, eventlog.SourceInternal)
	rollback := len(st.rows)
	if err := st.appendEventRow(&w, eventlog.SourceInternal); err != nil {
		return err
	}
	return st.runTransition(ctx, ev, owner, td, rollback)
}

// finish emits the machine finish row and computes the result output.
func (st *Stepper) finish(ctx context.Context) error {
	if st.done {
		return nil
	}
	st.done = true
	if n := len(st.queue); n > 0 {
		st.log.Debugf("machine %s finished with %d queued events dropped", st.def.id, n)
		st.queue = nil
	}
	if st.def.result != "" {
		if err := st.computeOutput(ctx); err != nil {
			return err
		}
	}
	mark := len(st.rows)
	if err := st.appendRow(Row{
		Source:  eventlog.SourceInternal,
		Type:    evFinish(st.def.id),
		Version: 1,
	}); err != nil {
		return err
	}
	st.stampRows(mark, st.relValues())
	return nil
}

func (st *Stepper) computeOutput(ctx context.Context) error {
	entry, err := st.def.registry.resolveResult(st.def.result)
	if err != nil {
		return err
	}
	if err := entry.meta.checkRequirements(st.ctx); err != nil {
		return withFrame(err, st.def.result, "", evFinish(st.def.id))
	}
	out, rerr := entry.fn(ctx, st.call(st.syntheticEvent(evFinish(st.def.id)), st.def.root, nil))
	if rerr != nil {
		return wrapBehavior(rerr, st.def.result, "", evFinish(st.def.id))
	}
	st.output = out
	return nil
}

// --- configuration bookkeeping ---

// exitSet lists the active states strictly below domain, deepest first.
func (st *Stepper) exitSet(domain *StateDefinition) []*StateDefinition {
	chain := st.activeChain()
	var exits []*StateDefinition
	for s := range chain {
		if s != domain && IsDescendant(s, domain) {
			exits = append(exits, s)
		}
	}
	sortStates(exits, true)
	return exits
}

// applyConfiguration replaces the leaves under domain with the leaves
// of the entered set.
func (st *Stepper) applyConfiguration(domain *StateDefinition, entered []*StateDefinition) {
	var leaves []*StateDefinition
	for _, l := range st.active {
		if l != domain && IsDescendant(l, domain) {
			continue
		}
		leaves = append(leaves, l)
	}
	for _, s := range entered {
		if s.IsLeaf() {
			leaves = append(leaves, s)
		}
	}
	sortDocument(leaves)
	st.active = leaves
}

// activeChain returns every active state: the leaves plus all their
// ancestors up to the root.
func (st *Stepper) activeChain() map[*StateDefinition]bool {
	set := make(map[*StateDefinition]bool)
	for _, leaf := range st.active {
		for s := leaf; s != nil; s = s.Parent {
			set[s] = true
		}
	}
	return set
}

// armDone marks active parallels whose regions all rest on final leaves
// for a @done check.
func (st *Stepper) armDone() {
	for s := range st.activeChain() {
		if s.Type != StateParallel {
			continue
		}
		if td, ok := s.Transitions[eventlog.DoneKey]; !ok || td.Forbidden {
			continue
		}
		if st.parallelDone(s) {
			st.pendingDone[s] = true
		}
	}
}

func (st *Stepper) parallelDone(p *StateDefinition) bool {
	for _, region := range p.Children {
		settled := false
		for _, leaf := range st.active {
			if leaf.Type != StateFinal {
				continue
			}
			if leaf == region || IsDescendant(leaf, region) {
				settled = true
				break
			}
		}
		if !settled {
			return false
		}
	}
	return true
}

// nextPending picks the document-order-first armed state that is still
// active and owns the transition key, consuming its mark.
func (st *Stepper) nextPending(set map[*StateDefinition]bool, key string) *StateDefinition {
	if len(set) == 0 {
		return nil
	}
	chain := st.activeChain()
	var best *StateDefinition
	for s := range set {
		if !chain[s] {
			delete(set, s)
			continue
		}
		td, ok := s.Transitions[key]
		if !ok || td.Forbidden {
			delete(set, s)
			continue
		}
		if best == nil || s.order < best.order {
			best = s
		}
	}
	if best != nil {
		delete(set, best)
	}
	return best
}

func (st *Stepper) atTopLevelFinal() bool {
	if st.def.root.Type == StateParallel {
		return st.parallelDone(st.def.root)
	}
	for _, leaf := range st.active {
		if leaf.Parent == st.def.root && leaf.Type == StateFinal {
			return true
		}
	}
	return false
}

// --- row plumbing ---

// appendRow attaches the pending context delta to the row and buffers
// it. Machine value stamps are applied per micro-step.
func (st *Stepper) appendRow(r Row) error {
	delta, err := st.ctx.Flush()
	if err != nil {
		return err
	}
	r.Context = delta
	st.rows = append(st.rows, r)
	return nil
}

func (st *Stepper) appendEventRow(w *eventlog.Wire, source eventlog.Source) error {
	meta := w.Meta
	if w.Actor != nil {
		m := make(map[string]interface{}, len(meta)+1)
		for k, v := range meta {
			m[k] = v
		}
		m["actor"] = w.Actor
		meta = m
	}
	return st.appendRow(Row{
		Source:  source,
		Type:    w.Type,
		Payload: w.Payload,
		Meta:    meta,
		Version: w.EffectiveVersion(),
	})
}

func (st *Stepper) stampRows(from int, value []string) {
	for i := from; i < len(st.rows); i++ {
		st.rows[i].Value = value
	}
}

func (st *Stepper) takeRows() []Row {
	rows := st.rows
	st.rows = nil
	return rows
}

func (st *Stepper) relValues() []string {
	out := make([]string, 0, len(st.active))
	for _, leaf := range st.active {
		out = append(out, st.def.Rel(leaf))
	}
	return out
}

// --- call frames and events ---

func (st *Stepper) call(ev *eventlog.Event, owner *StateDefinition, args map[string]interface{}) *Call {
	return &Call{
		MachineID: st.def.id,
		State:     st.def.Rel(owner),
		Event:     ev,
		Context:   st.ctx,
		Args:      args,
		raise:     st.raise,
	}
}

// raise enqueues a follow-up event and records its raised marker row.
// Named raises resolve through the registry immediately so the marker
// carries the concrete type.
func (st *Stepper) raise(w eventlog.Wire, name string) error {
	if name != "" {
		maker, err := st.def.registry.resolveEvent(name)
		if err != nil {
			return err
		}
		made := maker()
		if w.Payload != nil {
			made.Payload = w.Payload
		}
		w = made
	}
	if err := eventlog.ValidateWire(w, st.def.id); err != nil {
		return newError(ErrorCodeEventValidation, "raised event rejected: %v", err).withCause(err)
	}
	st.queue = append(st.queue, w)
	return st.appendRow(Row{
		Source:  eventlog.SourceInternal,
		Type:    evRaised(st.def.id, w.Type),
		Version: 1,
	})
}

func (st *Stepper) wireEvent(w *eventlog.Wire, source eventlog.Source) *eventlog.Event {
	return &eventlog.Event{
		MachineID: st.def.id,
		Type:      w.Type,
		Payload:   w.Payload,
		Source:    source,
		Version:   w.EffectiveVersion(),
		Meta:      w.Meta,
	}
}

func (st *Stepper) syntheticEvent(typ string) *eventlog.Event {
	return &eventlog.Event{
		MachineID: st.def.id,
		Type:      typ,
		Source:    eventlog.SourceInternal,
		Version:   1,
	}
}

// --- shared validation ---

// validateConfiguration checks that leaves form a legal active set: at
// most one child per compound ancestor and one leaf per parallel
// region.
func validateConfiguration(def *Definition, leaves []*StateDefinition) error {
	chosen := make(map[*StateDefinition]*StateDefinition)
	for _, leaf := range leaves {
		path := Path(leaf)
		for i := 0; i < len(path)-1; i++ {
			parent, child := path[i], path[i+1]
			if parent.Type == StateParallel {
				continue
			}
			if prev, ok := chosen[parent]; ok && prev != child {
				return newError(ErrorCodeAmbiguousState,
					"machine value activates two children of %q: %q and %q", parent.ID, prev.Key, child.Key)
			}
			chosen[parent] = child
		}
	}
	covered := make(map[*StateDefinition]bool)
	for _, leaf := range leaves {
		for s := leaf; s != nil; s = s.Parent {
			covered[s] = true
		}
	}
	for s := range covered {
		if s.Type != StateParallel {
			continue
		}
		for _, region := range s.Children {
			if !covered[region] {
				return newError(ErrorCodeInvalidParallelState,
					"machine value misses region %q of parallel %q", region.Key, s.ID)
			}
		}
	}
	return nil
}

// withFrame decorates an existing machine error with behavior context.
func withFrame(err error, behavior, state, event string) error {
	var e *Error
	if errors.As(err, &e) {
		return e.withBehavior(behavior).withState(state).withEvent(event)
	}
	return err
}

// wrapBehavior converts a behavior failure into a machine error unless
// it already is one.
func wrapBehavior(err error, behavior, state, event string) error {
	var e *Error
	if errors.As(err, &e) {
		return e.withBehavior(behavior).withState(state).withEvent(event)
	}
	return newError(ErrorCodeActionFailed, "behavior %q failed: %v", behavior, err).
		withBehavior(behavior).withState(state).withEvent(event).withCause(err)
}
