package machine

import (
	"context"
	"strings"
	"sync"

	"github.com/statorio/stator/pkg/core/failfast"
	"github.com/statorio/stator/pkg/eventlog"
)

// The five behavior kinds a definition can reference. Every behavior
// receives the call frame and returns explicit errors; panics are not
// part of the contract.
type (
	// Calculator mutates the context before guards are evaluated.
	Calculator func(ctx context.Context, call *Call) error

	// Guard decides whether a branch may be taken.
	Guard func(ctx context.Context, call *Call) (bool, error)

	// Action runs side effects during exit, transition, and entry.
	Action func(ctx context.Context, call *Call) error

	// EventMaker builds the wire form of a registered event type.
	EventMaker func() eventlog.Wire

	// Result computes a machine's output, typically once it is done.
	Result func(ctx context.Context, call *Call) (interface{}, error)
)

// Kind tags a behavior section in the registry.
type Kind string

const (
	KindCalculator Kind = "calculator"
	KindGuard      Kind = "guard"
	KindAction     Kind = "action"
	KindEvent      Kind = "event"
	KindResult     Kind = "result"
)

// Call is the frame passed to every behavior invocation: the machine
// context, the event row being processed, the state that owns the
// invocation, and the static args of the reference. Raise enqueues a
// follow-up event drained after the enclosing block completes.
type Call struct {
	MachineID string
	State     string
	Event     *eventlog.Event
	Context   *Context
	Args      map[string]interface{}

	raise func(eventlog.Wire, string) error
}

// Raise enqueues a follow-up event processed after the current entry,
// exit, or action block finishes. The event is recorded as INTERNAL.
func (c *Call) Raise(w eventlog.Wire) error {
	if c.raise == nil {
		return newError(ErrorCodeActionFailed, "raise is not available in this call")
	}
	return c.raise(w, "")
}

// RaiseEvent enqueues a registered event type by name. The registry is
// consulted immediately so the recorded raise marker carries the
// concrete event type; a non-nil payload overrides the maker's.
func (c *Call) RaiseEvent(name string, payload map[string]interface{}) error {
	if c.raise == nil {
		return newError(ErrorCodeActionFailed, "raise is not available in this call")
	}
	return c.raise(eventlog.Wire{Payload: payload}, name)
}

// Requirement is one required-context declaration: a key plus an
// optional type tag ("count:int").
type Requirement struct {
	Key  string
	Type string
}

func parseRequirement(spec string) Requirement {
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		return Requirement{Key: spec[:i], Type: spec[i+1:]}
	}
	return Requirement{Key: spec}
}

func (r Requirement) check(c *Context) error {
	v, ok := c.Get(r.Key)
	if !ok {
		return newError(ErrorCodeMissingContext, "required context key %q is missing", r.Key)
	}
	if r.Type == "" {
		return nil
	}
	if !typeMatches(r.Type, v) {
		return newError(ErrorCodeContextValidation, "context key %q is not of type %s", r.Key, r.Type)
	}
	return nil
}

func typeMatches(tag string, v interface{}) bool {
	switch tag {
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int", "float", "number":
		switch v.(type) {
		case int, int32, int64, uint, float32, float64:
			return true
		}
		if n, ok := v.(interface{ Int64() (int64, error) }); ok {
			_, err := n.Int64()
			return tag != "int" || err == nil
		}
		return false
	case "map":
		switch v.(type) {
		case map[string]interface{}, *orderedObject:
			return true
		}
		return false
	case "list":
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}

type entryMeta struct {
	requires []Requirement
	message  string
}

func (m entryMeta) checkRequirements(c *Context) error {
	for _, r := range m.requires {
		if err := r.check(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterOption customizes a behavior registration.
type RegisterOption func(*entryMeta)

// RequireContext declares context keys that must exist before the
// behavior runs. A spec may carry a type tag, e.g. "count:int".
func RequireContext(specs ...string) RegisterOption {
	return func(m *entryMeta) {
		for _, s := range specs {
			m.requires = append(m.requires, parseRequirement(s))
		}
	}
}

// WithFailureMessage sets the message a validation guard surfaces when
// it rejects an event.
func WithFailureMessage(msg string) RegisterOption {
	return func(m *entryMeta) { m.message = msg }
}

type calculatorEntry struct {
	fn   Calculator
	meta entryMeta
}

type guardEntry struct {
	fn         Guard
	meta       entryMeta
	validation bool
}

type actionEntry struct {
	fn   Action
	meta entryMeta
}

type resultEntry struct {
	fn   Result
	meta entryMeta
}

// Registry resolves behavior names to callables. It is read-only at
// runtime apart from the test override hooks, which must be restored
// between tests.
type Registry struct {
	mu          sync.RWMutex
	calculators map[string]*calculatorEntry
	guards      map[string]*guardEntry
	actions     map[string]*actionEntry
	events      map[string]EventMaker
	results     map[string]*resultEntry
}

// NewRegistry creates an empty behavior registry.
func NewRegistry() *Registry {
	return &Registry{
		calculators: make(map[string]*calculatorEntry),
		guards:      make(map[string]*guardEntry),
		actions:     make(map[string]*actionEntry),
		events:      make(map[string]EventMaker),
		results:     make(map[string]*resultEntry),
	}
}

func buildMeta(opts []RegisterOption) entryMeta {
	var m entryMeta
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// RegisterCalculator adds a calculator under name.
func (r *Registry) RegisterCalculator(name string, fn Calculator, opts ...RegisterOption) *Registry {
	failfast.If(name != "", "calculator name must not be empty")
	failfast.NotNil(fn, "calculator "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calculators[name] = &calculatorEntry{fn: fn, meta: buildMeta(opts)}
	return r
}

// RegisterGuard adds a guard under name.
func (r *Registry) RegisterGuard(name string, fn Guard, opts ...RegisterOption) *Registry {
	failfast.If(name != "", "guard name must not be empty")
	failfast.NotNil(fn, "guard "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[name] = &guardEntry{fn: fn, meta: buildMeta(opts)}
	return r
}

// RegisterValidationGuard adds a guard whose false result rejects the
// event with a validation error instead of falling through to the next
// branch. Validation guards may only appear on the first branch of a
// multi-branch transition.
func (r *Registry) RegisterValidationGuard(name string, fn Guard, opts ...RegisterOption) *Registry {
	failfast.If(name != "", "guard name must not be empty")
	failfast.NotNil(fn, "guard "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[name] = &guardEntry{fn: fn, meta: buildMeta(opts), validation: true}
	return r
}

// RegisterAction adds an action under name.
func (r *Registry) RegisterAction(name string, fn Action, opts ...RegisterOption) *Registry {
	failfast.If(name != "", "action name must not be empty")
	failfast.NotNil(fn, "action "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = &actionEntry{fn: fn, meta: buildMeta(opts)}
	return r
}

// RegisterEvent adds a registered event type under name.
func (r *Registry) RegisterEvent(name string, maker EventMaker) *Registry {
	failfast.If(name != "", "event name must not be empty")
	failfast.NotNil(maker, "event "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[name] = maker
	return r
}

// RegisterResult adds a result computation under name.
func (r *Registry) RegisterResult(name string, fn Result, opts ...RegisterOption) *Registry {
	failfast.If(name != "", "result name must not be empty")
	failfast.NotNil(fn, "result "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[name] = &resultEntry{fn: fn, meta: buildMeta(opts)}
	return r
}

func (r *Registry) resolveCalculator(name string) (*calculatorEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.calculators[name]; ok {
		return e, nil
	}
	return nil, newError(ErrorCodeBehaviorNotFound, "calculator %q is not registered", name).withBehavior(name)
}

func (r *Registry) resolveGuard(name string) (*guardEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.guards[name]; ok {
		return e, nil
	}
	return nil, newError(ErrorCodeBehaviorNotFound, "guard %q is not registered", name).withBehavior(name)
}

func (r *Registry) resolveAction(name string) (*actionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.actions[name]; ok {
		return e, nil
	}
	return nil, newError(ErrorCodeBehaviorNotFound, "action %q is not registered", name).withBehavior(name)
}

func (r *Registry) resolveEvent(name string) (EventMaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.events[name]; ok {
		return m, nil
	}
	return nil, newError(ErrorCodeBehaviorNotFound, "event %q is not registered", name).withBehavior(name)
}

func (r *Registry) resolveResult(name string) (*resultEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.results[name]; ok {
		return e, nil
	}
	return nil, newError(ErrorCodeBehaviorNotFound, "result %q is not registered", name).withBehavior(name)
}

// Has reports whether a behavior of the given kind exists under name.
func (r *Registry) Has(kind Kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case KindCalculator:
		_, ok := r.calculators[name]
		return ok
	case KindGuard:
		_, ok := r.guards[name]
		return ok
	case KindAction:
		_, ok := r.actions[name]
		return ok
	case KindEvent:
		_, ok := r.events[name]
		return ok
	case KindResult:
		_, ok := r.results[name]
		return ok
	default:
		return false
	}
}

// IsValidationGuard reports whether name is registered as a validation
// guard.
func (r *Registry) IsValidationGuard(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.guards[name]
	return ok && e.validation
}

// OverrideGuard swaps a guard for tests, returning a restore func.
// Metadata and the validation flag of an existing entry are kept.
func (r *Registry) OverrideGuard(name string, fn Guard) (restore func()) {
	failfast.NotNil(fn, "guard "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.guards[name]
	next := &guardEntry{fn: fn}
	if existed {
		next.meta = prev.meta
		next.validation = prev.validation
	}
	r.guards[name] = next
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.guards[name] = prev
		} else {
			delete(r.guards, name)
		}
	}
}

// OverrideAction swaps an action for tests, returning a restore func.
func (r *Registry) OverrideAction(name string, fn Action) (restore func()) {
	failfast.NotNil(fn, "action "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.actions[name]
	next := &actionEntry{fn: fn}
	if existed {
		next.meta = prev.meta
	}
	r.actions[name] = next
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.actions[name] = prev
		} else {
			delete(r.actions, name)
		}
	}
}

// OverrideCalculator swaps a calculator for tests, returning a restore
// func.
func (r *Registry) OverrideCalculator(name string, fn Calculator) (restore func()) {
	failfast.NotNil(fn, "calculator "+name)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.calculators[name]
	next := &calculatorEntry{fn: fn}
	if existed {
		next.meta = prev.meta
	}
	r.calculators[name] = next
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.calculators[name] = prev
		} else {
			delete(r.calculators, name)
		}
	}
}
