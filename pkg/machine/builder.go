package machine

import (
	"context"

	"github.com/statorio/stator/pkg/core"
)

// Builder provides a fluent API for assembling machine configs in code.
type Builder struct {
	cfg *Config
}

// StateBuilder builds a single state node.
type StateBuilder struct {
	root   *Builder
	up     *StateBuilder
	key    string
	cfg    *StateConfig
	branch *TransitionBuilder
}

// TransitionBuilder builds the branches of one transition.
type TransitionBuilder struct {
	owner *StateBuilder
	event string
	list  TransitionConfig
}

// NewBuilder starts a config for the machine with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{cfg: &Config{ID: id}}
}

// Type sets the top-level composition, "compound" or "parallel".
func (b *Builder) Type(t string) *Builder {
	b.cfg.Type = t
	return b
}

// Initial names the top-level initial state.
func (b *Builder) Initial(key string) *Builder {
	b.cfg.Initial = key
	return b
}

// Context sets the initial context values.
func (b *Builder) Context(values map[string]interface{}) *Builder {
	b.cfg.Context = values
	return b
}

// Schema attaches a context validation function.
func (b *Builder) Schema(s Schema) *Builder {
	b.cfg.WithSchema(s)
	return b
}

// Result names the registered result function computed when the machine
// finishes.
func (b *Builder) Result(name string) *Builder {
	b.cfg.Result = name
	return b
}

// Meta attaches machine-level metadata.
func (b *Builder) Meta(key string, value interface{}) *Builder {
	if b.cfg.Meta == nil {
		b.cfg.Meta = make(map[string]interface{})
	}
	b.cfg.Meta[key] = value
	return b
}

// Entry appends top-level entry behaviors.
func (b *Builder) Entry(refs ...BehaviorRef) *Builder {
	b.cfg.Entry = append(b.cfg.Entry, refs...)
	return b
}

// Exit appends top-level exit behaviors.
func (b *Builder) Exit(refs ...BehaviorRef) *Builder {
	b.cfg.Exit = append(b.cfg.Exit, refs...)
	return b
}

// On declares a machine-level transition handled by every state that
// does not override it.
func (b *Builder) On(event string, branches ...BranchConfig) *Builder {
	if b.cfg.On == nil {
		b.cfg.On = make(map[string]TransitionConfig)
	}
	b.cfg.On[event] = TransitionConfig(branches)
	return b
}

// Forbid cancels an inherited machine-level transition.
func (b *Builder) Forbid(event string) *Builder {
	if b.cfg.On == nil {
		b.cfg.On = make(map[string]TransitionConfig)
	}
	b.cfg.On[event] = nil
	return b
}

// State adds a top-level state and descends into it.
func (b *Builder) State(key string) *StateBuilder {
	sc := &StateConfig{}
	b.cfg.States.Set(key, sc)
	return &StateBuilder{root: b, key: key, cfg: sc}
}

// Build returns the assembled config.
func (b *Builder) Build() *Config { return b.cfg }

// Compile builds the config and compiles it against the registry.
func (b *Builder) Compile(registry *Registry, opts ...CompileOption) (*Definition, error) {
	return Compile(b.cfg, registry, opts...)
}

// --- StateBuilder ---

// Type sets the state type explicitly.
func (sb *StateBuilder) Type(t string) *StateBuilder {
	sb.cfg.Type = t
	return sb
}

// Final marks the state as final.
func (sb *StateBuilder) Final() *StateBuilder {
	sb.cfg.Type = "final"
	return sb
}

// Parallel marks the state as parallel.
func (sb *StateBuilder) Parallel() *StateBuilder {
	sb.cfg.Type = "parallel"
	return sb
}

// Initial names the initial child of a compound state.
func (sb *StateBuilder) Initial(key string) *StateBuilder {
	sb.cfg.Initial = key
	return sb
}

// Entry appends entry behaviors.
func (sb *StateBuilder) Entry(refs ...BehaviorRef) *StateBuilder {
	sb.cfg.Entry = append(sb.cfg.Entry, refs...)
	return sb
}

// Exit appends exit behaviors.
func (sb *StateBuilder) Exit(refs ...BehaviorRef) *StateBuilder {
	sb.cfg.Exit = append(sb.cfg.Exit, refs...)
	return sb
}

// Meta attaches metadata to the state.
func (sb *StateBuilder) Meta(key string, value interface{}) *StateBuilder {
	if sb.cfg.Meta == nil {
		sb.cfg.Meta = make(map[string]interface{})
	}
	sb.cfg.Meta[key] = value
	return sb
}

// State adds a child state and descends into it. Use Up to come back.
func (sb *StateBuilder) State(key string) *StateBuilder {
	sc := &StateConfig{}
	sb.cfg.States.Set(key, sc)
	return &StateBuilder{root: sb.root, up: sb, key: key, cfg: sc}
}

// On starts a transition for the event and descends into its branches.
func (sb *StateBuilder) On(event string) *TransitionBuilder {
	return &TransitionBuilder{owner: sb, event: event}
}

// Always starts an eventless transition evaluated on entry and after
// context changes.
func (sb *StateBuilder) Always() *TransitionBuilder {
	return sb.On("@always")
}

// OnDone starts the transition fired when every region of this parallel
// state rests on a final leaf.
func (sb *StateBuilder) OnDone() *TransitionBuilder {
	return sb.On("@done")
}

// Forbid cancels an ancestor's transition for this state's leaves.
func (sb *StateBuilder) Forbid(event string) *StateBuilder {
	if sb.cfg.On == nil {
		sb.cfg.On = make(map[string]TransitionConfig)
	}
	sb.cfg.On[event] = nil
	return sb
}

// Up returns to the parent state, or nil at the top level.
func (sb *StateBuilder) Up() *StateBuilder { return sb.up }

// Done returns to the machine builder.
func (sb *StateBuilder) Done() *Builder { return sb.root }

// --- TransitionBuilder ---

func (tb *TransitionBuilder) current() *BranchConfig {
	if len(tb.list) == 0 {
		tb.list = append(tb.list, BranchConfig{})
	}
	return &tb.list[len(tb.list)-1]
}

// To sets the current branch's target.
func (tb *TransitionBuilder) To(target string) *TransitionBuilder {
	tb.current().Target = target
	return tb
}

// Guard appends a guard to the current branch.
func (tb *TransitionBuilder) Guard(refs ...BehaviorRef) *TransitionBuilder {
	br := tb.current()
	br.Guards = append(br.Guards, refs...)
	return tb
}

// Action appends an action to the current branch.
func (tb *TransitionBuilder) Action(refs ...BehaviorRef) *TransitionBuilder {
	br := tb.current()
	br.Actions = append(br.Actions, refs...)
	return tb
}

// Calculate appends a calculator to the current branch.
func (tb *TransitionBuilder) Calculate(refs ...BehaviorRef) *TransitionBuilder {
	br := tb.current()
	br.Calculators = append(br.Calculators, refs...)
	return tb
}

// Branch closes the current branch and starts the next one. Branches
// are tried in declaration order.
func (tb *TransitionBuilder) Branch() *TransitionBuilder {
	tb.current()
	tb.list = append(tb.list, BranchConfig{})
	return tb
}

// Done attaches the transition and returns to the state.
func (tb *TransitionBuilder) Done() *StateBuilder {
	tb.current()
	if tb.owner.cfg.On == nil {
		tb.owner.cfg.On = make(map[string]TransitionConfig)
	}
	tb.owner.cfg.On[tb.event] = tb.list
	return tb.owner
}

// On finishes this transition and starts another on the same state.
func (tb *TransitionBuilder) On(event string) *TransitionBuilder {
	return tb.Done().On(event)
}

// --- common guards ---

// AlwaysAllow is a guard that always passes.
func AlwaysAllow() Guard {
	return func(ctx context.Context, call *Call) (bool, error) {
		return true, nil
	}
}

// NeverAllow is a guard that never passes.
func NeverAllow() Guard {
	return func(ctx context.Context, call *Call) (bool, error) {
		return false, nil
	}
}

// ContextEquals passes when a context key holds the given value.
func ContextEquals(key string, value interface{}) Guard {
	return func(ctx context.Context, call *Call) (bool, error) {
		v, ok := call.Context.Get(key)
		if !ok {
			return false, nil
		}
		return v == value, nil
	}
}

// PayloadFieldExists passes when the event payload carries the field.
func PayloadFieldExists(field string) Guard {
	return func(ctx context.Context, call *Call) (bool, error) {
		if call.Event == nil || call.Event.Payload == nil {
			return false, nil
		}
		_, ok := call.Event.Payload[field]
		return ok, nil
	}
}

// AndGuard combines guards with AND logic.
func AndGuard(guards ...Guard) Guard {
	return func(ctx context.Context, call *Call) (bool, error) {
		for _, guard := range guards {
			ok, err := guard(ctx, call)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

// OrGuard combines guards with OR logic.
func OrGuard(guards ...Guard) Guard {
	return func(ctx context.Context, call *Call) (bool, error) {
		for _, guard := range guards {
			ok, err := guard(ctx, call)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

// NotGuard inverts a guard.
func NotGuard(guard Guard) Guard {
	return func(ctx context.Context, call *Call) (bool, error) {
		ok, err := guard(ctx, call)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// --- common actions and calculators ---

// NoOpAction does nothing.
func NoOpAction() Action {
	return func(ctx context.Context, call *Call) error {
		return nil
	}
}

// LogAction logs the invocation through the given logger.
func LogAction(logger core.Logger) Action {
	return func(ctx context.Context, call *Call) error {
		logger.Infof("machine %s state %s handling %s", call.MachineID, call.State, call.Event.Type)
		return nil
	}
}

// ChainActions runs actions in order, stopping on the first error.
func ChainActions(actions ...Action) Action {
	return func(ctx context.Context, call *Call) error {
		for _, action := range actions {
			if err := action(ctx, call); err != nil {
				return err
			}
		}
		return nil
	}
}

// SetValue is a calculator writing a fixed value to the context.
func SetValue(key string, value interface{}) Calculator {
	return func(ctx context.Context, call *Call) error {
		return call.Context.Set(key, value)
	}
}

// Increment is a calculator adding delta to a numeric context key,
// treating a missing key as zero.
func Increment(key string, delta int64) Calculator {
	return func(ctx context.Context, call *Call) error {
		n, _ := call.Context.GetInt(key)
		return call.Context.Set(key, n+delta)
	}
}

// CopyPayload is a calculator copying an event payload field into the
// context under the same key.
func CopyPayload(field string) Calculator {
	return func(ctx context.Context, call *Call) error {
		if call.Event == nil || call.Event.Payload == nil {
			return newError(ErrorCodeMissingContext, "event %q carries no payload field %q", eventType(call), field)
		}
		v, ok := call.Event.Payload[field]
		if !ok {
			return newError(ErrorCodeMissingContext, "event %q carries no payload field %q", eventType(call), field)
		}
		return call.Context.Set(field, v)
	}
}

func eventType(call *Call) string {
	if call.Event == nil {
		return "<none>"
	}
	return call.Event.Type
}
