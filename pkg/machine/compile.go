package machine

import (
	"strings"
)

// CompileOption tweaks compiler behavior.
type CompileOption func(*compileOptions)

type compileOptions struct {
	skipBehaviorCheck bool
}

// WithoutBehaviorCheck compiles a definition without verifying that the
// referenced guards, actions and calculators are registered. Useful for
// tooling that only needs the state graph, such as diagram rendering.
func WithoutBehaviorCheck() CompileOption {
	return func(o *compileOptions) { o.skipBehaviorCheck = true }
}

// Compile turns a declarative config into an executable definition.
// The registry supplies the behaviors the config refers to by name;
// inline behaviors carried by the config are registered on the way.
func Compile(cfg *Config, registry *Registry, opts ...CompileOption) (*Definition, error) {
	var options compileOptions
	for _, opt := range opts {
		opt(&options)
	}
	if cfg == nil {
		return nil, newError(ErrorCodeInvalidDefinition, "config is nil")
	}
	if registry == nil {
		registry = NewRegistry()
	}

	id := cfg.ID
	if id == "" {
		id = "machine"
	}
	if strings.Contains(id, ".") {
		return nil, newError(ErrorCodeInvalidDefinition, "machine id %q must not contain dots", id)
	}
	if cfg.States.Len() == 0 {
		return nil, newError(ErrorCodeInvalidDefinition, "machine %q declares no states", id)
	}

	c := &compiler{
		registry: registry,
		options:  options,
		states:   make(map[string]*StateDefinition),
	}

	root := &StateDefinition{
		ID:    id,
		Key:   id,
		Type:  StateCompound,
		Meta:  cfg.Meta,
		byKey: make(map[string]*StateDefinition),
	}
	c.states[id] = root

	for _, key := range cfg.States.Keys() {
		sc, _ := cfg.States.Get(key)
		child, err := c.buildState(root, key, sc)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, child)
		root.byKey[key] = child
	}

	if err := c.classify(root, cfg.Type, cfg.Initial); err != nil {
		return nil, err
	}
	if root.Type != StateCompound && root.Type != StateParallel {
		return nil, newError(ErrorCodeInvalidDefinition, "machine %q must be compound or parallel at the top level", id)
	}
	if err := c.attachTransitions(root, cfg.On, cfg.Entry, cfg.Exit); err != nil {
		return nil, err
	}
	for _, key := range cfg.States.Keys() {
		sc, _ := cfg.States.Get(key)
		if err := c.finishState(root.byKey[key], sc); err != nil {
			return nil, err
		}
	}
	c.number(root, 0)

	def := &Definition{
		id:       id,
		root:     root,
		states:   c.states,
		registry: registry,
		schema:   cfg.schema,
		result:   cfg.Result,
	}
	if cfg.Context != nil {
		def.initialContext = make(map[string]interface{}, len(cfg.Context))
		for k, v := range cfg.Context {
			def.initialContext[k] = v
		}
	}
	if err := c.resolveTargets(def); err != nil {
		return nil, err
	}
	if err := c.validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

type compiler struct {
	registry  *Registry
	options   compileOptions
	states    map[string]*StateDefinition
	nextOrder int

	// deferred target resolution, filled while attaching transitions
	pending []pendingTarget
}

type pendingTarget struct {
	branch *Branch
	source *StateDefinition
	target string
	event  string
}

// buildState creates the node for key under parent and recurses into
// its children. Transitions are attached in a second pass so targets
// can refer to states declared later.
func (c *compiler) buildState(parent *StateDefinition, key string, sc *StateConfig) (*StateDefinition, error) {
	if key == "" {
		return nil, newError(ErrorCodeInvalidDefinition, "state under %q has an empty key", parent.ID)
	}
	if strings.Contains(key, ".") {
		return nil, newError(ErrorCodeInvalidDefinition, "state key %q under %q must not contain dots", key, parent.ID)
	}
	full := parent.ID + "." + key
	if _, dup := c.states[full]; dup {
		return nil, newError(ErrorCodeAmbiguousState, "state %q declared twice", full)
	}
	s := &StateDefinition{
		ID:     full,
		Key:    key,
		Parent: parent,
		Meta:   sc.Meta,
		byKey:  make(map[string]*StateDefinition),
	}
	c.states[full] = s
	for _, childKey := range sc.States.Keys() {
		childCfg, _ := sc.States.Get(childKey)
		child, err := c.buildState(s, childKey, childCfg)
		if err != nil {
			return nil, err
		}
		s.Children = append(s.Children, child)
		s.byKey[childKey] = child
	}
	if err := c.classify(s, sc.Type, sc.Initial); err != nil {
		return nil, err
	}
	return s, nil
}

// classify assigns the state type and checks the structural rules that
// go with it.
func (c *compiler) classify(s *StateDefinition, declared string, initial string) error {
	switch strings.ToLower(declared) {
	case "":
		if len(s.Children) > 0 {
			s.Type = StateCompound
		} else {
			s.Type = StateAtomic
		}
	case "atomic":
		s.Type = StateAtomic
	case "compound":
		s.Type = StateCompound
	case "parallel":
		s.Type = StateParallel
	case "final":
		s.Type = StateFinal
	default:
		return newError(ErrorCodeInvalidDefinition, "state %q has unknown type %q", s.ID, declared)
	}

	switch s.Type {
	case StateAtomic:
		if len(s.Children) > 0 {
			s.Type = StateCompound
		}
	case StateFinal:
		if len(s.Children) > 0 {
			return newError(ErrorCodeInvalidFinalState, "final state %q must not declare children", s.ID)
		}
		if initial != "" {
			return newError(ErrorCodeInvalidFinalState, "final state %q must not declare an initial child", s.ID)
		}
	case StateParallel:
		if len(s.Children) == 0 {
			return newError(ErrorCodeInvalidParallelState, "parallel state %q must declare at least one region", s.ID)
		}
		if initial != "" {
			return newError(ErrorCodeInvalidParallelState, "parallel state %q must not declare an initial child", s.ID)
		}
	}

	if s.Type == StateCompound {
		if len(s.Children) == 0 {
			s.Type = StateAtomic
			return nil
		}
		init := initial
		if init == "" {
			init = s.Children[0].Key
		}
		child, ok := s.byKey[init]
		if !ok {
			return newError(ErrorCodeInvalidDefinition, "state %q declares unknown initial child %q", s.ID, init)
		}
		if child.Type == StateFinal {
			return newError(ErrorCodeInvalidFinalState, "state %q must not start in final child %q", s.ID, init)
		}
		s.Initial = child
	}
	return nil
}

// finishState attaches transitions and lifecycle behaviors once the
// whole tree exists.
func (c *compiler) finishState(s *StateDefinition, sc *StateConfig) error {
	if err := c.attachTransitions(s, sc.On, sc.Entry, sc.Exit); err != nil {
		return err
	}
	for _, key := range sc.States.Keys() {
		childCfg, _ := sc.States.Get(key)
		if err := c.finishState(s.byKey[key], childCfg); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) attachTransitions(s *StateDefinition, on map[string]TransitionConfig, entry, exit []BehaviorRef) error {
	s.Entry = append([]BehaviorRef(nil), entry...)
	s.Exit = append([]BehaviorRef(nil), exit...)
	if len(on) == 0 {
		return nil
	}
	if s.Type == StateFinal {
		return newError(ErrorCodeInvalidFinalState, "final state %q must not declare transitions", s.ID)
	}
	s.Transitions = make(map[string]*TransitionDefinition, len(on))
	for event, tc := range on {
		if event == "" {
			return newError(ErrorCodeInvalidDefinition, "state %q declares a transition with an empty event type", s.ID)
		}
		td := &TransitionDefinition{Event: event, Source: s}
		if tc == nil {
			td.Forbidden = true
			s.Transitions[event] = td
			continue
		}
		for i := range tc {
			bc := &tc[i]
			branch := &Branch{
				Guards:      append([]BehaviorRef(nil), bc.Guards...),
				Actions:     append([]BehaviorRef(nil), bc.Actions...),
				Calculators: append([]BehaviorRef(nil), bc.Calculators...),
			}
			if bc.Target != "" {
				c.pending = append(c.pending, pendingTarget{
					branch: branch,
					source: s,
					target: bc.Target,
					event:  event,
				})
			}
			td.Branches = append(td.Branches, branch)
		}
		if len(td.Branches) == 0 {
			return newError(ErrorCodeInvalidDefinition, "transition %q on state %q declares no branches", event, s.ID)
		}
		s.Transitions[event] = td
	}
	return nil
}

// number assigns document order and depth in a preorder walk.
func (c *compiler) number(s *StateDefinition, depth int) {
	s.depth = depth
	s.order = c.nextOrder
	c.nextOrder++
	for _, child := range s.Children {
		c.number(child, depth+1)
	}
}

// resolveTargets binds the textual targets collected while building the
// tree. Lookup order: sibling key, then path relative to the machine
// root, then full dotted id.
func (c *compiler) resolveTargets(def *Definition) error {
	for _, p := range c.pending {
		target := c.lookupTarget(def, p.source, p.target)
		if target == nil {
			return newError(ErrorCodeNoTransition, "transition target %q from %q does not resolve", p.target, p.source.ID).
				withEvent(p.event).withState(def.Rel(p.source))
		}
		p.branch.Target = target
	}
	c.pending = nil
	return nil
}

func (c *compiler) lookupTarget(def *Definition, source *StateDefinition, ref string) *StateDefinition {
	if source.Parent != nil {
		if sib, ok := source.Parent.byKey[ref]; ok {
			return sib
		}
	}
	if s, ok := c.states[def.id+"."+ref]; ok {
		return s
	}
	if s, ok := c.states[ref]; ok {
		return s
	}
	return nil
}

// validate runs the cross-cutting checks that need the finished graph.
func (c *compiler) validate(def *Definition) error {
	if def.result != "" && !c.options.skipBehaviorCheck && !c.registry.Has(KindResult, def.result) {
		return newError(ErrorCodeBehaviorNotFound, "result function %q is not registered", def.result)
	}
	for _, s := range def.States() {
		if s.Type == StateParallel {
			for _, region := range s.Children {
				if region.Type == StateAtomic {
					return newError(ErrorCodeInvalidParallelState, "parallel region %q must be compound, parallel or final", region.ID)
				}
			}
		}
		if err := c.checkLifecycle(s); err != nil {
			return err
		}
		for event, td := range s.Transitions {
			if td.Forbidden {
				continue
			}
			for i, branch := range td.Branches {
				if err := c.checkBranch(s, event, i, branch); err != nil {
					return err
				}
			}
			// An unguarded branch anywhere but last makes the later
			// branches unreachable.
			for i, branch := range td.Branches[:len(td.Branches)-1] {
				if len(branch.Guards) == 0 {
					return newError(ErrorCodeInvalidGuardedTransition,
						"transition %q on %q: branch %d has no guards, later branches are unreachable", event, s.ID, i)
				}
			}
		}
	}
	return nil
}

func (c *compiler) checkBranch(s *StateDefinition, event string, index int, branch *Branch) error {
	for _, ref := range branch.Calculators {
		if err := c.materialize(KindCalculator, ref); err != nil {
			return err
		}
	}
	for gi, ref := range branch.Guards {
		if err := c.materialize(KindGuard, ref); err != nil {
			return err
		}
		if !c.options.skipBehaviorCheck && c.registry.IsValidationGuard(ref.Name) && (index > 0 || gi > 0) {
			return newError(ErrorCodeInvalidGuardedTransition,
				"validation guard %q on transition %q of %q must be the first guard of the first branch", ref.Name, event, s.ID)
		}
	}
	for _, ref := range branch.Actions {
		if err := c.materialize(KindAction, ref); err != nil {
			return err
		}
	}
	if c.options.skipBehaviorCheck {
		return nil
	}
	for _, ref := range branch.Calculators {
		if !c.registry.Has(KindCalculator, ref.Name) {
			return newError(ErrorCodeBehaviorNotFound, "calculator %q on transition %q of %q is not registered", ref.Name, event, s.ID)
		}
	}
	for _, ref := range branch.Guards {
		if !c.registry.Has(KindGuard, ref.Name) {
			return newError(ErrorCodeBehaviorNotFound, "guard %q on transition %q of %q is not registered", ref.Name, event, s.ID)
		}
	}
	for _, ref := range branch.Actions {
		if !c.registry.Has(KindAction, ref.Name) {
			return newError(ErrorCodeBehaviorNotFound, "action %q on transition %q of %q is not registered", ref.Name, event, s.ID)
		}
	}
	return nil
}

func (c *compiler) checkLifecycle(s *StateDefinition) error {
	for _, ref := range s.Entry {
		if err := c.materialize(KindAction, ref); err != nil {
			return err
		}
		if !c.options.skipBehaviorCheck && !c.registry.Has(KindAction, ref.Name) {
			return newError(ErrorCodeBehaviorNotFound, "entry action %q on %q is not registered", ref.Name, s.ID)
		}
	}
	for _, ref := range s.Exit {
		if err := c.materialize(KindAction, ref); err != nil {
			return err
		}
		if !c.options.skipBehaviorCheck && !c.registry.Has(KindAction, ref.Name) {
			return newError(ErrorCodeBehaviorNotFound, "exit action %q on %q is not registered", ref.Name, s.ID)
		}
	}
	return nil
}

// materialize registers behaviors supplied as function literals on the
// config so the rest of the pipeline only deals in names.
func (c *compiler) materialize(kind Kind, ref BehaviorRef) error {
	if !ref.Inline() {
		return nil
	}
	if ref.Name == "" {
		return newError(ErrorCodeInvalidDefinition, "inline %s has no name", kind)
	}
	switch kind {
	case KindGuard:
		g, ok := ref.fn.(Guard)
		if !ok {
			return newError(ErrorCodeInvalidDefinition, "inline guard %q has the wrong signature", ref.Name)
		}
		c.registry.RegisterGuard(ref.Name, g)
	case KindAction:
		a, ok := ref.fn.(Action)
		if !ok {
			return newError(ErrorCodeInvalidDefinition, "inline action %q has the wrong signature", ref.Name)
		}
		c.registry.RegisterAction(ref.Name, a)
	case KindCalculator:
		calc, ok := ref.fn.(Calculator)
		if !ok {
			return newError(ErrorCodeInvalidDefinition, "inline calculator %q has the wrong signature", ref.Name)
		}
		c.registry.RegisterCalculator(ref.Name, calc)
	}
	return nil
}
