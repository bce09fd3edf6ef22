package machine

import (
	"sort"
	"strings"
)

// StateType classifies a state node.
type StateType string

const (
	// StateAtomic is a leaf without children.
	StateAtomic StateType = "atomic"

	// StateCompound holds children with exactly one active at a time.
	StateCompound StateType = "compound"

	// StateParallel holds regions that are all active together.
	StateParallel StateType = "parallel"

	// StateFinal is a terminal leaf. A final child of the root finishes
	// the machine; a final leaf in every region completes a parallel.
	StateFinal StateType = "final"
)

// StateDefinition is one immutable node of the compiled state tree.
type StateDefinition struct {
	// ID is the dot-delimited path from the root, root ID included.
	ID string

	// Key is the local name within the parent.
	Key string

	Type StateType

	Parent   *StateDefinition
	Children []*StateDefinition

	// Initial is the designated initial child of a compound state.
	Initial *StateDefinition

	Entry []BehaviorRef
	Exit  []BehaviorRef

	// Transitions maps event type to its branch list. A Forbidden
	// transition cancels ancestor handling of the event.
	Transitions map[string]*TransitionDefinition

	Meta map[string]interface{}

	depth int
	order int
	byKey map[string]*StateDefinition
}

// IsLeaf reports whether the state can appear in the active-leaf set.
func (s *StateDefinition) IsLeaf() bool {
	return s.Type == StateAtomic || s.Type == StateFinal
}

// TransitionDefinition is the compiled branch list of one event key on
// one source state.
type TransitionDefinition struct {
	Event     string
	Source    *StateDefinition
	Forbidden bool
	Branches  []*Branch
}

// Branch is one guarded alternative of a transition. A nil Target makes
// it internal.
type Branch struct {
	Target      *StateDefinition
	Guards      []BehaviorRef
	Actions     []BehaviorRef
	Calculators []BehaviorRef
}

// Internal reports whether taking the branch exits and enters nothing.
func (b *Branch) Internal() bool { return b.Target == nil }

// Definition is a compiled, immutable machine graph shared by any
// number of actors.
type Definition struct {
	id             string
	root           *StateDefinition
	states         map[string]*StateDefinition
	registry       *Registry
	initialContext map[string]interface{}
	schema         Schema
	result         string
}

// ID returns the machine ID, which is also the root state's ID.
func (d *Definition) ID() string { return d.id }

// Root returns the root state node.
func (d *Definition) Root() *StateDefinition { return d.root }

// Registry returns the behavior registry the definition resolves
// against.
func (d *Definition) Registry() *Registry { return d.registry }

// InitialContext returns the configured initial context values.
func (d *Definition) InitialContext() map[string]interface{} { return d.initialContext }

// State looks a node up by full ID or by root-relative path.
func (d *Definition) State(id string) (*StateDefinition, bool) {
	if s, ok := d.states[id]; ok {
		return s, true
	}
	if s, ok := d.states[d.id+"."+id]; ok {
		return s, true
	}
	return nil, false
}

// States returns all nodes in depth-first declaration order, root
// first.
func (d *Definition) States() []*StateDefinition {
	nodes := make([]*StateDefinition, 0, len(d.states))
	var walk func(*StateDefinition)
	walk = func(s *StateDefinition) {
		nodes = append(nodes, s)
		for _, c := range s.Children {
			walk(c)
		}
	}
	walk(d.root)
	return nodes
}

// ResultBehavior returns the name of the registered result function, or
// the empty string when the machine declares none.
func (d *Definition) ResultBehavior() string { return d.result }

// Rel returns a state's path relative to the root: the form recorded
// in machine_value and lifecycle event types. The root itself maps to
// the empty string.
func (d *Definition) Rel(s *StateDefinition) string {
	if s == d.root {
		return ""
	}
	return strings.TrimPrefix(s.ID, d.id+".")
}

// Path returns the chain root..s inclusive.
func Path(s *StateDefinition) []*StateDefinition {
	var rev []*StateDefinition
	for n := s; n != nil; n = n.Parent {
		rev = append(rev, n)
	}
	out := make([]*StateDefinition, len(rev))
	for i, n := range rev {
		out[len(rev)-1-i] = n
	}
	return out
}

// LCA returns the deepest common ancestor of a and b, which may be a or
// b itself.
func LCA(a, b *StateDefinition) *StateDefinition {
	pa, pb := Path(a), Path(b)
	var lca *StateDefinition
	for i := 0; i < len(pa) && i < len(pb) && pa[i] == pb[i]; i++ {
		lca = pa[i]
	}
	return lca
}

// IsDescendant reports whether s lies strictly below ancestor.
func IsDescendant(s, ancestor *StateDefinition) bool {
	for n := s.Parent; n != nil; n = n.Parent {
		if n == ancestor {
			return true
		}
	}
	return false
}

// initialLeaves resolves the leaves activated when entering s without a
// more specific target: compounds drill into their initial child,
// parallels fan out into every region.
func initialLeaves(s *StateDefinition) []*StateDefinition {
	switch s.Type {
	case StateAtomic, StateFinal:
		return []*StateDefinition{s}
	case StateParallel:
		var out []*StateDefinition
		for _, region := range s.Children {
			out = append(out, initialLeaves(region)...)
		}
		return out
	default:
		return initialLeaves(s.Initial)
	}
}

// enterSet lists the states entered when moving from domain down to a
// complete configuration containing target, parent-first, domain
// excluded. Compounds on the target path follow it; everything else
// drills into initial children, and parallels fan out into all regions.
func enterSet(domain, target *StateDefinition) []*StateDefinition {
	onPath := make(map[*StateDefinition]bool)
	for _, n := range Path(target) {
		onPath[n] = true
	}
	var out []*StateDefinition
	var complete func(s *StateDefinition)
	complete = func(s *StateDefinition) {
		switch s.Type {
		case StateAtomic, StateFinal:
		case StateParallel:
			for _, region := range s.Children {
				out = append(out, region)
				complete(region)
			}
		default:
			child := s.Initial
			if onPath[s] && s != target {
				for _, cand := range s.Children {
					if onPath[cand] {
						child = cand
						break
					}
				}
			}
			out = append(out, child)
			complete(child)
		}
	}
	complete(domain)
	return out
}

// sortDocument orders nodes by document position. The preorder index
// assigned at compile time makes this total.
func sortDocument(states []*StateDefinition) {
	sort.SliceStable(states, func(i, j int) bool { return states[i].order < states[j].order })
}

// sortStates orders nodes deepest-first for exits, shallowest-first for
// entries, with document order breaking ties.
func sortStates(states []*StateDefinition, deepestFirst bool) {
	sort.SliceStable(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if a.depth != b.depth {
			if deepestFirst {
				return a.depth > b.depth
			}
			return a.depth < b.depth
		}
		return a.order < b.order
	})
}
