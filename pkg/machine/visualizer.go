package machine

import (
	"fmt"
	"sort"
	"strings"
)

// Visualizer renders a compiled definition as a diagram.
type Visualizer struct {
	def *Definition
}

// NewVisualizer creates a visualizer for a definition.
func NewVisualizer(def *Definition) *Visualizer {
	return &Visualizer{def: def}
}

func mermaidID(s *StateDefinition) string {
	return strings.ReplaceAll(s.ID, ".", "_")
}

// ToMermaid generates a Mermaid stateDiagram-v2 of the machine,
// including composite and parallel states.
func (v *Visualizer) ToMermaid() string {
	var sb strings.Builder
	sb.WriteString("stateDiagram-v2\n")

	var render func(s *StateDefinition, indent string)
	render = func(s *StateDefinition, indent string) {
		id := mermaidID(s)
		switch s.Type {
		case StateAtomic, StateFinal:
			fmt.Fprintf(&sb, "%sstate \"%s\" as %s\n", indent, s.Key, id)
			if s.Type == StateFinal {
				fmt.Fprintf(&sb, "%s%s --> [*]\n", indent, id)
			}
		case StateParallel:
			fmt.Fprintf(&sb, "%sstate \"%s\" as %s {\n", indent, s.Key, id)
			for i, region := range s.Children {
				if i > 0 {
					fmt.Fprintf(&sb, "%s\t--\n", indent)
				}
				render(region, indent+"\t")
			}
			fmt.Fprintf(&sb, "%s}\n", indent)
		default:
			fmt.Fprintf(&sb, "%sstate \"%s\" as %s {\n", indent, s.Key, id)
			if s.Initial != nil {
				fmt.Fprintf(&sb, "%s\t[*] --> %s\n", indent, mermaidID(s.Initial))
			}
			for _, child := range s.Children {
				render(child, indent+"\t")
			}
			fmt.Fprintf(&sb, "%s}\n", indent)
		}
	}

	root := v.def.Root()
	fmt.Fprintf(&sb, "\t[*] --> %s\n", mermaidID(firstTarget(root)))
	for _, child := range root.Children {
		render(child, "\t")
	}

	for _, s := range v.def.States() {
		for _, event := range sortedEvents(s) {
			td := s.Transitions[event]
			if td.Forbidden {
				fmt.Fprintf(&sb, "\t%%%% %s forbids %s\n", s.ID, event)
				continue
			}
			for _, branch := range td.Branches {
				label := event
				if names := refNames(branch.Guards); names != "" {
					label += " [" + names + "]"
				}
				if s == root {
					fmt.Fprintf(&sb, "\t%%%% machine-level: %s\n", label)
					continue
				}
				if branch.Internal() {
					fmt.Fprintf(&sb, "\t%s --> %s : %s (internal)\n", mermaidID(s), mermaidID(s), label)
					continue
				}
				fmt.Fprintf(&sb, "\t%s --> %s : %s\n", mermaidID(s), mermaidID(branch.Target), label)
			}
		}
	}
	return sb.String()
}

// ToGraphviz generates a Graphviz DOT rendering with clusters for
// composite states.
func (v *Visualizer) ToGraphviz() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", v.def.ID())
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  compound=true;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	var render func(s *StateDefinition, indent string)
	render = func(s *StateDefinition, indent string) {
		switch s.Type {
		case StateAtomic:
			fmt.Fprintf(&sb, "%s%q [label=%q];\n", indent, s.ID, s.Key)
		case StateFinal:
			fmt.Fprintf(&sb, "%s%q [label=%q, shape=doublecircle, style=solid];\n", indent, s.ID, s.Key)
		default:
			fmt.Fprintf(&sb, "%ssubgraph \"cluster_%s\" {\n", indent, s.ID)
			fmt.Fprintf(&sb, "%s  label=%q;\n", indent, s.Key)
			if s.Type == StateParallel {
				fmt.Fprintf(&sb, "%s  style=dashed;\n", indent)
			}
			for _, child := range s.Children {
				render(child, indent+"  ")
			}
			fmt.Fprintf(&sb, "%s}\n", indent)
		}
	}
	for _, child := range v.def.Root().Children {
		render(child, "  ")
	}

	sb.WriteString("\n  start [shape=point];\n")
	fmt.Fprintf(&sb, "  start -> %q;\n", firstTarget(v.def.Root()).ID)

	for _, s := range v.def.States() {
		if s == v.def.Root() {
			continue
		}
		for _, event := range sortedEvents(s) {
			td := s.Transitions[event]
			if td.Forbidden {
				continue
			}
			for _, branch := range td.Branches {
				label := event
				if names := refNames(branch.Guards); names != "" {
					label += "\\n[" + names + "]"
				}
				target := s
				if !branch.Internal() {
					target = branch.Target
				}
				src, dst := anchor(s), anchor(target)
				fmt.Fprintf(&sb, "  %q -> %q [label=%q", src.ID, dst.ID, label)
				if !s.IsLeaf() {
					fmt.Fprintf(&sb, ", ltail=\"cluster_%s\"", s.ID)
				}
				if !target.IsLeaf() && target != s {
					fmt.Fprintf(&sb, ", lhead=\"cluster_%s\"", target.ID)
				}
				sb.WriteString("];\n")
			}
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// Stats returns summary numbers about the definition.
func (v *Visualizer) Stats() map[string]interface{} {
	var states, finals, parallels, transitions, branches, depth int
	for _, s := range v.def.States() {
		states++
		switch s.Type {
		case StateFinal:
			finals++
		case StateParallel:
			parallels++
		}
		if s.depth > depth {
			depth = s.depth
		}
		for _, td := range s.Transitions {
			if td.Forbidden {
				continue
			}
			transitions++
			branches += len(td.Branches)
		}
	}
	return map[string]interface{}{
		"id":          v.def.ID(),
		"states":      states,
		"finalStates": finals,
		"parallels":   parallels,
		"transitions": transitions,
		"branches":    branches,
		"depth":       depth,
	}
}

// Lint reports structural warnings a valid definition can still carry:
// unreachable states and non-final leaves nothing transitions out of.
func (v *Visualizer) Lint() []string {
	var issues []string

	reachable := make(map[*StateDefinition]bool)
	var markDown func(s *StateDefinition)
	markDown = func(s *StateDefinition) {
		if reachable[s] {
			return
		}
		reachable[s] = true
		for _, a := range Path(s) {
			reachable[a] = true
		}
		switch s.Type {
		case StateParallel:
			for _, region := range s.Children {
				markDown(region)
			}
		case StateCompound:
			if s.Initial != nil {
				markDown(s.Initial)
			}
		}
	}
	markDown(v.def.Root())
	for changed := true; changed; {
		changed = false
		for _, s := range v.def.States() {
			if !reachable[s] {
				continue
			}
			for _, td := range s.Transitions {
				if td.Forbidden {
					continue
				}
				for _, branch := range td.Branches {
					if branch.Internal() || reachable[branch.Target] {
						continue
					}
					markDown(branch.Target)
					changed = true
				}
			}
		}
	}
	for _, s := range v.def.States() {
		if !reachable[s] {
			issues = append(issues, fmt.Sprintf("state %q is unreachable", s.ID))
		}
	}

	for _, s := range v.def.States() {
		if !s.IsLeaf() || s.Type == StateFinal {
			continue
		}
		out := false
		for n := s; n != nil && !out; n = n.Parent {
			for _, td := range n.Transitions {
				if !td.Forbidden {
					out = true
					break
				}
			}
		}
		if !out {
			issues = append(issues, fmt.Sprintf("state %q is a dead end: no transition leaves it", s.ID))
		}
	}
	return issues
}

// firstTarget resolves the node an initial arrow should point at.
func firstTarget(s *StateDefinition) *StateDefinition {
	switch s.Type {
	case StateParallel:
		return s.Children[0]
	case StateCompound:
		if s.Initial != nil {
			return s.Initial
		}
	}
	return s
}

// anchor picks a concrete leaf to attach cluster edges to.
func anchor(s *StateDefinition) *StateDefinition {
	if s.IsLeaf() {
		return s
	}
	return initialLeaves(s)[0]
}

func sortedEvents(s *StateDefinition) []string {
	if len(s.Transitions) == 0 {
		return nil
	}
	events := make([]string, 0, len(s.Transitions))
	for event := range s.Transitions {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func refNames(refs []BehaviorRef) string {
	if len(refs) == 0 {
		return ""
	}
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	return strings.Join(names, ", ")
}
