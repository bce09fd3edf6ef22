package machine

import "strings"

// State is a point-in-time snapshot of a running machine: the active
// leaf configuration, the context, and completion info.
type State struct {
	// Value holds the active leaf paths relative to the machine root,
	// in document order. A parallel machine lists one leaf per region.
	Value []string `json:"value"`

	// Context is the machine's mutable data at this point.
	Context *Context `json:"context"`

	// Done is set once a top-level final state is reached.
	Done bool `json:"done"`

	// Output carries the machine's result function output, when Done
	// and a result function is configured.
	Output interface{} `json:"output,omitempty"`
}

// Matches reports whether path is active, either as a leaf or as an
// ancestor of one. Paths are relative to the machine root.
func (s *State) Matches(path string) bool {
	if s == nil || path == "" {
		return false
	}
	for _, v := range s.Value {
		if v == path || strings.HasPrefix(v, path+".") {
			return true
		}
	}
	return false
}

// Clone deep-copies the snapshot so callers can hold on to it across
// further steps.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		Value:  append([]string(nil), s.Value...),
		Done:   s.Done,
		Output: s.Output,
	}
	if s.Context != nil {
		out.Context, _ = s.Context.Clone()
	}
	return out
}
