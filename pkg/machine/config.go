package machine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the declarative description of a machine: the root of the
// state tree plus the initial context. It is what YAML machine files
// decode into and what the Builder produces.
type Config struct {
	ID      string                      `yaml:"id,omitempty" json:"id,omitempty"`
	Type    string                      `yaml:"type,omitempty" json:"type,omitempty"`
	Initial string                      `yaml:"initial,omitempty" json:"initial,omitempty"`
	Context map[string]interface{}      `yaml:"context,omitempty" json:"context,omitempty"`
	States  StateMap                    `yaml:"states,omitempty" json:"states,omitempty"`
	On      map[string]TransitionConfig `yaml:"on,omitempty" json:"on,omitempty"`
	Entry   []BehaviorRef               `yaml:"entry,omitempty" json:"entry,omitempty"`
	Exit    []BehaviorRef               `yaml:"exit,omitempty" json:"exit,omitempty"`
	Result  string                      `yaml:"result,omitempty" json:"result,omitempty"`
	Meta    map[string]interface{}      `yaml:"meta,omitempty" json:"meta,omitempty"`

	schema Schema
}

// WithSchema attaches a context validation function. Every context
// write made by calculators and actions runs through it.
func (c *Config) WithSchema(s Schema) *Config {
	c.schema = s
	return c
}

// StateConfig describes one state node. Type defaults to atomic, or
// compound when children are declared.
type StateConfig struct {
	Type    string                      `yaml:"type,omitempty" json:"type,omitempty"`
	Initial string                      `yaml:"initial,omitempty" json:"initial,omitempty"`
	States  StateMap                    `yaml:"states,omitempty" json:"states,omitempty"`
	On      map[string]TransitionConfig `yaml:"on,omitempty" json:"on,omitempty"`
	Entry   []BehaviorRef               `yaml:"entry,omitempty" json:"entry,omitempty"`
	Exit    []BehaviorRef               `yaml:"exit,omitempty" json:"exit,omitempty"`
	Meta    map[string]interface{}      `yaml:"meta,omitempty" json:"meta,omitempty"`
}

// StateMap is an insertion-ordered map of state key to StateConfig.
// Declaration order matters: a compound state without an explicit
// initial child takes the first declared one.
type StateMap struct {
	keys  []string
	nodes map[string]*StateConfig
}

// Set adds or replaces a child state, keeping first-insertion order.
func (m *StateMap) Set(key string, cfg *StateConfig) *StateMap {
	if m.nodes == nil {
		m.nodes = make(map[string]*StateConfig)
	}
	if _, ok := m.nodes[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.nodes[key] = cfg
	return m
}

// Get returns the child state config for key.
func (m *StateMap) Get(key string) (*StateConfig, bool) {
	cfg, ok := m.nodes[key]
	return cfg, ok
}

// Keys returns the state keys in declaration order.
func (m *StateMap) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of child states.
func (m *StateMap) Len() int { return len(m.keys) }

// UnmarshalYAML decodes a mapping node, preserving document order.
func (m *StateMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("machine: states must be a mapping, got %s", value.Tag)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		var key string
		if err := value.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("machine: state key: %w", err)
		}
		cfg := &StateConfig{}
		if err := value.Content[i+1].Decode(cfg); err != nil {
			return fmt.Errorf("machine: state %q: %w", key, err)
		}
		m.Set(key, cfg)
	}
	return nil
}

// MarshalYAML re-emits the mapping in declaration order.
func (m StateMap) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range m.keys {
		var k, v yaml.Node
		if err := k.Encode(key); err != nil {
			return nil, err
		}
		if err := v.Encode(m.nodes[key]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &k, &v)
	}
	return node, nil
}

// TransitionConfig is the ordered branch list of one event key. A nil
// list marks a forbidden event: the key is declared but maps to no
// target, cancelling any ancestor's handling for states below it.
type TransitionConfig []BranchConfig

// Forbid is the explicit forbidden marker for programmatic configs.
func Forbid() TransitionConfig { return nil }

// To builds a single-branch unconditional transition.
func To(target string) TransitionConfig {
	return TransitionConfig{{Target: target}}
}

// UnmarshalYAML accepts the three config shorthands: a scalar target
// string, a single branch mapping, or a branch sequence. An explicit
// null denotes a forbidden event.
func (tc *TransitionConfig) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*tc = nil
			return nil
		}
		var target string
		if err := value.Decode(&target); err != nil {
			return fmt.Errorf("machine: transition target: %w", err)
		}
		*tc = TransitionConfig{{Target: target}}
		return nil
	case yaml.MappingNode:
		var b BranchConfig
		if err := value.Decode(&b); err != nil {
			return fmt.Errorf("machine: transition branch: %w", err)
		}
		*tc = TransitionConfig{b}
		return nil
	case yaml.SequenceNode:
		out := make(TransitionConfig, 0, len(value.Content))
		for _, item := range value.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				var target string
				if err := item.Decode(&target); err != nil {
					return fmt.Errorf("machine: transition target: %w", err)
				}
				out = append(out, BranchConfig{Target: target})
			case yaml.MappingNode:
				var b BranchConfig
				if err := item.Decode(&b); err != nil {
					return fmt.Errorf("machine: transition branch: %w", err)
				}
				out = append(out, b)
			default:
				return fmt.Errorf("machine: transition branch must be a string or mapping")
			}
		}
		*tc = out
		return nil
	default:
		return fmt.Errorf("machine: transition must be a string, mapping, sequence, or null")
	}
}

// BranchConfig is one guarded branch of a transition. An empty Target
// makes the branch internal: actions run without exiting or entering
// any state.
type BranchConfig struct {
	Target      string        `yaml:"target,omitempty" json:"target,omitempty"`
	Guards      []BehaviorRef `yaml:"guards,omitempty" json:"guards,omitempty"`
	Actions     []BehaviorRef `yaml:"actions,omitempty" json:"actions,omitempty"`
	Calculators []BehaviorRef `yaml:"calculators,omitempty" json:"calculators,omitempty"`
}

// BehaviorRef names a registered behavior, optionally with static
// arguments. Inline functions can be attached through the Fn helpers;
// they bypass the registry but still need a name for lifecycle events.
type BehaviorRef struct {
	Name string                 `yaml:"name" json:"name"`
	Args map[string]interface{} `yaml:"args,omitempty" json:"args,omitempty"`

	fn interface{}
}

// Ref builds a plain named reference.
func Ref(name string) BehaviorRef { return BehaviorRef{Name: name} }

// RefArgs builds a named reference with static arguments.
func RefArgs(name string, args map[string]interface{}) BehaviorRef {
	return BehaviorRef{Name: name, Args: args}
}

// GuardFn attaches an inline guard under the given name.
func GuardFn(name string, fn Guard) BehaviorRef { return BehaviorRef{Name: name, fn: fn} }

// ActionFn attaches an inline action under the given name.
func ActionFn(name string, fn Action) BehaviorRef { return BehaviorRef{Name: name, fn: fn} }

// CalculatorFn attaches an inline calculator under the given name.
func CalculatorFn(name string, fn Calculator) BehaviorRef { return BehaviorRef{Name: name, fn: fn} }

// Inline reports whether the reference carries an inline function.
func (r BehaviorRef) Inline() bool { return r.fn != nil }

// UnmarshalYAML accepts either a scalar name or a {name, args} mapping.
func (r *BehaviorRef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&r.Name)
	case yaml.MappingNode:
		type plain BehaviorRef
		var p plain
		if err := value.Decode(&p); err != nil {
			return fmt.Errorf("machine: behavior ref: %w", err)
		}
		r.Name = p.Name
		r.Args = p.Args
		return nil
	default:
		return fmt.Errorf("machine: behavior ref must be a string or mapping")
	}
}
