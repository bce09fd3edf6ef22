package machine

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseConfig decodes a YAML machine document.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("machine: parse config: %w", err)
	}
	return cfg, nil
}

// ParseConfigJSON decodes a JSON machine document. JSON is a subset of
// YAML, so the ordered YAML decoder serves both formats and JSON object
// order is preserved the same way.
func ParseConfigJSON(data []byte) (*Config, error) {
	return ParseConfig(data)
}

// LoadConfig reads a machine file and decodes it. Files ending in
// .json decode as JSON, everything else as YAML.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is provided by the caller.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: read config %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".json") {
		return ParseConfigJSON(data)
	}
	return ParseConfig(data)
}

// LoadDefinition reads a machine file and compiles it against the
// given registry.
func LoadDefinition(path string, registry *Registry, opts ...CompileOption) (*Definition, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return Compile(cfg, registry, opts...)
}

// SaveConfig writes a config back out as YAML, preserving state
// declaration order.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("machine: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("machine: write config %s: %w", path, err)
	}
	return nil
}
