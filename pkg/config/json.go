package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadJSON unmarshals a JSON file into target.
func LoadJSON(path string, target interface{}) error {
	// #nosec G304 -- path comes from the caller; validate untrusted input upstream.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

// SaveJSON writes config as indented JSON, mode 0600.
func SaveJSON(path string, config interface{}) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}
	return nil
}
