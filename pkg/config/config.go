// Package config holds the runtime configuration embedders hand to the
// stores, the archiver, and the sweeper. Load starts from Default and
// overlays a YAML or JSON file; LoadWithEnv additionally applies
// STATOR_* environment overrides. The generic loading machinery
// (LoadInto, ApplyEnvOverrides, the validators) is exported so
// embedders can reuse it for their own configuration structs.
package config

import (
	"fmt"
	"time"
)

// EnvPrefix is the prefix LoadWithEnv reads overrides from, e.g.
// STATOR_COMPRESSION_LEVEL or STATOR_ARCHIVAL_DISPATCHLIMIT.
const EnvPrefix = "STATOR"

// compressibleFields are the event columns the codec may compress.
var compressibleFields = []string{"payload", "context", "meta"}

// Config is the runtime configuration.
type Config struct {
	Compression CompressionConfig `yaml:"compression" json:"compression"`
	Archival    ArchivalConfig    `yaml:"archival" json:"archival"`
}

// CompressionConfig feeds eventlog.NewCodec.
type CompressionConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Level     int      `yaml:"level" json:"level"`
	Fields    []string `yaml:"fields" json:"fields"`
	Threshold int      `yaml:"threshold" json:"threshold"`
}

// ArchivalConfig drives the sweeper and the archiver. Nullable knobs
// are pointers so "unset" stays distinct from zero.
type ArchivalConfig struct {
	Enabled              bool `yaml:"enabled" json:"enabled"`
	DaysInactive         int  `yaml:"days_inactive" json:"days_inactive"`
	RestoreCooldownHours int  `yaml:"restore_cooldown_hours" json:"restore_cooldown_hours"`

	// ArchiveRetentionDays bounds how long archives are kept. Nil
	// keeps them forever.
	ArchiveRetentionDays *int `yaml:"archive_retention_days" json:"archive_retention_days"`

	// DispatchLimit caps roots dispatched per sweep tick.
	DispatchLimit int `yaml:"dispatch_limit" json:"dispatch_limit"`

	// Queue optionally names a dedicated job queue. Empty uses the
	// runner's default queue.
	Queue string `yaml:"queue" json:"queue"`

	// MachineOverrides adjusts the policy per machine definition id.
	MachineOverrides map[string]ArchivalOverride `yaml:"machine_overrides" json:"machine_overrides"`
}

// ArchivalOverride narrows the archival policy for one machine id.
// Absent fields inherit the global values.
type ArchivalOverride struct {
	Enabled              *bool `yaml:"enabled" json:"enabled"`
	DaysInactive         *int  `yaml:"days_inactive" json:"days_inactive"`
	RestoreCooldownHours *int  `yaml:"restore_cooldown_hours" json:"restore_cooldown_hours"`
}

// MachinePolicy is the archival policy for one machine after overrides
// are applied.
type MachinePolicy struct {
	Enabled              bool
	DaysInactive         int
	RestoreCooldownHours int
}

// InactiveWindow is the inactivity span that makes a root eligible.
func (p MachinePolicy) InactiveWindow() time.Duration {
	return time.Duration(p.DaysInactive) * 24 * time.Hour
}

// RestoreCooldown is the minimum gap between a restore and the next
// archive run.
func (p MachinePolicy) RestoreCooldown() time.Duration {
	return time.Duration(p.RestoreCooldownHours) * time.Hour
}

// ForMachine resolves the policy for one machine id.
func (a ArchivalConfig) ForMachine(machineID string) MachinePolicy {
	p := MachinePolicy{
		Enabled:              a.Enabled,
		DaysInactive:         a.DaysInactive,
		RestoreCooldownHours: a.RestoreCooldownHours,
	}
	ov, ok := a.MachineOverrides[machineID]
	if !ok {
		return p
	}
	if ov.Enabled != nil {
		p.Enabled = *ov.Enabled
	}
	if ov.DaysInactive != nil {
		p.DaysInactive = *ov.DaysInactive
	}
	if ov.RestoreCooldownHours != nil {
		p.RestoreCooldownHours = *ov.RestoreCooldownHours
	}
	return p
}

// Retention returns the archive retention window, or false when
// archives are kept forever.
func (a ArchivalConfig) Retention() (time.Duration, bool) {
	if a.ArchiveRetentionDays == nil {
		return 0, false
	}
	return time.Duration(*a.ArchiveRetentionDays) * 24 * time.Hour, true
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Compression: CompressionConfig{
			Enabled:   true,
			Level:     6,
			Fields:    append([]string(nil), compressibleFields...),
			Threshold: 100,
		},
		Archival: ArchivalConfig{
			Enabled:              true,
			DaysInactive:         30,
			RestoreCooldownHours: 24,
			DispatchLimit:        50,
		},
	}
}

// Load reads path (YAML or JSON by extension) over the defaults and
// validates the result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadInto(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv is Load plus STATOR_* environment overrides, applied
// after the file so the environment wins.
func LoadWithEnv(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadInto(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnvOverrides(EnvPrefix, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every knob. It runs the generic range validators
// first, then the checks reflection cannot express.
func (c *Config) Validate() error {
	err := Validate(c,
		RangeValidator("Compression.Level", 0, 9),
		RangeValidator("Compression.Threshold", 0, 1<<30),
		RangeValidator("Archival.DaysInactive", 0, 36500),
		RangeValidator("Archival.RestoreCooldownHours", 0, 876000),
		RangeValidator("Archival.DispatchLimit", 1, 100000),
	)
	if err != nil {
		return err
	}
	for _, f := range c.Compression.Fields {
		if !isCompressible(f) {
			return fmt.Errorf("config: compression.fields contains unknown field %q (known: %v)", f, compressibleFields)
		}
	}
	if d := c.Archival.ArchiveRetentionDays; d != nil && *d < 0 {
		return fmt.Errorf("config: archival.archive_retention_days must not be negative, got %d", *d)
	}
	for id, ov := range c.Archival.MachineOverrides {
		if id == "" {
			return fmt.Errorf("config: archival.machine_overrides contains an empty machine id")
		}
		if ov.DaysInactive != nil && *ov.DaysInactive < 0 {
			return fmt.Errorf("config: archival.machine_overrides.%s.days_inactive must not be negative", id)
		}
		if ov.RestoreCooldownHours != nil && *ov.RestoreCooldownHours < 0 {
			return fmt.Errorf("config: archival.machine_overrides.%s.restore_cooldown_hours must not be negative", id)
		}
	}
	return nil
}

func isCompressible(field string) bool {
	for _, f := range compressibleFields {
		if f == field {
			return true
		}
	}
	return false
}
