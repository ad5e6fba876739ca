// Package config loads the engine's static YAML configuration and parses
// the device-spec strings described in spec §6, following the teacher's
// os.ReadFile + yaml.Unmarshal pattern in LoadConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Direction is a device's data flow direction.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Default parsing values for an omitted device-spec segment, per the
// open-question resolution recorded in DESIGN.md (spec §6 leaves these
// defaults undocumented, so they are decided here rather than guessed at
// call sites).
const (
	DefaultDirection = DirectionOutput
	DefaultDeviceRef = "default"
	DefaultChannels  = 2
)

// DeviceSpec is one parsed `--device` entry.
type DeviceSpec struct {
	Direction Direction
	Ref       string // device name or numeric id, driver-specific
	Channels  int
}

// ParseDeviceSpec parses a string of the form
// "<direction>:<name_or_numeric_id>:<channel_count>", where every segment
// may be empty or omitted.
func ParseDeviceSpec(s string) (DeviceSpec, error) {
	spec := DeviceSpec{Direction: DefaultDirection, Ref: DefaultDeviceRef, Channels: DefaultChannels}
	if s == "" {
		return spec, nil
	}

	parts := strings.SplitN(s, ":", 3)

	if len(parts) > 0 && parts[0] != "" {
		switch strings.ToLower(parts[0]) {
		case string(DirectionInput):
			spec.Direction = DirectionInput
		case string(DirectionOutput):
			spec.Direction = DirectionOutput
		default:
			return DeviceSpec{}, fmt.Errorf("config: invalid device direction %q", parts[0])
		}
	}
	if len(parts) > 1 && parts[1] != "" {
		spec.Ref = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return DeviceSpec{}, fmt.Errorf("config: invalid channel count %q: %w", parts[2], err)
		}
		if n < 1 || n > 16 {
			return DeviceSpec{}, fmt.Errorf("config: channel count %d out of range [1,16]", n)
		}
		spec.Channels = n
	}
	return spec, nil
}

// JitterConfig holds the packet/jitter-engine tunables (§6 fixed operating
// parameters, exposed here so tests and deployments can override the
// defaults without touching code).
type JitterConfig struct {
	BuffTimeMs           int `yaml:"buff_time_ms"`
	RetransmitThrottleMs int `yaml:"retransmit_throttle_ms"`
}

// Config is the engine's static configuration record.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Jitter   JitterConfig `yaml:"jitter"`
}

// LoadConfig reads and parses a YAML config file at filePath.
func LoadConfig(filePath string) (*Config, error) {
	// #nosec G304 - filePath is provided by application during startup, not user input
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Jitter.BuffTimeMs == 0 {
		cfg.Jitter.BuffTimeMs = 55
	}
	if cfg.Jitter.RetransmitThrottleMs == 0 {
		cfg.Jitter.RetransmitThrottleMs = 2
	}
	return &cfg, nil
}
