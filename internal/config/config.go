// Package config loads the daemon configuration from YAML. Fields omitted
// from the file fall back to the protocol defaults, so partial configs are
// safe.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evobot-data/armlink/internal/protocol"
	"github.com/evobot-data/armlink/internal/seriallink"
)

type Config struct {
	Port    string                 `yaml:"port"`
	Serial  seriallink.PortOptions `yaml:"serial"`
	Link    LinkConfig             `yaml:"link"`
	Poll    PollConfig             `yaml:"poll"`
	Command CommandConfig          `yaml:"command"`
	Joints  JointConfig            `yaml:"joints"`
}

type LinkConfig struct {
	QueryQueueDepth   int `yaml:"query_queue_depth"`
	CommandQueueDepth int `yaml:"command_queue_depth"`
	MaxWriteFailures  int `yaml:"max_write_failures"`
	BackoffMinMs      int `yaml:"backoff_min_ms"`
	BackoffMaxMs      int `yaml:"backoff_max_ms"`
}

type PollConfig struct {
	IntervalMs int      `yaml:"interval_ms"`
	Targets    []string `yaml:"targets"`
}

type CommandConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

type JointConfig struct {
	Count       int `yaml:"count"`
	PositionMin int `yaml:"position_min"`
	PositionMax int `yaml:"position_max"`
}

// Default returns the configuration used when no file is supplied: the port
// left to the -port flag, 1,000,000 baud 8-N-1, a 200 ms poll cadence over
// the arm and wrist boards, and a 100 ms command cadence for ten joints.
func Default() *Config {
	return &Config{
		Poll:    PollConfig{IntervalMs: 200, Targets: []string{"arm", "wrist"}},
		Command: CommandConfig{IntervalMs: 100},
		Joints: JointConfig{
			Count:       protocol.JointCount,
			PositionMax: protocol.PositionMax,
		},
	}
}

// Load reads, validates, and normalizes a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}

// PollInterval returns the poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// CommandInterval returns the command cadence as a duration.
func (c *Config) CommandInterval() time.Duration {
	return time.Duration(c.Command.IntervalMs) * time.Millisecond
}

// PollTargets maps the configured target names onto protocol axes.
func (c *Config) PollTargets() []protocol.Axis {
	targets := make([]protocol.Axis, 0, len(c.Poll.Targets))
	for _, name := range c.Poll.Targets {
		switch name {
		case "arm":
			targets = append(targets, protocol.AxisArm)
		case "wrist":
			targets = append(targets, protocol.AxisWrist)
		case "finger":
			targets = append(targets, protocol.AxisFinger)
		}
	}
	return targets
}

// LinkOptions converts the link section into seriallink tuning.
func (c *Config) LinkOptions() seriallink.Options {
	return seriallink.Options{
		QuerySpacing:      c.PollInterval(),
		CommandSpacing:    c.CommandInterval(),
		QueryQueueDepth:   c.Link.QueryQueueDepth,
		CommandQueueDepth: c.Link.CommandQueueDepth,
		MaxWriteFailures:  c.Link.MaxWriteFailures,
		BackoffMin:        time.Duration(c.Link.BackoffMinMs) * time.Millisecond,
		BackoffMax:        time.Duration(c.Link.BackoffMaxMs) * time.Millisecond,
	}
}
