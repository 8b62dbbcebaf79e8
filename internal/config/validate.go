package config

import "fmt"

var knownTargets = map[string]bool{"arm": true, "wrist": true, "finger": true}

// Validate checks configuration correctness. It performs declarative
// validation only and never mutates the configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}

	for _, name := range cfg.Poll.Targets {
		if !knownTargets[name] {
			return fmt.Errorf("config: unknown poll target %q (expected arm, wrist, or finger)", name)
		}
	}

	if cfg.Poll.IntervalMs < 0 {
		return fmt.Errorf("config: poll interval_ms must not be negative")
	}
	if cfg.Command.IntervalMs < 0 {
		return fmt.Errorf("config: command interval_ms must not be negative")
	}

	if cfg.Joints.Count < 0 {
		return fmt.Errorf("config: joints count must not be negative")
	}
	if cfg.Joints.PositionMin < 0 {
		return fmt.Errorf("config: joints position_min must not be negative")
	}
	if cfg.Joints.PositionMax != 0 && cfg.Joints.PositionMax < cfg.Joints.PositionMin {
		return fmt.Errorf("config: joints position_max %d below position_min %d",
			cfg.Joints.PositionMax, cfg.Joints.PositionMin)
	}

	if cfg.Link.BackoffMinMs < 0 || cfg.Link.BackoffMaxMs < 0 {
		return fmt.Errorf("config: link backoff bounds must not be negative")
	}
	if cfg.Link.BackoffMaxMs != 0 && cfg.Link.BackoffMaxMs < cfg.Link.BackoffMinMs {
		return fmt.Errorf("config: link backoff_max_ms %d below backoff_min_ms %d",
			cfg.Link.BackoffMaxMs, cfg.Link.BackoffMinMs)
	}

	return nil
}

// Normalize fills unset values with defaults. It MUST be called only after
// Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	def := Default()

	if cfg.Poll.IntervalMs == 0 {
		cfg.Poll.IntervalMs = def.Poll.IntervalMs
	}
	if len(cfg.Poll.Targets) == 0 {
		cfg.Poll.Targets = def.Poll.Targets
	}
	if cfg.Command.IntervalMs == 0 {
		cfg.Command.IntervalMs = def.Command.IntervalMs
	}
	if cfg.Joints.Count == 0 {
		cfg.Joints.Count = def.Joints.Count
	}
	if cfg.Joints.PositionMax == 0 {
		cfg.Joints.PositionMax = def.Joints.PositionMax
	}
}
