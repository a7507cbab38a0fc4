package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks cross-field invariants and that every duration string
// parses. It runs after defaults, so empty required fields are bugs here.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateConfidence(); err != nil {
		return err
	}
	if err := c.validateDisk(); err != nil {
		return err
	}
	if err := c.validateGit(); err != nil {
		return err
	}
	return c.validateRetry()
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	for name, set := range map[string]StateTimeouts{"normal": c.Timeouts.Normal, "emergency": c.Timeouts.Emergency} {
		for field, raw := range map[string]string{
			"created": set.Created, "pending": set.Pending,
			"confirmed": set.Confirmed, "cleanable": set.Cleanable,
		} {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("timeouts.%s.%s: %w", name, field, err)
			}
			if d <= 0 {
				return fmt.Errorf("timeouts.%s.%s: must be positive", name, field)
			}
		}
	}
	if d, err := time.ParseDuration(c.Timeouts.EvaluateInterval); err != nil {
		return fmt.Errorf("timeouts.evaluate_interval: %w", err)
	} else if d <= 0 {
		return errors.New("timeouts.evaluate_interval: must be positive")
	}
	return nil
}

func (c *Config) validateConfidence() error {
	for name, v := range map[string]float64{
		"auto_threshold":   c.Confidence.AutoThreshold,
		"push_threshold":   c.Confidence.PushThreshold,
		"safety_threshold": c.Confidence.SafetyThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("confidence.%s: %v outside [0,1]", name, v)
		}
	}
	return nil
}

func (c *Config) validateDisk() error {
	d := c.Disk
	if !(d.WarningPercent < d.CriticalPercent && d.CriticalPercent < d.EmergencyPercent) {
		return errors.New("disk: thresholds must satisfy warning < critical < emergency")
	}
	if d.RecoveryTargetPercent >= d.EmergencyPercent {
		return errors.New("disk: recovery_target_percent must be below emergency_percent")
	}
	switch d.Strategy {
	case StrategyOldestFirst, StrategyLargestFirst, StrategyConfidenceBased:
	default:
		return fmt.Errorf("disk.strategy: unknown strategy %q", d.Strategy)
	}
	if _, err := time.ParseDuration(d.Interval); err != nil {
		return fmt.Errorf("disk.interval: %w", err)
	}
	if _, err := time.ParseDuration(d.EmergencyPoll); err != nil {
		return fmt.Errorf("disk.emergency_poll: %w", err)
	}
	return nil
}

func (c *Config) validateGit() error {
	for field, raw := range map[string]string{
		"correlation_window": c.Git.CorrelationWindow,
		"orphan_grace":       c.Git.OrphanGrace,
		"poll_interval":      c.Git.PollInterval,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("git.%s: %w", field, err)
		}
	}
	return nil
}

func (c *Config) validateRetry() error {
	switch c.Retry.Backoff {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("retry.backoff: unknown mode %q", c.Retry.Backoff)
	}
	if _, err := time.ParseDuration(c.Retry.InitialDelay); err != nil {
		return fmt.Errorf("retry.initial_delay: %w", err)
	}
	if _, err := time.ParseDuration(c.Retry.MaxDelay); err != nil {
		return fmt.Errorf("retry.max_delay: %w", err)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries: cannot be negative")
	}
	return nil
}
