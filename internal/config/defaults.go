package config

import "path/filepath"

// Reclamation strategies for the disk-pressure trigger.
const (
	StrategyOldestFirst     = "oldest_first"
	StrategyLargestFirst    = "largest_first"
	StrategyConfidenceBased = "confidence_based"
)

const defaultDataDir = "/var/lib/retentiond"

// applyDefaults fills every omitted field with its production default. Paths
// derive from DataDir unless set explicitly.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(c.DataDir, "records")
	}
	if c.Store.CheckpointDir == "" {
		c.Store.CheckpointDir = filepath.Join(c.DataDir, "checkpoints")
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.DataDir, "archives")
	}
	if c.Archive.RestoreDir == "" {
		c.Archive.RestoreDir = filepath.Join(c.DataDir, "restored")
	}
	if c.Metrics.SQLitePath == "" {
		c.Metrics.SQLitePath = filepath.Join(c.DataDir, "transitions.db")
	}

	applyTimeoutDefaults(&c.Timeouts.Normal, StateTimeouts{
		Created: "1h", Pending: "24h", Confirmed: "168h", Cleanable: "24h",
	})
	applyTimeoutDefaults(&c.Timeouts.Emergency, StateTimeouts{
		Created: "10m", Pending: "1h", Confirmed: "6h", Cleanable: "30m",
	})
	if c.Timeouts.EvaluateInterval == "" {
		c.Timeouts.EvaluateInterval = "1m"
	}

	if c.Confidence.AutoThreshold == 0 {
		c.Confidence.AutoThreshold = 0.8
	}
	if c.Confidence.PushThreshold == 0 {
		c.Confidence.PushThreshold = 0.65
	}
	if c.Confidence.SafetyThreshold == 0 {
		c.Confidence.SafetyThreshold = 0.5
	}

	if c.Disk.Path == "" {
		c.Disk.Path = c.DataDir
	}
	if c.Disk.Interval == "" {
		c.Disk.Interval = "1m"
	}
	if c.Disk.WarningPercent == 0 {
		c.Disk.WarningPercent = 75
	}
	if c.Disk.CriticalPercent == 0 {
		c.Disk.CriticalPercent = 85
	}
	if c.Disk.EmergencyPercent == 0 {
		c.Disk.EmergencyPercent = 95
	}
	if c.Disk.RecoveryTargetPercent == 0 {
		c.Disk.RecoveryTargetPercent = 70
	}
	if c.Disk.Strategy == "" {
		c.Disk.Strategy = StrategyConfidenceBased
	}
	if c.Disk.MaxPerCycle <= 0 {
		c.Disk.MaxPerCycle = 10
	}
	if c.Disk.EmergencyPoll == "" {
		c.Disk.EmergencyPoll = "5s"
	}
	if c.Disk.EmergencyMaxCycles <= 0 {
		c.Disk.EmergencyMaxCycles = 10
	}

	if c.Git.CorrelationWindow == "" {
		c.Git.CorrelationWindow = "5m"
	}
	if c.Git.OrphanGrace == "" {
		c.Git.OrphanGrace = "24h"
	}
	if c.Git.PollInterval == "" {
		c.Git.PollInterval = "1m"
	}

	if c.Notify.NATSSubject == "" {
		c.Notify.NATSSubject = "retentiond.events"
	}

	if c.Retry.Backoff == "" {
		c.Retry.Backoff = "linear"
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = "500ms"
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = "10s"
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 2
	}
}

func applyTimeoutDefaults(t *StateTimeouts, defs StateTimeouts) {
	if t.Created == "" {
		t.Created = defs.Created
	}
	if t.Pending == "" {
		t.Pending = defs.Pending
	}
	if t.Confirmed == "" {
		t.Confirmed = defs.Confirmed
	}
	if t.Cleanable == "" {
		t.Cleanable = defs.Cleanable
	}
}
