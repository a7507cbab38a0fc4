// Package config loads, defaults, and validates the daemon configuration.
// All duration fields are Go duration strings ("45m", "2h") parsed during
// validation; environment variables in the YAML are expanded before
// unmarshalling.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	DataDir string `yaml:"data_dir,omitempty"`
	DryRun  bool   `yaml:"dry_run,omitempty"`

	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Store      StoreConfig      `yaml:"store,omitempty"`
	Archive    ArchiveConfig    `yaml:"archive,omitempty"`
	Timeouts   TimeoutConfig    `yaml:"timeouts,omitempty"`
	Confidence ConfidenceConfig `yaml:"confidence,omitempty"`
	Disk       DiskConfig       `yaml:"disk,omitempty"`
	Git        GitConfig        `yaml:"git,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
	Notify     NotifyConfig     `yaml:"notify,omitempty"`
	Retry      RetryConfig      `yaml:"retry,omitempty"`
}

// LoggingConfig selects log verbosity and output encoding.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug|info|warn|error
	Format string `yaml:"format,omitempty"` // text|json
}

// StoreConfig locates the record and checkpoint stores.
type StoreConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	CheckpointDir string `yaml:"checkpoint_dir,omitempty"`
}

// ArchiveConfig locates cold storage and the restore target.
type ArchiveConfig struct {
	Dir        string `yaml:"dir,omitempty"`
	RestoreDir string `yaml:"restore_dir,omitempty"`
}

// StateTimeouts holds one duration per non-terminal lifecycle state.
type StateTimeouts struct {
	Created   string `yaml:"created,omitempty"`
	Pending   string `yaml:"pending,omitempty"`
	Confirmed string `yaml:"confirmed,omitempty"`
	Cleanable string `yaml:"cleanable,omitempty"`
}

// TimeoutConfig holds the normal schedule and the compressed schedule used
// while the disk is under emergency pressure.
type TimeoutConfig struct {
	Normal    StateTimeouts `yaml:"normal,omitempty"`
	Emergency StateTimeouts `yaml:"emergency,omitempty"`
	// EvaluateInterval is how often the age of every record is re-checked.
	EvaluateInterval string `yaml:"evaluate_interval,omitempty"`
}

// ConfidenceConfig sets the decision thresholds on the [0,1] scores.
type ConfidenceConfig struct {
	// AutoThreshold gates automatic destructive action.
	AutoThreshold float64 `yaml:"auto_threshold,omitempty"`
	// PushThreshold gates treating a commit as push-confirmed.
	PushThreshold float64 `yaml:"push_threshold,omitempty"`
	// SafetyThreshold is the score below which a user-initiated delete
	// demands double confirmation.
	SafetyThreshold float64 `yaml:"safety_threshold,omitempty"`
}

// DiskConfig drives the disk-pressure trigger.
type DiskConfig struct {
	Path     string `yaml:"path,omitempty"` // filesystem whose usage is watched
	Interval string `yaml:"interval,omitempty"`

	WarningPercent   float64 `yaml:"warning_percent,omitempty"`
	CriticalPercent  float64 `yaml:"critical_percent,omitempty"`
	EmergencyPercent float64 `yaml:"emergency_percent,omitempty"`
	// RecoveryTargetPercent is where emergency reclamation stops.
	RecoveryTargetPercent float64 `yaml:"recovery_target_percent,omitempty"`

	Strategy    string `yaml:"strategy,omitempty"` // oldest_first|largest_first|confidence_based
	MaxPerCycle int    `yaml:"max_per_cycle,omitempty"`

	EmergencyPoll      string `yaml:"emergency_poll,omitempty"`
	EmergencyMaxCycles int    `yaml:"emergency_max_cycles,omitempty"`
}

// GitConfig drives the source-control correlation trigger.
type GitConfig struct {
	RepoPath string `yaml:"repo_path,omitempty"`
	// CorrelationWindow is the max distance between a backup's creation and
	// a commit for the two to be considered related.
	CorrelationWindow string `yaml:"correlation_window,omitempty"`
	// OrphanGrace is how long an uncorrelated record is left alone before
	// the orphan sweep may act on it.
	OrphanGrace  string `yaml:"orphan_grace,omitempty"`
	PollInterval string `yaml:"poll_interval,omitempty"`
}

// MetricsConfig selects the transition history sink and the optional
// Prometheus exposition endpoint.
type MetricsConfig struct {
	SQLitePath       string `yaml:"sqlite_path,omitempty"`
	PrometheusListen string `yaml:"prometheus_listen,omitempty"` // empty disables
}

// NotifyConfig configures best-effort event fan-out.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url,omitempty"`
	NATSURL     string `yaml:"nats_url,omitempty"`
	NATSSubject string `yaml:"nats_subject,omitempty"`
}

// RetryConfig shapes the backoff applied to contended transitions.
type RetryConfig struct {
	Backoff      string `yaml:"backoff,omitempty"` // fixed|linear|exponential
	InitialDelay string `yaml:"initial_delay,omitempty"`
	MaxDelay     string `yaml:"max_delay,omitempty"`
	MaxRetries   int    `yaml:"max_retries,omitempty"`
}

// Load reads, expands, defaults, and validates the configuration at path.
func Load(configPath string) (*Config, error) {
	// Optional .env files; existing process env always wins.
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return nil, fmt.Errorf("load %s: %w", envPath, err)
			}
			break
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Config{
		DataDir: "/var/lib/retentiond",
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Timeouts: TimeoutConfig{
			Normal:    StateTimeouts{Created: "1h", Pending: "24h", Confirmed: "168h", Cleanable: "24h"},
			Emergency: StateTimeouts{Created: "10m", Pending: "1h", Confirmed: "6h", Cleanable: "30m"},
		},
		Confidence: ConfidenceConfig{AutoThreshold: 0.8, PushThreshold: 0.65, SafetyThreshold: 0.5},
		Disk: DiskConfig{
			Path:                  "/var/lib/retentiond",
			Interval:              "1m",
			WarningPercent:        75,
			CriticalPercent:       85,
			EmergencyPercent:      95,
			RecoveryTargetPercent: 70,
			Strategy:              StrategyConfidenceBased,
			MaxPerCycle:           10,
		},
		Git: GitConfig{
			RepoPath:          "/home/user/project",
			CorrelationWindow: "5m",
			OrphanGrace:       "24h",
			PollInterval:      "1m",
		},
		Notify: NotifyConfig{WebhookURL: "https://example.com/hooks/retentiond"},
	}

	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
