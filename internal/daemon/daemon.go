// Package daemon wires the stores, the coordinator, and the three background
// triggers into a long-running process with scheduled evaluation, config
// reload, and an optional Prometheus exposition endpoint.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/retentiond/internal/arbiter"
	"git.home.luguber.info/inful/retentiond/internal/archive"
	"git.home.luguber.info/inful/retentiond/internal/confidence"
	"git.home.luguber.info/inful/retentiond/internal/config"
	"git.home.luguber.info/inful/retentiond/internal/coordinator"
	"git.home.luguber.info/inful/retentiond/internal/diskusage"
	"git.home.luguber.info/inful/retentiond/internal/gitquery"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
	"git.home.luguber.info/inful/retentiond/internal/metrics"
	"git.home.luguber.info/inful/retentiond/internal/notify"
	"git.home.luguber.info/inful/retentiond/internal/retry"
	"git.home.luguber.info/inful/retentiond/internal/store"
	"git.home.luguber.info/inful/retentiond/internal/triggers"
)

// Status represents the daemon lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Daemon owns every long-lived component and their scheduled execution.
type Daemon struct {
	configPath string

	cfgMu sync.RWMutex
	cfg   *config.Config

	records     *store.Store
	checkpoints *store.CheckpointStore
	archives    *archive.Manager
	engine      *confidence.Engine
	recorder    metrics.Recorder
	dispatcher  notify.Dispatcher
	natsDisp    *notify.NATSDispatcher
	usage       diskusage.Provider

	coord    *coordinator.Coordinator
	timeEval *triggers.TimeEvaluator
	diskMon  *triggers.DiskMonitor
	gitCorr  *triggers.GitCorrelator

	scheduler    *Scheduler
	watcher      *ConfigWatcher
	promRegistry *prom.Registry
	promListener net.Listener
	promServer   *http.Server

	status    atomic.Value // Status
	startTime time.Time
}

// New builds a daemon from a validated configuration. configPath may be
// empty, in which case live reload is disabled.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	d := &Daemon{
		configPath: configPath,
		cfg:        cfg,
		usage:      diskusage.Statfs{},
	}
	d.status.Store(StatusStopped)

	var err error
	if d.records, err = store.New(cfg.Store.Dir); err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	if d.checkpoints, err = store.NewCheckpointStore(cfg.Store.CheckpointDir); err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	if d.archives, err = archive.NewManager(cfg.Archive.Dir, archive.TarGzCodec{}); err != nil {
		return nil, fmt.Errorf("open archive manager: %w", err)
	}
	d.engine = confidence.NewEngine()

	if d.recorder, err = d.buildRecorder(cfg); err != nil {
		return nil, err
	}
	if d.dispatcher, err = d.buildDispatcher(cfg); err != nil {
		return nil, err
	}

	d.coord = coordinator.New(coordinator.Config{
		AutoThreshold: cfg.Confidence.AutoThreshold,
		Timeouts:      cfg.Timeouts.Normal.Durations(),
		RestoreDir:    cfg.Archive.RestoreDir,
		DryRun:        cfg.DryRun,
	}, d.records, d.checkpoints, arbiter.New(arbiter.DefaultWindow), d.engine, d.archives, d.recorder, d.dispatcher)

	d.buildTriggers(cfg)

	if d.scheduler, err = NewScheduler(); err != nil {
		return nil, err
	}
	if configPath != "" {
		if d.watcher, err = NewConfigWatcher(configPath, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Daemon) buildRecorder(cfg *config.Config) (metrics.Recorder, error) {
	sqlite, err := metrics.NewSQLiteRecorder(cfg.Metrics.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open transition history: %w", err)
	}
	if cfg.Metrics.PrometheusListen == "" {
		return sqlite, nil
	}
	d.promRegistry = prom.NewRegistry()
	d.promRegistry.MustRegister(
		promcollect.NewGoCollector(),
		promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}),
	)
	return metrics.MultiRecorder{sqlite, metrics.NewPrometheusRecorder(d.promRegistry)}, nil
}

func (d *Daemon) buildDispatcher(cfg *config.Config) (notify.Dispatcher, error) {
	var sinks notify.MultiDispatcher
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookDispatcher(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.NATSURL != "" {
		nd, err := notify.NewNATSDispatcher(cfg.Notify.NATSURL, cfg.Notify.NATSSubject)
		if err != nil {
			return nil, fmt.Errorf("connect NATS: %w", err)
		}
		d.natsDisp = nd
		sinks = append(sinks, nd)
	}
	if len(sinks) == 0 {
		return notify.NoopDispatcher{}, nil
	}
	return sinks, nil
}

// buildTriggers (re)creates the three background triggers from cfg. The
// caller holds cfgMu when rebuilding after a reload.
func (d *Daemon) buildTriggers(cfg *config.Config) {
	policy := retry.NewPolicy(
		retry.BackoffMode(cfg.Retry.Backoff),
		cfg.Retry.InitialDelayDuration(),
		cfg.Retry.MaxDelayDuration(),
		cfg.Retry.MaxRetries,
	)
	d.timeEval = triggers.NewTimeEvaluator(d.coord, d.engine,
		cfg.Timeouts.Normal.Durations(),
		cfg.Timeouts.Emergency.Durations(),
		cfg.Confidence.AutoThreshold,
		policy,
	)
	d.diskMon = triggers.NewDiskMonitor(d.coord, d.usage, triggers.DiskMonitorConfig{
		Path:               cfg.Disk.Path,
		WarningPercent:     cfg.Disk.WarningPercent,
		CriticalPercent:    cfg.Disk.CriticalPercent,
		EmergencyPercent:   cfg.Disk.EmergencyPercent,
		RecoveryTarget:     cfg.Disk.RecoveryTargetPercent,
		Strategy:           cfg.Disk.Strategy,
		MaxPerCycle:        cfg.Disk.MaxPerCycle,
		EmergencyPoll:      cfg.Disk.EmergencyPollDuration(),
		EmergencyMaxCycles: cfg.Disk.EmergencyMaxCycles,
	}, d.recorder, d.dispatcher, d.timeEval.SetEmergency)

	d.gitCorr = nil
	if cfg.Git.RepoPath != "" {
		repo, err := gitquery.Open(cfg.Git.RepoPath)
		if err != nil {
			slog.Warn("Repository unavailable, git correlation disabled",
				logfields.Path(cfg.Git.RepoPath), logfields.Error(err))
		} else {
			d.gitCorr = triggers.NewGitCorrelator(d.coord, repo, d.engine, triggers.GitCorrelatorConfig{
				Window:        cfg.Git.CorrelationWindowDuration(),
				OrphanGrace:   cfg.Git.OrphanGraceDuration(),
				PushThreshold: cfg.Confidence.PushThreshold,
			})
		}
	}
}

// Start recovers interrupted transitions, schedules the triggers, and brings
// up the config watcher and metrics endpoint.
func (d *Daemon) Start(ctx context.Context) error {
	d.status.Store(StatusStarting)
	d.startTime = time.Now()

	slog.Info("Starting daemon",
		slog.String("data_dir", d.Config().DataDir),
		slog.Bool("dry_run", d.Config().DryRun))

	if err := d.coord.RecoverOrphanedCheckpoints(); err != nil {
		d.status.Store(StatusError)
		return fmt.Errorf("recover checkpoints: %w", err)
	}

	if err := d.scheduleJobs(); err != nil {
		d.status.Store(StatusError)
		return err
	}
	d.scheduler.Start(ctx)

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			d.status.Store(StatusError)
			return err
		}
	}

	if err := d.startMetricsEndpoint(); err != nil {
		d.status.Store(StatusError)
		return err
	}

	d.status.Store(StatusRunning)
	slog.Info("Daemon started")
	return nil
}

func (d *Daemon) scheduleJobs() error {
	cfg := d.Config()
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"time-evaluation", cfg.Timeouts.EvaluateIntervalDuration(), d.runTimeTick},
		{"disk-pressure", cfg.Disk.IntervalDuration(), d.runDiskTick},
	}
	if d.gitCorr != nil {
		jobs = append(jobs, struct {
			name     string
			interval time.Duration
			run      func(context.Context)
		}{"git-correlation", cfg.Git.PollIntervalDuration(), d.runGitPoll})
	}
	for _, j := range jobs {
		if _, err := d.scheduler.Every(j.interval, j.name, j.run); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (d *Daemon) runTimeTick(ctx context.Context) {
	d.cfgMu.RLock()
	eval := d.timeEval
	d.cfgMu.RUnlock()
	summary, err := eval.Tick(ctx)
	if err != nil {
		slog.Error("Time evaluation failed", logfields.Error(err))
		return
	}
	if summary.Proposed > 0 {
		slog.Info("Time evaluation completed",
			slog.Int("scanned", summary.Scanned),
			slog.Int("proposed", summary.Proposed),
			slog.Int("applied", summary.Applied),
			slog.Int("flagged", summary.Flagged))
	}
}

func (d *Daemon) runDiskTick(ctx context.Context) {
	d.cfgMu.RLock()
	mon := d.diskMon
	d.cfgMu.RUnlock()
	if err := mon.Tick(ctx); err != nil {
		slog.Error("Disk pressure evaluation failed", logfields.Error(err))
	}
}

func (d *Daemon) runGitPoll(ctx context.Context) {
	d.cfgMu.RLock()
	corr := d.gitCorr
	d.cfgMu.RUnlock()
	if corr == nil {
		return
	}
	if err := corr.Poll(ctx); err != nil {
		slog.Error("Git correlation poll failed", logfields.Error(err))
	}
}

func (d *Daemon) startMetricsEndpoint() error {
	cfg := d.Config()
	if cfg.Metrics.PrometheusListen == "" || d.promRegistry == nil {
		return nil
	}
	ln, err := net.Listen("tcp", cfg.Metrics.PrometheusListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Metrics.PrometheusListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.promRegistry, promhttp.HandlerOpts{}))
	d.promListener = ln
	d.promServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	slog.Info("Metrics endpoint listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := d.promServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics endpoint failed", logfields.Error(err))
		}
	}()
	return nil
}

// MetricsAddr returns the bound metrics listener address, or "" when the
// endpoint is disabled or not yet started.
func (d *Daemon) MetricsAddr() string {
	if d.promListener == nil {
		return ""
	}
	return d.promListener.Addr().String()
}

// Stop shuts the daemon down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	d.status.Store(StatusStopping)
	slog.Info("Stopping daemon")

	var firstErr error
	if d.watcher != nil {
		if err := d.watcher.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.scheduler.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if d.promServer != nil {
		if err := d.promServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.natsDisp != nil {
		d.natsDisp.Close()
	}
	if err := d.recorder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	d.status.Store(StatusStopped)
	slog.Info("Daemon stopped")
	return firstErr
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it
// with a fresh shutdown deadline.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Stop(stopCtx)
}

// Status returns the daemon lifecycle state.
func (d *Daemon) Status() Status {
	return d.status.Load().(Status)
}

// Config returns the currently active configuration.
func (d *Daemon) Config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Coordinator exposes the transition coordinator for command handling.
func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coord }

// UserCommands builds the synchronous user trigger bound to this daemon's
// coordinator. prompter may be nil for non-interactive callers.
func (d *Daemon) UserCommands(prompter triggers.Prompter) *triggers.UserCommands {
	cfg := d.Config()
	return triggers.NewUserCommands(d.coord, d.engine, triggers.UserCommandsConfig{
		SafetyThreshold: cfg.Confidence.SafetyThreshold,
		Timeouts:        cfg.Timeouts.Normal.Durations(),
	}, prompter)
}

// RetryPolicy returns the configured transient-failure backoff policy.
func (d *Daemon) RetryPolicy() retry.Policy {
	cfg := d.Config()
	return retry.NewPolicy(
		retry.BackoffMode(cfg.Retry.Backoff),
		cfg.Retry.InitialDelayDuration(),
		cfg.Retry.MaxDelayDuration(),
		cfg.Retry.MaxRetries,
	)
}

// Close releases held resources without a start/stop cycle, for one-shot
// command use.
func (d *Daemon) Close() error {
	if d.natsDisp != nil {
		d.natsDisp.Close()
	}
	return d.recorder.Close()
}

// ReloadConfig applies a validated configuration. Storage paths and the
// metrics endpoint are fixed at startup; trigger settings, thresholds, and
// dry-run mode take effect immediately. Interval changes apply on restart.
func (d *Daemon) ReloadConfig(ctx context.Context, newCfg *config.Config) error {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	old := d.cfg
	d.cfg = newCfg

	d.coord = coordinator.New(coordinator.Config{
		AutoThreshold: newCfg.Confidence.AutoThreshold,
		Timeouts:      newCfg.Timeouts.Normal.Durations(),
		RestoreDir:    newCfg.Archive.RestoreDir,
		DryRun:        newCfg.DryRun,
	}, d.records, d.checkpoints, arbiter.New(arbiter.DefaultWindow), d.engine, d.archives, d.recorder, d.dispatcher)
	d.buildTriggers(newCfg)

	if old.Timeouts.EvaluateInterval != newCfg.Timeouts.EvaluateInterval ||
		old.Disk.Interval != newCfg.Disk.Interval ||
		old.Git.PollInterval != newCfg.Git.PollInterval {
		slog.Warn("Interval changes take effect after restart")
	}
	slog.Info("Configuration applied", slog.Bool("dry_run", newCfg.DryRun))
	return nil
}

// Snapshot summarizes daemon and fleet state for the status command.
type Snapshot struct {
	Status           Status                  `json:"status"`
	Uptime           time.Duration           `json:"uptime"`
	DryRun           bool                    `json:"dry_run"`
	RecordCounts     map[lifecycle.State]int `json:"record_counts"`
	FlaggedForReview int                     `json:"flagged_for_review"`
	DiskUsagePercent float64                 `json:"disk_usage_percent"`
	EmergencyMode    bool                    `json:"emergency_mode"`
}

// Snapshot collects current daemon state.
func (d *Daemon) Snapshot() (*Snapshot, error) {
	cfg := d.Config()
	snap := &Snapshot{
		Status:       d.Status(),
		DryRun:       cfg.DryRun,
		RecordCounts: make(map[lifecycle.State]int),
	}
	if !d.startTime.IsZero() {
		snap.Uptime = time.Since(d.startTime)
	}

	records, err := d.coord.List(nil)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for _, rec := range records {
		snap.RecordCounts[rec.State]++
		if rec.Metadata.ReviewFlaggedAt != nil {
			snap.FlaggedForReview++
		}
	}

	if u, err := d.usage.Usage(cfg.Disk.Path); err == nil {
		snap.DiskUsagePercent = u.Percent()
	}
	d.cfgMu.RLock()
	snap.EmergencyMode = d.diskMon.InEmergency()
	d.cfgMu.RUnlock()
	return snap, nil
}
