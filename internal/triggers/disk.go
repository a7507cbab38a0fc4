package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/config"
	"git.home.luguber.info/inful/retentiond/internal/coordinator"
	"git.home.luguber.info/inful/retentiond/internal/diskusage"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
	"git.home.luguber.info/inful/retentiond/internal/metrics"
	"git.home.luguber.info/inful/retentiond/internal/notify"
)

// Tier classifies disk occupancy for the pressure response.
type Tier string

const (
	TierNormal    Tier = "normal"
	TierWarning   Tier = "warning"
	TierCritical  Tier = "critical"
	TierEmergency Tier = "emergency"
)

// Confidence boosts applied per pressure tier when proposing cleanup.
const (
	warningBoost   = 0.05
	criticalBoost  = 0.1
	emergencyBoost = 0.2
)

// DiskMonitorConfig carries the parsed disk trigger settings.
type DiskMonitorConfig struct {
	Path               string
	WarningPercent     float64
	CriticalPercent    float64
	EmergencyPercent   float64
	RecoveryTarget     float64
	Strategy           string
	MaxPerCycle        int
	EmergencyPoll      time.Duration
	EmergencyMaxCycles int
}

// DiskMonitor watches filesystem occupancy and escalates reclamation
// through the warning, critical, and emergency tiers.
type DiskMonitor struct {
	coord      *coordinator.Coordinator
	usage      diskusage.Provider
	cfg        DiskMonitorConfig
	recorder   metrics.Recorder
	dispatcher notify.Dispatcher
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	// onEmergency flips the compressed timeout table on the time trigger.
	onEmergency func(bool)
	inEmergency atomic.Bool
}

// NewDiskMonitor builds the disk-pressure trigger. recorder and dispatcher
// may be nil; onEmergency may be nil when no time evaluator is wired.
func NewDiskMonitor(coord *coordinator.Coordinator, usage diskusage.Provider, cfg DiskMonitorConfig, recorder metrics.Recorder, dispatcher notify.Dispatcher, onEmergency func(bool)) *DiskMonitor {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if dispatcher == nil {
		dispatcher = notify.NoopDispatcher{}
	}
	if onEmergency == nil {
		onEmergency = func(bool) {}
	}
	return &DiskMonitor{
		coord:       coord,
		usage:       usage,
		cfg:         cfg,
		recorder:    recorder,
		dispatcher:  dispatcher,
		now:         time.Now,
		sleep:       sleepCtx,
		onEmergency: onEmergency,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (m *DiskMonitor) classify(pct float64) Tier {
	switch {
	case pct >= m.cfg.EmergencyPercent:
		return TierEmergency
	case pct >= m.cfg.CriticalPercent:
		return TierCritical
	case pct >= m.cfg.WarningPercent:
		return TierWarning
	default:
		return TierNormal
	}
}

// InEmergency reports whether the monitor is in emergency mode. Safe to
// call from any goroutine.
func (m *DiskMonitor) InEmergency() bool { return m.inEmergency.Load() }

// Tick runs one pressure evaluation. Once emergency mode is entered it is
// left only when usage falls to the recovery target.
func (m *DiskMonitor) Tick(ctx context.Context) error {
	pct, err := m.measure()
	if err != nil {
		return err
	}

	if m.inEmergency.Load() {
		if pct <= m.cfg.RecoveryTarget {
			m.exitEmergency(ctx, pct)
			return nil
		}
		return m.emergencyLoop(ctx)
	}

	tier := m.classify(pct)
	slog.Debug("Disk usage sampled", logfields.Usage(pct), logfields.Tier(string(tier)))

	switch tier {
	case TierNormal:
		return nil
	case TierWarning:
		return m.reclaim(ctx, warningBoost, false)
	case TierCritical:
		return m.reclaim(ctx, criticalBoost, true)
	default:
		m.enterEmergency(ctx, pct)
		return m.emergencyLoop(ctx)
	}
}

func (m *DiskMonitor) measure() (float64, error) {
	u, err := m.usage.Usage(m.cfg.Path)
	if err != nil {
		return 0, fmt.Errorf("measure disk usage: %w", err)
	}
	pct := u.Percent()
	m.recorder.RecordDiskUsage(pct)
	return pct, nil
}

// reclaim is the warning/critical response: funnel pre-cleanable records
// toward Cleanable with a pressure boost, delete armed records, and at
// critical also move unarmed records to cold storage.
func (m *DiskMonitor) reclaim(ctx context.Context, boost float64, archiveUnarmed bool) error {
	budget := m.cfg.MaxPerCycle

	candidates, err := m.coord.List(nil)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	m.rank(candidates)

	for _, rec := range candidates {
		if budget <= 0 || ctx.Err() != nil {
			break
		}
		switch rec.State {
		case lifecycle.StateCreated, lifecycle.StatePending, lifecycle.StateConfirmed:
			if m.transition(ctx, rec.ID, lifecycle.StateCleanable, boost, false) {
				budget--
			}
		case lifecycle.StateCleanable:
			if rec.Metadata.CleanableSince != nil {
				if m.transition(ctx, rec.ID, lifecycle.StateDeleted, 0, false) {
					budget--
				}
			} else if archiveUnarmed {
				if m.transition(ctx, rec.ID, lifecycle.StateArchived, 0, false) {
					budget--
				}
			}
		}
	}
	return nil
}

func (m *DiskMonitor) enterEmergency(ctx context.Context, pct float64) {
	m.inEmergency.Store(true)
	m.onEmergency(true)
	m.dispatcher.Dispatch(ctx, notify.Event{
		Type:   notify.EventEmergencyEntered,
		Detail: fmt.Sprintf("disk usage %.1f%%", pct),
		At:     m.now(),
	})
	slog.Warn("Entering emergency disk pressure mode", logfields.Usage(pct))
}

func (m *DiskMonitor) exitEmergency(ctx context.Context, pct float64) {
	m.inEmergency.Store(false)
	m.onEmergency(false)
	m.dispatcher.Dispatch(ctx, notify.Event{
		Type:   notify.EventEmergencyRecovered,
		Detail: fmt.Sprintf("disk usage %.1f%%", pct),
		At:     m.now(),
	})
	slog.Info("Recovered from emergency disk pressure", logfields.Usage(pct))
}

// emergencyLoop widens the reclamation scope in bounded cycles, re-polling
// usage between passes and stopping as soon as the recovery target holds.
func (m *DiskMonitor) emergencyLoop(ctx context.Context) error {
	for cycle := 0; cycle < m.cfg.EmergencyMaxCycles; cycle++ {
		if err := m.emergencyPass(ctx); err != nil {
			return err
		}

		pct, err := m.measure()
		if err != nil {
			return err
		}
		if pct <= m.cfg.RecoveryTarget {
			m.exitEmergency(ctx, pct)
			return nil
		}
		if cycle < m.cfg.EmergencyMaxCycles-1 {
			if err := m.sleep(ctx, m.cfg.EmergencyPoll); err != nil {
				return err
			}
		}
	}
	slog.Warn("Emergency reclamation exhausted its cycle budget; still above recovery target")
	return nil
}

// emergencyPass runs the widening sequence: deletes already cleared by the
// guard, then reversible archival, then pulling every earlier state down to
// Cleanable so the next pass can reclaim it, then forced deletes last.
func (m *DiskMonitor) emergencyPass(ctx context.Context) error {
	records, err := m.coord.List(nil)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	m.rank(records)
	budget := m.cfg.MaxPerCycle
	acted := make(map[string]struct{})

	// 1. Armed cleanable records: already cleared for deletion.
	for _, rec := range records {
		if budget <= 0 {
			return nil
		}
		if rec.State == lifecycle.StateCleanable && rec.Metadata.CleanableSince != nil {
			if m.transition(ctx, rec.ID, lifecycle.StateDeleted, 0, false) {
				acted[rec.ID] = struct{}{}
				budget--
			}
		}
	}

	// 2. Prefer moving live payloads to compressed cold storage over
	// destroying them.
	for _, rec := range records {
		if budget <= 0 {
			return nil
		}
		if _, done := acted[rec.ID]; done {
			continue
		}
		switch rec.State {
		case lifecycle.StateCleanable, lifecycle.StateConfirmed:
			if rec.Metadata.CleanableSince == nil {
				if m.transition(ctx, rec.ID, lifecycle.StateArchived, 0, false) {
					acted[rec.ID] = struct{}{}
					budget--
				}
			}
		}
	}

	// 3. Widen to the earlier states, Created included: funnel them toward
	// Cleanable with the emergency boost so the next pass can delete them.
	for _, rec := range records {
		if budget <= 0 {
			return nil
		}
		if _, done := acted[rec.ID]; done {
			continue
		}
		switch rec.State {
		case lifecycle.StateCreated, lifecycle.StatePending, lifecycle.StateConfirmed:
			if m.transition(ctx, rec.ID, lifecycle.StateCleanable, emergencyBoost, false) {
				acted[rec.ID] = struct{}{}
				budget--
			}
		}
	}

	// 4. Forced deletion of whatever cleanable records remain.
	for _, rec := range records {
		if budget <= 0 {
			return nil
		}
		if _, done := acted[rec.ID]; done {
			continue
		}
		if rec.State == lifecycle.StateCleanable {
			if m.transition(ctx, rec.ID, lifecycle.StateDeleted, 0, true) {
				acted[rec.ID] = struct{}{}
				budget--
			}
		}
	}
	return nil
}

func (m *DiskMonitor) transition(ctx context.Context, id string, target lifecycle.State, boost float64, force bool) bool {
	out := m.coord.Transition(ctx, lifecycle.TransitionRequest{
		BackupID:        id,
		Target:          target,
		Trigger:         lifecycle.TriggerDiskSpace,
		Reason:          "disk pressure reclamation",
		ConfidenceBoost: boost,
		Force:           force,
	})
	switch out.Result {
	case coordinator.ResultSuccess, coordinator.ResultDryRun:
		return true
	case coordinator.ResultFailure:
		slog.Warn("Disk pressure transition failed",
			logfields.BackupID(id), logfields.ToState(string(target)), logfields.Error(out.Err))
	}
	return false
}

// rank orders candidates per the configured strategy.
func (m *DiskMonitor) rank(records []*lifecycle.BackupRecord) {
	switch m.cfg.Strategy {
	case config.StrategyOldestFirst:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		})
	case config.StrategyLargestFirst:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].SizeBytes > records[j].SizeBytes
		})
	default: // confidence_based
		sort.SliceStable(records, func(i, j int) bool {
			ci, cj := scoreOf(records[i]), scoreOf(records[j])
			if ci != cj {
				return ci > cj
			}
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		})
	}
}

func scoreOf(rec *lifecycle.BackupRecord) float64 {
	if rec.Metadata.CleanupConfidence != nil {
		return *rec.Metadata.CleanupConfidence
	}
	return -1
}
