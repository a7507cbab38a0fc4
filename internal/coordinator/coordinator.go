// Package coordinator implements the transition state machine: it is the
// sole mutator of backup records. Every transition runs under a per-id
// non-blocking lock, is checkpoint-protected, and either commits fully or
// restores the exact pre-call record.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/arbiter"
	"git.home.luguber.info/inful/retentiond/internal/archive"
	"git.home.luguber.info/inful/retentiond/internal/confidence"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
	"git.home.luguber.info/inful/retentiond/internal/metrics"
	"git.home.luguber.info/inful/retentiond/internal/notify"
	"git.home.luguber.info/inful/retentiond/internal/store"
)

// Config carries the coordinator's tunables, injected at startup.
type Config struct {
	// AutoThreshold is the confidence at or above which entering Cleanable
	// arms the automatic cleanup timeout.
	AutoThreshold float64
	// Timeouts maps each state to its normal lifecycle timeout, consulted
	// when computing cleanup confidence.
	Timeouts map[lifecycle.State]time.Duration
	// RestoreDir receives payloads extracted from cold storage when an
	// archived record is restored.
	RestoreDir string
	// DryRun validates and logs transitions without applying them.
	DryRun bool
}

// Hook runs after a committed transition. Failures are logged and swallowed;
// they never affect the transition's outcome.
type Hook func(ctx context.Context, rec *lifecycle.BackupRecord, req lifecycle.TransitionRequest) error

// Coordinator validates, locks, checkpoints, executes, and records
// transitions.
type Coordinator struct {
	cfg         Config
	records     *store.Store
	checkpoints *store.CheckpointStore
	arb         *arbiter.Arbiter
	engine      *confidence.Engine
	archives    *archive.Manager
	recorder    metrics.Recorder
	dispatcher  notify.Dispatcher
	now         func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	hookMu       sync.RWMutex
	stateHooks   map[lifecycle.State][]Hook
	triggerHooks map[lifecycle.TriggerType][]Hook
}

// New wires a coordinator. recorder and dispatcher may be nil, in which case
// no-op implementations are used.
func New(cfg Config, records *store.Store, checkpoints *store.CheckpointStore, arb *arbiter.Arbiter, engine *confidence.Engine, archives *archive.Manager, recorder metrics.Recorder, dispatcher notify.Dispatcher) *Coordinator {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if dispatcher == nil {
		dispatcher = notify.NoopDispatcher{}
	}
	return &Coordinator{
		cfg:          cfg,
		records:      records,
		checkpoints:  checkpoints,
		arb:          arb,
		engine:       engine,
		archives:     archives,
		recorder:     recorder,
		dispatcher:   dispatcher,
		now:          time.Now,
		locks:        make(map[string]*sync.Mutex),
		stateHooks:   make(map[lifecycle.State][]Hook),
		triggerHooks: make(map[lifecycle.TriggerType][]Hook),
	}
}

// OnState registers a hook fired after a successful transition into state.
func (c *Coordinator) OnState(state lifecycle.State, h Hook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.stateHooks[state] = append(c.stateHooks[state], h)
}

// OnTrigger registers a hook fired after a successful transition proposed by
// the trigger type.
func (c *Coordinator) OnTrigger(trigger lifecycle.TriggerType, h Hook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.triggerHooks[trigger] = append(c.triggerHooks[trigger], h)
}

// lockFor returns the mutex serializing transitions for one backup id.
func (c *Coordinator) lockFor(id string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	mu, ok := c.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[id] = mu
	}
	return mu
}

// Register enrolls an existing backup payload as a new record in the
// Created state. The payload itself is never copied or moved.
func (c *Coordinator) Register(ctx context.Context, id, payloadPath string) (*lifecycle.BackupRecord, error) {
	mu := c.lockFor(id)
	if !mu.TryLock() {
		return nil, ErrLockContended
	}
	defer mu.Unlock()

	if _, err := c.records.Read(id); err == nil {
		return nil, fmt.Errorf("backup %s already registered", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var size int64
	if payloadPath != "" {
		var err error
		if size, err = payloadSize(payloadPath); err != nil {
			return nil, fmt.Errorf("measure payload: %w", err)
		}
	}

	rec := lifecycle.NewRecord(id, payloadPath, size, c.now().UTC().Round(0))
	if err := c.records.Write(id, rec); err != nil {
		return nil, err
	}
	slog.Info("Backup registered",
		logfields.BackupID(id),
		logfields.Path(payloadPath),
		slog.Int64("size_bytes", size))
	return rec, nil
}

// payloadSize totals the regular-file bytes under path.
func payloadSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !fi.IsDir() {
		return fi.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Status returns a snapshot of the record for id.
func (c *Coordinator) Status(id string) (*lifecycle.BackupRecord, error) {
	return c.records.Read(id)
}

// List returns records, optionally filtered by state (nil for all).
func (c *Coordinator) List(filterState *lifecycle.State) ([]*lifecycle.BackupRecord, error) {
	if filterState == nil {
		return c.records.List(nil)
	}
	return c.records.ListByState(*filterState)
}

// ListFlaggedForReview returns records carrying a manual-review flag.
func (c *Coordinator) ListFlaggedForReview() ([]*lifecycle.BackupRecord, error) {
	return c.records.List(func(r *lifecycle.BackupRecord) bool {
		return r.Metadata.ReviewFlaggedAt != nil
	})
}

// FlagForReview marks a record for manual review without changing its
// state. Used by automatic triggers that decline to act on low confidence.
func (c *Coordinator) FlagForReview(ctx context.Context, id, reason string) error {
	mu := c.lockFor(id)
	if !mu.TryLock() {
		return ErrLockContended
	}
	defer mu.Unlock()

	rec, err := c.records.Read(id)
	if err != nil {
		return err
	}
	if rec.Metadata.ReviewFlaggedAt != nil {
		return nil
	}
	if c.cfg.DryRun {
		slog.Info("Dry run, review flag not applied",
			logfields.BackupID(id), logfields.Reason(reason))
		return nil
	}
	rec.FlagForReview(reason, c.now())
	if err := c.records.Write(id, rec); err != nil {
		return err
	}

	c.dispatcher.Dispatch(ctx, notify.Event{
		Type:     notify.EventReviewFlagged,
		BackupID: id,
		Detail:   reason,
		At:       c.now(),
	})
	slog.Info("Flagged for manual review", logfields.BackupID(id), logfields.Reason(reason))
	return nil
}

// RecoverOrphanedCheckpoints restores any checkpoint left behind by a crash
// mid-transition and clears it. Called once at daemon startup, before any
// trigger runs.
func (c *Coordinator) RecoverOrphanedCheckpoints() error {
	orphans, err := c.checkpoints.Orphans()
	if err != nil {
		return err
	}
	for _, cp := range orphans {
		slog.Warn("Restoring record from orphaned checkpoint",
			logfields.BackupID(cp.BackupID), slog.String("checkpoint_id", cp.ID))
		if err := c.checkpoints.Restore(cp, c.records); err != nil {
			slog.Error("Failed to restore orphaned checkpoint",
				logfields.BackupID(cp.BackupID), logfields.Error(err))
			continue
		}
		if err := c.checkpoints.Drop(cp); err != nil {
			slog.Warn("Failed to drop restored checkpoint", logfields.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) runHooks(ctx context.Context, rec *lifecycle.BackupRecord, req lifecycle.TransitionRequest) {
	c.hookMu.RLock()
	hooks := append([]Hook{}, c.stateHooks[req.Target]...)
	hooks = append(hooks, c.triggerHooks[req.Trigger]...)
	c.hookMu.RUnlock()

	for _, h := range hooks {
		if err := h(ctx, rec, req); err != nil {
			slog.Warn("Transition hook failed",
				logfields.BackupID(req.BackupID),
				logfields.ToState(string(req.Target)),
				logfields.Error(err))
		}
	}
}

func (c *Coordinator) emit(ctx context.Context, req lifecycle.TransitionRequest, from lifecycle.State, res Result, d time.Duration) {
	ev := metrics.Event{
		BackupID:   req.BackupID,
		FromState:  string(from),
		ToState:    string(req.Target),
		Trigger:    string(req.Trigger),
		Result:     string(res),
		Reason:     req.Reason,
		DurationMS: float64(d.Microseconds()) / 1000.0,
		Timestamp:  c.now(),
	}
	if err := c.recorder.RecordTransition(ctx, ev); err != nil {
		slog.Warn("Failed to record transition metric", logfields.Error(err))
	}
}

func (c *Coordinator) notifyOutcome(ctx context.Context, req lifecycle.TransitionRequest, from lifecycle.State, res Result) {
	evType := notify.EventTransitionApplied
	if res != ResultSuccess {
		evType = notify.EventTransitionFailed
	}
	c.dispatcher.Dispatch(ctx, notify.Event{
		Type:      evType,
		BackupID:  req.BackupID,
		FromState: string(from),
		ToState:   string(req.Target),
		Trigger:   string(req.Trigger),
		Detail:    req.Reason,
		At:        c.now(),
	})
}
