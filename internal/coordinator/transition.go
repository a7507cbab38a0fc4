package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
	"git.home.luguber.info/inful/retentiond/internal/store"
)

// Transition attempts to move a backup to the requested target state.
//
// The per-id lock is acquired non-blocking: a contended lock returns
// immediately with ResultLockContended and the caller decides whether to
// retry. Arbitration is consulted after the lock and before any mutation, so
// a deferral releases the lock untouched. From the checkpoint onward, any
// failure restores the record exactly and reports ResultFailure.
func (c *Coordinator) Transition(ctx context.Context, req lifecycle.TransitionRequest) Outcome {
	start := c.now()

	if err := validateRequest(req); err != nil {
		return Outcome{Result: ResultFailure, To: req.Target, Err: err, Duration: c.now().Sub(start)}
	}

	mu := c.lockFor(req.BackupID)
	if !mu.TryLock() {
		return Outcome{Result: ResultLockContended, To: req.Target, Err: ErrLockContended, Duration: c.now().Sub(start)}
	}
	defer mu.Unlock()

	rec, err := c.records.Read(req.BackupID)
	if err != nil {
		return Outcome{Result: ResultFailure, To: req.Target, Err: err, Duration: c.now().Sub(start)}
	}
	from := rec.State

	if !req.Force && !lifecycle.CanTransition(from, req.Target) {
		out := Outcome{
			Result:   ResultInvalidTransition,
			From:     from,
			To:       req.Target,
			Err:      fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, req.Target),
			Duration: c.now().Sub(start),
		}
		c.emit(ctx, req, from, out.Result, out.Duration)
		return out
	}

	if decision := c.arb.Admit(req.BackupID, req.Target, req.Trigger); !decision.Admitted {
		return Outcome{
			Result:   ResultConflictDeferred,
			From:     from,
			To:       req.Target,
			Reason:   decision.Reason,
			Err:      fmt.Errorf("%w: %s", ErrConflictDeferred, decision.Reason),
			Duration: c.now().Sub(start),
		}
	}

	if c.cfg.DryRun {
		slog.Info("Dry run, transition not applied",
			logfields.BackupID(req.BackupID),
			logfields.FromState(string(from)),
			logfields.ToState(string(req.Target)),
			logfields.Trigger(string(req.Trigger)))
		return Outcome{Result: ResultDryRun, From: from, To: req.Target, Duration: c.now().Sub(start)}
	}

	cp, err := c.checkpoints.Take(rec)
	if err != nil {
		return Outcome{Result: ResultFailure, From: from, To: req.Target, Err: err, Duration: c.now().Sub(start)}
	}

	conf, postCommit, err := c.applySideEffect(rec, req)
	if err == nil {
		err = c.commit(rec, req)
		if err != nil && req.Target == lifecycle.StateArchived {
			// The entry registered by the side effect has no durable record
			// behind it; drop it together with the archive file.
			if delErr := c.archives.Delete(req.BackupID); delErr != nil {
				slog.Warn("Failed to unregister archive entry after failed commit",
					logfields.BackupID(req.BackupID), logfields.Error(delErr))
			}
		}
	}
	if err != nil {
		return c.rollback(ctx, cp, req, from, err, start)
	}
	if postCommit != nil {
		postCommit()
	}

	if dropErr := c.checkpoints.Drop(cp); dropErr != nil {
		slog.Warn("Failed to drop checkpoint after commit", logfields.Error(dropErr))
	}

	out := Outcome{
		Result:     ResultSuccess,
		From:       from,
		To:         req.Target,
		Confidence: conf,
		Duration:   c.now().Sub(start),
	}

	c.runHooks(ctx, rec, req)
	c.emit(ctx, req, from, out.Result, out.Duration)
	c.notifyOutcome(ctx, req, from, out.Result)

	slog.Info("Transition applied",
		logfields.BackupID(req.BackupID),
		logfields.FromState(string(from)),
		logfields.ToState(string(req.Target)),
		logfields.Trigger(string(req.Trigger)),
		logfields.DurationMS(float64(out.Duration.Microseconds())/1000.0))
	return out
}

// commit writes the mutated record, or removes it for a Deleted transition.
func (c *Coordinator) commit(rec *lifecycle.BackupRecord, req lifecycle.TransitionRequest) error {
	if req.Target == lifecycle.StateDeleted {
		return c.records.Delete(req.BackupID)
	}
	return c.records.Write(req.BackupID, rec)
}

// rollback restores the checkpointed record so partial application is never
// observable, then reports the failure.
func (c *Coordinator) rollback(ctx context.Context, cp *store.Checkpoint, req lifecycle.TransitionRequest, from lifecycle.State, cause error, start time.Time) Outcome {
	if err := c.checkpoints.Restore(cp, c.records); err != nil {
		// The record may now be missing or stale; this is the one failure
		// mode we cannot mask, so it is logged at error level.
		slog.Error("Checkpoint restore failed",
			logfields.BackupID(req.BackupID), logfields.Error(err))
	}
	if err := c.checkpoints.Drop(cp); err != nil {
		slog.Warn("Failed to drop checkpoint after rollback", logfields.Error(err))
	}

	out := Outcome{
		Result:   ResultFailure,
		From:     from,
		To:       req.Target,
		Err:      cause,
		Duration: c.now().Sub(start),
	}
	c.emit(ctx, req, from, out.Result, out.Duration)
	c.notifyOutcome(ctx, req, from, out.Result)

	slog.Warn("Transition rolled back",
		logfields.BackupID(req.BackupID),
		logfields.FromState(string(from)),
		logfields.ToState(string(req.Target)),
		logfields.Error(cause))
	return out
}

func validateRequest(req lifecycle.TransitionRequest) error {
	if req.BackupID == "" {
		return fmt.Errorf("validation: backup id is required")
	}
	if !req.Target.Valid() {
		return fmt.Errorf("validation: unknown target state %q", req.Target)
	}
	if _, err := lifecycle.ParseTriggerType(string(req.Trigger)); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}
