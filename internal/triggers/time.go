// Package triggers hosts the four transition proposers: wall-clock timeouts,
// disk pressure, source-control correlation, and direct user commands. Every
// proposer funnels through the coordinator; none mutates a record itself.
package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/confidence"
	"git.home.luguber.info/inful/retentiond/internal/coordinator"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
	"git.home.luguber.info/inful/retentiond/internal/retry"
)

// TimeEvaluator proposes transitions for records that have outstayed their
// state timeout. Under emergency disk pressure it switches to a compressed
// timeout table.
type TimeEvaluator struct {
	coord         *coordinator.Coordinator
	engine        *confidence.Engine
	normal        map[lifecycle.State]time.Duration
	emergency     map[lifecycle.State]time.Duration
	autoThreshold float64
	policy        retry.Policy
	now           func() time.Time

	emergencyMode atomic.Bool
}

// NewTimeEvaluator builds the wall-clock trigger.
func NewTimeEvaluator(coord *coordinator.Coordinator, engine *confidence.Engine, normal, emergency map[lifecycle.State]time.Duration, autoThreshold float64, policy retry.Policy) *TimeEvaluator {
	return &TimeEvaluator{
		coord:         coord,
		engine:        engine,
		normal:        normal,
		emergency:     emergency,
		autoThreshold: autoThreshold,
		policy:        policy,
		now:           time.Now,
	}
}

// SetEmergency switches between the normal and compressed timeout tables.
func (e *TimeEvaluator) SetEmergency(on bool) { e.emergencyMode.Store(on) }

func (e *TimeEvaluator) timeouts() map[lifecycle.State]time.Duration {
	if e.emergencyMode.Load() {
		return e.emergency
	}
	return e.normal
}

// TickSummary reports what one evaluation pass did.
type TickSummary struct {
	Scanned  int
	Proposed int
	Applied  int
	Flagged  int
}

// Tick runs one evaluation pass over every record.
func (e *TimeEvaluator) Tick(ctx context.Context) (TickSummary, error) {
	var sum TickSummary

	records, err := e.coord.List(nil)
	if err != nil {
		return sum, fmt.Errorf("list records: %w", err)
	}
	now := e.now()
	timeouts := e.timeouts()

	for _, rec := range records {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Scanned++

		target, ok := e.decide(rec, now, timeouts)
		if !ok {
			continue
		}
		sum.Proposed++

		// The cleanup decision precedes any state change: a record scoring
		// below the automatic threshold is flagged for a human and left in
		// its current state.
		if target == lifecycle.StateCleanable {
			score := e.cleanupScore(rec, now, timeouts[rec.State])
			if score < e.autoThreshold {
				if rec.Metadata.ReviewFlaggedAt == nil {
					if err := e.coord.FlagForReview(ctx, rec.ID,
						fmt.Sprintf("cleanup confidence %.2f below automatic threshold", score)); err != nil {
						slog.Warn("Failed to flag record for review",
							logfields.BackupID(rec.ID), logfields.Error(err))
					} else {
						sum.Flagged++
					}
				}
				continue
			}
		}

		out := e.propose(ctx, rec.ID, target)
		switch out.Result {
		case coordinator.ResultSuccess, coordinator.ResultDryRun:
			sum.Applied++
		case coordinator.ResultFailure:
			slog.Warn("Timeout transition failed",
				logfields.BackupID(rec.ID),
				logfields.ToState(string(target)),
				logfields.Error(out.Err))
		}
	}
	return sum, nil
}

// cleanupScore mirrors the coordinator's Cleanable scoring against the
// currently active timeout table.
func (e *TimeEvaluator) cleanupScore(rec *lifecycle.BackupRecord, now time.Time, timeout time.Duration) float64 {
	f := confidence.ForRecord(
		rec.Age(now),
		timeout,
		rec.InactiveFor(now),
		rec.SizeBytes,
		rec.Metadata.Commit != nil,
		rec.Metadata.Merge != nil,
		rec.Metadata.Push != nil,
		0,
	)
	switch rec.State {
	case lifecycle.StatePending:
		return e.engine.PendingCleanup(f)
	case lifecycle.StateConfirmed:
		return e.engine.ConfirmedCleanup(f)
	default:
		return e.engine.CreatedCleanup(f)
	}
}

// decide picks the target state for an expired record, or reports none.
func (e *TimeEvaluator) decide(rec *lifecycle.BackupRecord, now time.Time, timeouts map[lifecycle.State]time.Duration) (lifecycle.State, bool) {
	timeout, ok := timeouts[rec.State]
	if !ok || timeout <= 0 {
		return "", false
	}

	switch rec.State {
	case lifecycle.StateCreated, lifecycle.StatePending, lifecycle.StateConfirmed:
		if now.Sub(rec.StateEnteredAt()) >= timeout {
			return lifecycle.StateCleanable, true
		}

	case lifecycle.StateCleanable:
		armed := rec.Metadata.CleanableSince
		if armed != nil {
			if now.Sub(*armed) >= timeout {
				return lifecycle.StateDeleted, true
			}
			return "", false
		}
		// Unarmed records never auto-delete; after the timeout they move
		// to cold storage instead.
		if rec.Metadata.ReviewFlaggedAt == nil && now.Sub(rec.UpdatedAt) >= timeout {
			return lifecycle.StateArchived, true
		}
	}
	return "", false
}

// propose submits the transition, retrying transient contention per policy.
func (e *TimeEvaluator) propose(ctx context.Context, id string, target lifecycle.State) coordinator.Outcome {
	var out coordinator.Outcome
	err := e.policy.Do(ctx, func() (bool, error) {
		out = e.coord.Transition(ctx, lifecycle.TransitionRequest{
			BackupID: id,
			Target:   target,
			Trigger:  lifecycle.TriggerTimeBased,
			Reason:   "state timeout elapsed",
			// The compressed emergency table permits forced transitions.
			Force: e.emergencyMode.Load(),
		})
		if out.Result.Retryable() {
			return true, out.Err
		}
		if out.Err != nil {
			return false, out.Err
		}
		return false, nil
	})
	if err != nil && out.Err == nil {
		out.Err = err
	}
	return out
}
