package triggers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/confidence"
	"git.home.luguber.info/inful/retentiond/internal/coordinator"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
)

// ErrAborted is returned when the user declines a confirmation prompt.
var ErrAborted = errors.New("aborted by user")

// Prompter asks the user a yes/no question. CLI commands install a terminal
// implementation; tests script answers.
type Prompter interface {
	Confirm(prompt string) (bool, error)
}

// UserCommandsConfig carries the settings for direct user actions.
type UserCommandsConfig struct {
	// SafetyThreshold is the delete-confidence score below which a second
	// confirmation is demanded.
	SafetyThreshold float64
	// Timeouts feeds the confidence formulas shown to the user.
	Timeouts map[lifecycle.State]time.Duration
}

// UserCommands executes direct user actions. User requests carry the highest
// arbitration priority and may force edges automation cannot take.
type UserCommands struct {
	coord    *coordinator.Coordinator
	engine   *confidence.Engine
	cfg      UserCommandsConfig
	prompter Prompter
	now      func() time.Time
}

// NewUserCommands builds the user trigger. prompter may be nil for
// non-interactive callers; destructive actions then require force.
func NewUserCommands(coord *coordinator.Coordinator, engine *confidence.Engine, cfg UserCommandsConfig, prompter Prompter) *UserCommands {
	return &UserCommands{
		coord:    coord,
		engine:   engine,
		cfg:      cfg,
		prompter: prompter,
		now:      time.Now,
	}
}

// Confirm marks a backup's work as confirmed.
func (u *UserCommands) Confirm(ctx context.Context, id string) coordinator.Outcome {
	return u.transition(ctx, id, lifecycle.StateConfirmed, false, "confirmed by user")
}

// Cleanup marks a backup cleanable.
func (u *UserCommands) Cleanup(ctx context.Context, id string) coordinator.Outcome {
	return u.transition(ctx, id, lifecycle.StateCleanable, false, "cleanup requested by user")
}

// Archive moves a backup to cold storage.
func (u *UserCommands) Archive(ctx context.Context, id string) coordinator.Outcome {
	return u.transition(ctx, id, lifecycle.StateArchived, false, "archive requested by user")
}

// Restore brings an archived backup back to the Confirmed state, extracting
// its payload from cold storage.
func (u *UserCommands) Restore(ctx context.Context, id string) coordinator.Outcome {
	return u.transition(ctx, id, lifecycle.StateConfirmed, true, "restore requested by user")
}

// DeleteConfidence computes the score a delete of this record would carry,
// for display before the user commits to it.
func (u *UserCommands) DeleteConfidence(id string) (float64, error) {
	rec, err := u.coord.Status(id)
	if err != nil {
		return 0, err
	}
	now := u.now()
	f := confidence.ForRecord(
		rec.Age(now),
		u.cfg.Timeouts[rec.State],
		0,
		rec.SizeBytes,
		rec.Metadata.Commit != nil,
		rec.Metadata.Merge != nil,
		rec.Metadata.Push != nil,
		0,
	)
	return u.engine.Delete(f), nil
}

// Delete destroys a backup after confirmation. A score below the safety
// threshold demands a second, explicit confirmation; force skips prompting
// entirely.
func (u *UserCommands) Delete(ctx context.Context, id string, force bool) (coordinator.Outcome, error) {
	score, err := u.DeleteConfidence(id)
	if err != nil {
		return coordinator.Outcome{}, err
	}

	if !force {
		if u.prompter == nil {
			return coordinator.Outcome{}, fmt.Errorf("deletion of %s needs confirmation; rerun with a terminal or use force", id)
		}
		ok, err := u.prompter.Confirm(fmt.Sprintf("Delete backup %s (confidence %.2f)?", id, score))
		if err != nil {
			return coordinator.Outcome{}, err
		}
		if !ok {
			return coordinator.Outcome{}, ErrAborted
		}
		if score < u.cfg.SafetyThreshold {
			ok, err = u.prompter.Confirm(fmt.Sprintf(
				"Confidence %.2f is below the safety threshold %.2f. Really delete %s?",
				score, u.cfg.SafetyThreshold, id))
			if err != nil {
				return coordinator.Outcome{}, err
			}
			if !ok {
				return coordinator.Outcome{}, ErrAborted
			}
		}
	}

	out := u.coord.Transition(ctx, lifecycle.TransitionRequest{
		BackupID: id,
		Target:   lifecycle.StateDeleted,
		Trigger:  lifecycle.TriggerUser,
		Reason:   "deletion requested by user",
		Force:    force,
	})
	return out, nil
}

func (u *UserCommands) transition(ctx context.Context, id string, target lifecycle.State, force bool, reason string) coordinator.Outcome {
	return u.coord.Transition(ctx, lifecycle.TransitionRequest{
		BackupID: id,
		Target:   target,
		Trigger:  lifecycle.TriggerUser,
		Reason:   reason,
		Force:    force,
	})
}
