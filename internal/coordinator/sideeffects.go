package coordinator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/confidence"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
)

// applySideEffect mutates the record for the target state and performs the
// state's side effects. It runs between checkpoint and commit: any error
// returned here triggers a rollback, so effects that touch the filesystem
// must either complete or leave nothing behind. Effects that must only
// happen once the new state is durable come back as postCommit, which the
// caller runs after a successful store write.
//
// The returned confidence is non-nil only when entering Cleanable.
func (c *Coordinator) applySideEffect(rec *lifecycle.BackupRecord, req lifecycle.TransitionRequest) (*float64, func(), error) {
	now := c.now()
	var conf *float64
	var postCommit func()

	switch req.Target {
	case lifecycle.StatePending:
		rec.Metadata.PendingSince = &now
		if req.Commit != nil {
			cc := *req.Commit
			rec.Metadata.Commit = &cc
		}

	case lifecycle.StateConfirmed:
		if rec.State == lifecycle.StateArchived {
			if err := c.restorePayload(rec); err != nil {
				return nil, nil, err
			}
		}
		rec.Metadata.ConfirmedAt = &now
		if req.Merge != nil {
			mc := *req.Merge
			rec.Metadata.Merge = &mc
		}
		// Re-confirming disarms any earlier cleanup decision.
		rec.Metadata.CleanableSince = nil
		rec.Metadata.CleanupConfidence = nil
		rec.ClearReviewFlag()

	case lifecycle.StateCleanable:
		if req.Push != nil {
			pc := *req.Push
			rec.Metadata.Push = &pc
		}
		score := c.cleanupConfidence(rec, now, req.ConfidenceBoost)
		rec.Metadata.CleanupConfidence = &score
		conf = &score
		// CleanableSince arms the deletion timeout. Below the automatic
		// threshold the record sits in Cleanable unarmed until a user or
		// disk-pressure trigger acts on it.
		if score >= c.cfg.AutoThreshold {
			rec.Metadata.CleanableSince = &now
		} else {
			rec.Metadata.CleanableSince = nil
		}

	case lifecycle.StateArchived:
		entry, err := c.archives.Archive(rec)
		if err != nil {
			return nil, nil, &ChildOperationError{Op: "archive", Err: err}
		}
		rec.ArchivePath = entry.Path
		rec.ArchiveVerified = entry.Verified
		// The live payload must survive until the record commit succeeds:
		// a failed commit rolls back to a record that still points at it.
		if payload := rec.PayloadPath; payload != "" {
			id := rec.ID
			postCommit = func() {
				if err := os.RemoveAll(payload); err != nil {
					slog.Warn("Failed to remove payload after archival",
						logfields.BackupID(id), logfields.Path(payload), logfields.Error(err))
				}
			}
		}
		rec.PayloadPath = ""

	case lifecycle.StateDeleted:
		if err := c.checkDeleteGuard(rec, req); err != nil {
			return nil, nil, err
		}
		if rec.PayloadPath != "" {
			if err := wipePath(rec.PayloadPath); err != nil {
				return nil, nil, &ChildOperationError{Op: "wipe_payload", Err: err}
			}
		}
		if _, ok := c.archives.Entry(rec.ID); ok {
			if err := c.archives.Delete(rec.ID); err != nil {
				return nil, nil, &ChildOperationError{Op: "delete_archive", Err: err}
			}
		}
	}

	rec.State = req.Target
	rec.UpdatedAt = now
	return conf, postCommit, nil
}

// checkDeleteGuard enforces that irreversible removal only happens on
// explicit user request, on a record whose cleanup was armed, or under
// force.
func (c *Coordinator) checkDeleteGuard(rec *lifecycle.BackupRecord, req lifecycle.TransitionRequest) error {
	if req.Force || req.Trigger == lifecycle.TriggerUser {
		return nil
	}
	if rec.Metadata.CleanableSince != nil {
		return nil
	}
	return fmt.Errorf("%w: backup %s", ErrDeleteGuard, rec.ID)
}

// restorePayload extracts an archived payload back to the restore directory
// so the record can resume a live lifecycle.
func (c *Coordinator) restorePayload(rec *lifecycle.BackupRecord) error {
	if c.cfg.RestoreDir == "" {
		return &ChildOperationError{Op: "restore", Err: fmt.Errorf("no restore directory configured")}
	}
	dest := filepath.Join(c.cfg.RestoreDir, rec.ID)
	if err := c.archives.Restore(rec.ID, dest); err != nil {
		return &ChildOperationError{Op: "restore", Err: err}
	}
	rec.PayloadPath = dest
	return nil
}

// cleanupConfidence picks the formula matching the state the record is
// leaving. The Confirmed formula is the ceiling: any correlated evidence
// only ever raises the score relative to an uncorrelated record.
func (c *Coordinator) cleanupConfidence(rec *lifecycle.BackupRecord, now time.Time, boost float64) float64 {
	f := confidence.ForRecord(
		rec.Age(now),
		c.cfg.Timeouts[rec.State],
		rec.InactiveFor(now),
		rec.SizeBytes,
		rec.Metadata.Commit != nil,
		rec.Metadata.Merge != nil,
		rec.Metadata.Push != nil,
		boost,
	)
	switch rec.State {
	case lifecycle.StatePending:
		return c.engine.PendingCleanup(f)
	case lifecycle.StateConfirmed:
		return c.engine.ConfirmedCleanup(f)
	default:
		return c.engine.CreatedCleanup(f)
	}
}

