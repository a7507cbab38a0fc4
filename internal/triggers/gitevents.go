package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/confidence"
	"git.home.luguber.info/inful/retentiond/internal/coordinator"
	"git.home.luguber.info/inful/retentiond/internal/gitquery"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
)

// GitCorrelatorConfig carries the parsed correlation settings.
type GitCorrelatorConfig struct {
	// Window is the max distance between a backup's creation time and a
	// commit for the two to correlate.
	Window time.Duration
	// OrphanGrace is how long an uncorrelated record is left alone before
	// the sweep proposes cleanup.
	OrphanGrace time.Duration
	// PushThreshold gates treating a commit as push-confirmed.
	PushThreshold float64
}

// GitCorrelator links backup records to source-control activity. Commits
// advance Created records to Pending, merges advance Pending to Confirmed,
// pushes advance Confirmed to Cleanable, and records that never correlate
// are swept toward cleanup after a grace period.
type GitCorrelator struct {
	coord  *coordinator.Coordinator
	git    gitquery.Provider
	engine *confidence.Engine
	cfg    GitCorrelatorConfig
	now    func() time.Time

	lastPoll time.Time
}

// NewGitCorrelator builds the source-control trigger.
func NewGitCorrelator(coord *coordinator.Coordinator, git gitquery.Provider, engine *confidence.Engine, cfg GitCorrelatorConfig) *GitCorrelator {
	return &GitCorrelator{
		coord:  coord,
		git:    git,
		engine: engine,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Poll scans for activity since the last poll and runs every correlation
// step. It is the scheduled entry point; hook installations may call the
// On* methods directly instead.
func (g *GitCorrelator) Poll(ctx context.Context) error {
	now := g.now()
	since := g.lastPoll
	if since.IsZero() {
		since = now.Add(-g.cfg.Window)
	}
	// Small overlap so a commit landing during the previous poll is not
	// missed between two scans.
	since = since.Add(-time.Minute)
	g.lastPoll = now

	commits, err := g.git.CommitsSince(since)
	if err != nil {
		return fmt.Errorf("scan commits: %w", err)
	}
	for _, c := range commits {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.IsMerge() {
			if err := g.OnMerge(ctx, c.Hash); err != nil {
				slog.Warn("Merge correlation failed", slog.String("hash", c.Hash), logfields.Error(err))
			}
			continue
		}
		if err := g.OnCommit(ctx, c.Hash); err != nil {
			slog.Warn("Commit correlation failed", slog.String("hash", c.Hash), logfields.Error(err))
		}
	}

	if err := g.checkPushes(ctx); err != nil {
		return err
	}
	return g.SweepOrphans(ctx)
}

// OnCommit correlates a new commit with Created records whose creation time
// falls inside the window, advancing them to Pending.
func (g *GitCorrelator) OnCommit(ctx context.Context, hash string) error {
	committedAt, err := g.git.CommitTime(hash)
	if err != nil {
		return fmt.Errorf("commit time: %w", err)
	}

	records, err := g.coord.List(statePtr(lifecycle.StateCreated))
	if err != nil {
		return err
	}
	for _, rec := range records {
		delta := committedAt.Sub(rec.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > g.cfg.Window {
			continue
		}
		out := g.coord.Transition(ctx, lifecycle.TransitionRequest{
			BackupID: rec.ID,
			Target:   lifecycle.StatePending,
			Trigger:  lifecycle.TriggerGitHook,
			Reason:   fmt.Sprintf("commit %s within correlation window", shortHash(hash)),
			Commit: &lifecycle.CommitCorrelation{
				Hash:        hash,
				CommittedAt: committedAt,
				MatchedAt:   g.now(),
			},
		})
		g.logOutcome("commit", rec.ID, out)
	}
	return nil
}

// OnMerge checks Pending records whose correlated commit is an ancestor of
// the merge commit and advances them to Confirmed.
func (g *GitCorrelator) OnMerge(ctx context.Context, mergeHash string) error {
	records, err := g.coord.List(statePtr(lifecycle.StatePending))
	if err != nil {
		return err
	}
	now := g.now()

	for _, rec := range records {
		cc := rec.Metadata.Commit
		if cc == nil {
			continue
		}
		ancestor, err := g.git.IsAncestor(cc.Hash, mergeHash)
		if err != nil {
			slog.Warn("Ancestry check failed",
				logfields.BackupID(rec.ID), slog.String("hash", cc.Hash), logfields.Error(err))
			continue
		}
		if !ancestor {
			continue
		}

		score := g.engine.Merge(confidence.MergeFactors{
			AncestryVerified: true,
			CommitAge:        now.Sub(cc.CommittedAt),
			BranchActive:     g.branchActive(now),
		})
		out := g.coord.Transition(ctx, lifecycle.TransitionRequest{
			BackupID: rec.ID,
			Target:   lifecycle.StateConfirmed,
			Trigger:  lifecycle.TriggerGitHook,
			Reason:   fmt.Sprintf("commit %s merged in %s", shortHash(cc.Hash), shortHash(mergeHash)),
			Merge: &lifecycle.MergeCorrelation{
				MergeHash:  mergeHash,
				Confidence: score,
				MergedAt:   now,
			},
		})
		g.logOutcome("merge", rec.ID, out)
	}
	return nil
}

// OnPush advances Confirmed records whose correlated commit appears in the
// pushed set. remote names the receiving remote for the correlation record.
func (g *GitCorrelator) OnPush(ctx context.Context, remote string, hashes []string) error {
	pushed := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		pushed[h] = struct{}{}
	}
	return g.confirmPushes(ctx, remote, func(hash string) (bool, error) {
		_, ok := pushed[hash]
		return ok, nil
	})
}

// checkPushes is the polling variant of OnPush, asking the repository
// whether each correlated commit is reachable from a remote-tracking ref.
func (g *GitCorrelator) checkPushes(ctx context.Context) error {
	return g.confirmPushes(ctx, "", g.git.OnRemote)
}

func (g *GitCorrelator) confirmPushes(ctx context.Context, remote string, onRemote func(string) (bool, error)) error {
	records, err := g.coord.List(statePtr(lifecycle.StateConfirmed))
	if err != nil {
		return err
	}
	now := g.now()

	for _, rec := range records {
		cc := rec.Metadata.Commit
		if cc == nil || rec.Metadata.Push != nil {
			continue
		}
		ok, err := onRemote(cc.Hash)
		if err != nil {
			slog.Warn("Push check failed",
				logfields.BackupID(rec.ID), slog.String("hash", cc.Hash), logfields.Error(err))
			continue
		}
		if !ok {
			continue
		}

		var mergeConf float64
		if rec.Metadata.Merge != nil {
			mergeConf = rec.Metadata.Merge.Confidence
		}
		score := g.engine.Push(confidence.PushFactors{
			OnRemote:        true,
			MergeConfidence: mergeConf,
			Age:             now.Sub(cc.CommittedAt),
		})
		if score < g.cfg.PushThreshold {
			slog.Debug("Push confidence below threshold",
				logfields.BackupID(rec.ID), logfields.Confidence(score))
			continue
		}

		out := g.coord.Transition(ctx, lifecycle.TransitionRequest{
			BackupID: rec.ID,
			Target:   lifecycle.StateCleanable,
			Trigger:  lifecycle.TriggerGitHook,
			Reason:   fmt.Sprintf("commit %s reached remote", shortHash(cc.Hash)),
			Push: &lifecycle.PushCorrelation{
				Remote:     remote,
				Confidence: score,
				PushedAt:   now,
			},
		})
		g.logOutcome("push", rec.ID, out)
	}
	return nil
}

// SweepOrphans deletes Created records that never correlated with any
// commit inside the grace period. A backup with no work attached protects
// nothing; the delete guard is bypassed for exactly this case.
func (g *GitCorrelator) SweepOrphans(ctx context.Context) error {
	records, err := g.coord.List(statePtr(lifecycle.StateCreated))
	if err != nil {
		return err
	}
	now := g.now()

	for _, rec := range records {
		if rec.Metadata.Commit != nil || now.Sub(rec.CreatedAt) < g.cfg.OrphanGrace {
			continue
		}
		out := g.coord.Transition(ctx, lifecycle.TransitionRequest{
			BackupID: rec.ID,
			Target:   lifecycle.StateDeleted,
			Trigger:  lifecycle.TriggerGitHook,
			Reason:   "no correlated commit within grace period",
			Force:    true,
		})
		g.logOutcome("orphan sweep", rec.ID, out)
	}
	return nil
}

// branchActive reports whether the repository saw a commit recently enough
// that in-flight work should be assumed.
func (g *GitCorrelator) branchActive(now time.Time) bool {
	last, err := g.git.LastActivity()
	if err != nil {
		return false
	}
	return now.Sub(last) < g.cfg.Window
}

func (g *GitCorrelator) logOutcome(step, id string, out coordinator.Outcome) {
	switch out.Result {
	case coordinator.ResultSuccess, coordinator.ResultDryRun:
		slog.Info("Correlation advanced record",
			slog.String("step", step), logfields.BackupID(id), logfields.ToState(string(out.To)))
	case coordinator.ResultFailure:
		slog.Warn("Correlation transition failed",
			slog.String("step", step), logfields.BackupID(id), logfields.Error(out.Err))
	}
}

func statePtr(s lifecycle.State) *lifecycle.State { return &s }

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
