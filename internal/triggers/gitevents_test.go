package triggers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/retentiond/internal/gitquery"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/store"
)

// fakeGit is a scripted gitquery.Provider.
type fakeGit struct {
	commitTimes map[string]time.Time
	ancestry    map[string]string // ancestor -> descendant containing it
	commits     []gitquery.Commit
	remote      map[string]bool
	lastCommit  time.Time
}

func (f *fakeGit) CommitTime(hash string) (time.Time, error) {
	if t, ok := f.commitTimes[hash]; ok {
		return t, nil
	}
	return time.Time{}, assert.AnError
}

func (f *fakeGit) IsAncestor(ancestor, descendant string) (bool, error) {
	return f.ancestry[ancestor] == descendant, nil
}

func (f *fakeGit) CommitsSince(time.Time) ([]gitquery.Commit, error) {
	return f.commits, nil
}

func (f *fakeGit) LastActivity() (time.Time, error) { return f.lastCommit, nil }

func (f *fakeGit) OnRemote(hash string) (bool, error) { return f.remote[hash], nil }

func newCorrelator(f *fixture, git *fakeGit) *GitCorrelator {
	return NewGitCorrelator(f.coord, git, f.engine, GitCorrelatorConfig{
		Window:        5 * time.Minute,
		OrphanGrace:   24 * time.Hour,
		PushThreshold: 0.65,
	})
}

func TestOnCommitCorrelatesWithinWindow(t *testing.T) {
	f := newFixture(t)
	inWindow := f.seed(t, "close", lifecycle.StateCreated, 30*time.Minute)
	f.seed(t, "far", lifecycle.StateCreated, 6*time.Hour)

	git := &fakeGit{commitTimes: map[string]time.Time{
		"abc123": inWindow.CreatedAt.Add(2 * time.Minute),
	}}
	require.NoError(t, newCorrelator(f, git).OnCommit(context.Background(), "abc123"))

	got := f.read(t, "close")
	assert.Equal(t, lifecycle.StatePending, got.State)
	require.NotNil(t, got.Metadata.Commit)
	assert.Equal(t, "abc123", got.Metadata.Commit.Hash)

	assert.Equal(t, lifecycle.StateCreated, f.read(t, "far").State,
		"commit outside the window must not correlate")
}

func TestOnMergeConfirmsAncestorCommit(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "pending", lifecycle.StatePending, 2*time.Hour)
	rec.Metadata.Commit = &lifecycle.CommitCorrelation{
		Hash:        "feat123",
		CommittedAt: rec.CreatedAt,
	}
	require.NoError(t, f.records.Write(rec.ID, rec))

	other := f.seed(t, "unrelated", lifecycle.StatePending, 2*time.Hour)
	other.Metadata.Commit = &lifecycle.CommitCorrelation{
		Hash:        "other456",
		CommittedAt: other.CreatedAt,
	}
	require.NoError(t, f.records.Write(other.ID, other))

	git := &fakeGit{
		ancestry:   map[string]string{"feat123": "merge789"},
		lastCommit: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, newCorrelator(f, git).OnMerge(context.Background(), "merge789"))

	merged := f.read(t, "pending")
	assert.Equal(t, lifecycle.StateConfirmed, merged.State)
	require.NotNil(t, merged.Metadata.Merge)
	assert.Equal(t, "merge789", merged.Metadata.Merge.MergeHash)
	// Verified ancestry on an idle branch scores high.
	assert.GreaterOrEqual(t, merged.Metadata.Merge.Confidence, 0.8)

	assert.Equal(t, lifecycle.StatePending, f.read(t, "unrelated").State)
}

func TestOnPushAdvancesConfirmedRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "confirmed", lifecycle.StateConfirmed, 3*time.Hour)
	rec.Metadata.Commit = &lifecycle.CommitCorrelation{Hash: "feat123", CommittedAt: rec.CreatedAt}
	rec.Metadata.Merge = &lifecycle.MergeCorrelation{MergeHash: "merge789", Confidence: 0.9, MergedAt: rec.CreatedAt}
	require.NoError(t, f.records.Write(rec.ID, rec))

	git := &fakeGit{}
	require.NoError(t, newCorrelator(f, git).OnPush(context.Background(), "origin", []string{"feat123"}))

	got := f.read(t, "confirmed")
	assert.Equal(t, lifecycle.StateCleanable, got.State)
	require.NotNil(t, got.Metadata.Push)
	assert.Equal(t, "origin", got.Metadata.Push.Remote)
	assert.GreaterOrEqual(t, got.Metadata.Push.Confidence, 0.65)
}

func TestPushBelowThresholdDoesNotAdvance(t *testing.T) {
	f := newFixture(t)
	// No merge correlation and a brand-new commit: push confidence stays
	// at the 0.65 floor exactly, below a raised threshold.
	rec := f.seed(t, "weak", lifecycle.StateConfirmed, time.Minute)
	rec.Metadata.Commit = &lifecycle.CommitCorrelation{Hash: "feat123", CommittedAt: time.Now().UTC().Round(0)}
	require.NoError(t, f.records.Write(rec.ID, rec))

	git := &fakeGit{}
	corr := newCorrelator(f, git)
	corr.cfg.PushThreshold = 0.7
	require.NoError(t, corr.OnPush(context.Background(), "origin", []string{"feat123"}))

	assert.Equal(t, lifecycle.StateConfirmed, f.read(t, "weak").State)
}

func TestSweepOrphans(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "orphan", lifecycle.StateCreated, 48*time.Hour)
	f.seed(t, "young", lifecycle.StateCreated, time.Hour)
	correlated := f.seed(t, "linked", lifecycle.StateCreated, 48*time.Hour)
	correlated.Metadata.Commit = &lifecycle.CommitCorrelation{Hash: "abc", CommittedAt: correlated.CreatedAt}
	require.NoError(t, f.records.Write(correlated.ID, correlated))

	git := &fakeGit{}
	require.NoError(t, newCorrelator(f, git).SweepOrphans(context.Background()))

	_, err := f.records.Read("orphan")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, lifecycle.StateCreated, f.read(t, "young").State)
	assert.Equal(t, lifecycle.StateCreated, f.read(t, "linked").State)
}

func TestPollRunsFullCorrelationPass(t *testing.T) {
	f := newFixture(t)
	created := f.seed(t, "fresh", lifecycle.StateCreated, 3*time.Minute)

	pending := f.seed(t, "pending", lifecycle.StatePending, 2*time.Hour)
	pending.Metadata.Commit = &lifecycle.CommitCorrelation{Hash: "old111", CommittedAt: pending.CreatedAt}
	require.NoError(t, f.records.Write(pending.ID, pending))

	git := &fakeGit{
		commitTimes: map[string]time.Time{"new222": created.CreatedAt.Add(time.Minute)},
		ancestry:    map[string]string{"old111": "merge333"},
		commits: []gitquery.Commit{
			{Hash: "new222", CommittedAt: created.CreatedAt.Add(time.Minute), ParentCount: 1},
			{Hash: "merge333", CommittedAt: time.Now(), ParentCount: 2},
		},
		lastCommit: time.Now().Add(-time.Hour),
	}
	require.NoError(t, newCorrelator(f, git).Poll(context.Background()))

	assert.Equal(t, lifecycle.StatePending, f.read(t, "fresh").State)
	assert.Equal(t, lifecycle.StateConfirmed, f.read(t, "pending").State)
}
