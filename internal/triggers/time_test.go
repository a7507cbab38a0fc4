package triggers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/retry"
)

func newTimeEvaluator(f *fixture) *TimeEvaluator {
	return NewTimeEvaluator(f.coord, f.engine, testTimeouts, emergencyTimeouts, 0.8,
		retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 1))
}

func TestTickLeavesFreshRecordsAlone(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "fresh", lifecycle.StateCreated, 5*time.Minute)

	sum, err := newTimeEvaluator(f).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Zero(t, sum.Proposed)
	assert.Equal(t, lifecycle.StateCreated, f.read(t, "fresh").State)
}

func TestTickArmsStaleCreatedRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "stale", lifecycle.StateCreated, 3*time.Hour)

	sum, err := newTimeEvaluator(f).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied)
	assert.Zero(t, sum.Flagged)

	rec := f.read(t, "stale")
	assert.Equal(t, lifecycle.StateCleanable, rec.State)
	assert.NotNil(t, rec.Metadata.CleanableSince, "high-confidence cleanup arms the timeout")
}

func TestTickFlagsLowConfidenceForReview(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "busy", lifecycle.StatePending, 25*time.Hour)
	committed := rec.CreatedAt
	rec.Metadata.Commit = &lifecycle.CommitCorrelation{Hash: "abc", CommittedAt: committed}
	require.NoError(t, f.records.Write(rec.ID, rec))

	ev := newTimeEvaluator(f)
	sum, err := ev.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Proposed)
	assert.Zero(t, sum.Applied, "flagging must not change state")
	assert.Equal(t, 1, sum.Flagged)

	got := f.read(t, "busy")
	assert.Equal(t, lifecycle.StatePending, got.State)
	assert.Nil(t, got.Metadata.CleanableSince)
	assert.NotNil(t, got.Metadata.ReviewFlaggedAt)
	assert.Contains(t, got.Metadata.ReviewReason, "below automatic threshold")

	// A second pass leaves the existing flag alone instead of rewriting it.
	sum, err = ev.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Flagged)
	assert.Equal(t, lifecycle.StatePending, f.read(t, "busy").State)
}

func TestTickDeletesArmedRecordAfterTimeout(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "armed", lifecycle.StateCleanable, 72*time.Hour)
	armedAt := time.Now().Add(-25 * time.Hour).UTC().Round(0)
	rec.Metadata.CleanableSince = &armedAt
	require.NoError(t, f.records.Write(rec.ID, rec))

	sum, err := newTimeEvaluator(f).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied)

	_, err = f.records.Read("armed")
	assert.Error(t, err, "armed record past its timeout is destroyed")
}

func TestTickArchivesUnarmedCleanableAfterTimeout(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "unarmed", lifecycle.StateCleanable, 48*time.Hour)

	sum, err := newTimeEvaluator(f).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied)

	rec := f.read(t, "unarmed")
	assert.Equal(t, lifecycle.StateArchived, rec.State)
	assert.True(t, rec.ArchiveVerified)
}

func TestTickSkipsReviewFlaggedUnarmedRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "flagged", lifecycle.StateCleanable, 48*time.Hour)
	flaggedAt := time.Now().UTC().Round(0)
	rec.FlagForReview("awaiting human decision", flaggedAt)
	require.NoError(t, f.records.Write(rec.ID, rec))

	sum, err := newTimeEvaluator(f).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Proposed)
	assert.Equal(t, lifecycle.StateCleanable, f.read(t, "flagged").State)
}

func TestEmergencyModeCompressesTimeouts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "young", lifecycle.StateCreated, 30*time.Minute)

	ev := newTimeEvaluator(f)

	sum, err := ev.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Proposed, "30 minutes is fresh under the normal table")

	ev.SetEmergency(true)
	sum, err = ev.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied, "30 minutes exceeds the compressed 10 minute timeout")

	ev.SetEmergency(false)
	assert.Equal(t, lifecycle.StateCleanable, f.read(t, "young").State)
}

func TestEmergencyProposalsCarryForce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "young", lifecycle.StateCreated, 30*time.Minute)

	var forced []bool
	f.coord.OnTrigger(lifecycle.TriggerTimeBased,
		func(_ context.Context, _ *lifecycle.BackupRecord, req lifecycle.TransitionRequest) error {
			forced = append(forced, req.Force)
			return nil
		})

	ev := newTimeEvaluator(f)
	ev.SetEmergency(true)
	sum, err := ev.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Applied)
	assert.Equal(t, []bool{true}, forced)
}
