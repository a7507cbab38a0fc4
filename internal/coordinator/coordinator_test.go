package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/retentiond/internal/arbiter"
	"git.home.luguber.info/inful/retentiond/internal/archive"
	"git.home.luguber.info/inful/retentiond/internal/confidence"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/store"
)

type testFixture struct {
	coord   *Coordinator
	records *store.Store
	dir     string
}

func newFixture(t *testing.T, codec archive.Codec) *testFixture {
	t.Helper()
	dir := t.TempDir()

	records, err := store.New(filepath.Join(dir, "records"))
	require.NoError(t, err)
	checkpoints, err := store.NewCheckpointStore(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	if codec == nil {
		codec = archive.TarGzCodec{}
	}
	archives, err := archive.NewManager(filepath.Join(dir, "archives"), codec)
	require.NoError(t, err)

	cfg := Config{
		AutoThreshold: 0.8,
		Timeouts: map[lifecycle.State]time.Duration{
			lifecycle.StateCreated:   time.Hour,
			lifecycle.StatePending:   24 * time.Hour,
			lifecycle.StateConfirmed: 7 * 24 * time.Hour,
			lifecycle.StateCleanable: 24 * time.Hour,
		},
		RestoreDir: filepath.Join(dir, "restored"),
	}
	coord := New(cfg, records, checkpoints, arbiter.New(arbiter.DefaultWindow),
		confidence.NewEngine(), archives, nil, nil)
	return &testFixture{coord: coord, records: records, dir: dir}
}

// seed writes a record with a real payload file on disk.
func (f *testFixture) seed(t *testing.T, id string, state lifecycle.State, createdAt time.Time) *lifecycle.BackupRecord {
	t.Helper()
	// UTC round() strips the monotonic reading so records compare equal
	// after a JSON round trip.
	createdAt = createdAt.UTC().Round(0)
	payload := filepath.Join(f.dir, "payloads", id)
	require.NoError(t, os.MkdirAll(filepath.Dir(payload), 0o755))
	require.NoError(t, os.WriteFile(payload, []byte("payload for "+id), 0o644))

	fi, err := os.Stat(payload)
	require.NoError(t, err)

	rec := lifecycle.NewRecord(id, payload, fi.Size(), createdAt)
	rec.State = state
	require.NoError(t, f.records.Write(id, rec))
	return rec
}

func TestTransitionToPendingCorrelatesCommit(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "b1", lifecycle.StateCreated, time.Now().Add(-time.Minute))

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StatePending,
		Trigger:  lifecycle.TriggerGitHook,
		Commit:   &lifecycle.CommitCorrelation{Hash: "abc123", CommittedAt: time.Now()},
	})
	require.Equal(t, ResultSuccess, out.Result)
	assert.Equal(t, lifecycle.StateCreated, out.From)

	got, err := f.records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePending, got.State)
	require.NotNil(t, got.Metadata.PendingSince)
	require.NotNil(t, got.Metadata.Commit)
	assert.Equal(t, "abc123", got.Metadata.Commit.Hash)
}

func TestInvalidEdgeLeavesRecordUnchanged(t *testing.T) {
	f := newFixture(t, nil)

	invalid := []struct {
		from lifecycle.State
		to   lifecycle.State
	}{
		{lifecycle.StateCreated, lifecycle.StateConfirmed},
		{lifecycle.StateCreated, lifecycle.StateArchived},
		{lifecycle.StatePending, lifecycle.StateArchived},
		{lifecycle.StateConfirmed, lifecycle.StatePending},
		{lifecycle.StateCleanable, lifecycle.StateConfirmed},
		{lifecycle.StateArchived, lifecycle.StateCleanable},
		{lifecycle.StateDeleted, lifecycle.StateCreated},
	}
	for i, tc := range invalid {
		id := fmt.Sprintf("b%d", i)
		before := f.seed(t, id, tc.from, time.Now())

		out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
			BackupID: id,
			Target:   tc.to,
			Trigger:  lifecycle.TriggerUser,
		})
		assert.Equal(t, ResultInvalidTransition, out.Result, "%s -> %s", tc.from, tc.to)
		assert.ErrorIs(t, out.Err, ErrInvalidTransition)
		assert.False(t, out.Result.Retryable())

		after, err := f.records.Read(id)
		require.NoError(t, err)
		assert.Equal(t, before, after, "%s -> %s must not mutate the record", tc.from, tc.to)
	}
}

func TestForceBypassesEdgeValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "b1", lifecycle.StateCleanable, time.Now())

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StateConfirmed,
		Trigger:  lifecycle.TriggerUser,
		Force:    true,
	})
	require.Equal(t, ResultSuccess, out.Result)

	got, err := f.records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateConfirmed, got.State)
}

func TestLockContentionReturnsImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "b1", lifecycle.StateCreated, time.Now())

	// Hold the per-id lock the way an in-flight transition would.
	mu := f.coord.lockFor("b1")
	mu.Lock()
	defer mu.Unlock()

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StatePending,
		Trigger:  lifecycle.TriggerGitHook,
	})
	assert.Equal(t, ResultLockContended, out.Result)
	assert.ErrorIs(t, out.Err, ErrLockContended)
	assert.True(t, out.Result.Retryable())

	got, err := f.records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCreated, got.State)
}

func TestConcurrentSameIDExactlyOneWins(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "b1", lifecycle.StateCreated, time.Now())

	const attempts = 8
	results := make([]Result, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
				BackupID: "b1",
				Target:   lifecycle.StatePending,
				Trigger:  lifecycle.TriggerGitHook,
			})
			results[i] = out.Result
		}(i)
	}
	wg.Wait()

	var successes int
	for _, r := range results {
		switch r {
		case ResultSuccess:
			successes++
		case ResultLockContended, ResultConflictDeferred, ResultInvalidTransition:
			// Losers either hit the lock, hit arbitration, or observed the
			// already-advanced state.
		default:
			t.Fatalf("unexpected result %s", r)
		}
	}
	assert.Equal(t, 1, successes)

	got, err := f.records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePending, got.State)
}

func TestHigherPriorityTriggerDefersLower(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "b1", lifecycle.StateConfirmed, time.Now().Add(-time.Hour))

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StateCleanable,
		Trigger:  lifecycle.TriggerDiskSpace,
	})
	require.Equal(t, ResultSuccess, out.Result)

	out = f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StateArchived,
		Trigger:  lifecycle.TriggerTimeBased,
	})
	assert.Equal(t, ResultConflictDeferred, out.Result)
	assert.ErrorIs(t, out.Err, ErrConflictDeferred)
	assert.True(t, out.Result.Retryable())
}

func TestCleanableArmsOnlyAboveThreshold(t *testing.T) {
	f := newFixture(t, nil)

	// Stale, uncorrelated, small: well above the 0.8 threshold.
	f.seed(t, "stale", lifecycle.StateCreated, time.Now().Add(-3*time.Hour))
	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "stale",
		Target:   lifecycle.StateCleanable,
		Trigger:  lifecycle.TriggerTimeBased,
	})
	require.Equal(t, ResultSuccess, out.Result)
	require.NotNil(t, out.Confidence)
	assert.GreaterOrEqual(t, *out.Confidence, 0.8)

	got, err := f.records.Read("stale")
	require.NoError(t, err)
	assert.NotNil(t, got.Metadata.CleanableSince, "high confidence arms the cleanup timeout")
	require.NotNil(t, got.Metadata.CleanupConfidence)
	assert.InDelta(t, *out.Confidence, *got.Metadata.CleanupConfidence, 1e-9)

	// Fresh pending record with commit activity: confidence stays low.
	fresh := f.seed(t, "fresh", lifecycle.StatePending, time.Now())
	fresh.Metadata.Commit = &lifecycle.CommitCorrelation{Hash: "def", CommittedAt: time.Now()}
	require.NoError(t, f.records.Write(fresh.ID, fresh))

	out = f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "fresh",
		Target:   lifecycle.StateCleanable,
		Trigger:  lifecycle.TriggerTimeBased,
	})
	require.Equal(t, ResultSuccess, out.Result)
	require.NotNil(t, out.Confidence)
	assert.Less(t, *out.Confidence, 0.8)

	got, err = f.records.Read("fresh")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCleanable, got.State)
	assert.Nil(t, got.Metadata.CleanableSince, "low confidence leaves the timeout unarmed")
}

func TestArchiveMovesPayloadToColdStorage(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.seed(t, "b1", lifecycle.StateConfirmed, time.Now().Add(-time.Hour))
	payload := rec.PayloadPath

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StateArchived,
		Trigger:  lifecycle.TriggerUser,
	})
	require.Equal(t, ResultSuccess, out.Result)

	got, err := f.records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateArchived, got.State)
	assert.True(t, got.ArchiveVerified)
	assert.NotEmpty(t, got.ArchivePath)
	assert.FileExists(t, got.ArchivePath)
	assert.Empty(t, got.PayloadPath)
	assert.NoFileExists(t, payload)
}

type failingVerifyCodec struct {
	archive.TarGzCodec
}

func (failingVerifyCodec) Verify(string) error {
	return errors.New("truncated archive")
}

func TestArchiveFailureRollsBackExactly(t *testing.T) {
	f := newFixture(t, failingVerifyCodec{})
	before := f.seed(t, "b1", lifecycle.StateConfirmed, time.Now().Add(-time.Hour))

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StateArchived,
		Trigger:  lifecycle.TriggerTimeBased,
	})
	require.Equal(t, ResultFailure, out.Result)

	var childErr *ChildOperationError
	require.ErrorAs(t, out.Err, &childErr)
	assert.Equal(t, "archive", childErr.Op)

	after, err := f.records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "rollback must restore the pre-transition record")
	assert.FileExists(t, before.PayloadPath, "payload must survive a failed archival")

	// No partial archive file may remain.
	entries, err := os.ReadDir(filepath.Join(f.dir, "archives"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "index.json", e.Name())
	}
}

func TestArchiveCommitFailureKeepsPayload(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.seed(t, "b1", lifecycle.StateConfirmed, time.Now().Add(-time.Hour))

	// A directory squatting on the record's temp path makes the store
	// write fail after the archive side effect has already run.
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "records", "b1.json.tmp"), 0o755))

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StateArchived,
		Trigger:  lifecycle.TriggerTimeBased,
	})
	require.Equal(t, ResultFailure, out.Result)

	assert.FileExists(t, rec.PayloadPath, "payload must survive a failed commit")

	got, err := f.records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateConfirmed, got.State)
	assert.Empty(t, got.ArchivePath)

	// The entry registered during the attempt is unwound with its file.
	entries, err := os.ReadDir(filepath.Join(f.dir, "archives"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "index.json", e.Name())
	}
}

func TestDeleteGuard(t *testing.T) {
	f := newFixture(t, nil)

	// Automatic delete on an unarmed record is refused.
	f.seed(t, "unarmed", lifecycle.StateCleanable, time.Now())
	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "unarmed",
		Target:   lifecycle.StateDeleted,
		Trigger:  lifecycle.TriggerTimeBased,
	})
	require.Equal(t, ResultFailure, out.Result)
	assert.ErrorIs(t, out.Err, ErrDeleteGuard)

	got, err := f.records.Read("unarmed")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCleanable, got.State)
	assert.FileExists(t, got.PayloadPath)

	// The same request from the user succeeds and destroys the record.
	out = f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "unarmed",
		Target:   lifecycle.StateDeleted,
		Trigger:  lifecycle.TriggerUser,
	})
	require.Equal(t, ResultSuccess, out.Result)
	assert.NoFileExists(t, got.PayloadPath)
	_, err = f.records.Read("unarmed")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAutomaticDeleteOnArmedRecord(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.seed(t, "armed", lifecycle.StateCleanable, time.Now().Add(-48*time.Hour))
	armed := time.Now().Add(-25 * time.Hour)
	rec.Metadata.CleanableSince = &armed
	require.NoError(t, f.records.Write(rec.ID, rec))

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "armed",
		Target:   lifecycle.StateDeleted,
		Trigger:  lifecycle.TriggerTimeBased,
	})
	require.Equal(t, ResultSuccess, out.Result)
	_, err := f.records.Read("armed")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreExtractsArchivedPayload(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "b1", lifecycle.StateConfirmed, time.Now().Add(-time.Hour))

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StateArchived,
		Trigger:  lifecycle.TriggerUser,
	})
	require.Equal(t, ResultSuccess, out.Result)

	out = f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StateConfirmed,
		Trigger:  lifecycle.TriggerUser,
		Force:    true,
	})
	require.Equal(t, ResultSuccess, out.Result)

	got, err := f.records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateConfirmed, got.State)
	require.NotEmpty(t, got.PayloadPath)

	restored := filepath.Join(got.PayloadPath, "b1")
	data, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, "payload for b1", string(data))
}

func TestHookFailureDoesNotAffectOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "b1", lifecycle.StateCreated, time.Now())

	var fired int
	f.coord.OnState(lifecycle.StatePending, func(context.Context, *lifecycle.BackupRecord, lifecycle.TransitionRequest) error {
		fired++
		return errors.New("hook boom")
	})
	f.coord.OnTrigger(lifecycle.TriggerGitHook, func(context.Context, *lifecycle.BackupRecord, lifecycle.TransitionRequest) error {
		fired++
		return nil
	})

	out := f.coord.Transition(context.Background(), lifecycle.TransitionRequest{
		BackupID: "b1",
		Target:   lifecycle.StatePending,
		Trigger:  lifecycle.TriggerGitHook,
	})
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Equal(t, 2, fired)
}

func TestRecoverOrphanedCheckpoints(t *testing.T) {
	dir := t.TempDir()
	records, err := store.New(filepath.Join(dir, "records"))
	require.NoError(t, err)
	checkpoints, err := store.NewCheckpointStore(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)

	// Simulate a crash mid-transition: checkpoint on disk, record mutated.
	rec := lifecycle.NewRecord("b1", "", 0, time.Now().UTC().Truncate(time.Second))
	require.NoError(t, records.Write(rec.ID, rec))
	_, err = checkpoints.Take(rec)
	require.NoError(t, err)

	mutated := rec.Clone()
	mutated.State = lifecycle.StatePending
	require.NoError(t, records.Write(mutated.ID, mutated))

	// A fresh process reopens the stores and recovers.
	reopened, err := store.NewCheckpointStore(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	archives, err := archive.NewManager(filepath.Join(dir, "archives"), archive.TarGzCodec{})
	require.NoError(t, err)
	coord := New(Config{AutoThreshold: 0.8}, records, reopened,
		arbiter.New(arbiter.DefaultWindow), confidence.NewEngine(), archives, nil, nil)

	require.NoError(t, coord.RecoverOrphanedCheckpoints())

	got, err := records.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCreated, got.State)

	orphans, err := reopened.Orphans()
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestWipePathOverwritesBeforeRemoval(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "payload", "inner")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "data.bin"), []byte("secret contents"), 0o644))

	require.NoError(t, wipePath(filepath.Join(dir, "payload")))
	assert.NoDirExists(t, filepath.Join(dir, "payload"))

	// Wiping a missing path is not an error.
	assert.NoError(t, wipePath(filepath.Join(dir, "absent")))
}
