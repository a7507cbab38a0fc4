package triggers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/retentiond/internal/arbiter"
	"git.home.luguber.info/inful/retentiond/internal/archive"
	"git.home.luguber.info/inful/retentiond/internal/confidence"
	"git.home.luguber.info/inful/retentiond/internal/coordinator"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/notify"
	"git.home.luguber.info/inful/retentiond/internal/store"
)

var testTimeouts = map[lifecycle.State]time.Duration{
	lifecycle.StateCreated:   time.Hour,
	lifecycle.StatePending:   24 * time.Hour,
	lifecycle.StateConfirmed: 7 * 24 * time.Hour,
	lifecycle.StateCleanable: 24 * time.Hour,
}

var emergencyTimeouts = map[lifecycle.State]time.Duration{
	lifecycle.StateCreated:   10 * time.Minute,
	lifecycle.StatePending:   time.Hour,
	lifecycle.StateConfirmed: 6 * time.Hour,
	lifecycle.StateCleanable: 30 * time.Minute,
}

type fixture struct {
	coord   *coordinator.Coordinator
	records *store.Store
	engine  *confidence.Engine
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	records, err := store.New(filepath.Join(dir, "records"))
	require.NoError(t, err)
	checkpoints, err := store.NewCheckpointStore(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	archives, err := archive.NewManager(filepath.Join(dir, "archives"), archive.TarGzCodec{})
	require.NoError(t, err)

	engine := confidence.NewEngine()
	coord := coordinator.New(coordinator.Config{
		AutoThreshold: 0.8,
		Timeouts:      testTimeouts,
		RestoreDir:    filepath.Join(dir, "restored"),
	}, records, checkpoints, arbiter.New(arbiter.DefaultWindow), engine, archives, nil, nil)

	return &fixture{coord: coord, records: records, engine: engine, dir: dir}
}

// seed writes a record with a real payload file, timestamps normalized for
// JSON round trips.
func (f *fixture) seed(t *testing.T, id string, state lifecycle.State, age time.Duration) *lifecycle.BackupRecord {
	t.Helper()
	payload := filepath.Join(f.dir, "payloads", id)
	require.NoError(t, os.MkdirAll(filepath.Dir(payload), 0o755))
	require.NoError(t, os.WriteFile(payload, []byte("payload for "+id), 0o644))

	createdAt := time.Now().Add(-age).UTC().Round(0)
	rec := lifecycle.NewRecord(id, payload, int64(len("payload for "+id)), createdAt)
	rec.State = state
	switch state {
	case lifecycle.StatePending:
		rec.Metadata.PendingSince = &createdAt
	case lifecycle.StateConfirmed:
		rec.Metadata.ConfirmedAt = &createdAt
	}
	rec.UpdatedAt = createdAt
	require.NoError(t, f.records.Write(id, rec))
	return rec
}

func (f *fixture) read(t *testing.T, id string) *lifecycle.BackupRecord {
	t.Helper()
	rec, err := f.records.Read(id)
	require.NoError(t, err)
	return rec
}

// captureDispatcher records dispatched events for assertions.
type captureDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureDispatcher) Dispatch(_ context.Context, ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureDispatcher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}
