package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
)

// Checkpoint is a pre-mutation snapshot of a record, keyed by a generated id.
// Exactly one checkpoint may exist per in-flight transition; none persist
// once a transition attempt completes.
type Checkpoint struct {
	ID       string                  `json:"id"`
	BackupID string                  `json:"backup_id"`
	TakenAt  time.Time               `json:"taken_at"`
	Record   *lifecycle.BackupRecord `json:"record"`
}

// CheckpointStore persists checkpoints alongside the record store so a crash
// mid-transition leaves enough on disk to restore the pre-mutation record.
type CheckpointStore struct {
	dir string

	mu     sync.Mutex
	active map[string]string // backup id -> checkpoint id
}

// NewCheckpointStore creates (or reopens) a checkpoint store rooted at dir.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &CheckpointStore{dir: dir, active: make(map[string]string)}, nil
}

func (cs *CheckpointStore) path(checkpointID string) string {
	return filepath.Join(cs.dir, checkpointID+".json")
}

// Take snapshots the record before mutation. It fails if a checkpoint is
// already active for the same backup id, which would mean two transitions
// slipped past the per-id lock.
func (cs *CheckpointStore) Take(rec *lifecycle.BackupRecord) (*Checkpoint, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if existing, ok := cs.active[rec.ID]; ok {
		return nil, fmt.Errorf("checkpoint %s already active for backup %s", existing, rec.ID)
	}

	cp := &Checkpoint{
		ID:       uuid.NewString(),
		BackupID: rec.ID,
		TakenAt:  time.Now(),
		Record:   rec.Clone(),
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(cs.path(cp.ID), data, 0o644); err != nil {
		return nil, fmt.Errorf("write checkpoint file: %w", err)
	}

	cs.active[rec.ID] = cp.ID
	return cp, nil
}

// Restore writes the checkpointed record back through the record store,
// making the failed transition unobservable.
func (cs *CheckpointStore) Restore(cp *Checkpoint, records *Store) error {
	if cp == nil || cp.Record == nil {
		return fmt.Errorf("restore: empty checkpoint")
	}
	if err := records.Write(cp.BackupID, cp.Record); err != nil {
		return fmt.Errorf("restore record from checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Drop deletes the checkpoint after the transition attempt completes,
// whether it succeeded or was rolled back.
func (cs *CheckpointStore) Drop(cp *Checkpoint) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := os.Remove(cs.path(cp.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	delete(cs.active, cp.BackupID)
	return nil
}

// Active reports whether a checkpoint is currently held for the backup id.
func (cs *CheckpointStore) Active(backupID string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.active[backupID]
	return ok
}

// Orphans returns checkpoints left behind by a crashed transition. They are
// reloaded from disk at startup so the daemon can restore and clear them.
func (cs *CheckpointStore) Orphans() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		return nil, fmt.Errorf("enumerate checkpoint directory: %w", err)
	}

	var orphans []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(cs.dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		orphans = append(orphans, &cp)
	}
	return orphans, nil
}
