// Package archive moves backup payloads into verified compressed cold
// storage and back. An entry is registered only after compression and
// structural verification both succeed; a failed verification deletes the
// partial archive, which the coordinator surfaces as a rolled-back
// transition.
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
)

// Entry records one archived payload.
type Entry struct {
	BackupID  string    `json:"backup_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Verified  bool      `json:"verified"`
}

// Manager owns the archive directory and its index. The index is a single
// JSON document replaced atomically on every mutation, same scheme as the
// record store.
type Manager struct {
	dir   string
	codec Codec
	now   func() time.Time

	mu    sync.Mutex
	index map[string]*Entry
}

// NewManager creates (or reopens) an archive manager rooted at dir.
func NewManager(dir string, codec Codec) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	m := &Manager{
		dir:   dir,
		codec: codec,
		now:   time.Now,
		index: make(map[string]*Entry),
	}
	if err := m.loadIndex(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) indexPath() string { return filepath.Join(m.dir, "index.json") }

func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read archive index: %w", err)
	}
	if err := json.Unmarshal(data, &m.index); err != nil {
		return fmt.Errorf("unmarshal archive index: %w", err)
	}
	return nil
}

// saveIndexLocked persists the index with write-temp-then-rename.
func (m *Manager) saveIndexLocked() error {
	data, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive index: %w", err)
	}
	tmpPath := m.indexPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temporary index file: %w", err)
	}
	if err := os.Rename(tmpPath, m.indexPath()); err != nil {
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

// Archive compresses the record's payload into a dated archive path and
// verifies it. Only on verification success is the entry registered; a
// failed verification removes the partial archive and returns an error.
func (m *Manager) Archive(rec *lifecycle.BackupRecord) (*Entry, error) {
	if rec.PayloadPath == "" {
		return nil, fmt.Errorf("backup %s has no payload path", rec.ID)
	}
	if _, err := os.Stat(rec.PayloadPath); err != nil {
		return nil, fmt.Errorf("payload for backup %s unavailable: %w", rec.ID, err)
	}

	now := m.now()
	archivePath := filepath.Join(m.dir, fmt.Sprintf("%s-%s.tar.gz", rec.ID, now.Format("20060102-150405")))

	if err := m.codec.Compress(rec.PayloadPath, archivePath); err != nil {
		_ = os.Remove(archivePath)
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := m.codec.Verify(archivePath); err != nil {
		if rmErr := os.Remove(archivePath); rmErr != nil {
			slog.Warn("Failed to remove unverified archive", logfields.Path(archivePath), logfields.Error(rmErr))
		}
		return nil, fmt.Errorf("verify archive: %w", err)
	}

	entry := &Entry{
		BackupID:  rec.ID,
		Path:      archivePath,
		CreatedAt: now,
		Verified:  true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[rec.ID] = entry
	if err := m.saveIndexLocked(); err != nil {
		delete(m.index, rec.ID)
		_ = os.Remove(archivePath)
		return nil, err
	}

	slog.Info("Payload archived", logfields.BackupID(rec.ID), logfields.Path(archivePath))
	return entry, nil
}

// Restore extracts the archive for id into destDir.
func (m *Manager) Restore(id, destDir string) error {
	entry, ok := m.Entry(id)
	if !ok {
		return fmt.Errorf("no archive entry for backup %s", id)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create restore destination: %w", err)
	}
	if err := m.codec.Extract(entry.Path, destDir); err != nil {
		return fmt.Errorf("extract archive for backup %s: %w", id, err)
	}
	slog.Info("Archive restored", logfields.BackupID(id), logfields.Path(destDir))
	return nil
}

// Delete removes the entry and its backing file, independent of the
// live-record pipeline.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.index[id]
	if !ok {
		return fmt.Errorf("no archive entry for backup %s", id)
	}
	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive file: %w", err)
	}
	delete(m.index, id)
	return m.saveIndexLocked()
}

// Entry returns the registered entry for id, if any.
func (m *Manager) Entry(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.index[id]
	if !ok {
		return nil, false
	}
	cp := *entry
	return &cp, true
}
