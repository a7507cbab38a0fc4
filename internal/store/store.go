package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
	"git.home.luguber.info/inful/retentiond/internal/logfields"
)

// ErrNotFound is returned when no record exists for a backup id.
var ErrNotFound = errors.New("backup record not found")

// Store persists one JSON document per backup record. Writes use
// write-temp-then-rename so a concurrent reader never observes a partially
// written record. The store has no knowledge of the transition rules; callers
// go through the coordinator for any mutation.
type Store struct {
	dir string
}

// New creates (or reopens) a record store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Read returns the record for id, or ErrNotFound.
func (s *Store) Read(id string) (*lifecycle.BackupRecord, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}

	var rec lifecycle.BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

// Write atomically replaces the record for id.
func (s *Store) Write(id string, rec *lifecycle.BackupRecord) error {
	if rec == nil {
		return fmt.Errorf("write record %s: nil record", id)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}

	path := s.recordPath(id)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temporary record file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace record file: %w", err)
	}
	return nil
}

// Delete removes the record for id. Deleting a missing record is ErrNotFound.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.recordPath(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// List re-enumerates the backing directory and returns every record matching
// the predicate (nil matches all), sorted by id. A record that cannot be read
// is skipped with a warning so a single corrupt file does not stall a scan.
func (s *Store) List(pred func(*lifecycle.BackupRecord) bool) ([]*lifecycle.BackupRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("enumerate record directory: %w", err)
	}

	var records []*lifecycle.BackupRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.tmp") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		rec, err := s.Read(id)
		if err != nil {
			slog.Warn("Skipping unreadable record", logfields.BackupID(id), logfields.Error(err))
			continue
		}
		if pred == nil || pred(rec) {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// ListByState is a convenience predicate wrapper for the common filter.
func (s *Store) ListByState(state lifecycle.State) ([]*lifecycle.BackupRecord, error) {
	return s.List(func(r *lifecycle.BackupRecord) bool { return r.State == state })
}
