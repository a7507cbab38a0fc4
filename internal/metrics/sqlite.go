package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder implements Recorder on a durable SQLite log.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteRecorder opens (or creates) the transition event log.
// Use ":memory:" for an in-memory database in tests.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRecorder) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		backup_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		result TEXT NOT NULL,
		reason TEXT,
		duration_ms REAL NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_backup_id ON transitions(backup_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_timestamp ON transitions(timestamp);
	`
	_, err := r.db.Exec(schema)
	return err
}

// RecordTransition appends one event to the log.
func (r *SQLiteRecorder) RecordTransition(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transitions (id, backup_id, from_state, to_state, trigger_type, result, reason, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.BackupID, ev.FromState, ev.ToState, ev.Trigger, ev.Result, ev.Reason, ev.DurationMS, ev.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert transition event: %w", err)
	}
	return nil
}

// RecordDiskUsage is a no-op for the durable log; disk readings are a gauge
// concern handled by the Prometheus recorder.
func (r *SQLiteRecorder) RecordDiskUsage(float64) {}

// EventsForBackup returns all recorded events for one backup id, oldest first.
func (r *SQLiteRecorder) EventsForBackup(ctx context.Context, backupID string) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, backup_id, from_state, to_state, trigger_type, result, reason, duration_ms, timestamp
		 FROM transitions WHERE backup_id = ? ORDER BY timestamp, id`,
		backupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transition events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsInRange returns events within [start, end], oldest first.
func (r *SQLiteRecorder) EventsInRange(ctx context.Context, start, end time.Time) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, backup_id, from_state, to_state, trigger_type, result, reason, duration_ms, timestamp
		 FROM transitions WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id`,
		start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query transition events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var reason sql.NullString
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.BackupID, &ev.FromState, &ev.ToState, &ev.Trigger, &ev.Result, &reason, &ev.DurationMS, &ts); err != nil {
			return nil, fmt.Errorf("scan transition event: %w", err)
		}
		ev.Reason = reason.String
		ev.Timestamp = time.Unix(ts, 0)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// Close closes the database connection.
func (r *SQLiteRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}
