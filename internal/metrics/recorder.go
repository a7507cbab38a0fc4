// Package metrics is the append-only observability sink for transition
// events. Nothing else in the system reads it back; the query helpers exist
// for post-hoc analysis tooling.
package metrics

import (
	"context"
	"time"
)

// Event is one immutable transition record.
type Event struct {
	ID         string    `json:"id"`
	BackupID   string    `json:"backup_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Trigger    string    `json:"trigger"`
	Result     string    `json:"result"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recorder defines the observability hooks for transitions and disk state.
// Implementations may forward to SQLite, Prometheus, etc. Recording failures
// must never affect the transition outcome; callers log and continue.
type Recorder interface {
	RecordTransition(ctx context.Context, ev Event) error
	RecordDiskUsage(percent float64)
	Close() error
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) RecordTransition(context.Context, Event) error { return nil }
func (NoopRecorder) RecordDiskUsage(float64)                       {}
func (NoopRecorder) Close() error                                  { return nil }

// MultiRecorder fans out to several recorders; the first error wins but all
// recorders are attempted.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordTransition(ctx context.Context, ev Event) error {
	var first error
	for _, r := range m {
		if err := r.RecordTransition(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiRecorder) RecordDiskUsage(percent float64) {
	for _, r := range m {
		r.RecordDiskUsage(percent)
	}
}

func (m MultiRecorder) Close() error {
	var first error
	for _, r := range m {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
