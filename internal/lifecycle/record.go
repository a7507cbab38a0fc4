package lifecycle

import "time"

// CommitCorrelation links a backup to the commit made around its creation time.
type CommitCorrelation struct {
	Hash        string    `json:"hash"`
	Branch      string    `json:"branch,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
	MatchedAt   time.Time `json:"matched_at"`
}

// MergeCorrelation records that the correlated commit was merged.
type MergeCorrelation struct {
	MergeHash  string    `json:"merge_hash"`
	Confidence float64   `json:"confidence"`
	MergedAt   time.Time `json:"merged_at"`
}

// PushCorrelation records that the correlated commit was pushed upstream.
type PushCorrelation struct {
	Remote     string    `json:"remote,omitempty"`
	Confidence float64   `json:"confidence"`
	PushedAt   time.Time `json:"pushed_at"`
}

// Metadata holds the per-record lifecycle event timestamps and correlation
// records. It replaces the original scheme of one sentinel marker file per
// event: the whole record persists atomically as a single unit.
type Metadata struct {
	PendingSince   *time.Time `json:"pending_since,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	CleanableSince *time.Time `json:"cleanable_since,omitempty"`

	Commit *CommitCorrelation `json:"commit,omitempty"`
	Merge  *MergeCorrelation  `json:"merge,omitempty"`
	Push   *PushCorrelation   `json:"push,omitempty"`

	// CleanupConfidence caches the score computed when the record entered
	// Cleanable; nil until then.
	CleanupConfidence *float64 `json:"cleanup_confidence,omitempty"`

	// Manual-review flag set when an automatic trigger declines to act.
	ReviewFlaggedAt *time.Time `json:"review_flagged_at,omitempty"`
	ReviewReason    string     `json:"review_reason,omitempty"`
}

// BackupRecord is the durable per-artifact record. It is owned by the state
// store and mutated only through the transition coordinator.
type BackupRecord struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	SizeBytes   int64     `json:"size_bytes"`
	PayloadPath string    `json:"payload_path,omitempty"`
	Metadata    Metadata  `json:"metadata"`

	// Archive pointer, set once the record reaches Archived.
	ArchivePath     string `json:"archive_path,omitempty"`
	ArchiveVerified bool   `json:"archive_verified,omitempty"`
}

// NewRecord creates a record in the Created state. Records are normally
// created by the external backup-creation process; this constructor exists
// for that boundary and for tests.
func NewRecord(id, payloadPath string, sizeBytes int64, createdAt time.Time) *BackupRecord {
	return &BackupRecord{
		ID:          id,
		State:       StateCreated,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		SizeBytes:   sizeBytes,
		PayloadPath: payloadPath,
	}
}

// Clone returns a deep copy, used for checkpointing before mutation.
func (r *BackupRecord) Clone() *BackupRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Metadata = r.Metadata.clone()
	return &cp
}

func (m Metadata) clone() Metadata {
	cp := m
	cp.PendingSince = cloneTime(m.PendingSince)
	cp.ConfirmedAt = cloneTime(m.ConfirmedAt)
	cp.CleanableSince = cloneTime(m.CleanableSince)
	cp.ReviewFlaggedAt = cloneTime(m.ReviewFlaggedAt)
	if m.Commit != nil {
		c := *m.Commit
		cp.Commit = &c
	}
	if m.Merge != nil {
		c := *m.Merge
		cp.Merge = &c
	}
	if m.Push != nil {
		c := *m.Push
		cp.Push = &c
	}
	if m.CleanupConfidence != nil {
		v := *m.CleanupConfidence
		cp.CleanupConfidence = &v
	}
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// StateEnteredAt returns the timestamp at which the record entered its
// current state, falling back to CreatedAt when no event timestamp applies.
func (r *BackupRecord) StateEnteredAt() time.Time {
	switch r.State {
	case StatePending:
		if r.Metadata.PendingSince != nil {
			return *r.Metadata.PendingSince
		}
	case StateConfirmed:
		if r.Metadata.ConfirmedAt != nil {
			return *r.Metadata.ConfirmedAt
		}
	case StateCleanable:
		if r.Metadata.CleanableSince != nil {
			return *r.Metadata.CleanableSince
		}
	}
	return r.CreatedAt
}

// Age returns the time elapsed since the record was created.
func (r *BackupRecord) Age(now time.Time) time.Duration { return now.Sub(r.CreatedAt) }

// InactiveFor derives the span since the newest correlated source-control
// event. Zero means no correlation evidence either way.
func (r *BackupRecord) InactiveFor(now time.Time) time.Duration {
	var last time.Time
	if cc := r.Metadata.Commit; cc != nil && cc.CommittedAt.After(last) {
		last = cc.CommittedAt
	}
	if mc := r.Metadata.Merge; mc != nil && mc.MergedAt.After(last) {
		last = mc.MergedAt
	}
	if pc := r.Metadata.Push; pc != nil && pc.PushedAt.After(last) {
		last = pc.PushedAt
	}
	if last.IsZero() {
		return 0
	}
	return now.Sub(last)
}

// FlagForReview marks the record for manual review without a state change.
func (r *BackupRecord) FlagForReview(reason string, now time.Time) {
	r.Metadata.ReviewFlaggedAt = &now
	r.Metadata.ReviewReason = reason
}

// ClearReviewFlag removes a pending manual-review flag.
func (r *BackupRecord) ClearReviewFlag() {
	r.Metadata.ReviewFlaggedAt = nil
	r.Metadata.ReviewReason = ""
}
