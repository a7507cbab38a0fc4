// Package confidence computes the [0,1] heuristic scores that gate automatic
// archival and destructive actions. All formulas are pure functions over
// record metadata and external signals; nothing here reads or mutates state.
package confidence

import "time"

// Factors carries the inputs shared by the cleanup, archive and delete
// formulas. Callers populate what they know; zero values are safe.
type Factors struct {
	Age          time.Duration // since record creation
	StateTimeout time.Duration // configured timeout for the record's state
	SizeBytes    int64
	InactiveFor  time.Duration // since last source-control activity; 0 = unknown or active

	HasCommit bool
	HasMerge  bool
	HasPush   bool

	// DiskPressureBoost is added by the disk-pressure monitor to relax
	// thresholds while space is scarce. Zero for every other caller.
	DiskPressureBoost float64
}

// MergeFactors feeds the merge-confidence formula.
type MergeFactors struct {
	AncestryVerified bool          // correlated commit is an ancestor of the merge commit
	CommitAge        time.Duration // since the correlated commit
	BranchActive     bool          // recent activity on the source branch
}

// PushFactors feeds the push-confidence formula.
type PushFactors struct {
	OnRemote        bool    // the commit is among the pushed set
	MergeConfidence float64 // carried over from the merge correlation, 0 if none
	Age             time.Duration
}

// Engine evaluates the per-decision confidence formulas. The weights are
// fixed; the clamp at the end of each formula is the only guarantee the
// callers rely on.
type Engine struct {
	// ageCap bounds how much extra confidence age can contribute, expressed
	// as a multiple of the state timeout. Older than ageCap*timeout earns
	// no further confidence.
	ageCap float64
	// sizeRef is the payload size at which the safety penalty saturates.
	sizeRef float64
	// inactivityRef is the inactivity span treated as "fully idle".
	inactivityRef time.Duration
}

// NewEngine returns an engine with the standard calibration: age influence
// capped at twice the state timeout, size penalty saturating at 1 GiB,
// inactivity saturating at 24 hours.
func NewEngine() *Engine {
	return &Engine{
		ageCap:        2.0,
		sizeRef:       1 << 30,
		inactivityRef: 24 * time.Hour,
	}
}

func (e *Engine) ageTerm(f Factors, weight float64) float64 {
	return weight * ratioCapped(f.Age.Seconds(), f.StateTimeout.Seconds(), e.ageCap)
}

func (e *Engine) sizePenalty(f Factors, weight float64) float64 {
	return weight * ratioCapped(float64(f.SizeBytes), e.sizeRef, 1.0)
}

func (e *Engine) inactivityTerm(f Factors, weight float64) float64 {
	return weight * ratioCapped(f.InactiveFor.Seconds(), e.inactivityRef.Seconds(), 1.0)
}

// CreatedCleanup scores cleaning up a record that never progressed past
// Created. A stale record with no commit correlation is the safest possible
// cleanup candidate.
func (e *Engine) CreatedCleanup(f Factors) float64 {
	score := 0.5
	score += e.ageTerm(f, 0.2)
	if !f.HasCommit {
		score += 0.15
	}
	score += e.inactivityTerm(f, 0.1)
	score -= e.sizePenalty(f, 0.1)
	score += f.DiskPressureBoost
	return clamp01(score)
}

// PendingCleanup scores cleaning up a record whose commit was correlated but
// never confirmed by a merge. Starts lower: commit activity suggests the work
// may still be in flight.
func (e *Engine) PendingCleanup(f Factors) float64 {
	score := 0.4
	score += e.ageTerm(f, 0.2)
	score += e.inactivityTerm(f, 0.15)
	score -= e.sizePenalty(f, 0.1)
	score += f.DiskPressureBoost
	return clamp01(score)
}

// ConfirmedCleanup scores cleaning up a merged record. Merge and push
// correlations both raise confidence: the work the backup protected has
// landed upstream.
func (e *Engine) ConfirmedCleanup(f Factors) float64 {
	score := 0.55
	score += e.ageTerm(f, 0.15)
	if f.HasMerge {
		score += 0.1
	}
	if f.HasPush {
		score += 0.1
	}
	score += e.inactivityTerm(f, 0.1)
	score -= e.sizePenalty(f, 0.1)
	score += f.DiskPressureBoost
	return clamp01(score)
}

// Archive scores moving a record to compressed cold storage. Archival is
// reversible, so the base sits above the destructive formulas.
func (e *Engine) Archive(f Factors) float64 {
	score := 0.6
	score += e.ageTerm(f, 0.15)
	if f.HasMerge {
		score += 0.1
	}
	if f.HasPush {
		score += 0.05
	}
	score -= e.sizePenalty(f, 0.05)
	score += f.DiskPressureBoost
	return clamp01(score)
}

// Delete scores irreversible removal. The most conservative base and the
// heaviest size penalty; only strong correlation evidence plus age pushes
// this over the usual thresholds.
func (e *Engine) Delete(f Factors) float64 {
	score := 0.3
	score += e.ageTerm(f, 0.2)
	if f.HasPush {
		score += 0.15
	}
	if f.HasMerge {
		score += 0.1
	}
	score += e.inactivityTerm(f, 0.15)
	score -= e.sizePenalty(f, 0.15)
	score += f.DiskPressureBoost
	return clamp01(score)
}

// Merge scores how certain we are that a merge commit supersedes the
// correlated commit.
func (e *Engine) Merge(f MergeFactors) float64 {
	score := 0.5
	if f.AncestryVerified {
		score += 0.3
	}
	if !f.BranchActive {
		score += 0.1
	}
	score += 0.1 * ratioCapped(f.CommitAge.Seconds(), e.inactivityRef.Seconds(), 1.0)
	return clamp01(score)
}

// Push scores how certain we are that a confirmed record's commit reached
// the remote, folding in the earlier merge confidence.
func (e *Engine) Push(f PushFactors) float64 {
	score := 0.4
	if f.OnRemote {
		score += 0.25
	}
	score += 0.25 * clamp01(f.MergeConfidence)
	score += 0.1 * ratioCapped(f.Age.Seconds(), e.inactivityRef.Seconds(), 1.0)
	return clamp01(score)
}

// ForRecord builds Factors from a record's metadata. The state timeout and
// pressure boost stay with the caller since they depend on configuration and
// trigger identity.
func ForRecord(age, stateTimeout, inactiveFor time.Duration, sizeBytes int64, hasCommit, hasMerge, hasPush bool, boost float64) Factors {
	return Factors{
		Age:               age,
		StateTimeout:      stateTimeout,
		SizeBytes:         sizeBytes,
		InactiveFor:       inactiveFor,
		HasCommit:         hasCommit,
		HasMerge:          hasMerge,
		HasPush:           hasPush,
		DiskPressureBoost: boost,
	}
}
