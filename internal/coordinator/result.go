package coordinator

import (
	"errors"
	"fmt"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
)

// Result classifies a transition attempt for the caller.
type Result string

const (
	ResultSuccess           Result = "success"
	ResultInvalidTransition Result = "invalid_transition"
	ResultLockContended     Result = "lock_contended"
	ResultConflictDeferred  Result = "conflict_deferred"
	ResultFailure           Result = "failure"
	ResultDryRun            Result = "dry_run"
)

// Retryable reports whether the caller may usefully retry later. Lock
// contention and conflict deferral are transient; an invalid edge is not.
func (r Result) Retryable() bool {
	return r == ResultLockContended || r == ResultConflictDeferred
}

// Outcome is the full report of one transition attempt.
type Outcome struct {
	Result   Result
	From     lifecycle.State
	To       lifecycle.State
	Reason   string
	Duration time.Duration
	Err      error

	// Confidence carries the score computed by the side effect when one
	// applied (entering Cleanable); nil otherwise.
	Confidence *float64
}

// Sentinel errors for the transition taxonomy.
var (
	ErrInvalidTransition = errors.New("transition not permitted by edge table")
	ErrLockContended     = errors.New("another transition in flight for this backup")
	ErrConflictDeferred  = errors.New("higher-priority trigger active")
	ErrDeleteGuard       = errors.New("delete requires user trigger or cleanable marker")
)

// ChildOperationError wraps a failed state side effect (archive verification,
// payload removal); it always triggers rollback from the checkpoint.
type ChildOperationError struct {
	Op  string
	Err error
}

func (e *ChildOperationError) Error() string {
	return fmt.Sprintf("child operation %s failed: %v", e.Op, e.Err)
}

func (e *ChildOperationError) Unwrap() error { return e.Err }
