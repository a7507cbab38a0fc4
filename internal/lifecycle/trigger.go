package lifecycle

import "fmt"

// TriggerType identifies the actor class proposing a transition.
type TriggerType string

const (
	TriggerUser      TriggerType = "user"
	TriggerDiskSpace TriggerType = "disk_space"
	TriggerGitHook   TriggerType = "git_hook"
	TriggerTimeBased TriggerType = "time_based"
)

// triggerPriorities ranks trigger sources for conflict arbitration.
// Direct user action always outranks automation; disk pressure outranks
// the slower correlation and wall-clock triggers.
var triggerPriorities = map[TriggerType]int{
	TriggerUser:      100,
	TriggerDiskSpace: 90,
	TriggerGitHook:   80,
	TriggerTimeBased: 70,
}

// ParseTriggerType validates a raw string against the known trigger set.
func ParseTriggerType(raw string) (TriggerType, error) {
	t := TriggerType(raw)
	if _, ok := triggerPriorities[t]; !ok {
		return "", fmt.Errorf("unknown trigger type %q", raw)
	}
	return t, nil
}

// Priority returns the arbitration priority for the trigger type.
// Unknown types rank below every known trigger.
func (t TriggerType) Priority() int { return triggerPriorities[t] }

func (t TriggerType) String() string { return string(t) }

// TransitionRequest is the ephemeral value object handed to the coordinator.
type TransitionRequest struct {
	BackupID string
	Target   State
	Trigger  TriggerType
	Reason   string
	Force    bool // bypasses edge validation and delete guards

	// ConfidenceBoost relaxes the cleanup score under disk pressure; zero
	// for every other proposer.
	ConfidenceBoost float64

	// Correlation payloads attached by the git correlator; copied into
	// record metadata by the matching state side effect.
	Commit *CommitCorrelation
	Merge  *MergeCorrelation
	Push   *PushCorrelation
}

// Priority returns the priority implied by the request's trigger type.
func (r TransitionRequest) Priority() int { return r.Trigger.Priority() }
