package config

import (
	"time"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
)

// dur parses a validated duration string; validation guarantees success, so
// a parse failure after Load is a programming error and yields zero.
func dur(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

// Durations maps each non-terminal state to its parsed timeout.
func (t StateTimeouts) Durations() map[lifecycle.State]time.Duration {
	return map[lifecycle.State]time.Duration{
		lifecycle.StateCreated:   dur(t.Created),
		lifecycle.StatePending:   dur(t.Pending),
		lifecycle.StateConfirmed: dur(t.Confirmed),
		lifecycle.StateCleanable: dur(t.Cleanable),
	}
}

func (t TimeoutConfig) EvaluateIntervalDuration() time.Duration { return dur(t.EvaluateInterval) }

func (d DiskConfig) IntervalDuration() time.Duration      { return dur(d.Interval) }
func (d DiskConfig) EmergencyPollDuration() time.Duration { return dur(d.EmergencyPoll) }

func (g GitConfig) CorrelationWindowDuration() time.Duration { return dur(g.CorrelationWindow) }
func (g GitConfig) OrphanGraceDuration() time.Duration       { return dur(g.OrphanGrace) }
func (g GitConfig) PollIntervalDuration() time.Duration      { return dur(g.PollInterval) }

func (r RetryConfig) InitialDelayDuration() time.Duration { return dur(r.InitialDelay) }
func (r RetryConfig) MaxDelayDuration() time.Duration     { return dur(r.MaxDelay) }
