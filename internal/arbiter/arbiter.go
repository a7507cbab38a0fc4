// Package arbiter provides time-windowed, priority-based admission advice for
// pending transition requests. It is concurrency hygiene between racing
// triggers, not the correctness boundary: the coordinator's per-id lock is
// what serializes mutations.
package arbiter

import (
	"fmt"
	"sync"
	"time"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
)

// DefaultWindow is how long a recorded request can block a lower-priority
// competitor for the same backup id.
const DefaultWindow = 300 * time.Second

type entry struct {
	trigger  lifecycle.TriggerType
	target   lifecycle.State
	priority int
	at       time.Time
}

// Decision is the arbiter's admission verdict.
type Decision struct {
	Admitted bool
	Reason   string
}

// Arbiter keeps a per-id rolling list of recent transition requests.
type Arbiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	pending map[string][]entry
}

// New creates an arbiter with the given conflict window; zero or negative
// falls back to DefaultWindow.
func New(window time.Duration) *Arbiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Arbiter{
		window:  window,
		now:     time.Now,
		pending: make(map[string][]entry),
	}
}

// Admit decides whether a request may proceed. A request is rejected only if
// an unexpired entry for the same id with strictly higher priority exists;
// otherwise it is admitted and recorded itself.
func (a *Arbiter) Admit(backupID string, target lifecycle.State, trigger lifecycle.TriggerType) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	live := a.pruneLocked(backupID, now)

	priority := trigger.Priority()
	for _, e := range live {
		if e.priority > priority {
			return Decision{
				Admitted: false,
				Reason: fmt.Sprintf("higher-priority %s request targeting %s active since %s",
					e.trigger, e.target, e.at.Format(time.RFC3339)),
			}
		}
	}

	a.pending[backupID] = append(live, entry{
		trigger:  trigger,
		target:   target,
		priority: priority,
		at:       now,
	})
	return Decision{Admitted: true}
}

// pruneLocked drops entries older than the window and returns the survivors.
func (a *Arbiter) pruneLocked(backupID string, now time.Time) []entry {
	cutoff := now.Add(-a.window)
	old := a.pending[backupID]
	live := old[:0]
	for _, e := range old {
		if e.at.After(cutoff) {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		delete(a.pending, backupID)
		return nil
	}
	a.pending[backupID] = live
	return live
}

// PendingCount reports live entries for a backup id, for status surfaces.
func (a *Arbiter) PendingCount(backupID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pruneLocked(backupID, a.now()))
}
