package lifecycle

import "fmt"

// State represents a backup record's position in the retention pipeline.
type State string

const (
	StateCreated   State = "created"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateCleanable State = "cleanable"
	StateArchived  State = "archived"
	StateDeleted   State = "deleted"
)

// AllStates lists every known state in pipeline order.
var AllStates = []State{
	StateCreated, StatePending, StateConfirmed, StateCleanable, StateArchived, StateDeleted,
}

// ParseState validates a raw string against the known state set.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", raw)
	}
	return s, nil
}

// Valid reports whether the state is a member of the known set.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StatePending, StateConfirmed, StateCleanable, StateArchived, StateDeleted:
		return true
	}
	return false
}

// Terminal reports whether the state has no outgoing edges.
func (s State) Terminal() bool { return s == StateDeleted }

func (s State) String() string { return string(s) }

// transitionTable is the static adjacency map for the retention pipeline.
// It is built once at package init and validated against the known state set,
// so an unknown state is rejected at construction rather than at lookup time.
var transitionTable = newTransitionTable(map[State][]State{
	StateCreated:   {StatePending, StateCleanable, StateDeleted},
	StatePending:   {StateConfirmed, StateCleanable, StateDeleted},
	StateConfirmed: {StateCleanable, StateArchived, StateDeleted},
	StateCleanable: {StateArchived, StateDeleted},
	StateArchived:  {StateDeleted},
	StateDeleted:   {},
})

func newTransitionTable(edges map[State][]State) map[State]map[State]struct{} {
	table := make(map[State]map[State]struct{}, len(edges))
	for from, targets := range edges {
		if !from.Valid() {
			panic(fmt.Sprintf("lifecycle: transition table references unknown state %q", from))
		}
		set := make(map[State]struct{}, len(targets))
		for _, to := range targets {
			if !to.Valid() {
				panic(fmt.Sprintf("lifecycle: transition table references unknown state %q", to))
			}
			set[to] = struct{}{}
		}
		table[from] = set
	}
	for _, s := range AllStates {
		if _, ok := table[s]; !ok {
			panic(fmt.Sprintf("lifecycle: transition table missing state %q", s))
		}
	}
	return table
}

// CanTransition reports whether the edge (from, to) is permitted.
func CanTransition(from, to State) bool {
	targets, ok := transitionTable[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// TransitionsFrom returns the permitted target states for a given state.
func TransitionsFrom(from State) []State {
	targets := transitionTable[from]
	out := make([]State, 0, len(targets))
	for _, s := range AllStates {
		if _, ok := targets[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
