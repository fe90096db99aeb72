// Package command defines the durable command lifecycle: the state machine,
// the journaled record store, and the idempotency index.
package command

import "fmt"

// State is a command lifecycle state.
type State string

// Command lifecycle states.
const (
	StateAccepted             State = "accepted"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateQueued               State = "queued"
	StateInProgress           State = "in_progress"
	StateDeferred             State = "deferred"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
	StateExpired              State = "expired"
	StateDeadLetter           State = "dead_letter"
)

// transitions is the exhaustive edge set. Terminal states have no entry.
var transitions = map[State][]State{
	StateAccepted:             {StateAwaitingConfirmation, StateQueued, StateCancelled, StateFailed, StateDeadLetter},
	StateAwaitingConfirmation: {StateQueued, StateCancelled, StateExpired, StateDeadLetter},
	StateQueued:               {StateInProgress, StateCancelled, StateFailed, StateDeadLetter},
	StateInProgress:           {StateCompleted, StateFailed, StateDeferred, StateCancelled, StateDeadLetter},
	StateDeferred:             {StateQueued, StateFailed, StateCancelled, StateDeadLetter},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateAccepted, StateAwaitingConfirmation, StateQueued, StateInProgress,
		StateDeferred, StateCompleted, StateFailed, StateCancelled, StateExpired, StateDeadLetter:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired, StateDeadLetter:
		return true
	}
	return false
}

// EventType returns the journal event type for entering s.
func (s State) EventType() string {
	return "command." + string(s)
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an attempted transition outside the edge
// set. It signals a programmer error, never retried.
type InvalidTransitionError struct {
	CommandID string
	From      State
	To        State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("command %s: invalid transition %s -> %s", e.CommandID, e.From, e.To)
}
