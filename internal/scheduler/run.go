package scheduler

import "time"

// State is the lifecycle state of a Run.
type State string

const (
	// StatePending is a created run that has not dispatched yet.
	StatePending State = "pending"
	// StateStreaming means the engine is producing events.
	StateStreaming State = "streaming"
	// StateAwaitingFinal covers the window between engine completion
	// and delivery of the reply.
	StateAwaitingFinal State = "awaiting-final"
	// StateAborted is terminal: the run was cancelled and its in-flight
	// output discarded.
	StateAborted State = "aborted"
	// StateFinal is terminal: the run completed and its reply was
	// handed to delivery.
	StateFinal State = "final"
	// StateError is terminal: the engine failed.
	StateError State = "error"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateAborted || s == StateFinal || s == StateError
}

// Run is one agent execution bound to a session lane. At most one run
// per session key is in a non-terminal state.
type Run struct {
	RunID          string    `json:"runId"`
	SessionKey     string    `json:"sessionKey"`
	StartedAt      time.Time `json:"startedAt"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	State          State     `json:"state"`
}
