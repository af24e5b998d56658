package streaming

import "fmt"

// State is the lifecycle state of the streamer.
type State string

const (
	// Idle means no refresh loop is running
	Idle State = "idle"
	// Streaming means the refresh loop is running
	Streaming State = "streaming"
	// Stopping means Stop was called and the loop is draining
	Stopping State = "stopping"
)

// Transition conditions.
const (
	CondStart            = "start"
	CondStop             = "stop"
	CondStopped          = "stopped"
	CondRetriesExhausted = "retries_exhausted"
	CondContextDone      = "context_done"
)

// StateTransition represents a valid state transition
type StateTransition struct {
	From        State
	To          State
	Condition   string
	Description string
}

// ValidTransitions defines all allowed streamer state transitions
var ValidTransitions = []StateTransition{
	{Idle, Streaming, CondStart, "Symbols resolved, refresh loop launched"},
	{Streaming, Stopping, CondStop, "Stop requested, waiting for the loop to exit"},
	{Stopping, Idle, CondStopped, "Loop exited and feed resources released"},
	{Streaming, Idle, CondRetriesExhausted, "Max retries reached without auto-reconnect"},
	{Streaming, Idle, CondContextDone, "Parent context cancelled"},
}

// validateTransition reports an error if from -> to under condition is not in ValidTransitions.
func validateTransition(from, to State, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'", from, to, condition)
}
