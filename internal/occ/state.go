package occ

// State is a step of the retry state machine.
type State int

const (
	StateSampling State = iota
	StateExecuting
	StateCommitting
	StateSucceeded
	StateConflicted
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSampling:
		return "sampling"
	case StateExecuting:
		return "executing"
	case StateCommitting:
		return "committing"
	case StateSucceeded:
		return "succeeded"
	case StateConflicted:
		return "conflicted"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateFailed
}

// AttemptOutcome is how one attempt ended.
type AttemptOutcome string

const (
	OutcomeSucceeded      AttemptOutcome = "succeeded"
	OutcomeFunctionFailed AttemptOutcome = "function_failed"
	OutcomeConflicted     AttemptOutcome = "conflicted"
	OutcomeTimedOut       AttemptOutcome = "timed_out"
	OutcomeFailed         AttemptOutcome = "failed"
)
