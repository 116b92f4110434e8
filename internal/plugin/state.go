package plugin

// State represents the lifecycle state of a script host.
type State int

// Host states.
const (
	// StateIdle - The script has not run yet.
	StateIdle State = iota

	// StateRunning - The script is executing.
	StateRunning

	// StateFinished - The script returned without error.
	StateFinished

	// StateError - The script failed to load or raised an error.
	StateError

	// StateClosed - The host released its Lua state and processes.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Done returns true once the script has run to completion or failed.
func (s State) Done() bool {
	return s == StateFinished || s == StateError
}
