package lua

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when execution exceeds the state's
	// execution timeout.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrExecutionCanceled is returned when the state's context is
	// cancelled during execution.
	ErrExecutionCanceled = errors.New("lua execution canceled")
)
