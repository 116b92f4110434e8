package plugin

import "errors"

// Script host errors.
var (
	// ErrScriptNotFound is returned when the script file does not exist.
	ErrScriptNotFound = errors.New("script not found")

	// ErrAlreadyRun is returned when Run is called a second time.
	ErrAlreadyRun = errors.New("script has already run")

	// ErrHostClosed is returned when Run is called after Close.
	ErrHostClosed = errors.New("script host is closed")
)
