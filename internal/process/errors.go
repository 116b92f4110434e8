package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Errno is a negative error code reported by the process primitives.
// Zero and positive values are never errors.
type Errno int

// Known error codes.
const (
	ErrInvalid    Errno = -Errno(unix.EINVAL)
	ErrTimedOut   Errno = -Errno(unix.ETIMEDOUT)
	ErrPipe       Errno = -Errno(unix.EPIPE)
	ErrNoMem      Errno = -Errno(unix.ENOMEM)
	ErrWouldBlock Errno = -Errno(unix.EWOULDBLOCK)
)

// Error implements the error interface.
func (e Errno) Error() string {
	return Strerror(int(e))
}

// Strerror returns the message for a negative error code.
// Non-negative codes yield an empty string.
func Strerror(code int) string {
	if code >= 0 {
		return ""
	}
	return unix.Errno(-code).Error()
}

// Error is a failed primitive operation.
type Error struct {
	// Op is the operation that failed ("start", "read", "wait", ...).
	Op string
	// Code is the negative error code.
	Code Errno
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message())
}

// Message returns the human-readable text for the code.
func (e *Error) Message() string {
	return Strerror(int(e.Code))
}

// Unwrap returns the error code so errors.Is(err, ErrPipe) works.
func (e *Error) Unwrap() error {
	return e.Code
}

func opError(op string, code Errno) *Error {
	return &Error{Op: op, Code: code}
}

// CodeOf extracts the negative error code from err.
// It returns 0 if err carries no code.
func CodeOf(err error) Errno {
	var code Errno
	if errors.As(err, &code) {
		return code
	}
	return 0
}

// errnoFromOS maps an error from the os, os/exec or unix packages to a code.
func errnoFromOS(err error) Errno {
	var sysErr unix.Errno
	switch {
	case errors.As(err, &sysErr):
		return -Errno(sysErr)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return -Errno(unix.ENOENT)
	case errors.Is(err, os.ErrPermission):
		return -Errno(unix.EACCES)
	default:
		return ErrInvalid
	}
}

// Validation failures. They are wrapped in a *ValidationError.
var (
	// ErrEmptyCommand is returned when the argument vector is empty.
	ErrEmptyCommand = errors.New("command must not be empty")

	// ErrUnsupportedRedirect is returned for redirect kinds other than
	// default, pipe, parent, discard, or stdout (stderr only).
	ErrUnsupportedRedirect = errors.New("redirect to handles, files and paths is not supported")

	// ErrInvalidEnv is returned for environment keys that cannot be exported.
	ErrInvalidEnv = errors.New("invalid environment variable")

	// ErrInvalidArgument is returned for arguments containing NUL bytes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTimeout is returned for a negative deadline.
	ErrInvalidTimeout = errors.New("invalid timeout")
)

// ErrClosed is returned by handle operations after Close.
var ErrClosed = errors.New("process handle is closed")

// ValidationError reports a start configuration rejected before any
// native resource was allocated.
type ValidationError struct {
	// Field names the offending option ("argv", "stdin", "env", ...).
	Field string
	// Err is one of the validation sentinels.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
