package process

import "time"

// Native is the OS process primitive a Handle delegates to.
//
// Implementations report failures as Errno values, optionally wrapped in
// *Error. A Native is used by a single Handle and needs no locking.
type Native interface {
	// Start creates the process with non-blocking pipes and an extended
	// environment.
	Start(cfg StartConfig) error

	// Pid returns the OS process ID, or -1 before Start.
	Pid() int

	// Read performs one non-blocking read from StreamOut or StreamErr.
	// It returns ErrWouldBlock when no data is ready and ErrPipe at end of
	// stream.
	Read(s Stream, p []byte) (int, error)

	// Write performs one non-blocking write to StreamIn.
	Write(p []byte) (int, error)

	// CloseStream closes the parent end of a stream. Closing a stream that
	// is already closed or was never piped is not an error.
	CloseStream(s Stream) error

	// Wait waits up to timeout for the process to exit and returns its exit
	// code. It returns ErrTimedOut if the process is still running.
	// A timeout of 0 checks without blocking; WaitInfinite and WaitDeadline
	// are honored.
	Wait(timeout time.Duration) (int, error)

	// Terminate sends a graceful termination request.
	Terminate() error

	// Kill forcibly terminates the process.
	Kill() error

	// Destroy releases every resource held, reaping the process if needed.
	// It is safe to call more than once. Wait after Destroy reports the
	// status of a process Destroy reaped.
	Destroy()
}

// NativeFactory creates an unstarted Native.
type NativeFactory func() Native
