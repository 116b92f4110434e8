// Package process spawns and controls a single child process per Handle.
//
// A Handle owns exactly one OS process. Its status is tracked by polling:
// once a wait observes the exit, the exit code is cached and every later
// status query returns it without asking the OS again.
//
// # Configuration
//
// Start parameters are validated up front by Build:
//
//	cfg, err := process.Build([]string{"sh", "-c", "echo $GREETING"}, process.Options{
//	    Stdout: process.RedirectPipe,
//	    Stderr: process.RedirectStdout,
//	    Env:    map[string]string{"GREETING": "hello"},
//	})
//	if err != nil {
//	    return err // *ValidationError
//	}
//
// Redirects to handles, files and paths are rejected before anything is
// allocated.
//
// # Handle
//
//	h, err := process.Start(cfg)
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
//	out, err := h.Read(process.StreamOut, 0) // non-blocking
//	code, err := h.Wait(2 * time.Second)     // ErrTimedOut if still running
//
// Pipes are non-blocking: Read returns an empty slice when no data is
// available and ErrPipe once the stream reached end of file.
//
// # Teardown
//
// Close runs the destroy stop sequence (kill, kill, terminate by default)
// and releases the native process exactly once. A Supervisor closes every
// handle it started when its owner shuts it down.
//
// # Platform
//
// The native layer is POSIX only. It uses non-blocking pipes and wait4
// polling; no goroutines are started per process.
package process
