//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Bounds for the WNOHANG polling interval used by timed waits.
const (
	minPollInterval = time.Millisecond
	maxPollInterval = 50 * time.Millisecond
)

// osNative implements Native with os/exec and raw non-blocking pipes.
type osNative struct {
	cmd *exec.Cmd
	pid int

	// fds holds the parent ends of piped streams, -1 when absent or closed.
	fds [3]int

	deadline time.Time

	reaped    bool
	status    int
	destroyed bool
}

// NewNative returns the POSIX process primitive.
func NewNative() Native {
	return &osNative{pid: -1, fds: [3]int{-1, -1, -1}}
}

// Start implements Native.
func (n *osNative) Start(cfg StartConfig) error {
	if n.cmd != nil || n.destroyed || cfg.empty() {
		return opError("start", ErrInvalid)
	}

	argv := cfg.Argv()
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // spawning arbitrary commands is the point
	cmd.Dir = cfg.Dir()
	if env := cfg.Env(); len(env) > 0 {
		// exec keeps the last value for duplicate keys, so the overlay wins.
		cmd.Env = append(os.Environ(), env...)
	}

	// Child ends are closed once the child holds its own copies.
	var childEnds []*os.File
	defer func() {
		for _, f := range childEnds {
			_ = f.Close()
		}
	}()

	var files [3]*os.File
	for _, s := range []Stream{StreamIn, StreamOut, StreamErr} {
		f, err := n.connect(s, cfg.Redirect(s), files[StreamOut], &childEnds)
		if err != nil {
			n.closeFDs()
			return err
		}
		files[s] = f
	}
	cmd.Stdin = files[StreamIn]
	cmd.Stdout = files[StreamOut]
	cmd.Stderr = files[StreamErr]

	if err := cmd.Start(); err != nil {
		n.closeFDs()
		return opError("start", errnoFromOS(err))
	}

	n.cmd = cmd
	n.pid = cmd.Process.Pid
	if d := cfg.Deadline(); d > 0 {
		n.deadline = time.Now().Add(d)
	}
	return nil
}

// connect returns the file the child should use for stream s.
func (n *osNative) connect(s Stream, r Redirect, stdout *os.File, childEnds *[]*os.File) (*os.File, error) {
	switch r {
	case RedirectDefault, RedirectPipe:
		parent, child, err := newPipe(s)
		if err != nil {
			return nil, opError("start", errnoFromOS(err))
		}
		n.fds[s] = parent
		f := os.NewFile(uintptr(child), "|"+s.String())
		*childEnds = append(*childEnds, f)
		return f, nil

	case RedirectParent:
		switch s {
		case StreamIn:
			return os.Stdin, nil
		case StreamOut:
			return os.Stdout, nil
		default:
			return os.Stderr, nil
		}

	case RedirectDiscard:
		flag := os.O_WRONLY
		if s == StreamIn {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(os.DevNull, flag, 0)
		if err != nil {
			return nil, opError("start", errnoFromOS(err))
		}
		*childEnds = append(*childEnds, f)
		return f, nil

	case RedirectStdout:
		if s != StreamErr || stdout == nil {
			return nil, opError("start", ErrInvalid)
		}
		return stdout, nil

	default:
		return nil, opError("start", ErrInvalid)
	}
}

// newPipe creates a pipe for stream s and returns the non-blocking parent
// end and the blocking child end. Both are close-on-exec; exec dups the
// child end into place.
func newPipe(s Stream) (parent, child int, err error) {
	var p [2]int

	syscall.ForkLock.RLock()
	err = unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, -1, err
	}

	parent, child = p[0], p[1]
	if s == StreamIn {
		parent, child = p[1], p[0]
	}

	if err := unix.SetNonblock(parent, true); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return -1, -1, err
	}
	return parent, child, nil
}

func (n *osNative) closeFDs() {
	for i, fd := range n.fds {
		if fd >= 0 {
			_ = unix.Close(fd)
			n.fds[i] = -1
		}
	}
}

// Pid implements Native.
func (n *osNative) Pid() int {
	return n.pid
}

// Read implements Native.
func (n *osNative) Read(s Stream, p []byte) (int, error) {
	if s != StreamOut && s != StreamErr {
		return 0, opError("read", ErrInvalid)
	}
	fd := n.fds[s]
	if fd < 0 {
		return 0, opError("read", ErrPipe)
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		nr, err := unix.Read(fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, opError("read", ErrWouldBlock)
		case err != nil:
			return 0, opError("read", errnoFromOS(err))
		case nr == 0:
			// EOF: the write end is gone.
			return 0, opError("read", ErrPipe)
		}
		return nr, nil
	}
}

// Write implements Native.
func (n *osNative) Write(p []byte) (int, error) {
	fd := n.fds[StreamIn]
	if fd < 0 {
		return 0, opError("write", ErrPipe)
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		nw, err := unix.Write(fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, opError("write", ErrWouldBlock)
		case err != nil:
			return 0, opError("write", errnoFromOS(err))
		}
		return nw, nil
	}
}

// CloseStream implements Native.
func (n *osNative) CloseStream(s Stream) error {
	if !s.valid() {
		return opError("close", ErrInvalid)
	}
	fd := n.fds[s]
	if fd < 0 {
		return nil
	}
	n.fds[s] = -1
	if err := unix.Close(fd); err != nil {
		return opError("close", errnoFromOS(err))
	}
	return nil
}

// Wait implements Native.
func (n *osNative) Wait(timeout time.Duration) (int, error) {
	if n.reaped {
		return n.status, nil
	}
	if n.pid <= 0 {
		return 0, opError("wait", ErrInvalid)
	}

	if timeout == WaitDeadline {
		switch {
		case n.deadline.IsZero():
			timeout = WaitInfinite
		default:
			// Past the deadline this degrades to a final non-blocking check.
			timeout = max(time.Until(n.deadline), 0)
		}
	}

	switch {
	case timeout == WaitInfinite:
		if _, err := n.reap(0); err != nil {
			return 0, err
		}
		return n.status, nil
	case timeout < 0:
		return 0, opError("wait", ErrInvalid)
	}

	limit := time.Now().Add(timeout)
	interval := minPollInterval
	for {
		done, err := n.reap(unix.WNOHANG)
		if err != nil {
			return 0, err
		}
		if done {
			return n.status, nil
		}

		remaining := time.Until(limit)
		if remaining <= 0 {
			return 0, opError("wait", ErrTimedOut)
		}
		time.Sleep(min(interval, remaining))
		interval = min(interval*2, maxPollInterval)
	}
}

// reap calls wait4 once (retrying on EINTR) and records the exit status.
func (n *osNative) reap(options int) (bool, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(n.pid, &ws, options, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, opError("wait", errnoFromOS(err))
		}
		if wpid != n.pid {
			return false, nil
		}
		n.reaped = true
		n.status = exitCode(ws)
		return true, nil
	}
}

// exitCode maps a wait status to an exit code. Signal deaths are reported
// as the negated signal number.
func exitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return -int(ws.Signal())
	default:
		return -1
	}
}

// Terminate implements Native.
func (n *osNative) Terminate() error {
	return n.signal("terminate", unix.SIGTERM)
}

// Kill implements Native.
func (n *osNative) Kill() error {
	return n.signal("kill", unix.SIGKILL)
}

func (n *osNative) signal(op string, sig unix.Signal) error {
	if n.pid <= 0 {
		return opError(op, ErrInvalid)
	}
	// A reaped PID may already belong to someone else.
	if n.reaped {
		return nil
	}
	if err := unix.Kill(n.pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return opError(op, errnoFromOS(err))
	}
	return nil
}

// Destroy implements Native.
func (n *osNative) Destroy() {
	if n.destroyed {
		return
	}
	n.destroyed = true

	n.closeFDs()

	if n.pid > 0 && !n.reaped {
		if done, err := n.reap(unix.WNOHANG); err == nil && !done {
			_ = unix.Kill(n.pid, unix.SIGKILL)
			_, _ = n.reap(0)
		}
	}

	if n.cmd != nil && n.cmd.Process != nil {
		_ = n.cmd.Process.Release()
	}
}
