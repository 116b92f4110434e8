package process

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handle controls one child process.
//
// Status is tracked by polling. The first Poll or Wait that observes the
// exit caches the code; later queries return it without a native call.
// Terminate, Kill and Stop only request termination and then poll.
//
// Methods are serialized by an internal mutex, but a Handle is meant to be
// driven by a single owner.
type Handle struct {
	mu sync.Mutex

	native Native
	pid    int

	running  bool
	exitCode int

	destroySeq StopSequence
	readSize   int
	logger     zerolog.Logger
}

type handleOptions struct {
	factory    NativeFactory
	destroySeq StopSequence
	readSize   int
	logger     zerolog.Logger
}

// HandleOption configures a Handle at Start.
type HandleOption func(*handleOptions)

// WithNative replaces the OS primitive. Tests use it to inject fakes.
func WithNative(factory NativeFactory) HandleOption {
	return func(o *handleOptions) {
		if factory != nil {
			o.factory = factory
		}
	}
}

// WithDestroySequence sets the stop sequence Close applies to a process
// that is still running.
func WithDestroySequence(seq StopSequence) HandleOption {
	return func(o *handleOptions) {
		o.destroySeq = seq
	}
}

// WithReadBufferSize sets the default maximum for Read.
func WithReadBufferSize(n int) HandleOption {
	return func(o *handleOptions) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// WithLogger sets the logger for lifecycle events.
func WithLogger(logger zerolog.Logger) HandleOption {
	return func(o *handleOptions) {
		o.logger = logger
	}
}

// Start creates the process described by cfg. On failure no handle is
// returned and nothing stays allocated.
func Start(cfg StartConfig, opts ...HandleOption) (*Handle, error) {
	o := handleOptions{
		factory:    NewNative,
		destroySeq: DefaultDestroySequence(),
		readSize:   DefaultReadBufferSize,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.empty() {
		return nil, &ValidationError{Field: "argv", Err: ErrEmptyCommand}
	}

	native := o.factory()
	if err := native.Start(cfg); err != nil {
		native.Destroy()
		o.logger.Debug().Err(err).Strs("argv", cfg.argv).Msg("process start failed")
		return nil, err
	}

	h := &Handle{
		native:     native,
		pid:        native.Pid(),
		running:    true,
		destroySeq: o.destroySeq,
		readSize:   o.readSize,
	}
	h.logger = o.logger.With().Int("pid", h.pid).Logger()
	h.logger.Debug().Strs("argv", cfg.argv).Str("dir", cfg.dir).Msg("process started")

	return h, nil
}

// Pid returns the OS process ID.
func (h *Handle) Pid() int {
	return h.pid
}

// Poll waits up to timeout for the process to exit.
//
// Once the exit has been observed the cached code is returned immediately.
// While the process runs past timeout, Poll returns ErrTimedOut and the
// handle stays running. Any other wait failure ends the running state: the
// failing call returns the negative error code with the error, and later
// calls return that code as the cached exit code.
func (h *Handle) Poll(timeout time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pollLocked(timeout)
}

func (h *Handle) pollLocked(timeout time.Duration) (int, error) {
	if !h.running {
		return h.exitCode, nil
	}
	if h.native == nil {
		return 0, ErrClosed
	}

	code, err := h.native.Wait(timeout)
	if errors.Is(err, ErrTimedOut) {
		return 0, err
	}
	if err != nil {
		// The exit can no longer be observed; the error code stands in
		// for the exit code so the OS is not asked again.
		errCode := CodeOf(err)
		if errCode == 0 {
			errCode = ErrInvalid
		}
		h.running = false
		h.exitCode = int(errCode)
		h.logger.Debug().Err(err).Int("exit_code", h.exitCode).Msg("process wait failed")
		return h.exitCode, err
	}

	h.running = false
	h.exitCode = code
	h.logger.Debug().Int("exit_code", code).Msg("process exited")
	return code, nil
}

// Wait is Poll with the caller's timeout. Zero checks without blocking;
// WaitInfinite and WaitDeadline block until exit or the start deadline.
func (h *Handle) Wait(timeout time.Duration) (int, error) {
	return h.Poll(timeout)
}

// Running reports whether the process is still running.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = h.pollLocked(0)
	return h.running
}

// ReturnCode returns the exit code if the process has exited.
// It never blocks.
func (h *Handle) ReturnCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	code, _ := h.pollLocked(0)
	if h.running {
		return 0, false
	}
	return code, true
}

// Read performs one non-blocking read of up to maxBytes from StreamOut or
// StreamErr. A non-positive maxBytes uses the handle's buffer size.
//
// It returns an empty slice when no data is available and ErrPipe once the
// stream has reached end of file or was closed.
func (h *Handle) Read(s Stream, maxBytes int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.native == nil {
		return nil, ErrClosed
	}
	if maxBytes <= 0 {
		maxBytes = h.readSize
	}

	buf := make([]byte, maxBytes)
	n, err := h.native.Read(s, buf)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return buf[:0], nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// Write performs one non-blocking write to the process's stdin and returns
// the number of bytes accepted, which is 0 if the pipe is full.
// A closed stdin or a reader that went away yields ErrPipe.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.native == nil {
		return 0, ErrClosed
	}

	n, err := h.native.Write(p)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// CloseStream closes the parent end of one standard stream.
// Closing stdin delivers EOF to the child.
func (h *Handle) CloseStream(s Stream) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.native == nil {
		return ErrClosed
	}
	return h.native.CloseStream(s)
}

// Terminate asks the process to exit (SIGTERM) and then checks its status
// without blocking. The result reflects the request only.
func (h *Handle) Terminate() error {
	return h.request(StopTerminate)
}

// Kill forcibly terminates the process (SIGKILL) and then checks its status
// without blocking.
func (h *Handle) Kill() error {
	return h.request(StopKill)
}

func (h *Handle) request(action StopAction) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.native == nil {
		return ErrClosed
	}
	if !h.running {
		return nil
	}

	if err := h.signalLocked(action); err != nil {
		return err
	}
	_, _ = h.pollLocked(0)
	return nil
}

func (h *Handle) signalLocked(action StopAction) error {
	h.logger.Debug().Stringer("action", action).Msg("stop request")
	switch action {
	case StopTerminate:
		return h.native.Terminate()
	case StopKill:
		return h.native.Kill()
	default:
		return nil
	}
}

// Stop applies seq step by step until the process is observed to exit and
// returns the exit code. If the process outlives every step, Stop returns
// ErrTimedOut.
func (h *Handle) Stop(seq StopSequence) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.native == nil && h.running {
		return 0, ErrClosed
	}
	return h.stopLocked(seq)
}

func (h *Handle) stopLocked(seq StopSequence) (int, error) {
	for _, step := range seq {
		if !h.running {
			break
		}
		if step.Action == StopNoop {
			continue
		}

		if err := h.signalLocked(step.Action); err != nil {
			return 0, err
		}

		code, err := h.pollLocked(step.Timeout)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrTimedOut) {
			return 0, err
		}
	}

	if !h.running {
		return h.exitCode, nil
	}
	return 0, opError("stop", ErrTimedOut)
}

// Close stops a still-running process with the destroy sequence and
// releases the native process. Only the first call has any effect.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.native == nil {
		return nil
	}

	if h.running {
		if _, err := h.stopLocked(h.destroySeq); err != nil {
			h.logger.Debug().Err(err).Stringer("sequence", h.destroySeq).Msg("destroy sequence incomplete")
		}
	}

	h.native.Destroy()
	if h.running {
		// Destroy reaps a survivor; record how it ended.
		if code, err := h.native.Wait(0); err == nil {
			h.running = false
			h.exitCode = code
		}
	}
	h.native = nil
	h.logger.Debug().Msg("process destroyed")
	return nil
}
