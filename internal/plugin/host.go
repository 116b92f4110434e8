package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/procctl/internal/plugin/api"
	plua "github.com/dshills/procctl/internal/plugin/lua"
	"github.com/dshills/procctl/internal/plugin/security"
	"github.com/dshills/procctl/internal/process"
)

// Host runs a single Lua script with its own state, permissions and
// process supervisor.
type Host struct {
	mu sync.Mutex

	// Identity
	path    string
	checker *security.PermissionChecker

	// Options
	logger           zerolog.Logger
	executionTimeout time.Duration
	supervisorOpts   []process.SupervisorOption

	// Runtime, set by Run
	state      *plua.State
	registry   *api.Registry
	supervisor *process.Supervisor
	cancel     context.CancelFunc

	hostState State
	exitCode  int
	err       error
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithExecutionTimeout bounds the script's run time. Zero means no bound.
func WithExecutionTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		h.executionTimeout = d
	}
}

// WithPermissions applies a permission set to the script.
func WithPermissions(set *security.PermissionSet) HostOption {
	return func(h *Host) {
		if set != nil {
			h.checker.ApplyPermissionSet(set)
		}
	}
}

// WithSupervisorOptions passes options to the script's process supervisor.
func WithSupervisorOptions(opts ...process.SupervisorOption) HostOption {
	return func(h *Host) {
		h.supervisorOpts = append(h.supervisorOpts, opts...)
	}
}

// WithLogger sets the host logger.
func WithLogger(logger zerolog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// NewHost creates a host for the script at path. The script is not read
// until Run.
func NewHost(path string, opts ...HostOption) (*Host, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrScriptNotFound)
	}

	h := &Host{
		path:             path,
		checker:          security.NewPermissionChecker(filepath.Base(path)),
		logger:           zerolog.Nop(),
		executionTimeout: plua.DefaultExecutionTimeout,
		hostState:        StateIdle,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.executionTimeout < 0 {
		return nil, fmt.Errorf("invalid execution timeout %v", h.executionTimeout)
	}
	h.logger = h.logger.With().Str("script", path).Logger()

	return h, nil
}

// Path returns the script path.
func (h *Host) Path() string {
	return h.path
}

// Permissions returns the script's permission checker.
func (h *Host) Permissions() *security.PermissionChecker {
	return h.checker
}

// State returns the current host state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hostState
}

// Err returns the error the script failed with, if any.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ExitCode returns the exit code derived from the script's return value.
func (h *Host) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Supervisor returns the script's process supervisor, or nil before Run.
func (h *Host) Supervisor() *process.Supervisor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.supervisor
}

// Run executes the script once with args published as the arg table.
//
// The script's first return value becomes the exit code: a number is used
// as is, false maps to 1, anything else to 0. Processes the script leaves
// running stay alive until Close.
func (h *Host) Run(ctx context.Context, args []string) (int, error) {
	state, err := h.prepare(ctx, args)
	if err != nil {
		return 1, err
	}

	h.logger.Debug().Strs("args", args).Msg("running script")
	start := time.Now()
	results, runErr := state.RunFile(h.path)
	elapsed := time.Since(start)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel()

	if runErr != nil {
		runErr = fmt.Errorf("script %s: %w", filepath.Base(h.path), runErr)
		h.logger.Error().Err(runErr).Dur("duration", elapsed).Msg("script failed")
		h.err = runErr
		h.exitCode = 1
		if h.hostState != StateClosed {
			h.hostState = StateError
		}
		return h.exitCode, runErr
	}

	h.exitCode = exitCode(results)
	if h.hostState != StateClosed {
		h.hostState = StateFinished
	}
	h.logger.Info().Int("exit_code", h.exitCode).Dur("duration", elapsed).Msg("script finished")
	return h.exitCode, nil
}

// prepare builds the Lua state, supervisor and API registry for Run.
func (h *Host) prepare(ctx context.Context, args []string) (*plua.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.hostState {
	case StateIdle:
	case StateClosed:
		return nil, ErrHostClosed
	default:
		return nil, ErrAlreadyRun
	}

	fail := func(err error) (*plua.State, error) {
		h.hostState = StateError
		h.err = err
		h.exitCode = 1
		return nil, err
	}

	info, err := os.Stat(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fail(fmt.Errorf("%w: %s", ErrScriptNotFound, h.path))
		}
		return fail(err)
	}
	if info.IsDir() {
		return fail(fmt.Errorf("%w: %s is a directory", ErrScriptNotFound, h.path))
	}

	runCtx, cancel := context.WithCancel(ctx)
	state, err := plua.NewState(
		plua.WithContext(runCtx),
		plua.WithExecutionTimeout(h.executionTimeout),
	)
	if err != nil {
		cancel()
		return fail(err)
	}

	for _, c := range h.checker.Capabilities() {
		state.Sandbox().Grant(c)
	}
	state.SetArgs(h.path, args)

	supOpts := append([]process.SupervisorOption{
		process.WithSupervisorLogger(h.logger),
	}, h.supervisorOpts...)
	supervisor := process.NewSupervisor(supOpts...)

	registry, err := api.DefaultRegistry(supervisor, h.checker)
	if err == nil {
		err = registry.InjectAll(state.LuaState(), h.checker)
	}
	if err != nil {
		cancel()
		_ = supervisor.Shutdown()
		_ = state.Close()
		return fail(fmt.Errorf("failed to install script API: %w", err))
	}

	h.state = state
	h.registry = registry
	h.supervisor = supervisor
	h.cancel = cancel
	h.hostState = StateRunning

	return state, nil
}

// Close aborts a running script, stops every process it started and
// releases its Lua state. Close is idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.hostState == StateClosed {
		h.mu.Unlock()
		return nil
	}
	h.hostState = StateClosed
	if h.cancel != nil {
		h.cancel()
	}
	state, registry := h.state, h.registry
	h.mu.Unlock()

	var errs []error
	if registry != nil {
		if err := registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if state != nil {
		if err := state.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		h.logger.Warn().Err(err).Msg("script cleanup failed")
		return err
	}
	h.logger.Debug().Msg("script host closed")
	return nil
}

func exitCode(results []lua.LValue) int {
	if len(results) == 0 {
		return 0
	}
	switch v := results[0].(type) {
	case lua.LNumber:
		return int(v)
	case lua.LBool:
		if v {
			return 0
		}
		return 1
	}
	return 0
}
