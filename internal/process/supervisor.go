package process

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tracked is a Handle registered with a Supervisor.
type Tracked struct {
	*Handle

	// ID is the unique identifier for this process.
	ID string

	// Name is a human-readable name for the process.
	Name string

	// Started is the time the process was started.
	Started time.Time
}

// Runtime returns the time elapsed since the process was started.
func (t *Tracked) Runtime() time.Duration {
	return time.Since(t.Started)
}

// Supervisor owns the handles started through it and destroys all of them
// on Shutdown. It gives a scope (a script run, a command invocation) a
// single release point for every process it created.
//
// Supervisor starts no goroutines; exited processes stay tracked until
// Release, Reap or Shutdown. It is safe for concurrent use.
type Supervisor struct {
	mu      sync.RWMutex
	handles map[string]*Tracked

	closed atomic.Bool

	// maxProcesses limits the number of tracked processes (0 = unlimited)
	maxProcesses int

	handleOpts []HandleOption
	logger     zerolog.Logger
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithMaxProcesses sets the maximum number of tracked processes.
// A value of 0 (default) means unlimited.
func WithMaxProcesses(max int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxProcesses = max
	}
}

// WithHandleOptions sets options applied to every handle the supervisor
// starts.
func WithHandleOptions(opts ...HandleOption) SupervisorOption {
	return func(s *Supervisor) {
		s.handleOpts = append(s.handleOpts, opts...)
	}
}

// WithSupervisorLogger sets the supervisor's logger. Handles inherit it
// unless a handle option overrides it.
func WithSupervisorLogger(logger zerolog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		handles: make(map[string]*Tracked),
		logger:  zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start starts a new tracked process with a generated ID.
//
// Returns ErrSupervisorShutdown if the supervisor has been shut down.
func (s *Supervisor) Start(name string, cfg StartConfig) (*Tracked, error) {
	return s.StartWithID(uuid.NewString(), name, cfg)
}

// StartWithID starts a new tracked process with a specific ID.
func (s *Supervisor) StartWithID(id, name string, cfg StartConfig) (*Tracked, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSupervisorShutdown
	}

	if s.maxProcesses > 0 && len(s.handles) >= s.maxProcesses {
		return nil, fmt.Errorf("%w: %d", ErrProcessLimit, s.maxProcesses)
	}

	if _, exists := s.handles[id]; exists {
		return nil, fmt.Errorf("process ID already exists: %s", id)
	}

	logger := s.logger.With().Str("process_id", id).Str("name", name).Logger()
	opts := append([]HandleOption{WithLogger(logger)}, s.handleOpts...)

	h, err := Start(cfg, opts...)
	if err != nil {
		return nil, err
	}

	t := &Tracked{
		Handle:  h,
		ID:      id,
		Name:    name,
		Started: time.Now(),
	}
	s.handles[id] = t
	return t, nil
}

// Get returns a process by ID, or nil if it is not tracked.
func (s *Supervisor) Get(id string) *Tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handles[id]
}

// GetByName returns processes matching the given name.
func (s *Supervisor) GetByName(name string) []*Tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Tracked
	for _, t := range s.handles {
		if t.Name == name {
			result = append(result, t)
		}
	}
	return result
}

// List returns all tracked processes.
func (s *Supervisor) List() []*Tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Tracked, 0, len(s.handles))
	for _, t := range s.handles {
		result = append(result, t)
	}
	return result
}

// Count returns the number of tracked processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// Release closes a process and stops tracking it.
// Returns ErrProcessNotFound if the ID is unknown.
func (s *Supervisor) Release(id string) error {
	s.mu.Lock()
	t, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if !ok {
		return ErrProcessNotFound
	}
	return t.Close()
}

// Reap releases every tracked process that has exited and returns how
// many were released.
func (s *Supervisor) Reap() int {
	var exited []*Tracked

	s.mu.Lock()
	for id, t := range s.handles {
		if !t.Running() {
			exited = append(exited, t)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	for _, t := range exited {
		_ = t.Close()
	}
	return len(exited)
}

// Shutdown closes every tracked process. Later calls are no-ops and Start
// fails with ErrSupervisorShutdown.
func (s *Supervisor) Shutdown() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*Tracked)
	s.mu.Unlock()

	var errs []error
	for id, t := range handles {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}

	if len(handles) > 0 {
		s.logger.Debug().Int("count", len(handles)).Msg("supervisor shut down")
	}
	return errors.Join(errs...)
}

// IsShuttingDown returns true once Shutdown has been called.
func (s *Supervisor) IsShuttingDown() bool {
	return s.closed.Load()
}

// Sentinel errors.
var (
	// ErrProcessNotFound is returned when a process ID is not tracked.
	ErrProcessNotFound = errors.New("process not found")

	// ErrSupervisorShutdown is returned when the supervisor is shut down.
	ErrSupervisorShutdown = errors.New("supervisor is shutting down")

	// ErrProcessLimit is returned when the process limit is reached.
	ErrProcessLimit = errors.New("process limit reached")
)
