package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/procctl/internal/config/loader"
	"github.com/dshills/procctl/internal/logging"
	"github.com/dshills/procctl/internal/plugin/security"
	"github.com/dshills/procctl/internal/process"
)

// Config holds every procctl setting.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Process ProcessConfig `toml:"process"`
	Script  ScriptConfig  `toml:"script"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ProcessConfig configures process handles.
type ProcessConfig struct {
	// ReadBufferSize is the default maximum for a single read.
	ReadBufferSize int `toml:"read_buffer_size"`
	// MaxProcesses bounds processes alive per script run (0 = unlimited).
	MaxProcesses int `toml:"max_processes"`
	// DestroySequence overrides the sequence applied on release.
	// Empty uses process.DefaultDestroySequence.
	DestroySequence []StopStep `toml:"destroy_sequence"`
}

// StopStep is one configured escalation step.
type StopStep struct {
	Action string `toml:"action"`
	// TimeoutMS is the grace period in milliseconds; -1 waits until exit.
	TimeoutMS int64 `toml:"timeout_ms"`
}

// ScriptConfig configures Lua script runs.
type ScriptConfig struct {
	// Capabilities granted to every script.
	Capabilities []string `toml:"capabilities"`
	// AllowExecutables restricts what scripts may spawn (empty = anything).
	AllowExecutables []string `toml:"allow_executables"`
	// BlockExecutables is checked before AllowExecutables.
	BlockExecutables []string `toml:"block_executables"`
	// AllowDirs restricts child working directories (empty = anywhere).
	AllowDirs []string `toml:"allow_dirs"`
	// TimeoutMS bounds a script run in milliseconds (0 = unlimited).
	TimeoutMS int64 `toml:"timeout_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
		Process: ProcessConfig{
			ReadBufferSize: process.DefaultReadBufferSize,
		},
		Script: ScriptConfig{
			Capabilities: []string{string(security.CapabilityProcess)},
		},
	}
}

// DefaultPath returns the default configuration file location, or ""
// when no user config directory is known.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "procctl", "config.toml")
}

// Load reads configuration from path and the environment.
//
// An empty path loads DefaultPath if it exists. A non-empty path must exist.
func Load(path string) (*Config, error) {
	return LoadWithFS(loader.DefaultFS(), path, loader.NewEnvLoader())
}

// LoadWithFS is Load with an explicit file system and environment source.
func LoadWithFS(fsys loader.FileSystem, path string, env loader.Loader) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	var fileData map[string]any
	if path != "" {
		l := loader.NewTOMLLoaderWithFS(fsys, path)
		if explicit && !l.Exists() {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		data, err := l.Load()
		if err != nil {
			return nil, err
		}
		fileData = data
	}

	envData, err := env.Load()
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	merged := loader.DeepMerge(fileData, envData)

	cfg := Default()
	source := path
	if source == "" {
		source = "<environment>"
	}
	if err := loader.Decode(source, merged, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every setting.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &ValidationError{Path: "log.level", Message: err.Error(), Value: c.Log.Level}
	}
	if !logging.ValidFormat(c.Log.Format) {
		return &ValidationError{Path: "log.format", Message: "must be console or json", Value: c.Log.Format}
	}
	if c.Process.ReadBufferSize <= 0 {
		return &ValidationError{
			Path:    "process.read_buffer_size",
			Message: "must be positive",
			Value:   c.Process.ReadBufferSize,
		}
	}
	if c.Process.MaxProcesses < 0 {
		return &ValidationError{
			Path:    "process.max_processes",
			Message: "must not be negative",
			Value:   c.Process.MaxProcesses,
		}
	}
	if _, err := c.Process.StopSequence(); err != nil {
		return err
	}
	if _, err := c.Script.PermissionSet(); err != nil {
		return err
	}
	if c.Script.TimeoutMS < 0 {
		return &ValidationError{Path: "script.timeout_ms", Message: "must not be negative", Value: c.Script.TimeoutMS}
	}
	return nil
}

// StopSequence converts the configured destroy sequence.
func (p ProcessConfig) StopSequence() (process.StopSequence, error) {
	if len(p.DestroySequence) == 0 {
		return process.DefaultDestroySequence(), nil
	}

	seq := make(process.StopSequence, 0, len(p.DestroySequence))
	for i, step := range p.DestroySequence {
		path := fmt.Sprintf("process.destroy_sequence[%d]", i)

		action, err := process.ParseStopAction(step.Action)
		if err != nil {
			return nil, &ValidationError{Path: path + ".action", Message: err.Error(), Value: step.Action}
		}

		var timeout time.Duration
		switch {
		case step.TimeoutMS == -1:
			timeout = process.WaitInfinite
		case step.TimeoutMS < 0:
			return nil, &ValidationError{
				Path:    path + ".timeout_ms",
				Message: "must be -1 or non-negative",
				Value:   step.TimeoutMS,
			}
		default:
			timeout = time.Duration(step.TimeoutMS) * time.Millisecond
		}

		seq = append(seq, process.StopStep{Action: action, Timeout: timeout})
	}
	return seq, nil
}

// LoggingConfig returns the settings for logging.New.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Output: os.Stderr,
	}
}

// HandleOptions returns the process options implied by the configuration.
func (c *Config) HandleOptions() ([]process.HandleOption, error) {
	seq, err := c.Process.StopSequence()
	if err != nil {
		return nil, err
	}
	return []process.HandleOption{
		process.WithReadBufferSize(c.Process.ReadBufferSize),
		process.WithDestroySequence(seq),
	}, nil
}

// PermissionSet converts the script permissions.
func (s ScriptConfig) PermissionSet() (*security.PermissionSet, error) {
	set := &security.PermissionSet{
		AllowedExecutables: s.AllowExecutables,
		BlockedExecutables: s.BlockExecutables,
		AllowedDirs:        s.AllowDirs,
	}
	for i, name := range s.Capabilities {
		cap, err := security.ParseCapability(name)
		if err != nil {
			return nil, &ValidationError{
				Path:    fmt.Sprintf("script.capabilities[%d]", i),
				Message: err.Error(),
				Value:   name,
			}
		}
		set.Capabilities = append(set.Capabilities, cap)
	}
	return set, nil
}

// Timeout returns the script run timeout; zero means none.
func (s ScriptConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}
