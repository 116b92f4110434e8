package process

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Stream identifies one of the child's standard streams.
type Stream int

const (
	// StreamIn is the child's standard input.
	StreamIn Stream = iota
	// StreamOut is the child's standard output.
	StreamOut
	// StreamErr is the child's standard error.
	StreamErr
)

// String returns a human-readable stream name.
func (s Stream) String() string {
	switch s {
	case StreamIn:
		return "stdin"
	case StreamOut:
		return "stdout"
	case StreamErr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

func (s Stream) valid() bool {
	return s >= StreamIn && s <= StreamErr
}

// Redirect describes how a child stream is connected.
type Redirect int

const (
	// RedirectDefault lets the native layer choose; it pipes the stream.
	RedirectDefault Redirect = iota
	// RedirectPipe connects the stream to a non-blocking pipe.
	RedirectPipe
	// RedirectParent attaches the stream to the parent's own stream.
	RedirectParent
	// RedirectDiscard connects the stream to the null device.
	RedirectDiscard
	// RedirectStdout merges stderr into stdout. Valid for stderr only.
	RedirectStdout
	// RedirectHandle, RedirectFile and RedirectPath are recognized so they
	// can be rejected; they are never supported.
	RedirectHandle
	RedirectFile
	RedirectPath
)

// String returns a human-readable redirect name.
func (r Redirect) String() string {
	switch r {
	case RedirectDefault:
		return "default"
	case RedirectPipe:
		return "pipe"
	case RedirectParent:
		return "parent"
	case RedirectDiscard:
		return "discard"
	case RedirectStdout:
		return "stdout"
	case RedirectHandle:
		return "handle"
	case RedirectFile:
		return "file"
	case RedirectPath:
		return "path"
	default:
		return fmt.Sprintf("redirect(%d)", int(r))
	}
}

// supportedFor reports whether r may be used for stream s.
func (r Redirect) supportedFor(s Stream) bool {
	switch r {
	case RedirectDefault, RedirectPipe, RedirectParent, RedirectDiscard:
		return true
	case RedirectStdout:
		return s == StreamErr
	default:
		return false
	}
}

// Special wait timeouts.
const (
	// WaitInfinite blocks until the process exits.
	WaitInfinite time.Duration = -1
	// WaitDeadline blocks until the deadline given at start expires.
	WaitDeadline time.Duration = -2
)

// DefaultReadBufferSize is the read size used when none is requested.
const DefaultReadBufferSize = 4096

// Options are the optional start parameters. The zero value inherits the
// working directory, pipes every stream and adds nothing to the environment.
type Options struct {
	// Timeout is the deadline relative to start. Zero means no deadline.
	Timeout time.Duration
	// Dir is the working directory. Empty inherits the caller's.
	Dir string
	// Stdin, Stdout and Stderr select the redirect for each stream.
	Stdin  Redirect
	Stdout Redirect
	Stderr Redirect
	// Env extends the inherited environment.
	Env map[string]string
}

// StartConfig is a validated, immutable set of start parameters.
// Create one with Build.
type StartConfig struct {
	argv     []string
	dir      string
	deadline time.Duration
	redirect [3]Redirect
	env      []string
}

// Build validates argv and opts and returns the normalized configuration.
// It touches no OS resources.
func Build(argv []string, opts Options) (StartConfig, error) {
	if len(argv) == 0 {
		return StartConfig{}, &ValidationError{Field: "argv", Err: ErrEmptyCommand}
	}

	redirects := [3]Redirect{opts.Stdin, opts.Stdout, opts.Stderr}
	for i, r := range redirects {
		s := Stream(i)
		if !r.supportedFor(s) {
			return StartConfig{}, &ValidationError{
				Field: s.String(),
				Err:   fmt.Errorf("%w: %s", ErrUnsupportedRedirect, r),
			}
		}
	}

	for i, arg := range argv {
		if strings.IndexByte(arg, 0) >= 0 {
			return StartConfig{}, &ValidationError{
				Field: fmt.Sprintf("argv[%d]", i),
				Err:   ErrInvalidArgument,
			}
		}
	}

	if opts.Timeout < 0 {
		return StartConfig{}, &ValidationError{Field: "timeout", Err: ErrInvalidTimeout}
	}

	env, err := serializeEnv(opts.Env)
	if err != nil {
		return StartConfig{}, err
	}

	return StartConfig{
		argv:     slices.Clone(argv),
		dir:      opts.Dir,
		deadline: opts.Timeout,
		redirect: redirects,
		env:      env,
	}, nil
}

// serializeEnv turns the overlay into sorted KEY=VALUE entries.
func serializeEnv(overlay map[string]string) ([]string, error) {
	if len(overlay) == 0 {
		return nil, nil
	}

	keys := slices.Sorted(maps.Keys(overlay))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := overlay[k]
		if k == "" || strings.ContainsAny(k, "=\x00") || strings.IndexByte(v, 0) >= 0 {
			return nil, &ValidationError{
				Field: "env",
				Err:   fmt.Errorf("%w: %q", ErrInvalidEnv, k),
			}
		}
		env = append(env, k+"="+v)
	}
	return env, nil
}

// Argv returns a copy of the argument vector; index 0 is the executable.
func (c StartConfig) Argv() []string {
	return slices.Clone(c.argv)
}

// Dir returns the working directory, or "" to inherit.
func (c StartConfig) Dir() string {
	return c.dir
}

// Deadline returns the deadline relative to start, or 0 for none.
func (c StartConfig) Deadline() time.Duration {
	return c.deadline
}

// Redirect returns the redirect for stream s.
func (c StartConfig) Redirect(s Stream) Redirect {
	if !s.valid() {
		return RedirectDefault
	}
	return c.redirect[s]
}

// Env returns a copy of the environment overlay as KEY=VALUE entries.
func (c StartConfig) Env() []string {
	return slices.Clone(c.env)
}

// empty reports whether c is the zero value.
func (c StartConfig) empty() bool {
	return len(c.argv) == 0
}
