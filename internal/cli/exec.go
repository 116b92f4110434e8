package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dshills/procctl/internal/logging"
	"github.com/dshills/procctl/internal/process"
)

// relayPollInterval bounds how long the relay blocks in Poll when neither
// output stream had data.
const relayPollInterval = 20 * time.Millisecond

type execOptions struct {
	timeout     time.Duration
	grace       time.Duration
	dir         string
	env         []string
	stdin       string
	mergeStderr bool
}

func newExecCmd(cc *cliContext) *cobra.Command {
	opts := execOptions{stdin: "parent", grace: 5 * time.Second}
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run a command and relay its output",
		Long: `Run a command with piped output, relaying stdout and stderr until it
exits. procctl exits with the command's status; a command killed by a
signal yields 128 plus the signal number.

On --timeout or interrupt the command is terminated, given --grace to
exit and then killed. A timed out command exits with status 124.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, cc, args, opts)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Stop the command after this long (0 = no limit)")
	cmd.Flags().DurationVar(&opts.grace, "grace", opts.grace, "Time allowed between terminate and kill")
	cmd.Flags().StringVar(&opts.dir, "cwd", "", "Working directory for the command")
	cmd.Flags().StringArrayVarP(&opts.env, "env", "e", nil, "Add KEY=VALUE to the command's environment (repeatable)")
	cmd.Flags().StringVar(&opts.stdin, "stdin", opts.stdin, "Command stdin: parent or discard")
	cmd.Flags().BoolVar(&opts.mergeStderr, "merge-stderr", false, "Send the command's stderr to its stdout")
	return cmd
}

func runExec(cmd *cobra.Command, cc *cliContext, argv []string, opts execOptions) error {
	startCfg, err := buildExecConfig(argv, opts)
	if err != nil {
		return err
	}

	logger := logging.Component(cc.logger, "exec")
	handleOpts, err := cc.cfg.HandleOptions()
	if err != nil {
		return err
	}
	handleOpts = append(handleOpts, process.WithLogger(logger))

	h, err := process.Start(startCfg, handleOpts...)
	if err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	defer h.Close()

	r := &relay{
		handle: h,
		stdout: cmd.OutOrStdout(),
		stderr: cmd.ErrOrStderr(),
		merged: opts.mergeStderr,
		logger: logger,
	}
	code, err := r.run(cmd.Context(), opts.timeout, opts.grace)
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: shellStatus(code)}
	}
	return nil
}

func buildExecConfig(argv []string, opts execOptions) (process.StartConfig, error) {
	if opts.timeout < 0 {
		return process.StartConfig{}, fmt.Errorf("invalid --timeout %v", opts.timeout)
	}
	if opts.grace < 0 {
		return process.StartConfig{}, fmt.Errorf("invalid --grace %v", opts.grace)
	}

	env, err := parseEnv(opts.env)
	if err != nil {
		return process.StartConfig{}, err
	}

	var stdin process.Redirect
	switch strings.ToLower(opts.stdin) {
	case "parent":
		stdin = process.RedirectParent
	case "discard":
		stdin = process.RedirectDiscard
	default:
		return process.StartConfig{}, fmt.Errorf("invalid --stdin %q (must be parent or discard)", opts.stdin)
	}

	stderr := process.RedirectPipe
	if opts.mergeStderr {
		stderr = process.RedirectStdout
	}

	return process.Build(argv, process.Options{
		Timeout: opts.timeout,
		Dir:     opts.dir,
		Stdin:   stdin,
		Stdout:  process.RedirectPipe,
		Stderr:  stderr,
		Env:     env,
	})
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q (want KEY=VALUE)", pair)
		}
		env[key] = value
	}
	return env, nil
}

// shellStatus maps an exit code to a shell-style status: a signal death
// (negative code) becomes 128 plus the signal number.
func shellStatus(code int) int {
	if code < 0 {
		return 128 - code
	}
	return code
}

// relay copies a handle's output streams to writers until the process
// exits and its pipes are drained.
type relay struct {
	handle *process.Handle
	stdout io.Writer
	stderr io.Writer
	merged bool
	logger zerolog.Logger

	outDone bool
	errDone bool
}

func (r *relay) run(ctx context.Context, timeout, grace time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		n, err := r.pump()
		if err != nil {
			return 0, err
		}

		wait := relayPollInterval
		if n > 0 {
			wait = 0
		}
		code, err := r.handle.Poll(wait)
		if err == nil {
			r.logger.Debug().Int("exit_code", code).Msg("command exited")
			return code, r.drain()
		}
		if !errors.Is(err, process.ErrTimedOut) {
			return 0, err
		}

		select {
		case <-ctx.Done():
			code, err := r.stop(grace)
			if err != nil {
				return 0, err
			}
			r.logger.Debug().Int("exit_code", code).Msg("command interrupted")
			return code, nil
		case <-deadline:
			if _, err := r.stop(grace); err != nil {
				return 0, err
			}
			return 0, &exitError{code: 124, err: fmt.Errorf("command timed out after %v", timeout)}
		default:
		}
	}
}

// stop escalates from terminate to kill and drains what the process wrote
// on its way out.
func (r *relay) stop(grace time.Duration) (int, error) {
	code, err := r.handle.Stop(process.GracefulStopSequence(grace))
	if err != nil {
		return 0, err
	}
	return code, r.drain()
}

// drain pumps until no stream yields data.
func (r *relay) drain() error {
	for {
		n, err := r.pump()
		if err != nil || n == 0 {
			return err
		}
	}
}

// pump performs one non-blocking read per open stream and returns the
// number of bytes relayed.
func (r *relay) pump() (int, error) {
	total := 0
	for _, s := range []struct {
		stream process.Stream
		w      io.Writer
		done   *bool
	}{
		{process.StreamOut, r.stdout, &r.outDone},
		{process.StreamErr, r.stderr, &r.errDone},
	} {
		if *s.done || (s.stream == process.StreamErr && r.merged) {
			continue
		}

		data, err := r.handle.Read(s.stream, 0)
		if err != nil {
			if errors.Is(err, process.ErrPipe) {
				*s.done = true
				continue
			}
			return total, fmt.Errorf("read %s: %w", s.stream, err)
		}
		if len(data) == 0 {
			continue
		}
		if _, err := s.w.Write(data); err != nil {
			return total, err
		}
		total += len(data)
	}
	return total, nil
}
