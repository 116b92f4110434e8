// Package cli implements the procctl command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dshills/procctl/internal/config"
	"github.com/dshills/procctl/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// NewRootCmd returns the procctl root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *cliContext) {
	cc := &cliContext{}

	root := &cobra.Command{
		Use:     "procctl",
		Short:   "Spawn and control child processes, directly or from Lua scripts",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cc.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&cc.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&cc.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cc.logFormat, "log-format", "", "Log format (console, json)")

	root.AddCommand(newExecCmd(cc))
	root.AddCommand(newRunCmd(cc))
	root.AddCommand(newStrerrorCmd())
	root.AddCommand(newCapabilitiesCmd())
	root.AddCommand(newConfigCmd(cc))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, cc
}

// Execute runs the CLI entrypoint and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	return exitCodeOf(root.ExecuteContext(ctx), root)
}

func exitCodeOf(err error, root *cobra.Command) int {
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(root.ErrOrStderr(), "procctl: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(root.ErrOrStderr(), "procctl: %v\n", err)
	return 1
}

// exitError carries a non-zero exit status out of a command. err, when
// set, is reported before exiting.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error {
	return e.err
}

// cliContext holds the global flags and the state loaded from them before
// a subcommand runs.
type cliContext struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger zerolog.Logger
}

// load reads the configuration, applies flag overrides and builds the
// logger.
func (c *cliContext) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = cmd.ErrOrStderr()
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logger
	return nil
}
