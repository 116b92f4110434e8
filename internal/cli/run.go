package cli

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/procctl/internal/logging"
	"github.com/dshills/procctl/internal/plugin"
	"github.com/dshills/procctl/internal/plugin/security"
	"github.com/dshills/procctl/internal/process"
)

type runOptions struct {
	capabilities []string
	allowExec    []string
	blockExec    []string
	allowDirs    []string
	timeout      time.Duration
}

func newRunCmd(cc *cliContext) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] script.lua [args...]",
		Short: "Run a Lua script",
		Long: `Run a Lua script in a sandboxed state. The script reads its arguments
from the arg table and can spawn processes through require("ks").process
when it holds the process capability.

Flags add to the [script] section of the configuration file. The script's
return value becomes the exit status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeoutSet := cmd.Flags().Changed("timeout")
			return runScript(cmd, cc, args[0], args[1:], opts, timeoutSet)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringSliceVar(&opts.capabilities, "capability", nil, "Grant a capability (repeatable)")
	cmd.Flags().StringSliceVar(&opts.allowExec, "allow-exec", nil, "Allow an executable name, path or glob (repeatable)")
	cmd.Flags().StringSliceVar(&opts.blockExec, "block-exec", nil, "Block an executable name, path or glob (repeatable)")
	cmd.Flags().StringSliceVar(&opts.allowDirs, "allow-dir", nil, "Allow a working directory tree (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the script after this long (0 = no limit)")
	return cmd
}

func runScript(cmd *cobra.Command, cc *cliContext, script string, args []string, opts runOptions, timeoutSet bool) error {
	cfg := cc.cfg

	perms, err := cfg.Script.PermissionSet()
	if err != nil {
		return err
	}
	for _, name := range opts.capabilities {
		cap, err := security.ParseCapability(name)
		if err != nil {
			return err
		}
		perms.Capabilities = append(perms.Capabilities, cap)
	}
	perms.AllowedExecutables = slices.Concat(perms.AllowedExecutables, opts.allowExec)
	perms.BlockedExecutables = slices.Concat(perms.BlockedExecutables, opts.blockExec)
	perms.AllowedDirs = slices.Concat(perms.AllowedDirs, opts.allowDirs)

	timeout := cfg.Script.Timeout()
	if timeoutSet {
		if opts.timeout < 0 {
			return fmt.Errorf("invalid --timeout %v", opts.timeout)
		}
		timeout = opts.timeout
	}

	logger := logging.Component(cc.logger, "script")
	handleOpts, err := cfg.HandleOptions()
	if err != nil {
		return err
	}
	handleOpts = append(handleOpts, process.WithLogger(logger))

	host, err := plugin.NewHost(script,
		plugin.WithPermissions(perms),
		plugin.WithExecutionTimeout(timeout),
		plugin.WithLogger(logger),
		plugin.WithSupervisorOptions(
			process.WithMaxProcesses(cfg.Process.MaxProcesses),
			process.WithHandleOptions(handleOpts...),
		),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	code, err := host.Run(cmd.Context(), args)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if code != 0 {
		return &exitError{code: shellStatus(code)}
	}
	return nil
}
