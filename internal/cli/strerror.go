package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dshills/procctl/internal/process"
)

func newStrerrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strerror <code>",
		Short: "Describe a process error code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid error code %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), process.Strerror(code))
			return nil
		},
	}
}
