package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/procctl/internal/plugin/security"
)

func newCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List the capabilities a script can be granted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tRISK\tDESCRIPTION")
			for _, cap := range security.AllCapabilities() {
				info, _ := security.GetCapabilityInfo(cap)
				fmt.Fprintf(w, "%s\t%s\t%s\n", cap, info.RiskLevel, info.Description)
			}
			return w.Flush()
		},
	}
}
