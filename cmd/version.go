package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.olrik.dev/stagehand/internal/core"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), core.FormatVersion(core.Version, core.GoVersion))
		},
	}
}
