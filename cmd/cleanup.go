package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.olrik.dev/stagehand/internal/bridge"
	"go.olrik.dev/stagehand/internal/core"
)

func NewCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the host temporary directory",
		Long:  `Remove the host temporary directory under the asset root, as the host does when it quits.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := core.Config.HostTempDir()
			if err := bridge.CleanupHostTemp(afero.NewOsFs(), dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleaned %s\n", dir)
			return nil
		},
	}
}
