package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.olrik.dev/stagehand/internal/channel"
	"go.olrik.dev/stagehand/internal/core"
)

func NewImportCommand() *cobra.Command {
	var dstDirectory string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Ask the running host to import a file",
		Long: `Ask the running host to import a file into its asset root.

The request is queued by the host and runs on its next tick. dst-directory
is relative to the asset root unless absolute.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(source); err != nil {
				return err
			}

			socketPath := os.Getenv(core.ChannelSocketEnv)
			if socketPath == "" {
				socketPath = core.Config.ChannelSocketPath()
			}
			client, err := channel.Dial(socketPath, "stagehand-import")
			if err != nil {
				return fmt.Errorf("host not running for %s: %w", core.Config.ProjectPath, err)
			}
			defer client.Close()

			err = client.SendRequest(channel.FrameImport, map[string]any{
				"asset_data":    map[string]string{"path": source},
				"dst_directory": dstDirectory,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued import of %s\n", source)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dstDirectory, "dst-directory", "d", "", "destination directory under the asset root")

	return cmd
}
