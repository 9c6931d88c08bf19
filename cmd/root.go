package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.olrik.dev/stagehand/internal/core"
)

func NewRootCommand() *cobra.Command {
	var projectPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:           "stagehand",
		Short:         "stagehand - companion process and recording bridge",
		Long:          `stagehand - keeps a companion process alongside an editor host and publishes recordings through it`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, err := core.InitializeConfig()
			if err != nil {
				return fmt.Errorf("failed to load config %s: %w", path, err)
			}

			if verbose > core.Config.Verbose {
				core.Config.Verbose = verbose
			}
			if projectPath != "" {
				abs, err := filepath.Abs(projectPath)
				if err != nil {
					return err
				}
				core.Config.ProjectPath = abs
				core.Config.AssetRoot = ""
			}
			if core.Config.ProjectPath == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				core.Config.ProjectPath = cwd
			}
			if core.Config.AssetRoot == "" {
				core.Config.AssetRoot = filepath.Join(core.Config.ProjectPath, "Assets")
			}

			core.SetupLogging(os.Stderr, core.Config.Verbose)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", "", "host project directory (default: current directory)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewCompanionCommand(),
		NewImportCommand(),
		NewEventsCommand(),
		NewCleanupCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
