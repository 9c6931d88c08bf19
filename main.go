package main

import (
	"fmt"
	"os"

	"go.olrik.dev/stagehand/cmd"
)

func main() {
	// The bootstrap script may be a symlink to this binary
	if os.Getenv("STAGEHAND_COMPANION_RUN_ALIAS") != "" {
		os.Args = []string{os.Args[0], "companion"}
	}

	root := cmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
