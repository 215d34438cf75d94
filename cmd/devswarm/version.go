package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the devswarm version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("devswarm", version)
		},
	}
}
