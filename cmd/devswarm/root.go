package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	debug   bool
	logger  *slog.Logger
	rootCmd = &cobra.Command{
		Use:   "devswarm",
		Short: "devswarm orchestrates an autonomous agent fleet over one repository",
	}
)

// Execute runs the root command.
func Execute() error {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd.Execute()
}
