package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/polish/pkg/version"
)

// Exit codes per the engine contract.
const (
	exitSuccess   = 0 // target reached
	exitBelowGoal = 1 // plateau or iteration budget exhausted below target
	exitFatal     = 2 // configuration, git, or agent failure
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "polish",
	Short:         "Closed-loop automated code-quality improvement",
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env in the working directory seeds the environment; absence
		// is the normal case.
		_ = godotenv.Load()

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}
