package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/polish/pkg/masking"
	"github.com/codeready-toolchain/polish/pkg/scoring"
	"github.com/codeready-toolchain/polish/pkg/shell"
)

var scoreCmd = &cobra.Command{
	Use:   "score [project-dir]",
	Short: "Run one scoring pass and print the metric table",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runScore(args))
	},
}

func init() {
	scoreCmd.Flags().StringVar(&runPresetPath, "preset", "", "Preset file path (default: lookup inside the project)")
	rootCmd.AddCommand(scoreCmd)
}

func runScore(args []string) int {
	projectDir, err := resolveProjectDir(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFatal
	}

	preset, err := resolvePreset(projectDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFatal
	}

	scorer := scoring.New(shell.NewRunner(), projectDir, scoring.WithMasker(masking.NewMasker()))
	score, err := scorer.Calculate(context.Background(), preset.Metrics)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFatal
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tSCORE\tTARGET\tWEIGHT")
	for _, r := range score.Results {
		fmt.Fprintf(tw, "%s\t%d\t%.0f\t%.2f\n", r.Name, r.Score, r.Target, r.Weight)
	}
	tw.Flush()
	fmt.Printf("total %.1f / target %.1f\n", score.Total, preset.Target)

	if score.Total >= preset.Target {
		return exitSuccess
	}
	return exitBelowGoal
}
