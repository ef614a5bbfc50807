package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/polish/pkg/config"
	"github.com/codeready-toolchain/polish/pkg/loop"
	"github.com/codeready-toolchain/polish/pkg/scoring"
	"github.com/codeready-toolchain/polish/pkg/shell"
)

// hookInput is the agent's stop-hook request on stdin.
type hookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	HookEventName  string `json:"hook_event_name"`
	StopHookActive bool   `json:"stop_hook_active"`
}

// hookOutput is the decision written to stdout.
type hookOutput struct {
	Decision string `json:"decision"` // "approve" or "block"
	Reason   string `json:"reason,omitempty"`
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Agent stop-hook: block the agent from stopping while the score is below target",
	Long: `Reads the agent's stop-hook request from stdin, runs one scoring
pass, and answers approve (the agent may stop) or block (keep working).
Every internal error fails open with approve so a broken hook can never
wedge an agent.`,
	Run: func(cmd *cobra.Command, args []string) {
		runHook(os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

func runHook(in io.Reader, out io.Writer) {
	decide := func(d hookOutput) {
		_ = json.NewEncoder(out).Encode(d)
	}

	var input hookInput
	if err := json.NewDecoder(in).Decode(&input); err != nil {
		decide(hookOutput{Decision: "approve", Reason: "unreadable hook input"})
		return
	}

	// A hook-triggered continuation firing the hook again must not loop.
	if input.StopHookActive {
		decide(hookOutput{Decision: "approve"})
		return
	}

	dir := input.CWD
	if dir == "" {
		dir = "."
	}

	preset, _, err := config.LoadPreset(dir)
	if err != nil {
		decide(hookOutput{Decision: "approve", Reason: "preset unavailable"})
		return
	}

	scorer := scoring.New(shell.NewRunner(), dir)
	score, err := scorer.Calculate(context.Background(), preset.Metrics)
	if err != nil {
		decide(hookOutput{Decision: "approve", Reason: "scoring failed"})
		return
	}

	if score.Total >= preset.Target {
		decide(hookOutput{Decision: "approve", Reason: fmt.Sprintf("target reached: %.1f >= %.1f", score.Total, preset.Target)})
		return
	}

	// A plateaued session stops even below target; blocking would just
	// burn turns on changes the loop keeps rolling back.
	if state, err := loop.LoadState(loop.DefaultStatePath(dir)); err == nil {
		if state.StalledCount >= preset.MaxStalledOrDefault() {
			decide(hookOutput{Decision: "approve", Reason: "score plateaued"})
			return
		}
	}

	reason := fmt.Sprintf("score %.1f below target %.1f", score.Total, preset.Target)
	if worst, ok := scoring.Worst(score); ok {
		reason += fmt.Sprintf("; worst metric %s at %d (target %.0f)", worst.Name, worst.Score, worst.Target)
	}
	decide(hookOutput{Decision: "block", Reason: reason})
}
