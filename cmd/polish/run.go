package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/polish/pkg/agent"
	"github.com/codeready-toolchain/polish/pkg/config"
	"github.com/codeready-toolchain/polish/pkg/loop"
	"github.com/codeready-toolchain/polish/pkg/masking"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/planner"
	"github.com/codeready-toolchain/polish/pkg/scoring"
	"github.com/codeready-toolchain/polish/pkg/session"
	"github.com/codeready-toolchain/polish/pkg/shell"
	"github.com/codeready-toolchain/polish/pkg/vcs"
)

var (
	runMission    string
	runPlan       bool
	runPresetPath string
	runTarget     float64
	runMaxIters   int
	runTimeout    time.Duration
	runAgentCLI   string
	runModel      string
)

var runCmd = &cobra.Command{
	Use:   "run [project-dir]",
	Short: "Polish a local project until its score reaches the target",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPolish(args))
	},
}

func init() {
	runCmd.Flags().StringVarP(&runMission, "mission", "m", "", "Mission statement guiding the first agent turn")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "Collect and approve an implementation plan before polishing")
	runCmd.Flags().StringVar(&runPresetPath, "preset", "", "Preset file path (default: lookup inside the project)")
	runCmd.Flags().Float64Var(&runTarget, "target", 0, "Override the preset's target score")
	runCmd.Flags().IntVar(&runMaxIters, "max-iterations", 0, "Override the preset's iteration budget")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Wall-clock budget for the whole run (default: unbounded)")
	runCmd.Flags().StringVar(&runAgentCLI, "agent", "", "Agent CLI binary (default: driver default)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model override passed to the agent")
	rootCmd.AddCommand(runCmd)
}

func runPolish(args []string) int {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	git := vcs.New(vcs.WithExcludes(preset.Exclude))
	if !git.IsRepo(ctx, projectDir) {
		fmt.Fprintf(os.Stderr, "error: %s is not a git repository\n", projectDir)
		return exitFatal
	}

	driver := agent.NewCLIDriver()
	agentOpts := []agent.Option{agent.WithWorkdir(projectDir)}
	if runAgentCLI != "" {
		agentOpts = append(agentOpts, agent.WithCLIPath(runAgentCLI))
	}
	if runModel != "" {
		agentOpts = append(agentOpts, agent.WithModel(runModel))
	}

	hub := session.NewHub()
	sessionID := ulid.Make().String()
	events, cancelSub := hub.Subscribe(sessionID)
	defer cancelSub()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderEvents(os.Stdout, events)
	}()

	finish := func(code int) int {
		hub.Close(sessionID)
		<-rendered
		return code
	}

	var approvedPlan *models.Plan
	if runPlan {
		opts := append(agent.CapabilityOptions(preset.PlanningCapability()), agentOpts...)
		p := planner.New(driver,
			planner.WithSink(hub.Sink(sessionID)),
			planner.WithAgentOptions(opts...),
		)
		result, err := p.Dialogue(ctx, planner.DialogueConfig{
			SessionID: sessionID,
			Mission:   runMission,
			Gate:      planner.NewStdinGate(),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: planning:", err)
			return finish(exitFatal)
		}
		if !result.Approved {
			fmt.Fprintln(os.Stderr, "plan rejected, nothing to do")
			return finish(exitBelowGoal)
		}
		approvedPlan = result.Plan
	}

	masker := masking.NewMasker()
	scorer := scoring.New(shell.NewRunner(), projectDir, scoring.WithMasker(masker))
	engine := loop.New(driver, scorer, git, hub.Sink(sessionID))

	result, err := engine.Run(ctx, loop.Config{
		SessionID:    sessionID,
		WorktreePath: projectDir,
		Preset:       *preset,
		Mission:      runMission,
		ApprovedPlan: approvedPlan,
		MaxDuration:  runTimeout,
		AgentOptions: agentOpts,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", masker.MaskError(err))
		return finish(exitFatal)
	}

	// The loop reports plateau and budget exhaustion as clean
	// terminations; the exit code cares only whether the target was met.
	if result.FinalScore.Total >= preset.Target {
		return finish(exitSuccess)
	}
	return finish(exitBelowGoal)
}

func resolveProjectDir(args []string) (string, error) {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

// resolvePreset loads the project preset, applying the run command's
// flag overrides on top.
func resolvePreset(projectDir string) (*models.Preset, error) {
	var preset *models.Preset
	var err error
	if runPresetPath != "" {
		preset, err = config.ReadPresetFile(runPresetPath)
	} else {
		preset, _, err = config.LoadPreset(projectDir)
	}
	if err != nil {
		return nil, err
	}
	if runTarget > 0 {
		preset.Target = runTarget
	}
	if runMaxIters > 0 {
		preset.MaxIterations = runMaxIters
	}
	return preset, nil
}
