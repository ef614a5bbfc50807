package planner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/codeready-toolchain/polish/pkg/models"
)

// StdinGate is the interactive approval gate for CLI mode: it renders
// the plan and reads one decision line.
type StdinGate struct {
	In  io.Reader // default os.Stdin
	Out io.Writer // default os.Stdout
}

// NewStdinGate returns a gate on the process's stdin/stdout.
func NewStdinGate() *StdinGate {
	return &StdinGate{In: os.Stdin, Out: os.Stdout}
}

// Await renders the plan and blocks for a decision line: "y"/"yes"
// approves, "n"/"no" rejects without reason (cancelling the session),
// anything else is reject-with-feedback and restarts planning.
func (g *StdinGate) Await(ctx context.Context, _ string, plan *models.Plan) (models.PlanDecision, error) {
	in := g.In
	if in == nil {
		in = os.Stdin
	}
	out := g.Out
	if out == nil {
		out = os.Stdout
	}

	renderPlan(out, plan)
	fmt.Fprint(out, "Approve this plan? [y = approve, n = cancel, or type feedback] ")

	lines := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		if scanner.Scan() {
			lines <- scanner.Text()
			return
		}
		if err := scanner.Err(); err != nil {
			errc <- err
			return
		}
		errc <- io.EOF
	}()

	select {
	case <-ctx.Done():
		return models.PlanDecision{}, ctx.Err()
	case err := <-errc:
		return models.PlanDecision{}, fmt.Errorf("reading approval decision: %w", err)
	case line := <-lines:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return models.PlanDecision{Approved: true, ApproachID: plan.ID}, nil
		case "n", "no", "":
			return models.PlanDecision{}, nil
		default:
			return models.PlanDecision{Feedback: strings.TrimSpace(line)}, nil
		}
	}
}

// renderPlan writes a human-readable plan listing.
func renderPlan(w io.Writer, plan *models.Plan) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Proposed plan:")
	if plan.Summary != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, plan.Summary)
	}
	if len(plan.Steps) > 0 {
		fmt.Fprintln(w)
		for i, step := range plan.Steps {
			complexity := step.Complexity
			if complexity == "" {
				complexity = models.ComplexityMedium
			}
			fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, complexity, step.Title)
			if step.Description != "" {
				fmt.Fprintf(w, "     %s\n", step.Description)
			}
			if len(step.Files) > 0 {
				fmt.Fprintf(w, "     files: %s\n", strings.Join(step.Files, ", "))
			}
		}
	}
	fmt.Fprintln(w)
}
