package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/session"
)

// renderEvents turns the hub's event stream into log lines. Returns when
// the channel closes.
func renderEvents(w io.Writer, ch <-chan session.Event) {
	for event := range ch {
		if line := renderEvent(event); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

func renderEvent(event session.Event) string {
	switch p := event.Payload.(type) {
	case events.PhasePayload:
		return fmt.Sprintf("=== %s ===", p.Phase)
	case events.InitPayload:
		var parts []string
		for _, r := range p.InitialScore.Results {
			parts = append(parts, fmt.Sprintf("%s=%d", r.Name, r.Score))
		}
		return fmt.Sprintf("initial score %.1f (target %.1f) [%s]",
			p.InitialScore.Total, p.Target, strings.Join(parts, " "))
	case events.IterationPayload:
		return fmt.Sprintf("--- iteration %d/%d ---", p.Iteration, p.MaxIterations)
	case events.ImprovingPayload:
		return fmt.Sprintf("improving %s: %d → target %.0f", p.Metric, p.Score, p.Target)
	case events.ScorePayload:
		return fmt.Sprintf("score %.1f (%+.1f)", p.Score.Total, p.Delta)
	case events.CommitPayload:
		return fmt.Sprintf("committed %s: %s (%.1f → %.1f)", shortHash(p.Hash), p.Metric, p.Previous, p.New)
	case events.RollbackPayload:
		return "rolled back: " + p.Reason
	case events.ResultPayload:
		verdict := "stopped"
		if p.Success {
			verdict = "target reached"
		}
		line := fmt.Sprintf("%s: %.1f → %.1f after %d iteration(s), %d commit(s) [%s]",
			verdict, p.InitialScore, p.FinalScore, p.Iterations, p.Commits, p.Reason)
		if p.Branch != "" {
			line += " on " + p.Branch
		}
		return line
	case events.ErrorPayload:
		return "error: " + p.Message
	case events.AbortedPayload:
		return "aborted"
	case events.PlanPayload:
		return "plan proposed: " + p.Summary
	case events.PlanMessagePayload:
		return fmt.Sprintf("[%s] %s", p.Author, p.Text)
	case events.PlanDecisionPayload:
		if p.Approved {
			return "plan approved: " + p.ApproachID
		}
		return "plan rejected"
	case events.ReviewPayload:
		switch p.Type {
		case events.EventTypeReviewStart:
			return "review pass"
		case events.EventTypeReviewRedirect:
			return "review feedback: " + p.Feedback
		}
		return "review complete"
	case events.ToolStartPayload:
		if p.Display != "" {
			return "  » " + p.Display
		}
		return "  » " + p.Name
	case events.AgentTextPayload:
		if event.Type == events.EventTypeThinking {
			return "" // thinking is noise at info level
		}
		return indent(p.Text)
	}
	return ""
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func indent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}
