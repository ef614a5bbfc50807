package loop

import (
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/codeready-toolchain/polish/pkg/models"
)

// promptData is the placeholder set available to strategy templates.
type promptData struct {
	Metric  string
	Score   int
	Target  float64
	Raw     string
	Mission string
}

// Built-in strategy prompts for the known metric families. A preset
// strategy whose focus matches the worst metric always wins over these.
var builtinStrategies = map[string]string{
	"tests": `The test suite is the weakest quality signal right now: metric "{{.Metric}}" scores {{.Score}} against a target of {{.Target}}.

Test command output:
{{.Raw}}

Fix the failing tests. Prefer fixing the code under test over weakening assertions; never delete or skip tests to make the suite pass. Stop once the previously failing tests pass.`,

	"typescript": `The TypeScript compiler reports errors: metric "{{.Metric}}" scores {{.Score}} against a target of {{.Target}}.

Compiler output:
{{.Raw}}

Resolve the compile errors. Keep types precise; do not reach for "any" or @ts-ignore unless the surrounding code already does. Make the smallest change that satisfies the compiler.`,

	"lint": `Lint findings are dragging quality down: metric "{{.Metric}}" scores {{.Score}} against a target of {{.Target}}.

Linter output:
{{.Raw}}

Fix the reported findings, errors before warnings. Follow the codebase's existing style; do not add suppression comments or loosen the lint configuration.`,

	"coverage": `Test coverage is below target: metric "{{.Metric}}" scores {{.Score}} against a target of {{.Target}}.

Coverage report:
{{.Raw}}

Add tests for the least-covered files and branches. Test observable behavior, not implementation detail, and keep new tests in the existing test style.`,
}

// genericStrategy covers metrics with no preset strategy and no
// built-in family.
const genericStrategy = `Improve the metric "{{.Metric}}", currently scoring {{.Score}} against a target of {{.Target}}.

The metric command produced:
{{.Raw}}

{{if .Mission}}Session mission: {{.Mission}}

{{end}}Make focused changes that raise this metric without regressing others. Small verifiable steps beat sweeping rewrites.`

// strategyPrompt renders the iteration prompt for the worst metric:
// preset strategy with matching focus, else the built-in family
// template, else the generic one. Broken preset templates fall back to
// the generic prompt rather than stalling the loop.
func strategyPrompt(preset models.Preset, worst models.MetricResult, mission string) string {
	data := promptData{
		Metric:  worst.Name,
		Score:   worst.Score,
		Target:  worst.Target,
		Raw:     worst.Raw,
		Mission: mission,
	}

	if s, ok := preset.StrategyFor(worst.Name); ok {
		if prompt, err := renderStrategy(s.Name, s.Prompt, data); err == nil {
			return prompt
		} else {
			slog.Warn("Preset strategy template is invalid, using generic prompt",
				"strategy", s.Name,
				"error", err)
		}
	}

	if tmpl, ok := builtinStrategies[strings.ToLower(worst.Name)]; ok {
		if prompt, err := renderStrategy(worst.Name, tmpl, data); err == nil {
			return prompt
		}
	}

	prompt, err := renderStrategy("generic", genericStrategy, data)
	if err != nil {
		// The generic template is static and known good; render failure
		// here means the data itself is broken.
		return fmt.Sprintf("Improve the metric %q (score %d, target %v).", worst.Name, worst.Score, worst.Target)
	}
	return prompt
}

func renderStrategy(name, text string, data promptData) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse strategy template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render strategy template: %w", err)
	}
	return b.String(), nil
}

// missionPrompt renders the one-off implementation turn that runs before
// polish iterations when the session carries a mission.
func missionPrompt(mission string, plan *models.Plan) string {
	var b strings.Builder
	b.WriteString("Implement the following mission in this repository:\n\n")
	b.WriteString(mission)
	b.WriteString("\n")

	if plan != nil && len(plan.Steps) > 0 {
		b.WriteString("\nFollow the approved plan:\n")
		if plan.Summary != "" {
			b.WriteString(plan.Summary)
			b.WriteString("\n")
		}
		for i, step := range plan.Steps {
			fmt.Fprintf(&b, "%d. %s", i+1, step.Title)
			if step.Description != "" {
				b.WriteString(": ")
				b.WriteString(step.Description)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nMake the changes directly. Keep the build green and do not commit; committing is handled outside the agent.")
	return b.String()
}

// reviewPrompt renders the post-loop review turn. Capability-specific
// steering arrives as a system prompt through the driver options.
func reviewPrompt(baseCommit string) string {
	var b strings.Builder
	b.WriteString("Review the changes made in this session")
	if baseCommit != "" {
		fmt.Fprintf(&b, " (diff against %s)", baseCommit)
	}
	b.WriteString(".\n\nCheck for correctness regressions, weakened tests, and suppressed checks. ")
	b.WriteString("If the changes are sound, say so. If something must be fixed before the session can finish, ")
	b.WriteString("end your reply with a single line of the form:\n\nREDIRECT: <what to fix>\n")
	return b.String()
}

// redirectPrefix marks a review verdict that demands another iteration.
const redirectPrefix = "REDIRECT:"

// parseRedirect extracts reviewer feedback from the final non-empty line
// of the review transcript.
func parseRedirect(text string) (string, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, redirectPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, redirectPrefix)), true
		}
		return "", false
	}
	return "", false
}
