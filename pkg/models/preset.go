package models

import "strings"

// Loop tuning defaults. Presets may override both.
const (
	// DefaultMinImprovement is the minimum total-score delta a turn must
	// achieve to be committed.
	DefaultMinImprovement = 0.5
	// DefaultMaxStalled is the number of consecutive non-improving turns
	// after which the loop declares a plateau.
	DefaultMaxStalled = 5
)

// Strategy maps one metric name to the prompt used when that metric is
// the worst performer.
type Strategy struct {
	Name   string `json:"name"`
	Focus  string `json:"focus"`
	Prompt string `json:"prompt"`
}

// Capability configures the agent for one phase of a session.
type Capability struct {
	Model             string   `json:"model,omitempty"`
	Prompt            string   `json:"prompt,omitempty"`
	AllowedTools      []string `json:"allowedTools,omitempty"`
	MCPConfig         string   `json:"mcpConfig,omitempty"`
	MaxThinkingTokens int      `json:"maxThinkingTokens,omitempty"`
}

// Capabilities groups the per-phase agent configurations. A nil phase
// means the phase runs with driver defaults; a nil Review skips the
// review pass entirely.
type Capabilities struct {
	Planning       *Capability `json:"planning,omitempty"`
	Implementation *Capability `json:"implementation,omitempty"`
	Review         *Capability `json:"review,omitempty"`
}

// Preset is the resolved polish configuration for one project.
type Preset struct {
	Metrics       []Metric      `json:"metrics"`
	Strategies    []Strategy    `json:"strategies,omitempty"`
	Target        float64       `json:"target"`
	MaxIterations int           `json:"maxIterations"`
	Capabilities  *Capabilities `json:"capabilities,omitempty"`

	// MinImprovement and MaxStalled are optional overrides of the loop
	// defaults; zero means default.
	MinImprovement float64 `json:"minImprovement,omitempty"`
	MaxStalled     int     `json:"maxStalled,omitempty"`

	// Exclude lists doublestar globs that never count as working-tree
	// changes (engine droppings, build output).
	Exclude []string `json:"exclude,omitempty"`
}

// MinImprovementOrDefault resolves the MinImprovement override.
func (p Preset) MinImprovementOrDefault() float64 {
	if p.MinImprovement > 0 {
		return p.MinImprovement
	}
	return DefaultMinImprovement
}

// MaxStalledOrDefault resolves the MaxStalled override.
func (p Preset) MaxStalledOrDefault() int {
	if p.MaxStalled > 0 {
		return p.MaxStalled
	}
	return DefaultMaxStalled
}

// StrategyFor returns the preset strategy focused on the named metric.
func (p Preset) StrategyFor(metric string) (Strategy, bool) {
	for _, s := range p.Strategies {
		if strings.EqualFold(s.Focus, metric) {
			return s, true
		}
	}
	return Strategy{}, false
}

// PlanningCapability returns the planning-phase capability, nil-safe.
func (p Preset) PlanningCapability() *Capability {
	if p.Capabilities == nil {
		return nil
	}
	return p.Capabilities.Planning
}

// ImplementationCapability returns the implementation-phase capability,
// nil-safe.
func (p Preset) ImplementationCapability() *Capability {
	if p.Capabilities == nil {
		return nil
	}
	return p.Capabilities.Implementation
}

// ReviewCapability returns the review-phase capability; non-nil enables
// the post-loop review pass.
func (p Preset) ReviewCapability() *Capability {
	if p.Capabilities == nil {
		return nil
	}
	return p.Capabilities.Review
}
