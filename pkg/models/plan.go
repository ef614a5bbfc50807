package models

// Complexity is the estimated effort of one plan step.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// PlanStep is one unit of an implementation plan.
type PlanStep struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Files       []string   `json:"files,omitempty"`
	Complexity  Complexity `json:"complexity,omitempty"`
}

// Plan is an ordered sequence of steps proposed by the planner.
// A session may carry several candidate plans; at most one is approved.
type Plan struct {
	ID      string     `json:"id"`
	Summary string     `json:"summary,omitempty"`
	Steps   []PlanStep `json:"steps"`
}

// PlanDecision is the user's verdict on a proposed plan.
// Approved with an ApproachID selects that plan; rejected with feedback
// restarts planning; rejected without feedback cancels the session.
type PlanDecision struct {
	Approved   bool   `json:"approved"`
	ApproachID string `json:"approach_id,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}
