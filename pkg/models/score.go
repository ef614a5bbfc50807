package models

import "math"

// Metric is one named quality check. Immutable within a run.
type Metric struct {
	Name    string  `json:"name"`
	Command string  `json:"command"`
	Weight  float64 `json:"weight"`
	Target  float64 `json:"target"`

	// HigherIsBetter defaults to true. When false the command is expected
	// to emit an integer count and the score is 100 - Scale*count.
	HigherIsBetter *bool `json:"higherIsBetter,omitempty"`

	// Scale is the per-count penalty for lower-is-better metrics.
	// Zero means the default of 1.
	Scale float64 `json:"scale,omitempty"`

	// TimeoutSeconds overrides the default per-metric command timeout.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// IsHigherBetter resolves the HigherIsBetter default.
func (m Metric) IsHigherBetter() bool {
	return m.HigherIsBetter == nil || *m.HigherIsBetter
}

// ScaleOrDefault resolves the Scale default of 1.
func (m Metric) ScaleOrDefault() float64 {
	if m.Scale > 0 {
		return m.Scale
	}
	return 1
}

// MetricResult is the outcome of one metric on one scoring pass.
type MetricResult struct {
	Name   string  `json:"name"`
	Score  int     `json:"score"`
	Target float64 `json:"target"`
	Weight float64 `json:"weight"`

	// Raw is the captured command output, size-capped by the scorer.
	Raw string `json:"raw,omitempty"`
}

// Gap is the distance left to the metric's target. Negative when the
// metric already exceeds its target.
func (r MetricResult) Gap() float64 {
	return r.Target - float64(r.Score)
}

// Score is the weighted aggregate of one scoring pass.
type Score struct {
	Total   float64        `json:"total"`
	Results []MetricResult `json:"results"`
}

// RoundTotal rounds a weighted mean to one decimal place.
func RoundTotal(v float64) float64 {
	return math.Round(v*10) / 10
}

// ImprovesOver reports whether s improves over prev by at least
// minImprovement.
func (s Score) ImprovesOver(prev Score, minImprovement float64) bool {
	return s.Total-prev.Total >= minImprovement
}
