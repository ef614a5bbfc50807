package scoring

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/polish/pkg/masking"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/shell"
)

// DefaultMetricTimeout bounds a single metric command when the preset
// does not set timeoutSeconds.
const DefaultMetricTimeout = 5 * time.Minute

// rawCapBytes limits the captured output kept on each MetricResult.
// Full output is available in debug logs; this copy feeds prompts and
// events, so it is truncated and masked.
const rawCapBytes = 4096

// rawTruncationMarker is appended when raw output is cut at rawCapBytes.
const rawTruncationMarker = "\n[output truncated]"

// Executor runs a metric command and reports the outcome. Satisfied by
// *shell.Runner; tests substitute a scripted fake.
type Executor interface {
	Run(ctx context.Context, command, cwd string, timeout time.Duration) shell.Result
}

// Scorer executes a preset's metric commands inside one directory and
// folds the outcomes into a weighted Score. Metrics run sequentially to
// keep resource load predictable.
type Scorer struct {
	exec   Executor
	masker *masking.Masker
	dir    string
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithMasker sets the masker applied to raw output before it is stored
// on MetricResults. Without one, raw output is stored as captured.
func WithMasker(m *masking.Masker) Option {
	return func(s *Scorer) { s.masker = m }
}

// New creates a Scorer that runs metric commands in dir.
func New(exec Executor, dir string, opts ...Option) *Scorer {
	s := &Scorer{exec: exec, dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calculate runs every metric and returns the weighted aggregate.
//
// A metric that times out, fails to spawn, or produces unparseable
// output degrades to score 0; no metric outcome fails the pass. The
// only error returned is ctx cancellation between metrics.
func (s *Scorer) Calculate(ctx context.Context, metrics []models.Metric) (models.Score, error) {
	score := models.Score{Results: make([]models.MetricResult, 0, len(metrics))}
	if len(metrics) == 0 {
		return score, nil
	}

	var weightedSum, weightTotal float64
	for _, metric := range metrics {
		if err := ctx.Err(); err != nil {
			return models.Score{}, err
		}

		result := s.runMetric(ctx, metric)
		score.Results = append(score.Results, result)
		weightedSum += float64(result.Score) * metric.Weight
		weightTotal += metric.Weight
	}

	if weightTotal > 0 {
		score.Total = models.RoundTotal(weightedSum / weightTotal)
	}

	slog.Info("Scoring pass complete",
		"total", score.Total,
		"metrics", len(metrics))

	return score, nil
}

// runMetric executes one metric command and parses its output.
func (s *Scorer) runMetric(ctx context.Context, metric models.Metric) models.MetricResult {
	timeout := DefaultMetricTimeout
	if metric.TimeoutSeconds > 0 {
		timeout = time.Duration(metric.TimeoutSeconds) * time.Second
	}

	started := time.Now()
	res := s.exec.Run(ctx, metric.Command, s.dir, timeout)

	value := parseScore(metric, res)

	slog.Debug("Metric evaluated",
		"metric", metric.Name,
		"score", value,
		"target", metric.Target,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration", time.Since(started).Round(time.Millisecond),
		"output", combinedOutput(res))

	return models.MetricResult{
		Name:   metric.Name,
		Score:  value,
		Target: metric.Target,
		Weight: metric.Weight,
		Raw:    s.capRaw(combinedOutput(res)),
	}
}

// capRaw masks and truncates command output for the prompt/event copy.
func (s *Scorer) capRaw(raw string) string {
	if s.masker != nil {
		raw = s.masker.Mask(raw)
	}
	if len(raw) > rawCapBytes {
		raw = raw[:rawCapBytes] + rawTruncationMarker
	}
	return raw
}

// combinedOutput joins stdout and stderr; parsers see both streams
// because tools disagree about where diagnostics belong.
func combinedOutput(res shell.Result) string {
	if res.Stderr == "" {
		return res.Stdout
	}
	if res.Stdout == "" {
		return res.Stderr
	}
	return res.Stdout + "\n" + res.Stderr
}

// Worst returns the result with the largest remaining gap to its
// target. Ties keep the earliest metric in preset order. ok is false
// when the score has no results.
func Worst(score models.Score) (models.MetricResult, bool) {
	if len(score.Results) == 0 {
		return models.MetricResult{}, false
	}

	worst := score.Results[0]
	for _, r := range score.Results[1:] {
		if r.Gap() > worst.Gap() {
			worst = r
		}
	}
	return worst, true
}

// MetricByName finds the preset metric backing a result.
func MetricByName(metrics []models.Metric, name string) (models.Metric, bool) {
	for _, m := range metrics {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return models.Metric{}, false
}
