package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/shell"
)

func TestParseTests(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		exitCode int
		want     int
	}{
		{
			name:     "jest summary pass then fail",
			output:   "Tests: 12 passed, 4 failed, 16 total",
			exitCode: 1,
			want:     75,
		},
		{
			name:     "fail count first",
			output:   "Tests: 2 failed, 18 passed, 20 total",
			exitCode: 1,
			want:     90,
		},
		{
			name:     "multiline runner summary",
			output:   "Suites: 3 passed\n  40 passing (2s)\n  10 failing",
			exitCode: 1,
			want:     80,
		},
		{
			name:     "all passed no failure token",
			output:   "  25 passing (1.2s)",
			exitCode: 0,
			want:     100,
		},
		{
			name:     "pass count with failure token falls back to exit",
			output:   "10 passed\nfailure: could not write report",
			exitCode: 1,
			want:     0,
		},
		{
			name:     "no counts clean exit",
			output:   "ok",
			exitCode: 0,
			want:     100,
		},
		{
			name:     "no counts dirty exit",
			output:   "boom",
			exitCode: 2,
			want:     0,
		},
		{
			name:     "everything failed",
			output:   "0 passed, 7 failed",
			exitCode: 1,
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTests(tt.output, tt.exitCode))
		})
	}
}

func TestParseTypeScript(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		exitCode int
		want     int
	}{
		{
			name:     "clean compile",
			output:   "",
			exitCode: 0,
			want:     100,
		},
		{
			name:     "three diagnostics",
			output:   "a.ts(1,1): error TS2304: x\nb.ts(2,5): error TS2345: y\nc.ts(9,9): error TS7006: z",
			exitCode: 2,
			want:     85,
		},
		{
			name:     "diagnostics overflow floors at zero",
			output:   repeatLines("x.ts(1,1): error TS2304: nope", 30),
			exitCode: 2,
			want:     0,
		},
		{
			name:     "nonzero exit without diagnostics",
			output:   "tsc: crashed",
			exitCode: 1,
			want:     100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTypeScript(tt.output, tt.exitCode))
		})
	}
}

func TestParseLint(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		exitCode int
		want     int
	}{
		{
			name:     "summary line",
			output:   "✖ 14 problems (2 errors, 12 warnings)",
			exitCode: 1,
			want:     78,
		},
		{
			name:     "singular forms",
			output:   "1 problem (1 error, 0 warnings)",
			exitCode: 1,
			want:     95,
		},
		{
			name:     "fallback per-line errors",
			output:   "  3:10  error  no-unused-vars\n  8:1  error  semi",
			exitCode: 1,
			want:     90,
		},
		{
			name:     "clean exit no findings",
			output:   "",
			exitCode: 0,
			want:     100,
		},
		{
			name:     "dirty exit no findings",
			output:   "config error",
			exitCode: 2,
			want:     0,
		},
		{
			name:     "heavy errors floor at zero",
			output:   "120 problems (40 errors, 80 warnings)",
			exitCode: 1,
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLint(tt.output, tt.exitCode))
		})
	}
}

func TestParseCoverage(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		exitCode int
		want     int
	}{
		{
			name:     "summary table",
			output:   "All files | 87.45 % | 71.2 %",
			exitCode: 0,
			want:     87,
		},
		{
			name:     "table without percent signs falls back to exit",
			output:   "All files        |   87.45 |    71.2 |",
			exitCode: 0,
			want:     100,
		},
		{
			name:     "generic coverage line",
			output:   "total coverage: 62.8%",
			exitCode: 0,
			want:     63,
		},
		{
			name:     "no match dirty exit",
			output:   "no report",
			exitCode: 1,
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCoverage(tt.output, tt.exitCode))
		})
	}
}

func TestParseCount(t *testing.T) {
	lower := models.Metric{Name: "codeDuplication", HigherIsBetter: boolPtr(false)}

	tests := []struct {
		name     string
		metric   models.Metric
		output   string
		exitCode int
		want     int
	}{
		{
			name:     "count with default scale",
			metric:   lower,
			output:   "7\n",
			exitCode: 0,
			want:     93,
		},
		{
			name:     "scaled count",
			metric:   models.Metric{Name: "todoCount", HigherIsBetter: boolPtr(false), Scale: 5},
			output:   "4",
			exitCode: 0,
			want:     80,
		},
		{
			name:     "zero count",
			metric:   lower,
			output:   "0",
			exitCode: 0,
			want:     100,
		},
		{
			name:     "count overflow floors at zero",
			metric:   lower,
			output:   "500",
			exitCode: 0,
			want:     0,
		},
		{
			name:     "no count clean exit",
			metric:   lower,
			output:   "nothing here",
			exitCode: 0,
			want:     100,
		},
		{
			name:     "no count dirty exit",
			metric:   lower,
			output:   "error",
			exitCode: 3,
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := shell.Result{Stdout: tt.output, ExitCode: tt.exitCode}
			assert.Equal(t, tt.want, parseScore(tt.metric, res))
		})
	}
}

func TestParseScoreDispatch(t *testing.T) {
	tests := []struct {
		name   string
		metric models.Metric
		res    shell.Result
		want   int
	}{
		{
			name:   "name dispatch is case-insensitive",
			metric: models.Metric{Name: "TypeScript"},
			res:    shell.Result{Stdout: "a.ts(1,1): error TS2304: x", ExitCode: 2},
			want:   95,
		},
		{
			name:   "unknown name binary pass",
			metric: models.Metric{Name: "build"},
			res:    shell.Result{ExitCode: 0},
			want:   100,
		},
		{
			name:   "unknown name binary fail",
			metric: models.Metric{Name: "build"},
			res:    shell.Result{ExitCode: 1},
			want:   0,
		},
		{
			name:   "codeDuplication routes to the count parser by name alone",
			metric: models.Metric{Name: "codeDuplication", Target: 0},
			res:    shell.Result{Stdout: "7\n", ExitCode: 0},
			want:   93,
		},
		{
			name:   "timeout wins over output",
			metric: models.Metric{Name: "tests"},
			res:    shell.Result{Stdout: "10 passed", TimedOut: true},
			want:   0,
		},
		{
			name:   "spawn failure scores zero",
			metric: models.Metric{Name: "build"},
			res:    shell.Result{ExitCode: shell.ExitSpawnFailure},
			want:   0,
		},
		{
			name:   "stderr feeds the parser",
			metric: models.Metric{Name: "lint"},
			res:    shell.Result{Stderr: "2 problems (2 errors, 0 warnings)", ExitCode: 1},
			want:   90,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseScore(tt.metric, tt.res))
		})
	}
}

func repeatLines(line string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += line + "\n"
	}
	return out
}
