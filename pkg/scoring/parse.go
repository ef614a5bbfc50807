package scoring

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/shell"
)

// Output patterns for the recognised metric families. All are matched
// against the combined stdout+stderr text; (?s) lets counts sit on
// different lines of a runner summary.
var (
	testsPassFail   = regexp.MustCompile(`(?si)(\d+)\s+pass(?:ed|ing)?\b.*?(\d+)\s+fail`)
	testsFailPass   = regexp.MustCompile(`(?si)(\d+)\s+fail(?:ed|ing)?\b.*?(\d+)\s+pass`)
	testsPassOnly   = regexp.MustCompile(`(?i)(\d+)\s+pass(?:ed|ing)?\b`)
	testsFailToken  = regexp.MustCompile(`(?i)\bfail(?:ed|ing|ure)?\b`)
	tscError        = regexp.MustCompile(`error TS\d+:`)
	lintSummary     = regexp.MustCompile(`(?i)(\d+)\s+problems?\s+\((\d+)\s+errors?,\s*(\d+)\s+warnings?\)`)
	lintErrorLine   = regexp.MustCompile(`\d+:\d+\s+error\b`)
	coverageAll     = regexp.MustCompile(`All files\s*\|\s*(\d+(?:\.\d+)?)\s*%`)
	coverageGeneric = regexp.MustCompile(`(?i)coverage[:\s]+(\d+(?:\.\d+)?)\s*%`)
	firstInteger    = regexp.MustCompile(`-?\d+`)
)

// parseScore maps one command outcome to a 0-100 score. Dispatch is by
// metric name (case-insensitive), then by the higher-is-better flag,
// then binary exit-code mapping.
func parseScore(metric models.Metric, res shell.Result) int {
	// A command that never produced a usable outcome scores zero
	// regardless of family.
	if res.TimedOut || res.ExitCode == shell.ExitSpawnFailure {
		return 0
	}

	output := combinedOutput(res)

	switch strings.ToLower(metric.Name) {
	case "tests", "test":
		return parseTests(output, res.ExitCode)
	case "typescript", "tsc":
		return parseTypeScript(output, res.ExitCode)
	case "lint", "eslint":
		return parseLint(output, res.ExitCode)
	case "coverage":
		return parseCoverage(output, res.ExitCode)
	case "codeduplication":
		// Duplication counts score lower-is-better even when the preset
		// leaves the flag at its default.
		return parseCount(metric, output, res.ExitCode)
	}

	if !metric.IsHigherBetter() {
		return parseCount(metric, output, res.ExitCode)
	}

	return binaryScore(res.ExitCode)
}

// parseTests reads a test-runner summary. Pass/fail counts yield the
// pass ratio; a lone pass count with no failure token means everything
// passed; anything else falls back to the exit code.
func parseTests(output string, exitCode int) int {
	if m := testsPassFail.FindStringSubmatch(output); m != nil {
		return ratioScore(m[1], m[2])
	}
	if m := testsFailPass.FindStringSubmatch(output); m != nil {
		return ratioScore(m[2], m[1])
	}
	if m := testsPassOnly.FindStringSubmatch(output); m != nil && !testsFailToken.MatchString(output) {
		return 100
	}
	return binaryScore(exitCode)
}

// ratioScore computes pass/(pass+fail) as a 0-100 integer.
func ratioScore(passStr, failStr string) int {
	pass, err1 := strconv.Atoi(passStr)
	fail, err2 := strconv.Atoi(failStr)
	if err1 != nil || err2 != nil || pass+fail == 0 {
		return 0
	}
	return int(math.Round(float64(pass) / float64(pass+fail) * 100))
}

// parseTypeScript scores a compiler run: clean exit is perfect, else
// each diagnostic line costs 5 points.
func parseTypeScript(output string, exitCode int) int {
	if exitCode == 0 {
		return 100
	}
	errors := len(tscError.FindAllString(output, -1))
	return clampScore(100 - 5*errors)
}

// parseLint reads the eslint summary line; each error costs 5 points
// and each warning 1. Without a summary it counts per-line error
// markers, and with nothing to count falls back to the exit code.
func parseLint(output string, exitCode int) int {
	if m := lintSummary.FindStringSubmatch(output); m != nil {
		errors, _ := strconv.Atoi(m[2])
		warnings, _ := strconv.Atoi(m[3])
		return clampScore(100 - 5*errors - warnings)
	}
	if errors := len(lintErrorLine.FindAllString(output, -1)); errors > 0 {
		return clampScore(100 - 5*errors)
	}
	return binaryScore(exitCode)
}

// parseCoverage extracts a percentage from a coverage report.
func parseCoverage(output string, exitCode int) int {
	m := coverageAll.FindStringSubmatch(output)
	if m == nil {
		m = coverageGeneric.FindStringSubmatch(output)
	}
	if m == nil {
		return binaryScore(exitCode)
	}

	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return binaryScore(exitCode)
	}
	return clampScore(int(math.Round(pct)))
}

// parseCount scores a lower-is-better metric whose command emits an
// occurrence count: each hit costs the metric's scale factor.
func parseCount(metric models.Metric, output string, exitCode int) int {
	m := firstInteger.FindString(strings.TrimSpace(output))
	if m == "" {
		return binaryScore(exitCode)
	}

	count, err := strconv.Atoi(m)
	if err != nil || count < 0 {
		return binaryScore(exitCode)
	}
	return clampScore(100 - int(math.Round(metric.ScaleOrDefault()*float64(count))))
}

// binaryScore maps an exit code to all-or-nothing.
func binaryScore(exitCode int) int {
	if exitCode == 0 {
		return 100
	}
	return 0
}

// clampScore bounds a computed score to [0, 100].
func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
