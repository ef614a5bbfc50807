package masking

import (
	"log/slog"
	"os"
	"strings"
)

// Masker applies credential and path masking to user-facing text: event
// payloads, prompt-embedded command output, and error messages. Logs keep
// the original text; only what leaves the process is masked.
//
// Created once at application startup. Thread-safe and stateless aside from
// compiled patterns.
type Masker struct {
	patterns []*CompiledPattern
	home     string
}

// Option configures a Masker.
type Option func(*Masker)

// WithHome overrides the home directory used for path stripping.
// Used in tests; the default comes from os.UserHomeDir.
func WithHome(home string) Option {
	return func(m *Masker) { m.home = home }
}

// NewMasker creates a masker with all built-in patterns compiled eagerly.
// Invalid patterns are logged and skipped.
func NewMasker(opts ...Option) *Masker {
	m := &Masker{patterns: compilePatterns()}
	if home, err := os.UserHomeDir(); err == nil {
		m.home = home
	}
	for _, opt := range opts {
		opt(m)
	}

	slog.Debug("Masker initialized",
		"patterns", len(m.patterns),
		"home_stripping", m.home != "")

	return m
}

// Mask applies home-path stripping then the credential pattern sweep.
// Empty input is returned unchanged.
func (m *Masker) Mask(text string) string {
	if text == "" {
		return text
	}

	masked := m.stripHome(text)
	for _, p := range m.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// MaskError masks an error's message for user-facing surfaces.
// A nil error yields the empty string.
func (m *Masker) MaskError(err error) string {
	if err == nil {
		return ""
	}
	return m.Mask(err.Error())
}

// stripHome replaces every occurrence of the home directory with "~".
// Paths under other users' homes are left alone: they are not ours to know.
func (m *Masker) stripHome(text string) string {
	if m.home == "" || m.home == "/" {
		return text
	}
	return strings.ReplaceAll(text, strings.TrimRight(m.home, "/"), "~")
}
