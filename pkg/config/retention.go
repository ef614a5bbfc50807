package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days to keep terminal sessions
	// before soft-deleting them (setting deleted_at).
	SessionRetentionDays int

	// EventTTL is the maximum age of orphaned Event rows before deletion.
	// Per-session cleanup handles the normal case; this is a safety net.
	EventTTL time.Duration

	// WorktreeRetention is the maximum age of a scratch worktree before
	// the sweeper reclaims it. The executor removes its worktree on every
	// normal exit; only crashed workers leave directories this old.
	WorktreeRetention time.Duration

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 90,
		EventTTL:             1 * time.Hour,
		WorktreeRetention:    24 * time.Hour,
		CleanupInterval:      12 * time.Hour,
	}
}
