package config

import "time"

// QueueConfig contains queue and worker pool configuration.
// These values control how sessions are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and processes sessions.
	WorkerCount int

	// MaxConcurrentSessions is the global limit of concurrent sessions being
	// processed across ALL replicas/pods. Enforced by database COUNT(*) check.
	MaxConcurrentSessions int

	// PollInterval is the base interval for checking pending sessions.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// SessionTimeout is the maximum time a session can be processed.
	SessionTimeout time.Duration

	// HeartbeatInterval is how often a worker refreshes its session's
	// last_interaction_at while processing. Must be well under
	// OrphanThreshold.
	HeartbeatInterval time.Duration

	// GracefulShutdownTimeout is the max time to wait for active sessions
	// to complete during shutdown. Should match SessionTimeout.
	GracefulShutdownTimeout time.Duration

	// OrphanDetectionInterval is how often to scan for orphaned sessions.
	OrphanDetectionInterval time.Duration

	// OrphanThreshold is how long a session can go without a heartbeat
	// before it is considered orphaned.
	OrphanThreshold time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             2,
		MaxConcurrentSessions:   2,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		SessionTimeout:          15 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		GracefulShutdownTimeout: 15 * time.Minute,
		OrphanDetectionInterval: 1 * time.Minute,
		OrphanThreshold:         2 * time.Minute,
	}
}

// QueueFromEnv returns the queue defaults with the worker-sizing knobs
// overridable from the environment.
func QueueFromEnv() *QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.WorkerCount = getEnvInt("POLISH_WORKER_COUNT", cfg.WorkerCount)
	cfg.MaxConcurrentSessions = getEnvInt("POLISH_MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	cfg.SessionTimeout = getEnvDuration("POLISH_SESSION_TIMEOUT", cfg.SessionTimeout)
	cfg.GracefulShutdownTimeout = cfg.SessionTimeout
	return cfg
}
