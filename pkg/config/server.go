package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig holds the environment-resolved settings for server mode.
// Database settings live in pkg/database; this covers everything else.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int

	// AgentCLI overrides the agent binary invoked by the driver.
	// Empty means the driver default.
	AgentCLI string

	// WebhookURL receives a POST for every terminal session when set.
	WebhookURL string

	// ScratchDir is the parent directory for session worktrees.
	// Empty means the OS temp dir.
	ScratchDir string

	// Queue holds worker pool settings.
	Queue *QueueConfig

	// Retention holds cleanup loop settings.
	Retention *RetentionConfig
}

// ServerFromEnv resolves the server configuration from the environment,
// applying built-in defaults for anything unset.
func ServerFromEnv() *ServerConfig {
	return &ServerConfig{
		Port:       getEnvInt("POLISH_PORT", 8080),
		AgentCLI:   getEnvOrDefault("POLISH_AGENT_CLI", ""),
		WebhookURL: getEnvOrDefault("POLISH_WEBHOOK_URL", ""),
		ScratchDir: getEnvOrDefault("POLISH_SCRATCH_DIR", ""),
		Queue:      QueueFromEnv(),
		Retention:  DefaultRetentionConfig(),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
