package agent

import (
	"time"

	"github.com/codeready-toolchain/polish/pkg/models"
)

// PermissionMode controls how the agent CLI gates tool use.
type PermissionMode string

const (
	// PermissionDefault prompts according to the CLI's own settings.
	PermissionDefault PermissionMode = "default"
	// PermissionAcceptEdits auto-approves file edits.
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	// PermissionPlan restricts the agent to read-only planning.
	PermissionPlan PermissionMode = "plan"
	// PermissionBypass disables permission prompts entirely. The polish
	// loop runs with this mode inside the isolated worktree.
	PermissionBypass PermissionMode = "bypassPermissions"
)

// Provider selects the LLM backend for one invocation. Credentials are
// applied to the child process environment only and are never retained
// between invocations.
type Provider struct {
	// Kind names the provider family, e.g. "anthropic" or
	// "openai-compatible". Empty means the CLI's configured default.
	Kind    string
	BaseURL string
	APIKey  string
	Model   string
}

// DefaultEventBuffer is the stream channel capacity. The channel is
// never dropped from; a full buffer blocks the decoder, so the reader
// owns backpressure.
const DefaultEventBuffer = 256

// Config collects per-invocation driver settings. Build one with
// NewConfig; zero values mean CLI defaults.
type Config struct {
	Workdir           string
	CLIPath           string
	SystemPrompt      string
	Model             string
	AllowedTools      []string
	MCPConfig         string
	MaxThinkingTokens int
	Provider          Provider
	PermissionMode    PermissionMode
	Timeout           time.Duration
	EventBuffer       int
}

// Option configures one Stream invocation.
type Option func(*Config)

// NewConfig applies opts over defaults.
func NewConfig(opts ...Option) Config {
	cfg := Config{EventBuffer: DefaultEventBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithWorkdir sets the working directory of the agent process.
func WithWorkdir(dir string) Option {
	return func(c *Config) { c.Workdir = dir }
}

// WithCLIPath overrides the agent CLI binary for this invocation.
func WithCLIPath(path string) Option {
	return func(c *Config) { c.CLIPath = path }
}

// WithSystemPrompt appends a system prompt to the agent's defaults.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) { c.SystemPrompt = prompt }
}

// WithModel selects the model by name.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithAllowedTools restricts the agent to exactly these tool IDs.
func WithAllowedTools(tools ...string) Option {
	return func(c *Config) { c.AllowedTools = tools }
}

// WithMCPConfig passes an MCP server configuration file through to the
// CLI. The path is opaque to the driver.
func WithMCPConfig(path string) Option {
	return func(c *Config) { c.MCPConfig = path }
}

// WithMaxThinkingTokens bounds extended reasoning for this invocation.
func WithMaxThinkingTokens(n int) Option {
	return func(c *Config) { c.MaxThinkingTokens = n }
}

// WithProvider selects the LLM backend for this invocation.
func WithProvider(p Provider) Option {
	return func(c *Config) { c.Provider = p }
}

// WithPermissionMode sets the tool-permission mode.
func WithPermissionMode(mode PermissionMode) Option {
	return func(c *Config) { c.PermissionMode = mode }
}

// WithTimeout bounds the whole invocation. Zero means no driver-side
// limit beyond ctx.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithEventBuffer overrides the stream channel capacity.
func WithEventBuffer(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.EventBuffer = n
		}
	}
}

// CapabilityOptions translates a preset capability into driver options.
// Nil capability means no options.
func CapabilityOptions(c *models.Capability) []Option {
	if c == nil {
		return nil
	}
	var opts []Option
	if c.Model != "" {
		opts = append(opts, WithModel(c.Model))
	}
	if c.Prompt != "" {
		opts = append(opts, WithSystemPrompt(c.Prompt))
	}
	if len(c.AllowedTools) > 0 {
		opts = append(opts, WithAllowedTools(c.AllowedTools...))
	}
	if c.MCPConfig != "" {
		opts = append(opts, WithMCPConfig(c.MCPConfig))
	}
	if c.MaxThinkingTokens > 0 {
		opts = append(opts, WithMaxThinkingTokens(c.MaxThinkingTokens))
	}
	return opts
}
