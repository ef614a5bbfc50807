package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPattern is the source form of a credential pattern before compilation.
type builtinPattern struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns are the credential patterns every Masker applies to
// user-facing text. Order matters: specific token shapes run before the
// generic assignment sweep so replacements do not shadow each other.
var builtinPatterns = []builtinPattern{
	{
		Name:        "private_key_block",
		Pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		Replacement: "[MASKED_PRIVATE_KEY]",
		Description: "PEM private key blocks",
	},
	{
		Name:        "github_token",
		Pattern:     `\b(?:gh[pousr]_[A-Za-z0-9]{16,}|github_pat_[A-Za-z0-9_]{22,})\b`,
		Replacement: "[MASKED_TOKEN]",
		Description: "GitHub personal access and fine-grained tokens",
	},
	{
		Name:        "provider_api_key",
		Pattern:     `\bsk-[A-Za-z0-9_-]{16,}\b`,
		Replacement: "[MASKED_API_KEY]",
		Description: "LLM provider API keys (sk- prefix)",
	},
	{
		Name:        "aws_access_key",
		Pattern:     `\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`,
		Replacement: "[MASKED_AWS_KEY]",
		Description: "AWS access key identifiers",
	},
	{
		Name:        "bearer_token",
		Pattern:     `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		Replacement: "Bearer [MASKED_TOKEN]",
		Description: "HTTP Authorization bearer tokens",
	},
	{
		Name:        "url_credentials",
		Pattern:     `\b(https?://)[^/\s:@]+:[^/\s@]+@`,
		Replacement: "$1[MASKED_CREDENTIALS]@",
		Description: "Basic-auth userinfo embedded in URLs",
	},
	{
		Name:        "secret_assignment",
		Pattern:     `(?i)\b((?:api[_-]?key|access[_-]?key|auth[_-]?token|secret|token|password|passwd)\s*[=:]\s*)(["']?)[^\s"',;]{8,}`,
		Replacement: "$1$2[MASKED]",
		Description: "Key/value assignments of secret-looking variables",
	},
}

// compilePatterns compiles the built-in pattern table.
// Invalid patterns are logged and skipped.
func compilePatterns() []*CompiledPattern {
	compiled := make([]*CompiledPattern, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		compiled = append(compiled, &CompiledPattern{
			Name:        p.Name,
			Regex:       re,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}
	return compiled
}
