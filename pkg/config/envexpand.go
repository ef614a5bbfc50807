package config

import (
	"bytes"
	"os"
	"text/template"
)

// promptPlaceholders are the template names the loop substitutes when
// rendering a strategy prompt. ExpandEnv must not consume them.
var promptPlaceholders = []string{"Metric", "Score", "Target", "Raw", "Mission"}

// ExpandEnv expands environment variables in preset content using Go
// templates. Uses {{.VAR_NAME}} syntax to avoid collision with $ in
// metric commands.
//
// This prevents conflicts with literal $ characters commonly found in:
//   - Shell commands: grep -c "TODO" $FILE, awk '{print $1}'
//   - Regex arguments: grep -E '^error.*$'
//   - Passwords and tokens passed inline
//
// Examples:
//   - {{.API_KEY}} → value of API_KEY environment variable
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both variables expanded
//   - command: "echo $PATH" → preserved literally ($ not touched)
//
// Missing variables expand to empty string (unless template is malformed).
// Validation should catch required fields that are empty.
//
// Strategy prompts carry their own {{.Metric}}-style placeholders that the
// loop renders per iteration. Those names are reserved and pass through
// untouched, even when an environment variable shadows them.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// If template parsing fails, return original data
		// This allows JSON without any template syntax to pass through
		return data
	}

	// Build environment map for template
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on first = to handle values with = in them
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			key := env[:idx]
			value := env[idx+1:]
			envMap[key] = value
		}
	}

	// Reserved prompt placeholders expand to themselves
	for _, name := range promptPlaceholders {
		envMap[name] = "{{." + name + "}}"
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		// If execution fails, return original data
		return data
	}

	return buf.Bytes()
}
