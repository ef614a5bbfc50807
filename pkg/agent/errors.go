package agent

import "fmt"

// CLINotFoundError reports that the agent CLI binary could not be
// located. Callers surface this as a configuration problem rather than
// a run failure.
type CLINotFoundError struct {
	Path string
	Err  error
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("agent CLI %q not found: %v", e.Path, e.Err)
}

func (e *CLINotFoundError) Unwrap() error {
	return e.Err
}
