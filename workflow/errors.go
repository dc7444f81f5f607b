package workflow

import "fmt"

// ParseError means the definition file is not structurally sound.
// Non-retryable, surfaced to the definition author.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %s", e.Name, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError means the definition parsed but is semantically
// invalid: no jobs, a job with no steps, an unresolved "needs" edge,
// and so on. Validation runs once at load, never per run.
type ValidationError struct {
	Name   string
	Job    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Job != "" {
		return fmt.Sprintf("invalid definition %s: job %s: %s", e.Name, e.Job, e.Reason)
	}
	return fmt.Sprintf("invalid definition %s: %s", e.Name, e.Reason)
}
