package engine

import "errors"

var (
	// ErrStepFailed: the step's command exited non-zero. Never
	// retried; fails the job immediately.
	ErrStepFailed = errors.New("step failed")

	// ErrTimedOut: the job's wall-clock timeout elapsed and the
	// in-flight step was forcibly terminated.
	ErrTimedOut = errors.New("job timed out")

	// ErrInfrastructure: the runner itself misbehaved (workspace
	// setup, image pull). Retried a bounded number of times before
	// the job fails.
	ErrInfrastructure = errors.New("infrastructure error")
)
