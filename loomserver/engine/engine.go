package engine

import (
	"context"

	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/workflow"
)

// Engine executes the steps of a single job on an acquired runner.
// Steps run strictly in declared order; the scheduler drives the
// loop and stops on the first failing step.
type Engine interface {
	// SetupJob prepares the job's workspace. Failures here are
	// infrastructure errors and may be retried.
	SetupJob(ctx context.Context, id models.JobID, job *workflow.Job) error

	// RunStep executes job.Steps[idx], streaming output into the run
	// logger as it is produced. Returns the step's exit code; a
	// non-zero exit comes back as ErrStepFailed, a deadline hit as
	// ErrTimedOut.
	RunStep(ctx context.Context, id models.JobID, job *workflow.Job, idx int, extraEnv map[string]string, logger *models.RunLogger) (int, error)

	// DestroyJob tears the workspace down. Called exactly once per
	// SetupJob, on completion or cancellation.
	DestroyJob(ctx context.Context, id models.JobID) error
}
