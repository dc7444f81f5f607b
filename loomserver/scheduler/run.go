package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"tangled.org/loom/loomserver/engine"
	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/workflow"
)

// jobState lets dependents wait on a job and observe its outcome.
type jobState struct {
	done   chan struct{}
	status models.Status
}

// execute drives one run to a terminal status. Jobs run in parallel
// (gated by their "needs" edges); a job failing does not halt its
// siblings, only its own remaining steps.
func (s *Scheduler) execute(ar *activeRun, def *workflow.Definition, jobs []workflow.Job) error {
	// Cancel/supersede already marked runs they caught in the queue
	if !s.begin(ar) {
		ar.cancel()
		return nil
	}

	defer s.unregister(ar)
	defer ar.cancel()

	// shutdown can cancel the root context between begin and here
	if ar.ctx.Err() != nil {
		return s.db.MarkRunCancelled(ar.id, s.cancelReason(ar), s.n)
	}

	// global run slot; honours FIFO admission under contention
	if err := s.sem.Acquire(ar.ctx, 1); err != nil {
		return s.db.MarkRunCancelled(ar.id, s.cancelReason(ar), s.n)
	}
	defer s.sem.Release(1)

	if err := s.db.MarkRunRunning(ar.id, s.n); err != nil {
		return err
	}

	rl, err := models.NewRunLogger(s.cfg.Pipelines.LogDir, ar.id)
	if err != nil {
		s.l.Error("failed to open run log", "run", ar.id, "error", err)
		return s.db.MarkRunFailed(ar.id, models.ReasonInfrastructure, err.Error(), s.n)
	}
	defer rl.Close()

	states := make(map[string]*jobState, len(jobs))
	for _, j := range jobs {
		states[j.Name] = &jobState{done: make(chan struct{})}
	}

	g := errgroup.Group{}
	for _, j := range jobs {
		g.Go(func() error {
			return s.runJob(ar, j, states, rl)
		})
	}
	jobErr := g.Wait()

	switch {
	case ar.ctx.Err() != nil && jobErr == nil:
		// cascades to any job execution that never got to mark itself
		return s.db.MarkRunCancelled(ar.id, s.cancelReason(ar), s.n)

	case jobErr != nil:
		s.l.Error("run failed", "run", ar.id, "error", jobErr)
		return s.db.MarkRunFailed(ar.id, reasonOf(jobErr), jobErr.Error(), s.n)

	default:
		s.l.Info("run succeeded", "run", ar.id)
		return s.db.MarkRunSuccess(ar.id, s.n)
	}
}

// runJob waits out its dependencies, checks a runner out of the pool,
// and runs the job's steps strictly in order. First failing step
// halts the job (fail-fast).
func (s *Scheduler) runJob(ar *activeRun, job workflow.Job, states map[string]*jobState, rl *models.RunLogger) error {
	jid := models.JobID{Run: ar.id, Name: job.Name}
	st := states[job.Name]
	st.status = models.StatusCancelled
	defer close(st.done)

	// dependency gating: a failed or cancelled dependency cancels
	// this job without running any of its steps
	for _, need := range job.Needs {
		dep, ok := states[need]
		if !ok {
			// dependency did not match this trigger; nothing to wait for
			continue
		}

		select {
		case <-dep.done:
			if dep.status != models.StatusSuccess {
				return s.db.MarkJobCancelled(jid, models.ReasonDependency, s.n)
			}
		case <-ar.ctx.Done():
			return s.db.MarkJobCancelled(jid, s.cancelReason(ar), s.n)
		}
	}

	// runner checkout, bounded by the queue timeout
	acqCtx, acqCancel := context.WithTimeout(ar.ctx, s.cfg.Pipelines.QueueTimeout)
	defer acqCancel()
	if err := s.pool.Acquire(acqCtx); err != nil {
		if ar.ctx.Err() != nil {
			return s.db.MarkJobCancelled(jid, s.cancelReason(ar), s.n)
		}
		st.status = models.StatusFailed
		if markErr := s.db.MarkJobFailed(jid, models.ReasonInfrastructure, -1, "timed out waiting for a runner", s.n); markErr != nil {
			return markErr
		}
		return fmt.Errorf("%w: job %s: no runner available", engine.ErrInfrastructure, job.Name)
	}
	defer s.pool.Release()

	if err := s.db.MarkJobRunning(jid, s.n); err != nil {
		return err
	}

	timeout := s.cfg.Pipelines.JobTimeout
	if job.Timeout.Std() > 0 {
		timeout = job.Timeout.Std()
	}
	jobCtx, jobCancel := context.WithTimeout(ar.ctx, timeout)
	defer jobCancel()

	// workspace setup is pure infrastructure; retry it
	err := retry.Do(
		func() error { return s.eng.SetupJob(jobCtx, jid, &job) },
		retry.Attempts(s.cfg.Pipelines.InfraRetries),
		retry.Context(jobCtx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, engine.ErrInfrastructure) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		st.status = models.StatusFailed
		if markErr := s.db.MarkJobFailed(jid, models.ReasonInfrastructure, -1, err.Error(), s.n); markErr != nil {
			return markErr
		}
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	defer s.eng.DestroyJob(context.WithoutCancel(ar.ctx), jid)

	extraEnv := map[string]string{
		"LOOM_RUN_ID":     string(ar.id),
		"LOOM_REPO":       ar.repo,
		"LOOM_BRANCH":     ar.branch,
		"LOOM_COMMIT_SHA": ar.commitSHA,
		"LOOM_EVENT":      ar.event,
		"LOOM_JOB":        job.Name,
	}

	for idx := range job.Steps {
		res, err := s.runStep(jobCtx, ar, jid, job, idx, extraEnv, rl)
		if res != nil {
			if recErr := s.db.RecordStepResult(jid, *res, s.n); recErr != nil {
				s.l.Error("failed to record step result", "job", jid.String(), "error", recErr)
			}
		}

		if err == nil {
			continue
		}

		// fail-fast: remaining steps never run, never get results
		switch {
		case errors.Is(err, engine.ErrTimedOut):
			st.status = models.StatusFailed
			if markErr := s.db.MarkJobFailed(jid, models.ReasonTimeout, -1, "job exceeded its timeout", s.n); markErr != nil {
				return markErr
			}
			return fmt.Errorf("job %s: %w", job.Name, err)

		case errors.Is(err, context.Canceled) && ar.ctx.Err() != nil:
			return s.db.MarkJobCancelled(jid, s.cancelReason(ar), s.n)

		case errors.Is(err, engine.ErrStepFailed):
			st.status = models.StatusFailed
			if markErr := s.db.MarkJobFailed(jid, models.ReasonStepFailed, res.ExitCode, err.Error(), s.n); markErr != nil {
				return markErr
			}
			return fmt.Errorf("job %s: step %d: %w", job.Name, idx, err)

		default:
			st.status = models.StatusFailed
			if markErr := s.db.MarkJobFailed(jid, models.ReasonInfrastructure, -1, err.Error(), s.n); markErr != nil {
				return markErr
			}
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
	}

	st.status = models.StatusSuccess
	return s.db.MarkJobSuccess(jid, s.n)
}

// runStep runs a single step, retrying infrastructure-level failures
// a bounded number of times. Step failures (non-zero exit) are never
// retried.
func (s *Scheduler) runStep(ctx context.Context, ar *activeRun, jid models.JobID, job workflow.Job, idx int, extraEnv map[string]string, rl *models.RunLogger) (*models.StepResult, error) {
	step := job.Steps[idx]
	name := step.Name
	if name == "" {
		name = fmt.Sprintf("step-%d", idx)
	}

	if err := rl.Control(job.Name, idx, name, models.StatusRunning); err != nil {
		s.l.Error("failed to write control line", "job", jid.String(), "error", err)
	}
	if err := s.db.NotifyStepStarted(jid, name, s.n); err != nil {
		s.l.Error("failed to publish step start", "job", jid.String(), "error", err)
	}

	start := time.Now()
	var code int
	err := retry.Do(
		func() error {
			var stepErr error
			code, stepErr = s.eng.RunStep(ctx, jid, &job, idx, extraEnv, rl)
			return stepErr
		},
		retry.Attempts(s.cfg.Pipelines.InfraRetries),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, engine.ErrInfrastructure) }),
		retry.LastErrorOnly(true),
	)

	res := &models.StepResult{
		Index:    idx,
		Name:     name,
		Command:  step.Command,
		ExitCode: code,
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		res.Status = models.StatusSuccess
	case errors.Is(err, context.Canceled) && ar.ctx.Err() != nil:
		res.Status = models.StatusCancelled
	default:
		res.Status = models.StatusFailed
	}

	if ctlErr := rl.Control(job.Name, idx, name, res.Status); ctlErr != nil {
		s.l.Error("failed to write control line", "job", jid.String(), "error", ctlErr)
	}

	return res, err
}

func reasonOf(err error) models.Reason {
	switch {
	case errors.Is(err, engine.ErrTimedOut):
		return models.ReasonTimeout
	case errors.Is(err, engine.ErrStepFailed):
		return models.ReasonStepFailed
	case errors.Is(err, engine.ErrInfrastructure):
		return models.ReasonInfrastructure
	}
	return models.ReasonStepFailed
}
