package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"tangled.org/loom/log"
	"tangled.org/loom/loomserver/config"
	"tangled.org/loom/loomserver/engine"
	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/workflow"
)

// Engine runs steps as subprocesses on the orchestrator host, one
// `sh -c` per step, sharing a per-job workspace directory. Intended
// for dev mode and trusted single-tenant deployments; everything
// else should use the docker engine.
type Engine struct {
	l   *slog.Logger
	cfg *config.Config
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	l := log.FromContext(ctx).With("component", "engine/host")

	if err := os.MkdirAll(cfg.Pipelines.WorkspaceDir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return &Engine{l: l, cfg: cfg}, nil
}

func (e *Engine) workspace(id models.JobID) string {
	return filepath.Join(e.cfg.Pipelines.WorkspaceDir, id.String())
}

func (e *Engine) SetupJob(ctx context.Context, id models.JobID, job *workflow.Job) error {
	if err := os.MkdirAll(e.workspace(id), 0755); err != nil {
		return fmt.Errorf("%w: creating workspace: %v", engine.ErrInfrastructure, err)
	}
	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, id models.JobID) error {
	return os.RemoveAll(e.workspace(id))
}

func (e *Engine) RunStep(ctx context.Context, id models.JobID, job *workflow.Job, idx int, extraEnv map[string]string, logger *models.RunLogger) (int, error) {
	step := job.Steps[idx]

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
	}

	ws := e.workspace(id)

	envs := engine.ConstructEnvs(job.Environment)
	for k, v := range step.Environment {
		envs.AddEnv(k, v)
	}
	for k, v := range extraEnv {
		envs.AddEnv(k, v)
	}
	envs.AddEnv("HOME", ws)
	envs.AddEnv("PATH", os.Getenv("PATH"))
	envs.AddEnv("CI", "true")

	cmd := exec.Command("sh", "-c", step.Command)
	cmd.Dir = ws
	cmd.Env = envs.Slice()
	// own process group, so a kill reaches the whole step
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stdout pipe: %v", engine.ErrInfrastructure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stderr pipe: %v", engine.ErrInfrastructure, err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: starting step: %v", engine.ErrInfrastructure, err)
	}
	e.l.Info("started step", "job", id.String(), "step", step.Name, "pid", cmd.Process.Pid)

	var tails sync.WaitGroup
	tails.Add(2)
	go func() {
		defer tails.Done()
		_, _ = io.Copy(logger.DataWriter(id.Name, idx, "stdout"), stdout)
	}()
	go func() {
		defer tails.Done()
		_, _ = io.Copy(logger.DataWriter(id.Name, idx, "stderr"), stderr)
	}()

	done := make(chan error, 1)
	go func() {
		tails.Wait()
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			return 0, nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			e.l.Error("step failed", "job", id.String(), "step", step.Name, "exit_code", code)
			return code, engine.ErrStepFailed
		}
		return -1, fmt.Errorf("%w: waiting for step: %v", engine.ErrInfrastructure, err)

	case <-ctx.Done():
		e.l.Warn("killing in-flight step", "job", id.String(), "step", step.Name)
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, engine.ErrTimedOut
		}
		return -1, ctx.Err()
	}
}
