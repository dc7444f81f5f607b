package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"tangled.org/loom/log"
	"tangled.org/loom/loomserver/config"
	"tangled.org/loom/loomserver/engine"
	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/workflow"
)

const workspaceDir = "/loom/workspace"

type cleanupFunc func(context.Context) error

// Engine runs one container per step on the Docker API. The job's
// workspace is a named volume mounted into every step container, so
// state written by one step is visible to the next.
type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    *config.Config

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	l := log.FromContext(ctx).With("component", "engine/docker")

	return &Engine{
		docker:  dcli,
		l:       l,
		cfg:     cfg,
		cleanup: make(map[string][]cleanupFunc),
	}, nil
}

func (e *Engine) jobImage(job *workflow.Job) string {
	if job.Image != "" {
		return job.Image
	}
	return e.cfg.Pipelines.DefaultImage
}

// SetupJob creates the job's workspace volume and network, then pulls
// the step image. Everything created here is registered for teardown
// in DestroyJob.
func (e *Engine) SetupJob(ctx context.Context, id models.JobID, job *workflow.Job) error {
	e.l.Info("setting up job", "job", id.String())

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(id),
		Driver: "local",
	})
	if err != nil {
		return fmt.Errorf("%w: creating workspace volume: %v", engine.ErrInfrastructure, err)
	}
	e.registerCleanup(id, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, workspaceVolume(id), true)
	})

	_, err = e.docker.NetworkCreate(ctx, networkName(id), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("%w: creating network: %v", engine.ErrInfrastructure, err)
	}
	e.registerCleanup(id, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(id))
	})

	img := e.jobImage(job)
	reader, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		e.l.Error("image pull failed", "image", img, "job", id.String(), "error", err.Error())
		return fmt.Errorf("%w: pulling image: %v", engine.ErrInfrastructure, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)

	return nil
}

func (e *Engine) RunStep(ctx context.Context, id models.JobID, job *workflow.Job, idx int, extraEnv map[string]string, logger *models.RunLogger) (int, error) {
	step := job.Steps[idx]

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
	}

	envs := engine.ConstructEnvs(job.Environment)
	for k, v := range step.Environment {
		envs.AddEnv(k, v)
	}
	for k, v := range extraEnv {
		envs.AddEnv(k, v)
	}
	envs.AddEnv("HOME", workspaceDir)
	envs.AddEnv("CI", "true")

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      e.jobImage(job),
		Cmd:        []string{"sh", "-c", step.Command},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "loom",
		Env:        envs.Slice(),
	}, hostConfig(id), nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("%w: creating container: %v", engine.ErrInfrastructure, err)
	}
	defer e.destroyStep(context.WithoutCancel(ctx), resp.ID)

	err = e.docker.NetworkConnect(ctx, networkName(id), resp.ID, nil)
	if err != nil {
		return -1, fmt.Errorf("%w: connecting network: %v", engine.ErrInfrastructure, err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return -1, fmt.Errorf("%w: starting container: %v", engine.ErrInfrastructure, err)
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name)

	// tail logs in the background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, logger, resp.ID, id, idx)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.waitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		<-tailDone

	case <-ctx.Done():
		e.l.Warn("killing in-flight step container", "container", resp.ID, "step", step.Name)
		if err := e.destroyStep(context.WithoutCancel(ctx), resp.ID); err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		<-waitDone
		<-tailDone

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, engine.ErrTimedOut
		}
		return -1, ctx.Err()
	}

	if waitErr != nil {
		return -1, fmt.Errorf("%w: waiting for container: %v", engine.ErrInfrastructure, waitErr)
	}

	if state.ExitCode != 0 {
		e.l.Error("step failed", "job", id.String(), "step", step.Name, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		return state.ExitCode, engine.ErrStepFailed
	}

	return 0, nil
}

func (e *Engine) waitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, logger *models.RunLogger, containerID string, id models.JobID, idx int) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(
		logger.DataWriter(id.Name, idx, "stdout"),
		logger.DataWriter(id.Name, idx, "stderr"),
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) destroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, id models.JobID) error {
	e.cleanupMu.Lock()
	key := id.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup job resource", "job", key, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(id models.JobID, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := id.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func workspaceVolume(id models.JobID) string {
	return fmt.Sprintf("workspace-%s", id)
}

func networkName(id models.JobID) string {
	return fmt.Sprintf("job-%s", id)
}

func hostConfig(id models.JobID) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(id),
				Target: workspaceDir,
			},
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
	}
}

func isErrContainerNotFoundOrNotRunning(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "is already in progress")
}
