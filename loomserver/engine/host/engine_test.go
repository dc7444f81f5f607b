package host

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/loom/loomserver/config"
	"tangled.org/loom/loomserver/engine"
	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/workflow"
)

func testEngine(t *testing.T) (*Engine, *config.Config) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Pipelines.WorkspaceDir = t.TempDir()
	cfg.Pipelines.LogDir = t.TempDir()

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return e, cfg
}

func testLogger(t *testing.T, cfg *config.Config, id models.RunID) *models.RunLogger {
	t.Helper()
	rl, err := models.NewRunLogger(cfg.Pipelines.LogDir, id)
	require.NoError(t, err)
	t.Cleanup(func() { rl.Close() })
	return rl
}

func readLogLines(t *testing.T, cfg *config.Config, id models.RunID) []models.LogLine {
	t.Helper()
	f, err := os.Open(models.LogFilePath(cfg.Pipelines.LogDir, id))
	require.NoError(t, err)
	defer f.Close()

	var lines []models.LogLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ll models.LogLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ll))
		lines = append(lines, ll)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestRunStepSuccess(t *testing.T) {
	e, cfg := testEngine(t)

	id := models.JobID{Run: models.NewRunID(), Name: "build"}
	job := &workflow.Job{
		Name:  "build",
		Steps: []workflow.Step{{Name: "greet", Command: "echo hello"}},
	}
	rl := testLogger(t, cfg, id.Run)

	require.NoError(t, e.SetupJob(context.Background(), id, job))
	defer e.DestroyJob(context.Background(), id)

	code, err := e.RunStep(context.Background(), id, job, 0, nil, rl)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	lines := readLogLines(t, cfg, id.Run)
	require.NotEmpty(t, lines)
	assert.Equal(t, "hello", lines[0].Data)
	assert.Equal(t, "stdout", lines[0].Stream)
	assert.Equal(t, "build", lines[0].Job)
}

func TestRunStepNonZeroExit(t *testing.T) {
	e, cfg := testEngine(t)

	id := models.JobID{Run: models.NewRunID(), Name: "build"}
	job := &workflow.Job{
		Name:  "build",
		Steps: []workflow.Step{{Name: "boom", Command: "echo bad >&2; exit 3"}},
	}
	rl := testLogger(t, cfg, id.Run)

	require.NoError(t, e.SetupJob(context.Background(), id, job))
	defer e.DestroyJob(context.Background(), id)

	code, err := e.RunStep(context.Background(), id, job, 0, nil, rl)
	assert.ErrorIs(t, err, engine.ErrStepFailed)
	assert.Equal(t, 3, code)

	lines := readLogLines(t, cfg, id.Run)
	require.NotEmpty(t, lines)
	assert.Equal(t, "bad", lines[0].Data)
	assert.Equal(t, "stderr", lines[0].Stream)
}

func TestRunStepTimeout(t *testing.T) {
	e, cfg := testEngine(t)

	id := models.JobID{Run: models.NewRunID(), Name: "build"}
	job := &workflow.Job{
		Name:  "build",
		Steps: []workflow.Step{{Name: "sleep", Command: "sleep 30"}},
	}
	rl := testLogger(t, cfg, id.Run)

	require.NoError(t, e.SetupJob(context.Background(), id, job))
	defer e.DestroyJob(context.Background(), id)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.RunStep(ctx, id, job, 0, nil, rl)
	assert.ErrorIs(t, err, engine.ErrTimedOut)
	assert.Less(t, time.Since(start), 5*time.Second, "step should be killed, not waited out")
}

func TestRunStepCancelled(t *testing.T) {
	e, cfg := testEngine(t)

	id := models.JobID{Run: models.NewRunID(), Name: "build"}
	job := &workflow.Job{
		Name:  "build",
		Steps: []workflow.Step{{Name: "sleep", Command: "sleep 30"}},
	}
	rl := testLogger(t, cfg, id.Run)

	require.NoError(t, e.SetupJob(context.Background(), id, job))
	defer e.DestroyJob(context.Background(), id)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := e.RunStep(ctx, id, job, 0, nil, rl)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, engine.ErrTimedOut)
}

func TestRunStepEnvironment(t *testing.T) {
	e, cfg := testEngine(t)

	id := models.JobID{Run: models.NewRunID(), Name: "build"}
	job := &workflow.Job{
		Name:        "build",
		Environment: map[string]string{"GREETING": "hi"},
		Steps: []workflow.Step{{
			Name:        "env",
			Command:     `echo "$GREETING $SUBJECT $LOOM_COMMIT_SHA"`,
			Environment: map[string]string{"SUBJECT": "there"},
		}},
	}
	rl := testLogger(t, cfg, id.Run)

	require.NoError(t, e.SetupJob(context.Background(), id, job))
	defer e.DestroyJob(context.Background(), id)

	code, err := e.RunStep(context.Background(), id, job, 0, map[string]string{"LOOM_COMMIT_SHA": "deadbeef"}, rl)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	lines := readLogLines(t, cfg, id.Run)
	require.NotEmpty(t, lines)
	assert.Equal(t, "hi there deadbeef", lines[0].Data)
}

func TestRunStepRunsInWorkspace(t *testing.T) {
	e, cfg := testEngine(t)

	id := models.JobID{Run: models.NewRunID(), Name: "build"}
	job := &workflow.Job{
		Name: "build",
		Steps: []workflow.Step{
			{Name: "write", Command: "echo persisted > state.txt"},
			{Name: "read", Command: "cat state.txt"},
		},
	}
	rl := testLogger(t, cfg, id.Run)

	require.NoError(t, e.SetupJob(context.Background(), id, job))

	_, err := e.RunStep(context.Background(), id, job, 0, nil, rl)
	require.NoError(t, err)
	_, err = e.RunStep(context.Background(), id, job, 1, nil, rl)
	require.NoError(t, err)

	lines := readLogLines(t, cfg, id.Run)
	require.NotEmpty(t, lines)
	assert.Equal(t, "persisted", lines[len(lines)-1].Data)

	require.NoError(t, e.DestroyJob(context.Background(), id))
	_, err = os.Stat(e.workspace(id))
	assert.True(t, os.IsNotExist(err), "workspace should be removed")
}
