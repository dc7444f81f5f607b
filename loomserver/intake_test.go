package loomserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/loom/log"
	"tangled.org/loom/loomserver/config"
	"tangled.org/loom/loomserver/db"
	"tangled.org/loom/loomserver/engine/host"
	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/loomserver/runner"
	"tangled.org/loom/loomserver/scheduler"
	"tangled.org/loom/notifier"
	"tangled.org/loom/workflow"
)

func testLoom(t *testing.T) (*Loom, *httptest.Server) {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.Server{
			DBPath: filepath.Join(dir, "loom.db"),
		},
		Pipelines: config.Pipelines{
			Engine:       "host",
			DefDir:       filepath.Join(dir, "pipelines"),
			LogDir:       filepath.Join(dir, "logs"),
			WorkspaceDir: filepath.Join(dir, "workspaces"),
			JobTimeout:   time.Minute,
			QueueTimeout: 10 * time.Second,
			MaxRuns:      4,
			MaxPerBranch: 2,
			Runners:      2,
			QueueSize:    16,
			Workers:      2,
			InfraRetries: 1,
		},
	}
	require.NoError(t, os.MkdirAll(cfg.Pipelines.DefDir, 0755))

	d, err := db.Make(cfg.Server.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	n := notifier.New()
	eng, err := host.New(context.Background(), cfg)
	require.NoError(t, err)

	pool := runner.NewPool(cfg.Pipelines.Runners)
	t.Cleanup(pool.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sched := scheduler.New(ctx, d, &n, eng, pool, cfg)
	sched.Start()
	t.Cleanup(sched.Stop)

	loom := &Loom{
		l:     log.New("loom-test"),
		db:    d,
		n:     &n,
		store: workflow.NewStore(cfg.Pipelines.DefDir, log.New("store-test")),
		sched: sched,
		cfg:   cfg,
	}

	srv := httptest.NewServer(loom.Router())
	t.Cleanup(srv.Close)

	return loom, srv
}

func writeDef(t *testing.T, loom *Loom, repo, contents string) {
	t.Helper()
	path := filepath.Join(loom.cfg.Pipelines.DefDir, repo+".yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	loom.store.Invalidate(repo)
}

func postEvent(t *testing.T, srv *httptest.Server, ev workflow.TriggerEvent) *http.Response {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestIntakeAdmitsRun(t *testing.T) {
	loom, srv := testLoom(t)

	writeDef(t, loom, "example/repo", `
jobs:
  - name: build
    steps:
      - command: echo ok
`)

	resp := postEvent(t, srv, workflow.TriggerEvent{
		Repo:      "example/repo",
		Branch:    "refs/heads/main",
		CommitSHA: "deadbeef",
		Kind:      workflow.TriggerKindPush,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	id := models.RunID(body["run_id"])
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		run, err := loom.db.GetRun(id)
		return err == nil && run.Status == models.StatusSuccess
	}, 30*time.Second, 25*time.Millisecond)

	// ref got normalized on the way in
	run, err := loom.db.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "main", run.Branch)
}

func TestIntakeNoDefinition(t *testing.T) {
	_, srv := testLoom(t)

	resp := postEvent(t, srv, workflow.TriggerEvent{
		Repo:      "nobody/nothing",
		Branch:    "main",
		CommitSHA: "deadbeef",
		Kind:      workflow.TriggerKindPush,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIntakeInvalidDefinition(t *testing.T) {
	loom, srv := testLoom(t)

	writeDef(t, loom, "example/repo", `
jobs:
  - name: build
    steps: []
`)

	resp := postEvent(t, srv, workflow.TriggerEvent{
		Repo:      "example/repo",
		Branch:    "main",
		CommitSHA: "deadbeef",
		Kind:      workflow.TriggerKindPush,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestIntakeBadPayload(t *testing.T) {
	loom, srv := testLoom(t)

	writeDef(t, loom, "example/repo", `
jobs:
  - name: build
    steps:
      - command: "true"
`)

	for name, ev := range map[string]workflow.TriggerEvent{
		"unknown kind":   {Repo: "example/repo", Branch: "main", CommitSHA: "deadbeef", Kind: "merge"},
		"missing repo":   {Branch: "main", CommitSHA: "deadbeef", Kind: workflow.TriggerKindPush},
		"missing branch": {Repo: "example/repo", CommitSHA: "deadbeef", Kind: workflow.TriggerKindPush},
		"missing sha":    {Repo: "example/repo", Branch: "main", Kind: workflow.TriggerKindPush},
	} {
		resp := postEvent(t, srv, ev)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestIntakeNoMatchingJobs(t *testing.T) {
	loom, srv := testLoom(t)

	writeDef(t, loom, "example/repo", `
jobs:
  - name: build
    when:
      - event: push
        branch: main
    steps:
      - command: "true"
`)

	resp := postEvent(t, srv, workflow.TriggerEvent{
		Repo:      "example/repo",
		Branch:    "feature/other",
		CommitSHA: "deadbeef",
		Kind:      workflow.TriggerKindPush,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetRunEndpoints(t *testing.T) {
	loom, srv := testLoom(t)

	writeDef(t, loom, "example/repo", `
jobs:
  - name: build
    steps:
      - command: echo ok
`)

	resp := postEvent(t, srv, workflow.TriggerEvent{
		Repo:      "example/repo",
		Branch:    "main",
		CommitSHA: "deadbeef",
		Kind:      workflow.TriggerKindPush,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["run_id"]

	require.Eventually(t, func() bool {
		run, err := loom.db.GetRun(models.RunID(id))
		return err == nil && run.Status.Terminal()
	}, 30*time.Second, 25*time.Millisecond)

	got, err := http.Get(srv.URL + "/runs/" + id)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var run models.Run
	require.NoError(t, json.NewDecoder(got.Body).Decode(&run))
	assert.Equal(t, models.StatusSuccess, run.Status)
	assert.Len(t, run.Jobs, 1)

	list, err := http.Get(srv.URL + "/runs")
	require.NoError(t, err)
	defer list.Body.Close()
	var runs []models.Run
	require.NoError(t, json.NewDecoder(list.Body).Decode(&runs))
	assert.Len(t, runs, 1)

	missing, err := http.Get(srv.URL + "/runs/no-such-run")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	loom, srv := testLoom(t)

	writeDef(t, loom, "example/repo", `
jobs:
  - name: build
    steps:
      - command: sleep 30
`)

	resp := postEvent(t, srv, workflow.TriggerEvent{
		Repo:      "example/repo",
		Branch:    "main",
		CommitSHA: "deadbeef",
		Kind:      workflow.TriggerKindPush,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["run_id"]

	require.Eventually(t, func() bool {
		run, err := loom.db.GetRun(models.RunID(id))
		return err == nil && run.Status == models.StatusRunning
	}, 10*time.Second, 25*time.Millisecond)

	cancelResp, err := http.Post(srv.URL+"/runs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	cancelResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, cancelResp.StatusCode)

	require.Eventually(t, func() bool {
		run, err := loom.db.GetRun(models.RunID(id))
		return err == nil && run.Status == models.StatusCancelled
	}, 10*time.Second, 25*time.Millisecond)

	// cancelling a terminal run reports its status instead
	again, err := http.Post(srv.URL+"/runs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, again.StatusCode)
	assert.Equal(t, string(models.StatusCancelled), decodeBody(t, again)["status"])

	gone, err := http.Post(srv.URL+"/runs/does-not-exist/cancel", "application/json", nil)
	require.NoError(t, err)
	gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}
