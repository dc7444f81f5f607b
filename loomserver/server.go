package loomserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"

	"tangled.org/loom/log"
	"tangled.org/loom/loomserver/config"
	"tangled.org/loom/loomserver/db"
	"tangled.org/loom/loomserver/engine"
	"tangled.org/loom/loomserver/engine/docker"
	"tangled.org/loom/loomserver/engine/host"
	"tangled.org/loom/loomserver/runner"
	"tangled.org/loom/loomserver/scheduler"
	"tangled.org/loom/notifier"
	"tangled.org/loom/workflow"
)

type Loom struct {
	l     *slog.Logger
	db    *db.DB
	n     *notifier.Notifier
	store *workflow.Store
	sched *scheduler.Scheduler
	cfg   *config.Config
}

func Command() *cli.Command {
	return &cli.Command{
		Name:   "server",
		Usage:  "run a loom server",
		Action: Run,
		Description: `
Environment variables:
	LOOM_SERVER_LISTEN_ADDR         (default: 0.0.0.0:6885)
	LOOM_SERVER_DB_PATH             (default: loom.db)
	LOOM_SERVER_DEV                 (default: false)
	LOOM_PIPELINES_ENGINE           (host or docker, default: host)
	LOOM_PIPELINES_DEF_DIR          (default: /etc/loom/pipelines)
	LOOM_PIPELINES_LOG_DIR          (default: /var/log/loom)
	LOOM_PIPELINES_WORKSPACE_DIR    (default: /var/lib/loom/workspaces)
	LOOM_PIPELINES_DEFAULT_IMAGE    (default: alpine:latest)
	LOOM_PIPELINES_JOB_TIMEOUT      (default: 5m)
	LOOM_PIPELINES_QUEUE_TIMEOUT    (default: 2m)
	LOOM_PIPELINES_MAX_RUNS         (default: 4)
	LOOM_PIPELINES_MAX_PER_BRANCH   (default: 2)
	LOOM_PIPELINES_RUNNERS          (default: 4)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	var eng engine.Engine
	switch cfg.Pipelines.Engine {
	case "host":
		eng, err = host.New(ctx, cfg)
	case "docker":
		eng, err = docker.New(ctx, cfg)
	default:
		return fmt.Errorf("unknown step engine %q", cfg.Pipelines.Engine)
	}
	if err != nil {
		return fmt.Errorf("failed to setup %s engine: %w", cfg.Pipelines.Engine, err)
	}

	pool := runner.NewPool(cfg.Pipelines.Runners)
	defer pool.Close()

	store := workflow.NewStore(cfg.Pipelines.DefDir, log.SubLogger(logger, "store"))

	sched := scheduler.New(ctx, d, &n, eng, pool, cfg)
	sched.Start()
	defer sched.Stop()

	loom := Loom{
		l:     logger,
		db:    d,
		n:     &n,
		store: store,
		sched: sched,
		cfg:   cfg,
	}

	logger.Info("starting loom server", "address", cfg.Server.ListenAddr, "engine", cfg.Pipelines.Engine)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, loom.Router()))

	return nil
}

func (s *Loom) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.RequestLogger)

	mux.Post("/events", s.Intake)
	mux.Get("/runs", s.ListRuns)
	mux.Get("/runs/{id}", s.GetRun)
	mux.Post("/runs/{id}/cancel", s.CancelRun)
	mux.HandleFunc("/events/stream", s.Events)
	mux.HandleFunc("/logs/{id}", s.Logs)

	return mux
}
