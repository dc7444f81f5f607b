package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6885"`
	DBPath     string `env:"DB_PATH, default=loom.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Pipelines struct {
	// engine selects how steps run: "host" executes subprocesses
	// directly, "docker" runs one container per step.
	Engine string `env:"ENGINE, default=host"`

	DefDir       string `env:"DEF_DIR, default=/etc/loom/pipelines"`
	LogDir       string `env:"LOG_DIR, default=/var/log/loom"`
	WorkspaceDir string `env:"WORKSPACE_DIR, default=/var/lib/loom/workspaces"`

	// docker engine only
	DefaultImage string `env:"DEFAULT_IMAGE, default=alpine:latest"`

	JobTimeout   time.Duration `env:"JOB_TIMEOUT, default=5m"`
	QueueTimeout time.Duration `env:"QUEUE_TIMEOUT, default=2m"`

	MaxRuns      int64 `env:"MAX_RUNS, default=4"`
	MaxPerBranch int   `env:"MAX_PER_BRANCH, default=2"`
	Runners      int   `env:"RUNNERS, default=4"`
	QueueSize    int   `env:"QUEUE_SIZE, default=100"`
	Workers      int   `env:"WORKERS, default=4"`

	InfraRetries uint `env:"INFRA_RETRIES, default=3"`
}

type Config struct {
	Server    Server    `env:",prefix=LOOM_SERVER_"`
	Pipelines Pipelines `env:",prefix=LOOM_PIPELINES_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
