package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.org/loom/log"
	"tangled.org/loom/loomserver"
)

func main() {
	cmd := &cli.Command{
		Name:  "loom",
		Usage: "pipeline orchestration for repository events",
		Commands: []*cli.Command{
			loomserver.Command(),
			loomserver.CheckCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("loom")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
