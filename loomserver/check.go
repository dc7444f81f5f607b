package loomserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"tangled.org/loom/workflow"
)

func CheckCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "validate pipeline definition files without running them",
		ArgsUsage: "[file ...]",
		Action:    Check,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "check every .yml file under this directory",
			},
		},
	}
}

func Check(ctx context.Context, cmd *cli.Command) error {
	files := cmd.Args().Slice()

	if dir := cmd.String("dir"); dir != "" {
		found, err := filepath.Glob(filepath.Join(dir, "*.yml"))
		if err != nil {
			return err
		}
		files = append(files, found...)
	}

	if len(files) == 0 {
		return fmt.Errorf("nothing to check: pass files or --dir")
	}

	failed := 0
	for _, file := range files {
		contents, err := os.ReadFile(file)
		if err != nil {
			fmt.Printf("%s: %v\n", file, err)
			failed++
			continue
		}

		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		def, err := workflow.Load(name, contents)
		if err != nil {
			fmt.Printf("%s: %v\n", file, err)
			failed++
			continue
		}

		order, err := def.Order()
		if err != nil {
			fmt.Printf("%s: %v\n", file, err)
			failed++
			continue
		}

		fmt.Printf("%s: ok (%d jobs: %s)\n", file, len(order), strings.Join(order, ", "))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d definitions invalid", failed, len(files))
	}
	return nil
}
