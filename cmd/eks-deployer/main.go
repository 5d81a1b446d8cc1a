package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/cmd/eks-deployer/commands"
	"github.com/savaki/eks-deployer/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "eks-deployer",
		Usage: "Build, push and deploy a container image to EKS",
		Description: `Runs the container deployment tutorial as a single pipeline:

  build image -> push to ECR -> render manifests -> apply to EKS

Each step runs only when the previous one succeeded. Optional DynamoDB and S3
state adds deployment locks, history and rollback.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", c.String("log-level"), err)
			}
			logger = logger.Level(level)
			c.Context = logger.WithContext(c.Context)
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(&logger),
			commands.BuildCommand(&logger),
			commands.RenderCommand(&logger),
			commands.DeployCommand(&logger),
			commands.RollbackCommand(&logger),
			commands.HistoryCommand(&logger),
			commands.UnlockCommand(&logger),
			commands.SetupECRCommand(&logger),
			commands.SetupStateCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
