package commands

import (
	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/orchestrator"
	"github.com/urfave/cli/v2"
)

func RollbackCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "rollback",
		Usage: "Re-apply the manifests of an earlier deployment",
		Description: `Re-applies the manifests archived by a previous successful deployment.
Requires state.table and state.bucket. The rollback is recorded as a new deployment.

Example:
  eks-deployer history
  eks-deployer rollback --to 2HFj3kLmNoPqRsTuVwXyZaBcDeF`,
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Deployment ID to roll back to",
				Required: true,
			},
		),
		Action: func(c *cli.Context) error {
			return rollbackAction(c, logger)
		},
	}
}

func rollbackAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context

	s, err := loadSession(c, logger, false)
	if err != nil {
		return err
	}

	o, err := s.pipeline()
	if err != nil {
		return err
	}

	cfg := s.cfg
	result, err := o.Rollback(ctx, orchestrator.RollbackRequest{
		App:                 cfg.App,
		Env:                 cfg.Env,
		Cluster:             clusterID(cfg),
		Namespace:           cfg.Cluster.Namespace,
		Holder:              holder(),
		Target:              c.String("to"),
		RolloutTimeout:      cfg.Rollout.Timeout,
		LoadBalancerTimeout: cfg.Rollout.LoadBalancerTimeout,
		SkipWait:            cfg.Rollout.SkipWait,
	})
	if err != nil {
		return err
	}

	printResult(result)
	return nil
}
