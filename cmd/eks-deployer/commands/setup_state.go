package commands

import (
	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/services"
	"github.com/urfave/cli/v2"
)

func SetupStateCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "setup-state",
		Usage: "Create the DynamoDB tables for deployment locks and history",
		Description: `Creates {state.table}-locks and {state.table}-deployments when missing and
enables TTL expiry of lock records. Safe to run more than once.

The state.bucket used for manifest archives is not created; it must already exist.`,
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			return setupStateAction(c, logger)
		},
	}
}

func setupStateAction(c *cli.Context, logger *zerolog.Logger) error {
	s, err := loadSession(c, logger, true)
	if err != nil {
		return err
	}
	dynamo, err := s.state()
	if err != nil {
		return err
	}

	if err := dynamo.EnsureTables(c.Context); err != nil {
		return err
	}

	logger.Info().Msgf("  ✓ %s", services.LocksTableName(s.cfg.State.Table))
	logger.Info().Msgf("  ✓ %s", services.DeploymentsTableName(s.cfg.State.Table))
	if s.cfg.State.Bucket == "" {
		logger.Info().Msg("state.bucket is not set; manifests will not be archived and rollback is unavailable")
	}
	return nil
}
