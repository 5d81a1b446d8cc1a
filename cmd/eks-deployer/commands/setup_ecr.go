package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/di"
	"github.com/savaki/eks-deployer/internal/registry"
	"github.com/savaki/eks-deployer/internal/services"
	"github.com/urfave/cli/v2"
)

func SetupECRCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "setup-ecr",
		Usage: "Create the ECR repository for the app",
		Description: `Create the app's ECR repository with scan-on-push, tag immutability and,
when the account belongs to an organization, org-wide read permissions.

When --role-name is given the role (typically a CI role) is granted permission to
push to the repository and to describe the cluster.`,
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:  "role-name",
				Usage: "IAM role name to grant ECR push permissions",
			},
			&cli.IntFlag{
				Name:  "keep-images",
				Usage: "Expire all but the most recent N images (overrides image.keepImages)",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Show what would be created without creating resources",
			},
		),
		Action: func(c *cli.Context) error {
			return setupECRAction(c, logger)
		},
	}
}

func setupECRAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context

	s, err := loadSession(c, logger, true)
	if err != nil {
		return err
	}
	cfg := s.cfg

	roleName := c.String("role-name")
	keep := cfg.Image.KeepImages
	if c.IsSet("keep-images") {
		keep = c.Int("keep-images")
	}

	if c.Bool("dry-run") {
		logger.Info().Msg("DRY RUN: Would create the following ECR repository:")
		logger.Info().Msgf("  - %s (region: %s)", cfg.Image.Repository, cfg.Region)
		logger.Info().Msg("DRY RUN: Would enable:")
		logger.Info().Msg("  - Scan on push")
		logger.Info().Msg("  - Tag immutability")
		if keep > 0 {
			logger.Info().Msgf("  - Lifecycle policy keeping %d images", keep)
		}
		logger.Info().Msg("DRY RUN: Would check for AWS Organization and set org-wide read permissions if applicable")
		if roleName != "" {
			logger.Info().Msgf("DRY RUN: Would add ECR push permissions to IAM role: %s", roleName)
		}
		return nil
	}

	ecr, err := di.Get[*services.ECRService](s.container)
	if err != nil {
		return err
	}

	accountID := cfg.Account
	if accountID == "" {
		accountID, err = ecr.GetAccountID(ctx)
		if err != nil {
			return fmt.Errorf("failed to look up AWS account: %w", err)
		}
	}

	// Check if account is in an organization
	logger.Info().Msg("Checking if AWS account is in an organization...")
	orgID, err := ecr.GetOrganizationID(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to check organization status (will skip org-wide permissions)")
		orgID = ""
	}

	logger.Info().Msgf("Creating repository: %s", cfg.Image.Repository)
	repo, err := ecr.EnsureRepository(ctx, cfg.Image.Repository)
	if err != nil {
		return fmt.Errorf("failed to create repository %q: %w", cfg.Image.Repository, err)
	}
	if repo.Created {
		logger.Info().Msgf("  ✓ Created: %s", repo.Name)
	} else {
		logger.Info().Msgf("  ✓ Already exists: %s", repo.Name)
	}

	if orgID != "" {
		logger.Info().Msgf("  Setting org-wide read permissions for %s...", orgID)
		if err := ecr.SetRepositoryPolicy(ctx, repo.Name, orgID); err != nil {
			logger.Warn().Err(err).Msg("    Failed to set org-wide policy (repository still created)")
			orgID = ""
		} else {
			logger.Info().Msg("  ✓ Org-wide read permissions configured")
		}
	}

	if err := ecr.SetLifecyclePolicy(ctx, repo.Name, keep); err != nil {
		return err
	}

	if roleName != "" {
		logger.Info().Msgf("Adding ECR push permissions to IAM role: %s", roleName)
		iam, err := di.Get[*services.IAMService](s.container)
		if err != nil {
			return err
		}

		var clusterARNs []string
		if cfg.Cluster.Name != "" {
			clusterARNs = append(clusterARNs, fmt.Sprintf("arn:aws:eks:%s:%s:cluster/%s", cfg.Region, accountID, cfg.Cluster.Name))
		}
		if err := iam.AddECRPushPermissions(ctx, roleName, []string{repo.ARN}, clusterARNs); err != nil {
			return fmt.Errorf("failed to add ECR permissions to role: %w", err)
		}
		logger.Info().Msg("  ✓ ECR push permissions added to role")
	}

	// Summary
	logger.Info().Msg("")
	logger.Info().Msg("========================================")
	logger.Info().Msg("ECR Setup Complete!")
	logger.Info().Msg("========================================")
	logger.Info().Msgf("Region:      %s", cfg.Region)
	logger.Info().Msgf("Account:     %s", accountID)
	logger.Info().Msgf("Repository:  %s", repo.URI)
	logger.Info().Msg("")
	logger.Info().Msg("Features enabled:")
	logger.Info().Msg("  ✓ Scan on push")
	logger.Info().Msg("  ✓ Tag immutability")
	if keep > 0 {
		logger.Info().Msgf("  ✓ Keeps the %d most recent images", keep)
	}
	if orgID != "" {
		logger.Info().Msg("  ✓ Org-wide read permissions")
	}
	if roleName != "" {
		logger.Info().Msgf("  ✓ IAM role %s has ECR push permissions", roleName)
	}
	logger.Info().Msg("")
	logger.Info().Msgf("Images are pushed to %s/%s", registry.ECRHost(accountID, cfg.Region), repo.Name)

	return nil
}
