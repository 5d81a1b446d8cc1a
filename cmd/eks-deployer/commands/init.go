package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/scaffold"
	"github.com/urfave/cli/v2"
)

func InitCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a starter project",
		Description: `Writes a Python function image, a serverless config template, Kubernetes
manifests and a deployer.yaml into the target directory.

Existing files are never overwritten unless --force is given.

Example:
  eks-deployer init --app hello --cluster demo --account 123456789012`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory to write the project into",
				Value: ".",
			},
			&cli.StringFlag{
				Name:     "app",
				Aliases:  []string{"a"},
				Usage:    "App name, a lowercase DNS label",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cluster",
				Usage:    "EKS cluster name",
				Required: true,
				EnvVars:  []string{"EKS_CLUSTER"},
			},
			&cli.StringFlag{
				Name:    "region",
				Usage:   "AWS region",
				Value:   constants.DefaultRegion,
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:  "account",
				Usage: "AWS account ID; looked up at deploy time when empty",
			},
			&cli.StringFlag{
				Name:    "namespace",
				Aliases: []string{"n"},
				Usage:   "Kubernetes namespace",
				Value:   constants.DefaultNamespace,
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite existing files",
			},
		},
		Action: func(c *cli.Context) error {
			return initAction(c, logger)
		},
	}
}

func initAction(c *cli.Context, logger *zerolog.Logger) error {
	project := scaffold.Project{
		App:       c.String("app"),
		Region:    c.String("region"),
		Account:   c.String("account"),
		Cluster:   c.String("cluster"),
		Namespace: c.String("namespace"),
	}

	written, err := scaffold.Write(c.String("dir"), project, scaffold.Options{Force: c.Bool("force")}, *logger)
	if err != nil {
		return err
	}

	for _, path := range written {
		logger.Info().Msgf("  ✓ %s", path)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  eks-deployer setup-ecr          # create the ECR repository")
	fmt.Println("  eks-deployer deploy --dry-run   # preview the manifests")
	fmt.Println("  eks-deployer deploy             # build, push and deploy")
	return nil
}
