package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/orchestrator"
	"github.com/urfave/cli/v2"
)

func DeployCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "deploy",
		Usage: "Build, push, render and apply the app",
		Description: `Runs the full pipeline described by deployer.yaml:

  1. build the image with the configured build tool
  2. push it to the registry and resolve its digest
  3. render manifests and files against the digest reference
  4. check manifests against the deployment policy
  5. apply them and wait for the rollout and load balancer

With --dry-run only steps 3 and 4 run and the manifests are printed.`,
		Flags: append(configFlags(),
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Render and validate manifests without building or applying",
			},
			&cli.StringFlag{
				Name:  "deployment-id",
				Usage: "Deployment ID (defaults to a new KSUID)",
			},
		),
		Action: func(c *cli.Context) error {
			if c.Bool("dry-run") {
				return renderAction(c, logger)
			}
			return deployAction(c, logger)
		},
	}
}

func RenderCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "Render and validate manifests without building or applying",
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write manifests to this file instead of stdout",
			},
		),
		Action: func(c *cli.Context) error {
			return renderAction(c, logger)
		},
	}
}

func deployAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context

	s, err := loadSession(c, logger, false)
	if err != nil {
		return err
	}

	repository, err := s.repository(ctx)
	if err != nil {
		return err
	}
	if err := s.ensureRepository(ctx, repository); err != nil {
		return err
	}

	o, err := s.pipeline()
	if err != nil {
		return err
	}

	req := s.request(repository)
	req.DeploymentID = c.String("deployment-id")

	result, err := o.Run(ctx, req)
	if err != nil {
		return err
	}

	printResult(result)
	return nil
}

func renderAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context

	s, err := loadSession(c, logger, true)
	if err != nil {
		return err
	}

	repository, err := s.repository(ctx)
	if err != nil {
		return err
	}

	o, err := s.pipeline()
	if err != nil {
		return err
	}

	req := s.request(repository)
	if c.IsSet("deployment-id") {
		req.DeploymentID = c.String("deployment-id")
	}

	result, err := o.DryRun(ctx, req)
	if err != nil {
		return err
	}

	if output := c.String("output"); output != "" {
		if err := os.WriteFile(output, result.Manifests, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		s.logger.Info().Str("file", output).Int("documents", len(result.Documents)).Msg("wrote manifests")
		return nil
	}

	_, err = os.Stdout.Write(result.Manifests)
	return err
}

func printResult(result *orchestrator.Result) {
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("Deployment Complete!")
	fmt.Println("========================================")
	fmt.Printf("Deployment:  %s\n", result.DeploymentID)
	fmt.Printf("Image:       %s\n", result.Image)
	if result.ManifestURI != "" {
		fmt.Printf("Manifests:   %s\n", result.ManifestURI)
	}
	for _, applied := range result.Applied {
		fmt.Printf("  %s\n", applied)
	}
	if result.Endpoint != "" {
		fmt.Printf("Endpoint:    http://%s\n", result.Endpoint)
	}
	fmt.Printf("Duration:    %s\n", result.Duration.Round(100*time.Millisecond))
}
