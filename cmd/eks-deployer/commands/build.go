package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/builder"
	"github.com/savaki/eks-deployer/internal/di"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"
)

func BuildCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Build the image locally without pushing it",
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:  "output-tarball",
				Usage: "Also save the image to this tarball",
			},
		),
		Action: func(c *cli.Context) error {
			return buildAction(c, logger)
		},
	}
}

func buildAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context

	// a dry run session never connects to the cluster
	s, err := loadSession(c, logger, true)
	if err != nil {
		return err
	}

	repository, err := s.repository(ctx)
	if err != nil {
		return err
	}

	tag := s.cfg.Image.Tag
	if tag == "" {
		tag = ksuid.New().String()
	}

	b, err := di.Get[*builder.Builder](s.container)
	if err != nil {
		return err
	}

	req := s.request(repository).Build
	req.Tag = repository + ":" + tag
	req.OutputTarball = c.String("output-tarball")

	result, err := b.Build(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("Built %s (%s) in %s\n", result.Tag, result.ImageID, result.Duration)
	if result.Tarball != "" {
		fmt.Printf("Saved to %s\n", result.Tarball)
	}
	return nil
}
