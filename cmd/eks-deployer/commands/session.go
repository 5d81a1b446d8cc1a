package commands

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/builder"
	"github.com/savaki/eks-deployer/internal/config"
	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/di"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/savaki/eks-deployer/internal/orchestrator"
	"github.com/savaki/eks-deployer/internal/registry"
	"github.com/savaki/eks-deployer/internal/services"
	"github.com/urfave/cli/v2"
)

// configFlags are accepted by every command that reads deployer.yaml. Set
// flags override values from the file.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the pipeline config",
			Value:   constants.DefaultConfigFile,
			EnvVars: []string{"DEPLOYER_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Environment name (dev, stg, prd)",
			EnvVars: []string{"ENV"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "AWS region",
			EnvVars: []string{"AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    "cluster",
			Usage:   "EKS cluster name",
			EnvVars: []string{"EKS_CLUSTER"},
		},
		&cli.StringFlag{
			Name:    "namespace",
			Aliases: []string{"n"},
			Usage:   "Kubernetes namespace",
		},
		&cli.StringFlag{
			Name:  "kubeconfig",
			Usage: "Path to a kubeconfig file; EKS credentials are used when empty",
		},
		&cli.StringFlag{
			Name:  "tag",
			Usage: "Image tag (defaults to the deployment ID)",
		},
	}
}

// session is a loaded, resolved and validated config with its container
type session struct {
	cfg       *config.Config
	container di.Container
	logger    zerolog.Logger
	dryRun    bool
}

func loadSession(c *cli.Context, logger *zerolog.Logger, dryRun bool) (*session, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	applyOverrides(c, cfg)

	container, err := di.New(cfg.Env,
		di.WithContext(c.Context),
		di.WithLogger(*logger),
		di.WithConfig(cfg),
		di.WithDryRun(dryRun),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	store, err := di.Get[services.ParameterStore](container)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameter store: %w", err)
	}
	if err := cfg.Resolve(c.Context, store); err != nil {
		return nil, fmt.Errorf("failed to resolve config parameters: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &session{
		cfg:       cfg,
		container: container,
		logger:    logger.With().Str("app", cfg.App).Str("env", cfg.Env).Logger(),
		dryRun:    dryRun,
	}, nil
}

func applyOverrides(c *cli.Context, cfg *config.Config) {
	if v := c.String("env"); v != "" {
		cfg.Env = v
	}
	if v := c.String("region"); v != "" {
		cfg.Region = v
	}
	if v := c.String("cluster"); v != "" {
		cfg.Cluster.Name = v
	}
	if v := c.String("namespace"); v != "" {
		cfg.Cluster.Namespace = v
	}
	if v := c.String("kubeconfig"); v != "" {
		// flag paths are relative to the working directory, not the config file
		if abs, err := filepath.Abs(v); err == nil {
			v = abs
		}
		cfg.Cluster.Kubeconfig = v
	}
	if v := c.String("tag"); v != "" {
		cfg.Image.Tag = v
	}
}

// clusterID identifies the cluster in locks and deployment history. The
// contexts written by aws eks update-kubeconfig are cluster ARNs; those map
// to the cluster name so either form shares the same state.
func clusterID(cfg *config.Config) string {
	switch {
	case cfg.Cluster.Name != "":
		return cfg.Cluster.Name
	case cfg.Cluster.Context != "":
		if name, ok := eksClusterName(cfg.Cluster.Context); ok {
			return name
		}
		return cfg.Cluster.Context
	default:
		return "default"
	}
}

// eksClusterName extracts the name from arn:aws:eks:{region}:{account}:cluster/{name}
func eksClusterName(s string) (string, bool) {
	if !strings.HasPrefix(s, "arn:") {
		return "", false
	}
	parts := strings.SplitN(s, ":", 6)
	if len(parts) != 6 || parts[2] != "eks" {
		return "", false
	}
	name, ok := strings.CutPrefix(parts[5], "cluster/")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// holder identifies who started a deployment, e.g. alice@build-01
func holder() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return name
	}
	return name + "@" + host
}

// repository returns the image repository without a tag. When no registry is
// configured the account's ECR registry is used, looking the account up if needed.
func (s *session) repository(ctx context.Context) (string, error) {
	cfg := s.cfg
	host := cfg.Image.Registry
	if host == "" {
		if cfg.Account == "" {
			ecr, err := di.Get[*services.ECRService](s.container)
			if err != nil {
				return "", err
			}
			account, err := ecr.GetAccountID(ctx)
			if err != nil {
				return "", fmt.Errorf("failed to look up AWS account: %w", err)
			}
			cfg.Account = account
		}
		host = registry.ECRHost(cfg.Account, cfg.Region)
	}
	return strings.TrimSuffix(host, "/") + "/" + cfg.Image.Repository, nil
}

// ensureRepository creates the ECR repository when the config asks for it
func (s *session) ensureRepository(ctx context.Context, repository string) error {
	if !s.cfg.Image.CreateRepository || s.dryRun {
		return nil
	}
	host, _, _ := strings.Cut(repository, "/")
	if _, _, ok := registry.ParseECRHost(host); !ok {
		s.logger.Warn().Str("registry", host).Msg("createRepository is only supported for ECR; skipping")
		return nil
	}

	ecr, err := di.Get[*services.ECRService](s.container)
	if err != nil {
		return err
	}
	info, err := ecr.EnsureRepository(ctx, s.cfg.Image.Repository)
	if err != nil {
		return err
	}
	if info.Created {
		s.logger.Info().Str("repository", info.URI).Msg("created ECR repository")
	}
	return ecr.SetLifecyclePolicy(ctx, s.cfg.Image.Repository, s.cfg.Image.KeepImages)
}

func (s *session) pipeline() (*orchestrator.Orchestrator, error) {
	return di.Get[*orchestrator.Orchestrator](s.container)
}

// request maps the config onto an orchestrator request
func (s *session) request(repository string) orchestrator.Request {
	cfg := s.cfg

	manifests := make([]string, 0, len(cfg.Manifests))
	for _, m := range cfg.Manifests {
		manifests = append(manifests, cfg.Path(m))
	}

	files := make([]orchestrator.File, 0, len(cfg.Files))
	for _, f := range cfg.Files {
		files = append(files, orchestrator.File{
			Template: cfg.Path(f.Template),
			Output:   cfg.Path(f.Output),
		})
	}

	return orchestrator.Request{
		App:       cfg.App,
		Env:       cfg.Env,
		Region:    cfg.Region,
		Account:   cfg.Account,
		Cluster:   clusterID(cfg),
		Namespace: cfg.Cluster.Namespace,
		Holder:    holder(),
		Build: builder.Request{
			Context:    cfg.Path(cfg.Build.Context),
			Dockerfile: cfg.Build.Dockerfile,
			Platform:   cfg.Build.Platform,
			Target:     cfg.Build.Target,
			BuildArgs:  cfg.Build.Args,
			Labels:     cfg.Build.Labels,
			NoCache:    cfg.Build.NoCache,
		},
		Repository:          repository,
		ImageTag:            cfg.Image.Tag,
		Insecure:            cfg.Image.Insecure,
		Manifests:           manifests,
		Files:               files,
		Values:              cfg.Values,
		SkipPolicy:          cfg.Policy.Disabled,
		AllowedRegistries:   cfg.Policy.AllowedRegistries,
		RolloutTimeout:      cfg.Rollout.Timeout,
		LoadBalancerTimeout: cfg.Rollout.LoadBalancerTimeout,
		SkipWait:            cfg.Rollout.SkipWait,
	}
}

// state returns the DynamoDB state service or an error naming the missing setting
func (s *session) state() (*services.DynamoDBService, error) {
	dynamo, err := di.Get[*services.DynamoDBService](s.container)
	if err != nil {
		return nil, err
	}
	if dynamo == nil {
		return nil, fmt.Errorf("%w: state.table is not configured", errors.ErrInvalidConfig)
	}
	return dynamo, nil
}
