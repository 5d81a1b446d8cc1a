package di

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/builder"
	"github.com/savaki/eks-deployer/internal/cluster"
	"github.com/savaki/eks-deployer/internal/config"
	"github.com/savaki/eks-deployer/internal/orchestrator"
	"github.com/savaki/eks-deployer/internal/policy"
	"github.com/savaki/eks-deployer/internal/registry"
	"github.com/savaki/eks-deployer/internal/render"
	"github.com/savaki/eks-deployer/internal/services"
)

func ProvideRunner() builder.Runner {
	return builder.ExecRunner{}
}

func ProvideBuilder(runner builder.Runner, cfg *config.Config, logger zerolog.Logger) *builder.Builder {
	return builder.New(runner, cfg.Build.Tool, logger, builder.WithOutput(os.Stderr))
}

// ProvideAuthenticator resolves ECR hosts with the AWS credential chain and
// every other registry with either the configured secret or the docker keychain
func ProvideAuthenticator(ctx context.Context, awsConfig aws.Config, cfg *config.Config, secrets *services.SecretsManagerService, dryRun DryRun, logger zerolog.Logger) (registry.Authenticator, error) {
	var fallback registry.Authenticator = registry.KeychainAuthenticator{}
	if secret := cfg.Image.CredentialsSecret; secret != "" && !dryRun {
		creds, err := secrets.GetRegistryCredentials(ctx, secret)
		if err != nil {
			return nil, fmt.Errorf("failed to load registry credentials: %w", err)
		}
		fallback = registry.StaticAuthenticator{
			Username: creds.Username,
			Password: creds.Password,
		}
	}
	return registry.NewECRAuthenticator(awsConfig, fallback, logger), nil
}

func ProvidePublisher(auth registry.Authenticator, cfg *config.Config, logger zerolog.Logger) *registry.Publisher {
	retry := registry.RetryPolicy{
		InitialInterval: cfg.Push.InitialInterval,
		MaxInterval:     cfg.Push.MaxInterval,
		MaxElapsedTime:  cfg.Push.MaxElapsedTime,
		MaxRetries:      cfg.Push.MaxRetries,
	}
	return registry.NewPublisher(auth, logger, registry.WithRetryPolicy(retry))
}

func ProvideRenderer(cfg *config.Config) *render.Renderer {
	return render.New(render.WithLabels(map[string]string{
		"app.kubernetes.io/part-of": cfg.App,
	}))
}

func ProvideValidator() (*policy.Validator, error) {
	return policy.NewValidator()
}

// ProvideOrchestrator wires the pipeline. State stores are optional; only the
// ones that were configured are attached.
func ProvideOrchestrator(
	imageBuilder *builder.Builder,
	publisher *registry.Publisher,
	renderer *render.Renderer,
	validator *policy.Validator,
	applier *cluster.Applier,
	dynamo *services.DynamoDBService,
	archive *services.ArtifactStore,
	logger zerolog.Logger,
) *orchestrator.Orchestrator {
	components := orchestrator.Components{
		Builder:   imageBuilder,
		Publisher: publisher,
		Renderer:  renderer,
		Validator: validator,
	}
	if applier != nil {
		components.Applier = applier
	}

	var opts []orchestrator.Option
	if dynamo != nil {
		opts = append(opts,
			orchestrator.WithLocks(dynamo.Locks()),
			orchestrator.WithHistory(dynamo.Deployments()),
		)
	}
	if archive != nil {
		opts = append(opts, orchestrator.WithArchive(archive))
	}

	return orchestrator.New(components, logger, opts...)
}
