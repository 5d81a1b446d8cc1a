package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/cluster"
	"github.com/savaki/eks-deployer/internal/config"
	"k8s.io/client-go/kubernetes"
)

// ProvideKubernetes returns a clientset for the configured cluster, or nil
// during a dry run. An explicit kubeconfig or context wins over EKS discovery.
func ProvideKubernetes(ctx context.Context, awsConfig aws.Config, cfg *config.Config, dryRun DryRun, logger zerolog.Logger) (kubernetes.Interface, error) {
	if dryRun {
		return nil, nil
	}

	c := cfg.Cluster
	if c.Kubeconfig != "" || c.Context != "" || c.Name == "" {
		logger.Debug().
			Str("kubeconfig", c.Kubeconfig).
			Str("context", c.Context).
			Msg("using kubeconfig credentials")
		clientset, _, err := cluster.BuildKubeClient(cfg.Path(c.Kubeconfig), c.Context)
		if err != nil {
			return nil, err
		}
		return clientset, nil
	}

	logger.Debug().Str("cluster", c.Name).Msg("using EKS credentials")
	clientset, _, err := cluster.BuildEKSClient(ctx, awsConfig, c.Name)
	if err != nil {
		return nil, err
	}
	return clientset, nil
}

// ProvideApplier returns nil when no clientset is available
func ProvideApplier(clientset kubernetes.Interface, logger zerolog.Logger) *cluster.Applier {
	if clientset == nil {
		return nil
	}
	return cluster.NewApplier(clientset, logger)
}
