package di

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/savaki/eks-deployer/internal/config"
	"github.com/savaki/eks-deployer/internal/services"
)

// ProvideDynamoDBService returns nil when no state table is configured
func ProvideDynamoDBService(cfg *config.Config, client *dynamodb.Client) *services.DynamoDBService {
	if cfg.State.Table == "" {
		return nil
	}
	return services.NewDynamoDBService(client, cfg.State.Table)
}

// ProvideArtifactStore returns nil when no artifact bucket is configured
func ProvideArtifactStore(cfg *config.Config, client *s3.Client) *services.ArtifactStore {
	if cfg.State.Bucket == "" {
		return nil
	}
	return services.NewArtifactStore(client, cfg.State.Bucket)
}
