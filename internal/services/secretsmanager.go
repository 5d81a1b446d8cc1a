package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerService struct {
	client SecretsManagerAPI
}

// RegistryCredentials holds username/password credentials for a non-ECR registry
type RegistryCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func NewSecretsManagerService(cfg aws.Config) *SecretsManagerService {
	return NewSecretsManagerServiceWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewSecretsManagerServiceWithClient(client SecretsManagerAPI) *SecretsManagerService {
	return &SecretsManagerService{client: client}
}

// GetSecret retrieves a secret value by path from AWS Secrets Manager
func (s *SecretsManagerService) GetSecret(ctx context.Context, secretPath string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretPath, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretPath)
	}

	return *result.SecretString, nil
}

// GetRegistryCredentials retrieves registry credentials stored as
// {"username": "...", "password": "..."}
func (s *SecretsManagerService) GetRegistryCredentials(ctx context.Context, secretPath string) (*RegistryCredentials, error) {
	value, err := s.GetSecret(ctx, secretPath)
	if err != nil {
		return nil, err
	}

	var creds RegistryCredentials
	if err := json.Unmarshal([]byte(value), &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry credentials: %w", err)
	}

	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("username and password are required in secret %s", secretPath)
	}

	return &creds, nil
}
